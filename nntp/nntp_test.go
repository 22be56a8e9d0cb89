package nntp

import (
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	check := func(line string, want RespKind) {
		t.Helper()
		if got := Classify(line); got != want {
			t.Fatalf("classify %q: got %v, want %v", line, got, want)
		}
	}

	// Success family: leading digit 1, 2 or 3 and a space or end-of-line
	// after the code.
	for _, d := range []int{1, 2, 3} {
		check(fmt.Sprintf("%d00", d), RespSuccess)
		check(fmt.Sprintf("%d11 group selected", d), RespSuccess)
	}
	check("211 100 1 100 misc.test", RespSuccess)
	check("200x", RespError) // 4th character must be space or end.

	check("381 more authentication required", RespAuthContinue)
	check("381", RespAuthContinue)
	check("480 authentication required", RespAuthRequired)
	check("480", RespAuthRequired)

	check("500 command not recognized", RespError)
	check("411 no such group", RespError)

	// Malformed lines shorter than a status code.
	check("", RespError)
	check("21", RespError)
}
