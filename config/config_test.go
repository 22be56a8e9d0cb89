package config

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	acc, err := Parse(strings.NewReader(`Address: fred@example.org
LocalHostname: bücher.example
SMTP:
	Host: mail.example.org
	TLS: true
	User: fred@example.org
	Password: sekret
NNTP:
	Host: news.example.org
`))
	if err != nil {
		t.Fatalf("parsing config: %s", err)
	}
	if acc.LocalHostname != "xn--bcher-kva.example" {
		t.Fatalf("hostname not normalized, got %q", acc.LocalHostname)
	}
	if got := acc.SMTP.Addr(); got != "mail.example.org:465" {
		t.Fatalf("smtp addr with tls: got %q", got)
	}
	if got := acc.NNTP.Addr(); got != "news.example.org:119" {
		t.Fatalf("nntp addr: got %q", got)
	}
}

func TestParseBad(t *testing.T) {
	// Address must contain @.
	_, err := Parse(strings.NewReader(`Address: fred
SMTP:
	Host: mail.example.org
`))
	if err == nil {
		t.Fatalf("missing error for bad address")
	}

	// Either a mail command or an SMTP host is needed.
	_, err = Parse(strings.NewReader(`Address: fred@example.org
`))
	if err == nil {
		t.Fatalf("missing error for config without delivery method")
	}
}

func TestDescribe(t *testing.T) {
	var b strings.Builder
	if err := Describe(&b); err != nil {
		t.Fatalf("describing config: %s", err)
	}
	if !strings.Contains(b.String(), "SMTP:") {
		t.Fatalf("describe output lacks SMTP section: %q", b.String())
	}
}
