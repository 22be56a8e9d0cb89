package sendmsg

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/crowmail/crow/config"
	"github.com/crowmail/crow/session"
	"github.com/crowmail/crow/smtp"
	"github.com/crowmail/crow/smtpclient"
)

func TestWriteDotDoubled(t *testing.T) {
	check := func(in, want string) {
		t.Helper()
		var b strings.Builder
		if err := writeDotDoubled(&b, strings.NewReader(in)); err != nil {
			t.Fatalf("writing: %s", err)
		}
		if got := b.String(); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}

	check("a\n.\n.b\n", "a\n..\n.b\n")
	check(".\r\n", "..\r\n")
	check("no dots\n", "no dots\n")
	check(".", "..") // Lone dot without line ending.
	check("..\n", "..\n")
}

type fakeServer struct {
	t  *testing.T
	br *bufio.Reader
	bw *bufio.Writer
}

func (f *fakeServer) readLine() string {
	line, err := f.br.ReadString('\n')
	if err != nil {
		f.t.Errorf("fake server: reading line: %s", err)
		return ""
	}
	return strings.TrimRight(line, "\r\n")
}

func (f *fakeServer) expect(want string) {
	if got := f.readLine(); got != want {
		f.t.Errorf("fake server: got %q, want %q", got, want)
	}
}

func (f *fakeServer) reply(lines ...string) {
	for _, line := range lines {
		if _, err := f.bw.WriteString(line + "\r\n"); err != nil {
			f.t.Errorf("fake server: writing line: %s", err)
		}
	}
	if err := f.bw.Flush(); err != nil {
		f.t.Errorf("fake server: flush: %s", err)
	}
}

func (f *fakeServer) authPlain(user, pass string) {
	line := f.readLine()
	if !strings.HasPrefix(line, "AUTH PLAIN ") {
		f.t.Errorf("fake server: got %q, want AUTH PLAIN", line)
		return
	}
	buf, err := base64.StdEncoding.DecodeString(line[len("AUTH PLAIN "):])
	if err != nil {
		f.t.Errorf("fake server: bad auth base64: %s", err)
		return
	}
	if want := "\x00" + user + "\x00" + pass; string(buf) != want {
		f.t.Errorf("fake server: credentials %q, want %q", buf, want)
	}
}

func (f *fakeServer) transaction(from, rcpt, msg string) {
	f.expect("MAIL FROM:<" + from + ">")
	f.reply("250 ok")
	f.expect("RCPT TO:<" + rcpt + ">")
	f.reply("250 ok")
	f.expect("DATA")
	f.reply("354 continue")
	var b strings.Builder
	if _, err := io.Copy(&b, smtp.NewDataReader(f.br)); err != nil {
		f.t.Errorf("fake server: reading message: %s", err)
	}
	if b.String() != msg {
		f.t.Errorf("fake server: message %q, want %q", b.String(), msg)
	}
	f.reply("250 accepted")
}

// dialer returns a DialFunc that starts each script in a goroutine against
// one end of a pipe, plus a wait function for test teardown.
func dialer(t *testing.T, scripts ...func(f *fakeServer)) (DialFunc, func()) {
	t.Helper()
	var wg sync.WaitGroup
	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context, addr string, useTLS bool) (net.Conn, error) {
		mu.Lock()
		i := dials
		dials++
		mu.Unlock()
		if i >= len(scripts) {
			t.Errorf("unexpected dial %d to %s", i, addr)
			return nil, errors.New("no more scripts")
		}
		client, server := net.Pipe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer server.Close()
			scripts[i](&fakeServer{t, bufio.NewReader(server), bufio.NewWriter(server)})
		}()
		return client, nil
	}
	return dial, wg.Wait
}

func testAccount() *config.Account {
	return &config.Account{
		Address: "fred@example.org",
		SMTP: config.SMTP{
			Host: "mail.example.org",
			User: "fred",
		},
	}
}

func TestPromptedPasswordCached(t *testing.T) {
	msg := "Subject: t\r\n\r\nhi\r\n"
	script := func(f *fakeServer) {
		f.reply("220 mail.example")
		f.expect("EHLO localhost")
		f.reply("250-mail.example", "250 AUTH PLAIN")
		f.authPlain("fred", "sekret")
		f.reply("235 ok")
		f.transaction("fred@example.org", "a@example.com", msg)
		f.expect("QUIT")
		f.reply("221 bye")
	}
	dial, wait := dialer(t, script, script)

	prompts := 0
	s := New(nil, Opts{
		Dial: dial,
		Prompt: func(server, user string) (string, bool) {
			prompts++
			return "sekret", true
		},
	})

	for i := 0; i < 2; i++ {
		if _, err := s.SendSMTP(context.Background(), testAccount(), []string{"a@example.com"}, []byte(msg), false); err != nil {
			t.Fatalf("send %d: %s", i, err)
		}
	}
	// The second send must use the cached password.
	if prompts != 1 {
		t.Fatalf("prompted %d times, want 1", prompts)
	}
	wait()
}

func TestAuthFailureClearsCache(t *testing.T) {
	msg := "Subject: t\r\n\r\nhi\r\n"
	reject := func(f *fakeServer) {
		f.reply("220 mail.example")
		f.expect("EHLO localhost")
		f.reply("250-mail.example", "250 AUTH PLAIN")
		f.readLine() // AUTH PLAIN with the bad password.
		f.reply("535 5.7.8 authentication credentials invalid")
	}
	accept := func(f *fakeServer) {
		f.reply("220 mail.example")
		f.expect("EHLO localhost")
		f.reply("250-mail.example", "250 AUTH PLAIN")
		f.authPlain("fred", "right")
		f.reply("235 ok")
		f.transaction("fred@example.org", "a@example.com", msg)
		f.expect("QUIT")
		f.reply("221 bye")
	}
	dial, wait := dialer(t, reject, accept)

	passwords := []string{"wrong", "right"}
	prompts := 0
	s := New(nil, Opts{
		Dial: dial,
		Prompt: func(server, user string) (string, bool) {
			pass := passwords[prompts]
			prompts++
			return pass, true
		},
	})

	_, err := s.SendSMTP(context.Background(), testAccount(), []string{"a@example.com"}, []byte(msg), false)
	var xerr smtpclient.Error
	if !errors.As(err, &xerr) || xerr.Kind != session.AuthFailed {
		t.Fatalf("send with bad password: got %v, want auth failure", err)
	}

	// The rejected password must have been dropped from the cache, so the
	// next send prompts again.
	if _, err := s.SendSMTP(context.Background(), testAccount(), []string{"a@example.com"}, []byte(msg), false); err != nil {
		t.Fatalf("send after new prompt: %s", err)
	}
	if prompts != 2 {
		t.Fatalf("prompted %d times, want 2", prompts)
	}
	wait()
}

func TestKeepSession(t *testing.T) {
	msg := "Subject: t\r\n\r\nhi\r\n"
	script := func(f *fakeServer) {
		f.reply("220 mail.example")
		f.expect("EHLO localhost")
		f.reply("250-mail.example", "250 AUTH PLAIN")
		f.authPlain("fred", "sekret")
		f.reply("235 ok")
		f.transaction("fred@example.org", "a@example.com", msg)
		f.transaction("fred@example.org", "b@example.com", msg)
		f.expect("QUIT")
		f.reply("221 bye")
	}
	dial, wait := dialer(t, script) // A single dial serves both sends.

	acc := testAccount()
	acc.SMTP.Password = "sekret"
	s := New(nil, Opts{Dial: dial})

	if _, err := s.SendSMTP(context.Background(), acc, []string{"a@example.com"}, []byte(msg), true); err != nil {
		t.Fatalf("first send: %s", err)
	}
	if _, err := s.SendSMTP(context.Background(), acc, []string{"b@example.com"}, []byte(msg), false); err != nil {
		t.Fatalf("second send: %s", err)
	}
	wait()
}
