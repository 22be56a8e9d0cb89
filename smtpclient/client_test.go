package smtpclient

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/crowmail/crow/sasl"
	"github.com/crowmail/crow/session"
	"github.com/crowmail/crow/smtp"
)

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

func (f *fakeServer) readMessage() string {
	var b strings.Builder
	if _, err := io.Copy(&b, smtp.NewDataReader(f.br)); err != nil {
		f.t.Errorf("fake server: reading message data: %s", err)
	}
	return b.String()
}

func serve(t *testing.T, script func(f *fakeServer)) (net.Conn, chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		script(&fakeServer{t, bufio.NewReader(server), bufio.NewWriter(server)})
	}()
	return client, done
}

func auth(user, pass string) func(mechanisms []string) (sasl.Client, error) {
	return func(mechanisms []string) (sasl.Client, error) {
		return sasl.Choose(mechanisms, user, pass), nil
	}
}

func TestSendAndReuse(t *testing.T) {
	msg := "Subject: test\r\n\r\nhello\r\n"
	conn, done := serve(t, func(f *fakeServer) {
		f.reply("220 mail.example ESMTP")
		f.expect("EHLO host.example")
		f.reply("250-mail.example", "250-SIZE 1048576", "250-AUTH CRAM-MD5 PLAIN LOGIN", "250 ENHANCEDSTATUSCODES")

		// CRAM-MD5 is preferred over the cleartext mechanisms.
		f.expect("AUTH CRAM-MD5")
		challenge := "<12345@mail.example>"
		f.reply("334 " + base64.StdEncoding.EncodeToString([]byte(challenge)))
		buf, err := base64.StdEncoding.DecodeString(f.readLine())
		if err != nil {
			f.t.Errorf("fake server: bad base64 auth response: %s", err)
		}
		mac := hmac.New(md5.New, []byte("sekret"))
		mac.Write([]byte(challenge))
		if want := fmt.Sprintf("fred %x", mac.Sum(nil)); string(buf) != want {
			f.t.Errorf("fake server: auth response %q, want %q", buf, want)
		}
		f.reply("235 2.7.0 authenticated")

		for i := 0; i < 2; i++ {
			f.expect(fmt.Sprintf("MAIL FROM:<fred@example.org> SIZE=%d", len(msg)))
			f.reply("250 2.1.0 ok")
			f.expect("RCPT TO:<a@example.com>")
			f.reply("250 2.1.5 ok")
			f.expect("DATA")
			f.reply("354 continue")
			if got := f.readMessage(); got != msg {
				f.t.Errorf("fake server: got message %q", got)
			}
			f.reply("250 2.0.0 accepted")
		}

		f.expect("QUIT")
		f.reply("221 bye")
	})

	var states []State
	c, err := New(context.Background(), nil, conn, Opts{
		LocalHostname: "host.example",
		Auth:          auth("fred", "sekret"),
		OnState: func(state State, line string) {
			states = append(states, state)
		},
	})
	if err != nil {
		t.Fatalf("new client: %s", err)
	}

	for i := 0; i < 2; i++ {
		failed, err := c.Send(context.Background(), "fred@example.org", []string{"a@example.com"}, int64(len(msg)), strings.NewReader(msg))
		if err != nil {
			t.Fatalf("send %d: %s", i, err)
		}
		if len(failed) != 0 {
			t.Fatalf("send %d: %d failed recipients", i, len(failed))
		}
	}
	if c.State() != StateMailSentOk {
		t.Fatalf("state after send: %v", c.State())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}

	want := []State{StateConnected, StateEhlo, StateAuth,
		StateMailFrom, StateRcptTo, StateData, StateSendingData, StateEOM, StateMailSentOk,
		StateMailFrom, StateRcptTo, StateData, StateSendingData, StateEOM, StateMailSentOk,
		StateQuit, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("got states %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state %d: got %v, want %v", i, states[i], want[i])
		}
	}
	<-done
}

func TestHeloFallback(t *testing.T) {
	msg := "test\r\n"
	conn, done := serve(t, func(f *fakeServer) {
		f.reply("220 old.example")
		f.expect("EHLO localhost")
		f.reply("500 unknown command")
		f.expect("HELO localhost")
		f.reply("250 old.example")
		f.expect("MAIL FROM:<fred@example.org>")
		f.reply("250 ok")
		f.expect("RCPT TO:<a@example.com>")
		f.reply("250 ok")
		f.expect("DATA")
		f.reply("354 continue")
		f.readMessage()
		f.reply("250 accepted")
	})

	c, err := New(context.Background(), nil, conn, Opts{})
	if err != nil {
		t.Fatalf("new client: %s", err)
	}
	defer c.conn.Close()
	if c.State() != StateHelo {
		t.Fatalf("state after hello: %v", c.State())
	}
	if _, err := c.Send(context.Background(), "fred@example.org", []string{"a@example.com"}, int64(len(msg)), strings.NewReader(msg)); err != nil {
		t.Fatalf("send: %s", err)
	}
	<-done
}

func TestRcptTolerance(t *testing.T) {
	msg := "test\r\n"
	conn, done := serve(t, func(f *fakeServer) {
		f.reply("220 mail.example")
		f.expect("EHLO localhost")
		f.reply("250-mail.example", "250 ENHANCEDSTATUSCODES")
		f.expect("MAIL FROM:<fred@example.org>")
		f.reply("250 2.1.0 ok")
		f.expect("RCPT TO:<a@example.com>")
		f.reply("250 2.1.5 ok")
		f.expect("RCPT TO:<b@bad.example>")
		f.reply("550 5.1.1 no such user")
		f.expect("RCPT TO:<c@example.com>")
		f.reply("250 2.1.5 ok")
		f.expect("DATA")
		f.reply("354 continue")
		f.readMessage()
		f.reply("250 2.0.0 accepted")
	})

	c, err := New(context.Background(), nil, conn, Opts{TolerateRcptFailures: true})
	if err != nil {
		t.Fatalf("new client: %s", err)
	}
	defer c.conn.Close()

	rcpts := []string{"a@example.com", "b@bad.example", "c@example.com"}
	failed, err := c.Send(context.Background(), "fred@example.org", rcpts, int64(len(msg)), strings.NewReader(msg))
	if err != nil {
		t.Fatalf("send: %s", err)
	}
	if len(failed) != 1 || failed[0].Code != 550 || !failed[0].Permanent || failed[0].Secode != "1.1" {
		t.Fatalf("failed recipients: %+v", failed)
	}
	<-done
}

func TestRcptAllRejected(t *testing.T) {
	conn, done := serve(t, func(f *fakeServer) {
		f.reply("220 mail.example")
		f.expect("EHLO localhost")
		f.reply("250 mail.example")
		f.expect("MAIL FROM:<fred@example.org>")
		f.reply("250 ok")
		f.expect("RCPT TO:<b@bad.example>")
		f.reply("550 no such user")
	})

	c, err := New(context.Background(), nil, conn, Opts{TolerateRcptFailures: true})
	if err != nil {
		t.Fatalf("new client: %s", err)
	}
	defer c.conn.Close()

	_, err = c.Send(context.Background(), "fred@example.org", []string{"b@bad.example"}, 6, strings.NewReader("test\r\n"))
	var xerr Error
	if !errors.As(err, &xerr) || xerr.Code != 550 || !xerr.Permanent {
		t.Fatalf("send: got %v, want the recipient rejection", err)
	}
	<-done
}

func TestMailFromRejected(t *testing.T) {
	conn, done := serve(t, func(f *fakeServer) {
		f.reply("220 mail.example")
		f.expect("EHLO localhost")
		f.reply("250 mail.example")
		f.expect("MAIL FROM:<fred@example.org>")
		f.reply("550 mailbox unavailable")

		// An aborted transaction is reset before the next one.
		f.expect("RSET")
		f.reply("250 ok")
		f.expect("MAIL FROM:<fred@example.org>")
		f.reply("250 ok")
		f.expect("RCPT TO:<a@example.com>")
		f.reply("250 ok")
		f.expect("DATA")
		f.reply("354 continue")
		f.readMessage()
		f.reply("250 accepted")
	})

	c, err := New(context.Background(), nil, conn, Opts{})
	if err != nil {
		t.Fatalf("new client: %s", err)
	}
	defer c.conn.Close()

	_, err = c.Send(context.Background(), "fred@example.org", []string{"a@example.com"}, 6, strings.NewReader("test\r\n"))
	var xerr Error
	if !errors.As(err, &xerr) || xerr.Code != 550 || !xerr.Permanent || xerr.Command != "mailfrom" {
		t.Fatalf("send: got %v, want mail from rejection", err)
	}

	if _, err := c.Send(context.Background(), "fred@example.org", []string{"a@example.com"}, 6, strings.NewReader("test\r\n")); err != nil {
		t.Fatalf("send after reset: %s", err)
	}
	<-done
}

func TestProgress(t *testing.T) {
	msg := strings.Repeat("0123456789abcde\r\n", 2048) // Several chunks.
	conn, done := serve(t, func(f *fakeServer) {
		f.reply("220 mail.example")
		f.expect("EHLO localhost")
		f.reply("250 mail.example")
		f.expect("MAIL FROM:<fred@example.org>")
		f.reply("250 ok")
		f.expect("RCPT TO:<a@example.com>")
		f.reply("250 ok")
		f.expect("DATA")
		f.reply("354 continue")
		f.readMessage()
		f.reply("250 accepted")
	})

	c, err := New(context.Background(), nil, conn, Opts{})
	if err != nil {
		t.Fatalf("new client: %s", err)
	}
	defer c.conn.Close()

	var calls int
	var lastSent int64
	c.opts.OnProgress = func(sent, total int64) {
		calls++
		if sent <= lastSent {
			t.Errorf("progress not monotonic: %d after %d", sent, lastSent)
		}
		if total != int64(len(msg)) {
			t.Errorf("progress total %d, want %d", total, len(msg))
		}
		lastSent = sent
	}

	if _, err := c.Send(context.Background(), "fred@example.org", []string{"a@example.com"}, int64(len(msg)), strings.NewReader(msg)); err != nil {
		t.Fatalf("send: %s", err)
	}
	if calls < 2 {
		t.Fatalf("progress called %d times, want multiple chunks", calls)
	}
	if lastSent != int64(len(msg)) {
		t.Fatalf("final progress %d, want %d", lastSent, len(msg))
	}
	<-done
}

func TestCancelDuringData(t *testing.T) {
	msg := strings.Repeat("0123456789abcde\r\n", 2048) // Several chunks.
	conn, done := serve(t, func(f *fakeServer) {
		f.reply("220 mail.example")
		f.expect("EHLO localhost")
		f.reply("250 mail.example")
		f.expect("MAIL FROM:<fred@example.org>")
		f.reply("250 ok")
		f.expect("RCPT TO:<a@example.com>")
		f.reply("250 ok")
		f.expect("DATA")
		f.reply("354 continue")
		// Drain whatever arrives until the client gives up and closes.
		io.Copy(io.Discard, f.br)
	})

	c, err := New(context.Background(), nil, conn, Opts{})
	if err != nil {
		t.Fatalf("new client: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.opts.OnProgress = func(sent, total int64) {
		if sent >= total/2 {
			cancel()
		}
	}

	_, err = c.Send(ctx, "fred@example.org", []string{"a@example.com"}, int64(len(msg)), strings.NewReader(msg))
	var xerr Error
	if !errors.As(err, &xerr) || xerr.Kind != session.Cancelled {
		t.Fatalf("send: got %v, want cancellation", err)
	}
	// The data transfer was cut short, so the connection is out of sync and
	// unusable for another transaction.
	if !c.Botched() {
		t.Fatalf("connection usable after cancelled data transfer")
	}
	if c.State() != StateError {
		t.Fatalf("state after cancelled data transfer: %v", c.State())
	}
	conn.Close()
	<-done
}

func TestCancelAfterAccepted(t *testing.T) {
	msg := "Subject: test\r\n\r\nhello\r\n"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, done := serve(t, func(f *fakeServer) {
		f.reply("220 mail.example")
		f.expect("EHLO localhost")
		f.reply("250 mail.example")
		f.expect("MAIL FROM:<fred@example.org>")
		f.reply("250 ok")
		f.expect("RCPT TO:<a@example.com>")
		f.reply("250 ok")
		f.expect("DATA")
		f.reply("354 continue")
		f.readMessage()
		// The message is in. A cancellation arriving before the acceptance
		// is read must not turn the delivery into a failure.
		cancel()
		f.reply("250 accepted")
	})

	c, err := New(context.Background(), nil, conn, Opts{})
	if err != nil {
		t.Fatalf("new client: %s", err)
	}
	defer c.conn.Close()

	if _, err := c.Send(ctx, "fred@example.org", []string{"a@example.com"}, int64(len(msg)), strings.NewReader(msg)); err != nil {
		t.Fatalf("send cancelled after acceptance: %s", err)
	}
	if c.State() != StateMailSentOk {
		t.Fatalf("state after send: %v", c.State())
	}
	<-done
}

func TestQuitConnClosed(t *testing.T) {
	conn, done := serve(t, func(f *fakeServer) {
		f.reply("220 mail.example")
		f.expect("EHLO localhost")
		f.reply("250 mail.example")
		// Close without answering QUIT.
		f.readLine()
	})

	c, err := New(context.Background(), nil, conn, Opts{})
	if err != nil {
		t.Fatalf("new client: %s", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close with silent remote: %s", err)
	}
	<-done
}

func TestAuthUnexpectedContinue(t *testing.T) {
	conn, done := serve(t, func(f *fakeServer) {
		f.reply("220 mail.example")
		f.expect("EHLO localhost")
		f.reply("250-mail.example", "250 AUTH PLAIN")
		// PLAIN sends everything in the initial response; asking for more is
		// a continuation the client cannot answer.
		f.readLine()
		f.reply("334 ")
	})

	_, err := New(context.Background(), nil, conn, Opts{Auth: auth("fred", "sekret")})
	var xerr Error
	if !errors.As(err, &xerr) || xerr.Kind != session.AuthContinue {
		t.Fatalf("new client: got %v, want unexpected auth continuation", err)
	}
	conn.Close()
	<-done
}

func TestAuthUnsupported(t *testing.T) {
	conn, done := serve(t, func(f *fakeServer) {
		f.reply("220 mail.example")
		f.expect("EHLO localhost")
		f.reply("250 mail.example") // No AUTH extension.
	})

	_, err := New(context.Background(), nil, conn, Opts{Auth: auth("fred", "sekret")})
	var xerr Error
	if !errors.As(err, &xerr) || xerr.Kind != session.AuthFailed {
		t.Fatalf("new client: got %v, want auth failure", err)
	}
	conn.Close()
	<-done
}
