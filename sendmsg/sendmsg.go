// Package sendmsg orchestrates delivery of outgoing messages: it dials and
// reuses SMTP sessions, resolves credentials (configured, cached or prompted),
// and alternatively hands messages to a local delivery command.
package sendmsg

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"

	"github.com/crowmail/crow/config"
	"github.com/crowmail/crow/mlog"
	"github.com/crowmail/crow/sasl"
	"github.com/crowmail/crow/session"
	"github.com/crowmail/crow/smtpclient"
)

var (
	ErrNoPassword = errors.New("password required but not configured and no prompter available")
	ErrNoDelivery = errors.New("account has no delivery method configured")
)

// Prompter asks the user for a password for the given server and user,
// e.g. interactively on a terminal. ok is false when the user declined.
type Prompter func(server, user string) (password string, ok bool)

// DialFunc dials a server. addr is host:port; useTLS requests an immediate
// TLS connection.
type DialFunc func(ctx context.Context, addr string, useTLS bool) (net.Conn, error)

// Opts influence behaviour of a Sender.
type Opts struct {
	// Called when a password is needed that is not configured. Freshly
	// prompted passwords are cached for the rest of the process and cleared
	// again when the server rejects them.
	Prompt Prompter

	// Passed through to the SMTP session, for progress display.
	OnState    func(state smtpclient.State, line string)
	OnProgress func(sent, total int64)

	// If non-nil, used instead of the default dialer. For tests.
	Dial DialFunc
}

// Sender delivers messages for accounts. It caches prompted passwords and,
// when asked to, keeps an SMTP session open for a next message. A Sender is
// safe for sequential reuse, not for concurrent use.
type Sender struct {
	log  mlog.Log
	elog *slog.Logger
	opts Opts

	mu      sync.Mutex
	tmpPass map[string]string // Prompted passwords, by server+user.

	client     *smtpclient.Client // Kept session, when a send asked for it.
	clientAddr string             // Dial address of the kept session.
}

// New returns a Sender.
func New(elog *slog.Logger, opts Opts) *Sender {
	return &Sender{
		log:     mlog.New("sendmsg", elog),
		elog:    elog,
		opts:    opts,
		tmpPass: map[string]string{},
	}
}

// Send delivers one message for the account: through the configured local
// mail command when set, otherwise over SMTP. msg must be in wire form with
// CRLF line endings for SMTP; the local command receives it as is.
func (s *Sender) Send(ctx context.Context, acc *config.Account, rcpts []string, msg []byte) ([]smtpclient.Response, error) {
	if acc.MailCommand != "" {
		return nil, s.SendLocal(ctx, acc.MailCommand, msg)
	}
	if acc.SMTP.Host != "" {
		return s.SendSMTP(ctx, acc, rcpts, msg, false)
	}
	return nil, ErrNoDelivery
}

func (s *Sender) dial(ctx context.Context, addr string, useTLS bool) (net.Conn, error) {
	if s.opts.Dial != nil {
		return s.opts.Dial(ctx, addr, useTLS)
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if useTLS {
		host, _, _ := net.SplitHostPort(addr)
		tlsconn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return tlsconn, nil
	}
	return conn, nil
}

// password resolves the password for authentication: configured, previously
// prompted, or freshly prompted and cached.
func (s *Sender) password(acc *config.Account) (string, error) {
	if acc.SMTP.Password != "" {
		return acc.SMTP.Password, nil
	}
	key := acc.SMTP.Addr() + "\x00" + acc.SMTP.User
	s.mu.Lock()
	pass, ok := s.tmpPass[key]
	s.mu.Unlock()
	if ok {
		return pass, nil
	}
	if s.opts.Prompt == nil {
		return "", ErrNoPassword
	}
	pass, ok = s.opts.Prompt(acc.SMTP.Addr(), acc.SMTP.User)
	if !ok {
		return "", fmt.Errorf("password prompt declined")
	}
	s.mu.Lock()
	s.tmpPass[key] = pass
	s.mu.Unlock()
	return pass, nil
}

func (s *Sender) clearPassword(acc *config.Account) {
	key := acc.SMTP.Addr() + "\x00" + acc.SMTP.User
	s.mu.Lock()
	delete(s.tmpPass, key)
	s.mu.Unlock()
}

// SendSMTP submits one message over SMTP. A session kept open by a previous
// send to the same server is reused; with keepSession the session is kept
// open again for the next message instead of being closed with QUIT.
//
// Recipient rejections tolerated by the account configuration are returned in
// failed with a nil error. When the server rejects our credentials, a cached
// prompted password is forgotten, so the next attempt prompts anew.
func (s *Sender) SendSMTP(ctx context.Context, acc *config.Account, rcpts []string, msg []byte, keepSession bool) (failed []smtpclient.Response, rerr error) {
	addr := acc.SMTP.Addr()

	defer func() {
		var xerr smtpclient.Error
		if errors.As(rerr, &xerr) && xerr.Kind == session.AuthFailed {
			s.clearPassword(acc)
		}
	}()

	client := s.takeSession(addr)
	if client == nil {
		var err error
		client, err = s.open(ctx, acc, addr)
		if err != nil {
			return nil, err
		}
	}

	failed, err := client.Send(ctx, acc.Address, rcpts, int64(len(msg)), strings.NewReader(string(msg)))
	if err != nil {
		s.closeSession(client)
		return nil, err
	}

	if keepSession {
		s.client = client
		s.clientAddr = addr
	} else {
		s.closeSession(client)
	}
	return failed, nil
}

// CloseSession closes a session kept open by a previous send, with a
// best-effort QUIT.
func (s *Sender) CloseSession() {
	if s.client != nil {
		s.closeSession(s.client)
	}
}

// takeSession returns the kept session if it is usable for addr, closing it
// when it is not.
func (s *Sender) takeSession(addr string) *smtpclient.Client {
	client := s.client
	if client == nil {
		return nil
	}
	s.client = nil
	if s.clientAddr == addr && !client.Botched() {
		s.log.Debug("reusing smtp session", slog.String("addr", addr))
		return client
	}
	s.closeSession(client)
	return nil
}

func (s *Sender) closeSession(client *smtpclient.Client) {
	if client == s.client {
		s.client = nil
	}
	if err := client.Close(); err != nil && !errors.Is(err, smtpclient.ErrClosed) {
		s.log.Debugx("closing smtp session", err)
	}
}

func (s *Sender) open(ctx context.Context, acc *config.Account, addr string) (*smtpclient.Client, error) {
	var auth func(mechanisms []string) (sasl.Client, error)
	if acc.SMTP.User != "" {
		pass, err := s.password(acc)
		if err != nil {
			return nil, err
		}
		user := acc.SMTP.User
		forced := acc.SMTP.AuthMechanism
		auth = func(mechanisms []string) (sasl.Client, error) {
			if forced != "" {
				a := sasl.NewClient(forced, user, pass)
				if a == nil {
					return nil, fmt.Errorf("unknown authentication mechanism %q", forced)
				}
				return a, nil
			}
			return sasl.Choose(mechanisms, user, pass), nil
		}
	}

	conn, err := s.dial(ctx, addr, acc.SMTP.TLS)
	if err != nil {
		return nil, smtpclient.Error{Kind: session.ClassifyIO(err), Err: err}
	}
	client, err := smtpclient.New(ctx, s.elog, conn, smtpclient.Opts{
		LocalHostname:        acc.LocalHostname,
		Auth:                 auth,
		TolerateRcptFailures: acc.SMTP.TolerateRcptFailures,
		OnState:              s.opts.OnState,
		OnProgress:           s.opts.OnProgress,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// SendLocal delivers a message by piping it to a local delivery command like
// /usr/sbin/sendmail -t. A line consisting of a single dot is doubled on the
// way out, matching what dot-aware agents undo on their end.
func (s *Sender) SendLocal(ctx context.Context, cmdline string, msg []byte) error {
	args := strings.Fields(cmdline)
	if len(args) == 0 {
		return fmt.Errorf("empty mail command")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mail command stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting mail command %q: %w", args[0], err)
	}
	werr := writeDotDoubled(stdin, strings.NewReader(string(msg)))
	if cerr := stdin.Close(); werr == nil {
		werr = cerr
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("mail command %q: %w", args[0], err)
	}
	if werr != nil {
		return fmt.Errorf("writing to mail command: %w", werr)
	}
	s.log.Debug("message delivered to local command", slog.String("cmd", args[0]))
	return nil
}

// writeDotDoubled copies lines from r to w, writing an extra dot before each
// line that consists of only a dot.
func writeDotDoubled(w io.Writer, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if trimmed := strings.TrimRight(line, "\r\n"); trimmed == "." {
				if _, werr := io.WriteString(w, "."); werr != nil {
					return werr
				}
			}
			if _, werr := io.WriteString(w, line); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
