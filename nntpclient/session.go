// Package nntpclient implements an NNTP client session: one command/response
// exchange at a time over a line transport, with transparent handling of the
// server's AUTHINFO authentication challenge.
//
// A session is made with Open, which reads the server greeting, switches the
// server to reader mode and optionally authenticates. Commands are then
// issued one at a time; a 480 response to any command triggers a single
// transparent AUTHINFO USER/PASS exchange followed by one resubmission of the
// original command.
package nntpclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crowmail/crow/mlog"
	"github.com/crowmail/crow/nntp"
	"github.com/crowmail/crow/session"
	"github.com/crowmail/crow/smtp"
	"github.com/crowmail/crow/wireio"
)

var metricCommands = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crow_nntpclient_command_total",
		Help: "NNTP client commands and results.",
	},
	[]string{
		"cmd",
		"result", // "ok" or an error kind.
	},
)

// ErrClosed is returned for operations on a closed session.
var ErrClosed = errors.New("nntp session is closed")

// Error is a failed NNTP operation.
type Error struct {
	Kind session.Kind
	Code int    // NNTP status code, 0 when the server never replied.
	Line string // Response line that caused the error, without line ending.
	Err  error
}

func (e Error) Error() string {
	s := "nntp: " + e.Kind.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

func (e Error) Unwrap() error {
	return e.Err
}

// Verbs for FetchArticle.
const (
	VerbArticle = "ARTICLE"
	VerbHead    = "HEAD"
	VerbBody    = "BODY"
	VerbStat    = "STAT"
)

// Opts influence behaviour of a session.
type Opts struct {
	// Credentials for AUTHINFO. Empty User means unauthenticated.
	User     string
	Password string

	// Per-read/write deadline. Zero means 30 seconds.
	Timeout time.Duration
}

// Session is a connection to an NNTP server. Operations must not be invoked
// concurrently.
type Session struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	tw      *wireio.TraceWriter
	log     mlog.Log
	timeout time.Duration

	server     string
	group      string // Currently selected newsgroup.
	user, pass string

	// Set when authentication was rejected; never cleared for the life of the
	// session.
	authFailed bool

	lastAccess time.Time
}

// Open connects a session over conn: it reads the server greeting, switches
// to reader mode and, if credentials are given, authenticates.
//
// A rejected AUTHINFO USER does not discard the session: it is returned
// usable for unauthenticated operations, with AuthFailed reporting true. A
// rejected AUTHINFO PASS, a bad greeting or any transport error aborts, and
// conn is closed.
func Open(ctx context.Context, elog *slog.Logger, conn net.Conn, server string, opts Opts) (*Session, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	s := &Session{
		conn:    conn,
		log:     mlog.New("nntpclient", elog),
		timeout: timeout,
		server:  server,
		user:    opts.User,
		pass:    opts.Password,
	}
	s.r = bufio.NewReader(wireio.NewTraceReader(s.log, "RS: ", conn))
	s.tw = wireio.NewTraceWriter(s.log, "LC: ", wireio.TimeoutWriter{Conn: conn, Timeout: timeout, Log: s.log})
	s.w = bufio.NewWriter(s.tw)

	line, err := s.readline(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if nntp.Classify(line) != nntp.RespSuccess {
		conn.Close()
		return nil, Error{Kind: session.Protocol, Code: code(line), Line: line, Err: errors.New("bad greeting")}
	}

	// Reader mode before anything else, like interactive clients do. Servers
	// that don't implement MODE are fine with the error response.
	if err := s.Mode(ctx, false); err != nil {
		var xerr Error
		if errors.As(err, &xerr) && xerr.Kind != session.Protocol {
			conn.Close()
			return nil, err
		}
	}

	if s.user != "" {
		if err := s.openAuth(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}

	s.lastAccess = time.Now()
	return s, nil
}

// openAuth runs the AUTHINFO exchange during Open. A rejected USER leaves the
// session usable but marked auth-failed; a rejected PASS is fatal.
func (s *Session) openAuth(ctx context.Context) error {
	if err := s.send(ctx, "AUTHINFO USER %s", s.user); err != nil {
		return err
	}
	line, err := s.readline(ctx)
	if err != nil {
		return err
	}
	switch nntp.Classify(line) {
	case nntp.RespAuthContinue:
		if err := s.sendPass(ctx); err != nil {
			return err
		}
		line, err = s.readline(ctx)
		if err != nil {
			return err
		}
		if nntp.Classify(line) != nntp.RespSuccess {
			s.authFailed = true
			return Error{Kind: session.AuthFailed, Code: code(line), Line: line, Err: errors.New("authinfo pass rejected")}
		}
	case nntp.RespSuccess:
	default:
		s.log.Debug("authinfo user rejected, continuing unauthenticated", slog.String("line", line))
		s.authFailed = true
	}
	return nil
}

// AuthFailed reports whether the server rejected our credentials at some
// point. Once set it stays set.
func (s *Session) AuthFailed() bool {
	return s.authFailed
}

// LastAccess returns the time of the last successful command.
func (s *Session) LastAccess() time.Time {
	return s.lastAccess
}

// Server returns the server address the session was opened for.
func (s *Session) Server() string {
	return s.server
}

// SelectedGroup returns the name of the currently selected newsgroup, or the
// empty string when no group was selected yet.
func (s *Session) SelectedGroup() string {
	return s.group
}

// Group selects a newsgroup and returns its article statistics.
//
// If the server answers with something that is neither success, a transport
// error nor an authentication demand, the session falls back to reader mode
// and retries the GROUP command once. Some servers need the mode switch
// before accepting reader commands.
func (s *Session) Group(ctx context.Context, name string) (nntp.Group, error) {
	var resp string
	err := s.command(ctx, "group", &resp, "GROUP %s", name)
	if err != nil {
		var xerr Error
		if !errors.As(err, &xerr) || xerr.Kind != session.Protocol {
			return nntp.Group{}, err
		}
		if merr := s.Mode(ctx, false); merr != nil {
			return nntp.Group{}, err
		}
		if err = s.command(ctx, "group", &resp, "GROUP %s", name); err != nil {
			return nntp.Group{}, err
		}
	}

	g := nntp.Group{Name: name}
	var status int
	if n, _ := fmt.Sscanf(resp, "%d %d %d %d", &status, &g.Count, &g.First, &g.Last); n != 4 {
		s.log.Warn("malformed group response", slog.String("line", resp))
		return nntp.Group{}, Error{Kind: session.Protocol, Code: code(resp), Line: resp, Err: errors.New("malformed group response")}
	}
	s.group = name
	return g, nil
}

// FetchArticle issues one of the article retrieval commands (ARTICLE, HEAD,
// BODY, STAT) for the given article number, or for the current article when
// num is 0, and returns the message-id from the response line.
//
// When the response carries no bracketed message-id, the literal id "0" is
// returned with a protocol warning logged. Callers of the data-bearing verbs
// are responsible for reading the following multi-line block from the
// transport.
func (s *Session) FetchArticle(ctx context.Context, verb string, num int) (string, error) {
	var resp string
	var err error
	if num > 0 {
		err = s.command(ctx, strings.ToLower(verb), &resp, "%s %d", verb, num)
	} else {
		err = s.command(ctx, strings.ToLower(verb), &resp, "%s", verb)
	}
	if err != nil {
		return "", err
	}

	msgid := bracketed(resp)
	if msgid == "" {
		s.log.Warn("no message-id in response", slog.String("line", resp))
		return "0", nil
	}
	return msgid, nil
}

// Xover requests the overview data for an article number range. The caller
// reads the multi-line data block that follows a successful response.
func (s *Session) Xover(ctx context.Context, first, last int) error {
	return s.command(ctx, "xover", nil, "XOVER %d-%d", first, last)
}

// Xhdr requests a single header for an article number range. The caller reads
// the multi-line data block that follows a successful response.
func (s *Session) Xhdr(ctx context.Context, header string, first, last int) error {
	return s.command(ctx, "xhdr", nil, "XHDR %s %d-%d", header, first, last)
}

// List requests the active newsgroups list. The caller reads the multi-line
// data block that follows a successful response.
func (s *Session) List(ctx context.Context) error {
	return s.command(ctx, "list", nil, "LIST")
}

// Mode switches between reader and streaming mode.
func (s *Session) Mode(ctx context.Context, stream bool) error {
	mode := "READER"
	if stream {
		mode = "STREAM"
	}
	return s.command(ctx, "mode", nil, "MODE %s", mode)
}

// ForceAuth sends AUTHINFO USER without awaiting a password challenge, for
// servers that accept a bare identity from trusted clients. The result is
// ignored.
func (s *Session) ForceAuth(ctx context.Context, user string) {
	if s == nil || s.conn == nil {
		return
	}
	var resp string
	if err := s.command(ctx, "authinfo", &resp, "AUTHINFO USER %s", user); err != nil {
		s.log.Debugx("forced authinfo user", err)
	}
}

// Post submits an article read from r, which must be in wire form with CRLF
// line endings and a final CRLF.
//
// POST is sent first; if the server's intermediate response is not positive,
// Post returns that error without streaming anything. Otherwise the article
// is streamed dot-stuffed. The lone-dot terminator is written and the final
// status line read even when writing the body failed, so the server's verdict
// is not lost; the write failure still decides the result.
func (s *Session) Post(ctx context.Context, r io.Reader) error {
	if s.conn == nil {
		return ErrClosed
	}
	if err := s.command(ctx, "post", nil, "POST"); err != nil {
		return err
	}

	werr := smtp.DataWrite(s.w, r, func(n int) error {
		return ctx.Err()
	})
	if werr != nil {
		if errors.Is(werr, context.Canceled) || errors.Is(werr, context.DeadlineExceeded) {
			return Error{Kind: session.ClassifyIO(werr), Err: werr}
		}
		s.log.Debugx("writing article", werr)
		fmt.Fprint(s.w, ".\r\n")
	}
	if err := s.w.Flush(); err != nil && werr == nil {
		werr = err
	}

	line, err := s.readline(ctx)
	if err != nil {
		return err
	}
	if nntp.Classify(line) != nntp.RespSuccess {
		return Error{Kind: session.Protocol, Code: code(line), Line: line, Err: errors.New("post rejected")}
	}
	if werr != nil {
		return Error{Kind: session.ClassifyIO(werr), Err: werr}
	}
	s.lastAccess = time.Now()
	return nil
}

// Close closes the transport. The session must not be used afterwards.
func (s *Session) Close() error {
	if s.conn == nil {
		return ErrClosed
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// command sends a command line and reads its response, transparently
// authenticating and resubmitting the command once when the server demands
// authentication. On success the full response line is stored in resp when
// non-nil.
func (s *Session) command(ctx context.Context, metricCmd string, resp *string, format string, args ...any) (rerr error) {
	if s.conn == nil {
		return ErrClosed
	}
	defer func() {
		result := "ok"
		var xerr Error
		if errors.As(rerr, &xerr) {
			result = xerr.Kind.String()
		} else if rerr != nil {
			result = "error"
		}
		metricCommands.WithLabelValues(metricCmd, result).Inc()
	}()

	line := fmt.Sprintf(format, args...)
	if err := s.send(ctx, "%s", line); err != nil {
		return err
	}
	reply, err := s.readline(ctx)
	if err != nil {
		return err
	}

	switch nntp.Classify(reply) {
	case nntp.RespAuthRequired:
		// Authenticate with the stored credentials and resubmit the command,
		// once. No credentials, or a second rejection, latches the session as
		// auth-failed.
		if s.user == "" || s.pass == "" || s.authFailed {
			s.authFailed = true
			return Error{Kind: session.AuthRequired, Code: code(reply), Line: reply, Err: errors.New("authentication required")}
		}
		if err := s.send(ctx, "AUTHINFO USER %s", s.user); err != nil {
			return err
		}
		areply, err := s.readline(ctx)
		if err != nil {
			return err
		}
		if nntp.Classify(areply) == nntp.RespAuthContinue {
			if err := s.sendPass(ctx); err != nil {
				return err
			}
			if areply, err = s.readline(ctx); err != nil {
				return err
			}
		}
		if nntp.Classify(areply) != nntp.RespSuccess {
			s.authFailed = true
			return Error{Kind: session.AuthFailed, Code: code(areply), Line: areply, Err: errors.New("authentication rejected")}
		}

		if err := s.send(ctx, "%s", line); err != nil {
			return err
		}
		if reply, err = s.readline(ctx); err != nil {
			return err
		}
		if nntp.Classify(reply) != nntp.RespSuccess {
			return Error{Kind: session.Protocol, Code: code(reply), Line: reply, Err: errors.New("command rejected after authentication")}
		}

	case nntp.RespAuthContinue:
		// Server skipped the USER step and asks for the password directly.
		if err := s.sendPass(ctx); err != nil {
			return err
		}
		if reply, err = s.readline(ctx); err != nil {
			return err
		}
		if nntp.Classify(reply) != nntp.RespSuccess {
			return Error{Kind: session.AuthFailed, Code: code(reply), Line: reply, Err: errors.New("authentication rejected")}
		}

	case nntp.RespError:
		return Error{Kind: session.Protocol, Code: code(reply), Line: reply, Err: errors.New("command failed")}
	}

	if resp != nil {
		*resp = reply
	}
	s.lastAccess = time.Now()
	return nil
}

// send writes a single CRLF-terminated command line. The password of an
// AUTHINFO PASS line is kept out of the regular trace.
func (s *Session) send(ctx context.Context, format string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return Error{Kind: session.Cancelled, Err: err}
	}
	line := fmt.Sprintf(format, args...)
	if strings.HasPrefix(strings.ToUpper(line), "AUTHINFO PASS") {
		s.tw.SetTrace(mlog.LevelTraceauth)
		defer s.tw.SetTrace(mlog.LevelTrace)
	}
	if _, err := fmt.Fprintf(s.w, "%s\r\n", line); err != nil {
		return Error{Kind: session.ClassifyIO(err), Err: err}
	}
	if err := s.w.Flush(); err != nil {
		return Error{Kind: session.ClassifyIO(err), Err: err}
	}
	return nil
}

func (s *Session) sendPass(ctx context.Context) error {
	return s.send(ctx, "AUTHINFO PASS %s", s.pass)
}

// readline reads a single response line, with the session's read deadline.
func (s *Session) readline(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Error{Kind: session.Cancelled, Err: err}
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		s.log.Errorx("setting read deadline", err)
	}
	line, err := wireio.Readline(s.r)
	if err != nil {
		return "", Error{Kind: session.ClassifyIO(err), Err: err}
	}
	return line, nil
}

// code returns the numeric status code of a response line, or 0.
func code(line string) int {
	var c int
	if n, _ := fmt.Sscanf(line, "%3d", &c); n != 1 {
		return 0
	}
	return c
}

// bracketed returns the first <...> token of line without the brackets, or
// the empty string.
func bracketed(line string) string {
	i := strings.IndexByte(line, '<')
	if i < 0 {
		return ""
	}
	j := strings.IndexByte(line[i:], '>')
	if j < 0 {
		return ""
	}
	return line[i+1 : i+j]
}
