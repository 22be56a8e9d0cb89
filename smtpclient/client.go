// Package smtpclient submits messages to an SMTP server.
//
// A session is a small state machine: connect, greeting, EHLO (or HELO for
// old servers), optional authentication, then one or more message
// transactions of MAIL FROM, RCPT TO, DATA. After a transaction completes the
// session can be reused for another message without reconnecting or
// reauthenticating. State transitions and data transfer progress are reported
// through optional callbacks, so an interactive caller can show what the
// session is doing.
package smtpclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crowmail/crow/mlog"
	"github.com/crowmail/crow/sasl"
	"github.com/crowmail/crow/session"
	"github.com/crowmail/crow/smtp"
	"github.com/crowmail/crow/wireio"
)

var metricCommand = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "crow_smtpclient_command_duration_seconds",
		Help:    "SMTP client command duration and result codes.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
	},
	[]string{"cmd", "code", "secode"},
)

var (
	ErrSize         = errors.New("message too large for remote smtp server") // Remote announced a maximum message size and the message exceeds it.
	ErrStatus       = errors.New("remote smtp server sent unexpected response status code")
	ErrAuth         = errors.New("smtp authentication failed")
	ErrProtocol     = errors.New("smtp protocol error") // After a malformed or inconsistent response.
	ErrBotched      = errors.New("smtp connection is botched")
	ErrClosed       = errors.New("smtp client is closed")
	ErrNoRecipients = errors.New("no recipients accepted in transaction")
)

// State is the phase an SMTP session is in. States advance through a
// transaction and wrap back to StateMailFrom when a session is reused for
// another message.
type State int

const (
	StateReady       State = iota // Not yet connected.
	StateConnected                // Greeting received.
	StateHelo                     // HELO accepted.
	StateEhlo                     // EHLO accepted, extensions parsed.
	StateAuth                     // Authenticated.
	StateMailFrom                 // MAIL FROM accepted.
	StateRcptTo                   // At least one RCPT TO accepted.
	StateData                     // DATA accepted, server awaits the message.
	StateSendingData              // Message data being transferred.
	StateEOM                      // End-of-message dot written.
	StateMailSentOk               // Transaction completed, session reusable.
	StateQuit                     // QUIT written.
	StateClosed                   // Connection closed.
	StateError                    // A command failed. Another transaction may still be attempted, after a reset, unless the connection is botched.
)

var stateStrings = map[State]string{
	StateReady:       "ready",
	StateConnected:   "connected",
	StateHelo:        "helo",
	StateEhlo:        "ehlo",
	StateAuth:        "auth",
	StateMailFrom:    "mailfrom",
	StateRcptTo:      "rcptto",
	StateData:        "data",
	StateSendingData: "sendingdata",
	StateEOM:         "eom",
	StateMailSentOk:  "mailsentok",
	StateQuit:        "quit",
	StateClosed:      "closed",
	StateError:       "error",
}

func (s State) String() string {
	if v, ok := stateStrings[s]; ok {
		return v
	}
	return fmt.Sprintf("(unknown state %d)", int(s))
}

// Error represents a failure to submit a message.
//
// Code, Secode, Command and Line are only set for SMTP-level errors, and are
// zero values otherwise.
type Error struct {
	// Classification of the failure, for callers that handle transport
	// problems, authentication problems and protocol problems differently.
	Kind session.Kind
	// Whether the failure is permanent, typically because of a 5xx response.
	Permanent bool
	// SMTP response status code, e.g. 4xx for transient and 5xx for permanent
	// failure.
	Code int
	// Short enhanced status code, minus first digit and dot. Empty for io
	// errors or when the remote does not send enhanced status codes. If the
	// remote responds with "550 5.7.1 ...", Secode is "7.1".
	Secode string
	// SMTP command causing the failure.
	Command string
	// Full response line, excluding CRLF, that caused the error.
	Line string
	// Underlying error, e.g. one of the Err variables in this package, or an
	// io error.
	Err error
}

// Response is the result of an SMTP command against a single recipient.
type Response Error

func (e Error) Unwrap() error {
	return e.Err
}

func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

// Opts influence behaviour of a Client.
type Opts struct {
	// Hostname to announce in EHLO/HELO. Empty means "localhost".
	LocalHostname string

	// If non-nil, authentication is done after the hello with the returned
	// SASL client. The server's announced mechanisms are passed in upper
	// case; authentication fails when the server announces none. Returning a
	// nil client and nil error also fails the session.
	Auth func(mechanisms []string) (sasl.Client, error)

	// If set, a rejected recipient does not abort the transaction: delivery
	// continues to the remaining recipients and the rejections are collected.
	// The transaction still fails when every recipient is rejected.
	TolerateRcptFailures bool

	// Called after each state transition, with the response line (without
	// CRLF) that caused it, if any.
	OnState func(state State, line string)

	// Called during the data transfer with the number of message bytes
	// written so far and the total message size. The final call has
	// sent == total.
	OnProgress func(sent, total int64)

	// Per-read/write deadline. Zero means 30 seconds.
	Timeout time.Duration
}

// Client is an SMTP session on an open connection. It submits one message per
// transaction and can be reused for multiple transactions. Operations must
// not be invoked concurrently.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	tr      *wireio.TraceReader // Kept for changing trace levels between command/auth/data.
	tw      *wireio.TraceWriter
	log     mlog.Log
	lastlog time.Time // For adding delta timestamps between log lines.
	opts    Opts
	timeout time.Duration

	state    State
	cmds     []string // Last or active command, for errors and metrics.
	cmdStart time.Time

	botched  bool // Protocol out of sync, no further commands possible.
	needRset bool // An aborted transaction must be reset before the next one.

	remoteHelo        string // From the 220 greeting line.
	extEcodes         bool   // Remote sends enhanced error codes.
	extSize           bool   // Remote supports the SIZE parameter.
	maxSize           int64  // Max message size, when announced.
	ext8bitmime       bool
	extAuthMechanisms []string // Announced authentication mechanisms, upper case.
}

// New initializes an SMTP session on the given connection: it reads the
// server greeting, identifies itself with EHLO (HELO for servers that do not
// implement EHLO) and authenticates when opts.Auth is set.
//
// On success a Client is returned on which eventually Close must be called.
// Otherwise an error is returned and the caller is responsible for closing
// the connection.
func New(ctx context.Context, elog *slog.Logger, conn net.Conn, opts Opts) (*Client, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		conn:    conn,
		opts:    opts,
		timeout: timeout,
		lastlog: time.Now(),
		state:   StateReady,
		cmds:    []string{"(none)"},
	}
	c.log = mlog.New("smtpclient", elog).WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		return l
	})

	c.tr = wireio.NewTraceReader(c.log, "RS: ", c.conn)
	c.r = bufio.NewReader(c.tr)
	c.tw = wireio.NewTraceWriter(c.log, "LC: ", wireio.TimeoutWriter{Conn: c.conn, Timeout: timeout, Log: c.log})
	c.w = bufio.NewWriter(c.tw)

	if err := c.hello(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) setState(state State, line string) {
	c.state = state
	if c.opts.OnState != nil {
		c.opts.OnState(state, line)
	}
}

// State returns the current session state.
func (c *Client) State() State {
	return c.state
}

// xbotchf generates a temporary error and marks the client as botched, e.g.
// for i/o errors or invalid protocol messages.
func (c *Client) xbotchf(code int, secode string, line string, format string, args ...any) {
	panic(c.botchf(code, secode, line, format, args...))
}

func (c *Client) botchf(code int, secode string, line string, format string, args ...any) error {
	c.botched = true
	return c.errorf(false, code, secode, line, format, args...)
}

func (c *Client) errorf(permanent bool, code int, secode, line string, format string, args ...any) error {
	var cmd string
	if len(c.cmds) > 0 {
		cmd = c.cmds[0]
	}
	err := fmt.Errorf(format, args...)
	kind := session.Protocol
	if code == 0 {
		kind = session.ClassifyIO(err)
	}
	return Error{kind, permanent, code, secode, cmd, line, err}
}

func (c *Client) xerrorf(permanent bool, code int, secode, line string, format string, args ...any) {
	panic(c.errorf(permanent, code, secode, line, format, args...))
}

func (c *Client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	cerr, ok := x.(Error)
	if !ok {
		panic(x)
	}
	if cerr.Kind == session.Protocol || c.botched {
		c.setState(StateError, cerr.Line)
	}
	*rerr = cerr
}

// xcheckctx turns context cancellation into an error between protocol steps.
func (c *Client) xcheckctx(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		panic(Error{Kind: session.ClassifyIO(err), Err: err})
	}
}

func (c *Client) readline() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		c.log.Errorx("setting read deadline", err)
	}
	line, err := wireio.Readline(c.r)
	if err != nil {
		return line, c.botchf(0, "", "", "%s: %w", strings.Join(c.cmds, ","), err)
	}
	return line, nil
}

func (c *Client) xtrace(level slog.Level) func() {
	c.xflush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tr.SetTrace(mlog.LevelTrace)
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

func (c *Client) xwritelinef(format string, args ...any) {
	c.xwriteline(fmt.Sprintf(format, args...))
}

func (c *Client) xwriteline(line string) {
	if _, err := fmt.Fprintf(c.w, "%s\r\n", line); err != nil {
		c.xbotchf(0, "", "", "write: %w", err)
	}
	c.xflush()
}

func (c *Client) xflush() {
	if err := c.w.Flush(); err != nil {
		c.xbotchf(0, "", "", "writes: %w", err)
	}
}

// read reads a response, possibly multiline, parsing extended codes when the
// server announced them.
func (c *Client) read() (code int, secode, firstLine string, rerr error) {
	code, secode, _, firstLine, rerr = c.readecode(c.extEcodes)
	return
}

func (c *Client) xread() (code int, secode, firstLine string) {
	var err error
	code, secode, firstLine, err = c.read()
	if err != nil {
		panic(err)
	}
	return
}

// readecode reads a possibly multiline response. The texts of the individual
// lines, minus status code and enhanced code, are also returned, for
// capability parsing after EHLO.
func (c *Client) readecode(ecodes bool) (code int, secode string, texts []string, firstLine string, rerr error) {
	for first := true; ; first = false {
		co, sec, text, line, last, err := c.read1(ecodes)
		if first {
			firstLine = line
		}
		if err != nil {
			return 0, "", nil, firstLine, err
		}
		if code != 0 && co != code {
			return 0, "", nil, firstLine, c.botchf(0, "", firstLine, "%w: multiline response with different codes, previous %d, last %d", ErrProtocol, code, co)
		}
		code = co
		texts = append(texts, text)
		if !last {
			continue
		}
		if code != smtp.C334ContinueAuth {
			cmd := ""
			if len(c.cmds) > 0 {
				cmd = c.cmds[0]
				// Keep only the last, so we're not growing slices all the time.
				if len(c.cmds) > 1 {
					c.cmds = c.cmds[1:]
				}
			}
			metricCommand.WithLabelValues(cmd, fmt.Sprintf("%d", co), sec).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
			c.log.Debug("smtpclient command result",
				slog.String("cmd", cmd),
				slog.Int("code", co),
				slog.String("secode", sec),
				slog.Duration("duration", time.Since(c.cmdStart)))
		}
		return co, sec, texts, firstLine, nil
	}
}

func (c *Client) xreadecode(ecodes bool) (code int, secode string, texts []string, firstLine string) {
	var err error
	code, secode, texts, firstLine, err = c.readecode(ecodes)
	if err != nil {
		panic(err)
	}
	return
}

// read1 reads a single response line.
func (c *Client) read1(ecodes bool) (code int, secode, text, line string, last bool, rerr error) {
	line, rerr = c.readline()
	if rerr != nil {
		return
	}
	i := 0
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
	}
	if i != 3 {
		rerr = c.botchf(0, "", line, "%w: expected response code: %s", ErrProtocol, line)
		return
	}
	v, err := strconv.ParseInt(line[:i], 10, 32)
	if err != nil {
		rerr = c.botchf(0, "", line, "%w: bad response code (%s): %s", ErrProtocol, err, line)
		return
	}
	code = int(v)
	s := line[3:]
	switch {
	case strings.HasPrefix(s, "-"), strings.HasPrefix(s, " "):
		last = s[0] == ' '
		s = s[1:]
	case s == "":
		// Tolerate a missing space after the code.
		last = true
	default:
		rerr = c.botchf(0, "", line, "%w: expected space or dash after response code: %s", ErrProtocol, line)
		return
	}
	if ecodes {
		secode, s = parseEcode(code/100, s)
	}
	return code, secode, s, line, last, nil
}

// parseEcode parses an enhanced status code like "5.7.1" at the start of s,
// returning the code minus its first digit and dot, plus the remaining text.
// The first digit must match the major status code.
func parseEcode(major int, s string) (secode string, remain string) {
	o := 0
	bad := false
	take := func(need bool, a, b byte) bool {
		if !bad && o < len(s) && s[o] >= a && s[o] <= b {
			o++
			return true
		}
		bad = bad || need
		return false
	}
	digit := func(need bool) bool {
		return take(need, '0', '9')
	}
	dot := func() bool {
		return take(true, '.', '.')
	}

	digit(true)
	dot()
	xo := o
	digit(true)
	for digit(false) {
	}
	dot()
	digit(true)
	for digit(false) {
	}
	secode = s[xo:o]
	take(false, ' ', ' ')
	if bad || int(s[0])-int('0') != major {
		return "", s
	}
	return secode, s[o:]
}

func (c *Client) hello(ctx context.Context) (rerr error) {
	defer c.recover(&rerr)

	hostname := c.opts.LocalHostname
	if hostname == "" {
		hostname = "localhost"
	}

	// Greeting.
	c.cmds = []string{"(greeting)"}
	c.cmdStart = time.Now()
	code, secode, _, firstLine := c.xreadecode(false)
	if code != smtp.C220ServiceReady {
		c.xerrorf(code/100 == 5, code, secode, firstLine, "%w: expected 220, got %d", ErrStatus, code)
	}
	_, c.remoteHelo, _ = strings.Cut(firstLine, " ")
	c.setState(StateConnected, firstLine)

	// EHLO with capability parsing, falling back to HELO if the server does
	// not appear to implement EHLO.
	c.cmds[0] = "ehlo"
	c.cmdStart = time.Now()
	c.xcheckctx(ctx)
	c.xwritelinef("EHLO %s", hostname)
	code, secode, texts, firstLine := c.xreadecode(false)
	switch code {
	case smtp.C500BadSyntax, smtp.C501BadParamSyntax, smtp.C502CmdNotImpl, smtp.C503BadCmdSeq, smtp.C504ParamNotImpl:
		c.cmds[0] = "helo"
		c.cmdStart = time.Now()
		c.xwritelinef("HELO %s", hostname)
		code, secode, _, firstLine = c.xreadecode(false)
		if code != smtp.C250Completed {
			c.xerrorf(code/100 == 5, code, secode, firstLine, "%w: expected 250 to HELO, got %d", ErrStatus, code)
		}
		c.setState(StateHelo, firstLine)
	case smtp.C250Completed:
		for _, s := range texts[1:] {
			s = strings.ToUpper(strings.TrimSpace(s))
			switch {
			case s == "ENHANCEDSTATUSCODES":
				c.extEcodes = true
			case s == "8BITMIME":
				c.ext8bitmime = true
			case strings.HasPrefix(s, "SIZE "):
				c.extSize = true
				if v, err := strconv.ParseInt(s[len("SIZE "):], 10, 64); err == nil {
					c.maxSize = v
				}
			case strings.HasPrefix(s, "AUTH "):
				c.extAuthMechanisms = strings.Split(s[len("AUTH "):], " ")
			}
		}
		c.setState(StateEhlo, firstLine)
	default:
		c.xerrorf(code/100 == 5, code, secode, firstLine, "%w: expected 250 to EHLO, got %d", ErrStatus, code)
	}

	if c.opts.Auth != nil {
		c.xcheckctx(ctx)
		return c.auth()
	}
	return
}

func (c *Client) auth() (rerr error) {
	defer c.recover(&rerr)

	c.cmds[0] = "auth"
	c.cmdStart = time.Now()

	if len(c.extAuthMechanisms) == 0 {
		panic(Error{Kind: session.AuthFailed, Permanent: true, Command: "auth", Err: fmt.Errorf("%w: server does not announce authentication support", ErrAuth)})
	}
	mechanisms := make([]string, len(c.extAuthMechanisms))
	for i, m := range c.extAuthMechanisms {
		mechanisms[i] = strings.ToUpper(m)
	}
	a, err := c.opts.Auth(mechanisms)
	if err != nil {
		panic(Error{Kind: session.AuthFailed, Permanent: true, Command: "auth", Err: fmt.Errorf("%w: get authentication mechanism: %s, server supports %s", ErrAuth, err, strings.Join(mechanisms, ", "))})
	} else if a == nil {
		panic(Error{Kind: session.AuthFailed, Permanent: true, Command: "auth", Err: fmt.Errorf("%w: no matching authentication mechanisms, server supports %s", ErrAuth, strings.Join(mechanisms, ", "))})
	}
	name, cleartextCreds := a.Info()

	abort := func() {
		// Abort the authentication exchange. The server must respond with 501.
		c.xwriteline("*")
		code, _, _ := c.xread()
		if code != smtp.C501BadParamSyntax {
			c.botched = true
		}
	}

	toserver, last, err := a.Next(nil)
	if err != nil {
		c.xerrorf(false, 0, "", "", "initial step in auth mechanism %s: %w", name, err)
	}
	if cleartextCreds {
		defer c.xtrace(mlog.LevelTraceauth)()
	}
	if toserver == nil {
		c.xwriteline("AUTH " + name)
	} else if len(toserver) == 0 {
		c.xwriteline("AUTH " + name + " =")
	} else {
		c.xwriteline("AUTH " + name + " " + base64.StdEncoding.EncodeToString(toserver))
	}
	for {
		if cleartextCreds && last {
			c.xtrace(mlog.LevelTrace) // Restore.
		}

		code, secode, texts, firstLine := c.xreadecode(last)
		switch code {
		case smtp.C235AuthSuccess:
			if !last {
				c.xerrorf(false, code, secode, firstLine, "server completed authentication earlier than client expected")
			}
			c.setState(StateAuth, firstLine)
			return nil
		case smtp.C334ContinueAuth:
			if last {
				panic(Error{Kind: session.AuthContinue, Code: code, Secode: secode, Command: "auth", Line: firstLine, Err: fmt.Errorf("%w: server requested continuation after the final client response", ErrAuth)})
			}
			fromserver, err := base64.StdEncoding.DecodeString(texts[len(texts)-1])
			if err != nil {
				abort()
				c.xerrorf(false, code, secode, firstLine, "malformed base64 data in authentication continuation response")
			}
			toserver, last, err = a.Next(fromserver)
			if err != nil {
				abort()
				c.xerrorf(false, code, secode, firstLine, "client aborted authentication: %w", err)
			}
			c.xwriteline(base64.StdEncoding.EncodeToString(toserver))
		default:
			panic(Error{Kind: session.AuthFailed, Permanent: code/100 == 5, Code: code, Secode: secode, Command: "auth", Line: firstLine, Err: fmt.Errorf("%w: got %d, expected 334 continue or 235 success", ErrAuth, code)})
		}
	}
}

// MaxSize returns the maximum message size announced by the server, or 0.
func (c *Client) MaxSize() int64 {
	return c.maxSize
}

// Supports8BITMIME returns whether the server announced the 8BITMIME
// extension.
func (c *Client) Supports8BITMIME() bool {
	return c.ext8bitmime
}

// Send submits one message in a single transaction: MAIL FROM, the recipients
// in the given order, DATA and the message itself. msg must be in wire form
// with CRLF line endings and a final CRLF; msgSize is its exact size.
//
// Recipient rejections are collected in failed. Without TolerateRcptFailures
// the first rejection aborts the transaction; with it, delivery continues to
// the remaining recipients and the transaction only fails when no recipient
// was accepted. Errors about the transaction as a whole, such as i/o errors
// or rejections of MAIL FROM or DATA, are returned in rerr.
//
// After a successful Send the session is reusable: another Send picks up at
// MAIL FROM on the same connection, with the same authentication.
func (c *Client) Send(ctx context.Context, mailFrom string, rcptTo []string, msgSize int64, msg io.Reader) (failed []Response, rerr error) {
	defer c.recover(&rerr)

	if len(rcptTo) == 0 {
		return nil, fmt.Errorf("need at least one recipient")
	}
	if c.conn == nil {
		return nil, ErrClosed
	} else if c.botched {
		return nil, ErrBotched
	} else if c.needRset {
		if err := c.reset(); err != nil {
			return nil, err
		}
	}
	if c.extSize && c.maxSize > 0 && msgSize > c.maxSize {
		c.xerrorf(true, 0, "", "", "%w: message is %d bytes, remote has a %d bytes maximum size", ErrSize, msgSize, c.maxSize)
	}

	var mailSize string
	if c.extSize {
		mailSize = fmt.Sprintf(" SIZE=%d", msgSize)
	}

	// Entering a transaction. Cleared again when it completes.
	c.needRset = true

	c.cmds[0] = "mailfrom"
	c.cmdStart = time.Now()
	c.xcheckctx(ctx)
	c.xwritelinef("MAIL FROM:<%s>%s", mailFrom, mailSize)
	code, secode, firstLine := c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, firstLine, "%w: got %d to MAIL FROM, expected 2xx", ErrStatus, code)
	}
	c.setState(StateMailFrom, firstLine)

	// Recipients in the given order, advancing to the next only after the
	// server answered for the current one.
	nok := 0
	for _, rcpt := range rcptTo {
		c.cmds[0] = "rcptto"
		c.cmdStart = time.Now()
		c.xcheckctx(ctx)
		c.xwritelinef("RCPT TO:<%s>", rcpt)
		code, secode, firstLine = c.xread()
		if code == smtp.C250Completed {
			nok++
			c.setState(StateRcptTo, firstLine)
			continue
		}
		if !c.opts.TolerateRcptFailures {
			c.xerrorf(code/100 == 5, code, secode, firstLine, "%w: got %d to RCPT TO:<%s>, expected 2xx", ErrStatus, code, rcpt)
		}
		c.log.Debug("recipient rejected, continuing",
			slog.String("rcpt", rcpt),
			slog.Int("code", code))
		failed = append(failed, Response{session.Protocol, code/100 == 5, code, secode, "rcptto", firstLine, fmt.Errorf("%w: got %d for %s", ErrStatus, code, rcpt)})
	}
	if nok == 0 {
		if len(failed) == 1 {
			panic(Error(failed[0]))
		}
		c.xerrorf(false, 0, "", "", "%w", ErrNoRecipients)
	}

	c.cmds[0] = "data"
	c.cmdStart = time.Now()
	c.xcheckctx(ctx)
	c.xwriteline("DATA")
	code, secode, firstLine = c.xread()
	if code != smtp.C354Continue {
		c.xerrorf(code/100 == 5, code, secode, firstLine, "%w: got %d to DATA, expected 354", ErrStatus, code)
	}
	c.setState(StateData, firstLine)

	// Transfer the message dot-stuffed, reporting progress per chunk. A
	// cancelled context aborts between chunks, leaving the connection
	// botched.
	c.setState(StateSendingData, "")
	var sent int64
	func() {
		defer c.xtrace(mlog.LevelTracedata)()
		err := smtp.DataWrite(c.w, msg, func(n int) error {
			sent += int64(n)
			if c.opts.OnProgress != nil {
				c.opts.OnProgress(sent, msgSize)
			}
			return ctx.Err()
		})
		if err != nil {
			c.xbotchf(0, "", "", "writing message as smtp data: %w", err)
		}
		c.xflush()
	}()
	c.setState(StateEOM, "")

	code, secode, firstLine = c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, firstLine, "%w: got %d after message data, expected 2xx", ErrStatus, code)
	}

	c.needRset = false
	c.setState(StateMailSentOk, firstLine)
	return failed, nil
}

// reset sends RSET to leave an aborted transaction. Send calls it when
// needed.
func (c *Client) reset() (rerr error) {
	defer c.recover(&rerr)

	c.cmds[0] = "rset"
	c.cmdStart = time.Now()
	c.xwriteline("RSET")
	code, secode, firstLine := c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, firstLine, "%w: got %d to RSET, expected 2xx", ErrStatus, code)
	}
	c.needRset = false
	return
}

// Botched returns whether the connection is in an unknown protocol state and
// cannot be used for further transactions.
func (c *Client) Botched() bool {
	return c.botched || c.conn == nil
}

// Close ends the session, closing the underlying connection.
//
// If the connection is not botched, QUIT is sent first. Servers routinely
// close the connection right after the QUIT response, or even instead of
// sending one, so a read failure after QUIT is not an error.
func (c *Client) Close() (rerr error) {
	if c.conn == nil {
		return ErrClosed
	}

	if !c.botched {
		c.cmds[0] = "quit"
		c.cmdStart = time.Now()
		if _, err := fmt.Fprint(c.w, "QUIT\r\n"); err == nil {
			if err := c.w.Flush(); err != nil {
				c.log.Debugx("flushing quit", err)
			}
		}
		c.setState(StateQuit, "")
		if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			c.log.Infox("setting read deadline for quit response", err)
		} else if _, err := wireio.Readline(c.r); err != nil {
			c.log.Debugx("reading quit response", err)
		}
	}

	err := c.conn.Close()
	c.conn = nil
	c.setState(StateClosed, "")
	return err
}
