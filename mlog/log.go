// Package mlog provides leveled, structured logging for the protocol engine.
//
// Loggers are scoped to a package. Log levels are configured per package,
// application-global. Besides the regular error/info/debug levels there are
// three trace levels for protocol lines: trace logs wire traffic, traceauth
// additionally logs credential exchanges, tracedata additionally logs message
// bodies. When a trace level is not enabled but plain trace is, the traffic is
// logged redacted ("***" for auth, "..." for data), so protocol flow stays
// visible without leaking secrets or bulk data.
package mlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Levels for use with SetConfig. More verbose levels are lower values, like
// in log/slog.
const (
	LevelError     = slog.LevelError
	LevelWarn      = slog.LevelWarn
	LevelInfo      = slog.LevelInfo
	LevelDebug     = slog.LevelDebug
	LevelTrace     = slog.Level(-8)
	LevelTraceauth = slog.Level(-12)
	LevelTracedata = slog.Level(-16)
)

// LevelStrings map names to levels, for parsing a -loglevel flag.
var LevelStrings = map[string]slog.Level{
	"error":     LevelError,
	"warn":      LevelWarn,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// Per-package log levels. Key is the "pkg" a logger was created with, empty
// string is the fallback.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelInfo})
}

// SetConfig atomically replaces the log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// Log is a logger for a package. The zero value is not usable, use New.
type Log struct {
	Logger    *slog.Logger
	pkg       string
	moreAttrs func() []slog.Attr
}

// New returns a logger for pkg. If elog is nil, a default logger writing
// human-readable lines to stderr is used.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.New(newHandler(os.Stderr))
	}
	return Log{Logger: elog.With(slog.String("pkg", pkg)), pkg: pkg}
}

// WithFunc returns a logger that calls fn for additional attributes on each
// logged line, e.g. for delta timestamps between protocol events.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	nl := l
	nl.moreAttrs = fn
	return nl
}

func (l Log) enabled(level slog.Level) bool {
	c := config.Load().(map[string]slog.Level)
	if v, ok := c[l.pkg]; ok {
		return v <= level
	}
	return c[""] <= level
}

func (l Log) log(level slog.Level, msg string, err error, attrs []slog.Attr) {
	if !l.enabled(level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	if l.moreAttrs != nil {
		attrs = append(attrs, l.moreAttrs()...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.log(LevelError, msg, nil, attrs) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelError, msg, err, attrs)
}

func (l Log) Warn(msg string, attrs ...slog.Attr) { l.log(LevelWarn, msg, nil, attrs) }
func (l Log) Warnx(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelWarn, msg, err, attrs)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.log(LevelInfo, msg, nil, attrs) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelInfo, msg, err, attrs)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.log(LevelDebug, msg, nil, attrs) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelDebug, msg, err, attrs)
}

// Trace logs protocol data at one of the trace levels. If level is traceauth
// or tracedata and only plain trace is enabled, a redacted line is logged
// instead of the data.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	if l.enabled(level) {
		l.log(level, prefix+strings.TrimRight(string(data), "\r\n"), nil, nil)
		return
	}
	if !l.enabled(LevelTrace) {
		return
	}
	switch level {
	case LevelTraceauth:
		l.log(LevelTrace, prefix+"***", nil, nil)
	case LevelTracedata:
		l.log(LevelTrace, prefix+"...", nil, nil)
	}
}

// handler formats records as single human-readable lines on w, e.g.
// "debug: smtp command result (pkg: smtpclient; code: 250)".
type handler struct {
	mu    *sync.Mutex
	w     *os.File
	attrs []slog.Attr
}

func newHandler(w *os.File) *handler {
	return &handler{mu: &sync.Mutex{}, w: w}
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	// Filtering is done in Log, by package.
	return true
}

func levelString(l slog.Level) string {
	switch {
	case l <= LevelTracedata:
		return "tracedata"
	case l <= LevelTraceauth:
		return "traceauth"
	case l <= LevelTrace:
		return "trace"
	}
	return strings.ToLower(l.String())
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", levelString(r.Level), r.Message)
	first := true
	writeAttr := func(a slog.Attr) {
		if first {
			b.WriteString(" (")
			first = false
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", a.Key, a.Value.Any())
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	if !first {
		b.WriteString(")")
	}
	b.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.WriteString(b.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	// Groups are not used in this code base.
	return h
}
