// Package wireio has helpers for reading and writing line-oriented protocol
// streams: wire tracing into a logger, bounded line reading, and per-write
// timeouts.
package wireio

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/crowmail/crow/mlog"
)

// ErrLineTooLong is returned by Readline when no newline arrives within the
// buffer size. The protocols cannot recover from an oversized line, callers
// should abort the connection.
var ErrLineTooLong = errors.New("line from remote too long")

// TraceWriter wraps a writer, logging all writes at a trace level. The level
// can be changed between commands, e.g. to redact an authentication exchange.
type TraceWriter struct {
	log    mlog.Log
	prefix string
	w      io.Writer
	level  slog.Level
}

func NewTraceWriter(log mlog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{log, prefix, w, mlog.LevelTrace}
}

func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(w.level, w.prefix, buf)
	return w.w.Write(buf)
}

func (w *TraceWriter) SetTrace(level slog.Level) {
	w.level = level
}

// TraceReader wraps a reader, logging data from successful reads at a trace
// level.
type TraceReader struct {
	log    mlog.Log
	prefix string
	r      io.Reader
	level  slog.Level
}

func NewTraceReader(log mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log, prefix, r, mlog.LevelTrace}
}

func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.level, r.prefix, buf[:n])
	}
	return n, err
}

func (r *TraceReader) SetTrace(level slog.Level) {
	r.level = level
}

// MaxLineLength is the maximum accepted length of a single response line,
// excluding the line ending.
const MaxLineLength = 2 * 1024

// Readline reads a \n- or \r\n-terminated line, returned without the line
// ending. A line longer than MaxLineLength results in ErrLineTooLong. EOF
// before a newline results in io.ErrUnexpectedEOF.
func Readline(r *bufio.Reader) (string, error) {
	buf := make([]byte, 0, 256)
	for {
		c, err := r.ReadByte()
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", err
		}
		if c == '\n' {
			if n := len(buf); n > 0 && buf[n-1] == '\r' {
				buf = buf[:n-1]
			}
			return string(buf), nil
		}
		if len(buf) >= MaxLineLength {
			return "", ErrLineTooLong
		}
		buf = append(buf, c)
	}
}

// TimeoutWriter passes each write on to conn after setting a write deadline.
type TimeoutWriter struct {
	Conn    net.Conn
	Timeout time.Duration
	Log     mlog.Log
}

func (w TimeoutWriter) Write(buf []byte) (int, error) {
	if err := w.Conn.SetWriteDeadline(time.Now().Add(w.Timeout)); err != nil {
		w.Log.Errorx("setting write deadline", err)
	}
	return w.Conn.Write(buf)
}
