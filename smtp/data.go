package smtp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

var errMissingCRLF = errors.New("missing crlf at end of message")

var dotcrlf = []byte(".\r\n")

// DataWrite writes a mail message from r to smtp connection w with dot
// stuffing, as the SMTP DATA and NNTP POST commands require, ending with the
// lone-dot terminator line.
//
// The message must already be in wire form, with CRLF line endings and a
// final CRLF. After each chunk of the message has been written, progress is
// called with the number of message bytes in that chunk (stuffed dots not
// counted). A non-nil error from progress aborts the write and is returned;
// this is the cancellation point between chunks.
func DataWrite(w io.Writer, r io.Reader, progress func(n int) error) error {
	// Start as if on a fresh line, so a leading dot is stuffed too.
	var prevlast, last byte = '\r', '\n'
	buf := make([]byte, 8*1024)
	for {
		nr, err := r.Read(buf)
		if nr > 0 {
			p := buf[:nr]
			for len(p) > 0 {
				if p[0] == '.' && prevlast == '\r' && last == '\n' {
					if _, werr := w.Write(dotcrlf[:1]); werr != nil {
						return werr
					}
				}
				n := 0
				for n < len(p) {
					c := p[n]
					n++
					if c == '\n' {
						break
					}
				}
				if _, werr := w.Write(p[:n]); werr != nil {
					return werr
				}
				if n == 1 {
					prevlast, last = last, p[0]
				} else {
					prevlast, last = p[n-2], p[n-1]
				}
				p = p[n:]
			}
			if progress != nil {
				if perr := progress(nr); perr != nil {
					return perr
				}
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	if prevlast != '\r' || last != '\n' {
		return errMissingCRLF
	}
	_, err := w.Write(dotcrlf)
	return err
}

// DataReader reads a message from an SMTP DATA stream, undoing dot stuffing
// and returning io.EOF at the lone-dot terminator. Used by test servers.
type DataReader struct {
	r           *bufio.Reader
	plast, last byte
	buf         []byte // Remainder of a previously read line.
	err         error
}

func NewDataReader(r *bufio.Reader) *DataReader {
	// Initial state accepts a message that is only the terminator.
	return &DataReader{r: r, plast: '\r', last: '\n'}
}

func (r *DataReader) Read(p []byte) (int, error) {
	wrote := 0
	for len(p) > 0 {
		if len(r.buf) == 0 {
			if r.err != nil {
				break
			}
			r.buf, r.err = r.r.ReadSlice('\n')
			if r.err == bufio.ErrBufferFull {
				r.err = nil
			} else if r.err == io.EOF {
				r.err = io.ErrUnexpectedEOF
			}
		}
		if len(r.buf) > 0 {
			if r.plast == '\r' && r.last == '\n' {
				if bytes.Equal(r.buf, dotcrlf) {
					r.buf = nil
					r.err = io.EOF
					break
				} else if r.buf[0] == '.' {
					r.buf = r.buf[1:]
				}
			}
			n := len(r.buf)
			if n > len(p) {
				n = len(p)
			}
			copy(p, r.buf[:n])
			if n == 1 {
				r.plast, r.last = r.last, r.buf[0]
			} else if n > 1 {
				r.plast, r.last = r.buf[n-2], r.buf[n-1]
			}
			p = p[n:]
			r.buf = r.buf[n:]
			wrote += n
		}
	}
	return wrote, r.err
}
