// Package session holds the error taxonomy shared by the protocol sessions.
//
// NNTP and SMTP session operations classify every failure as one of the kinds
// below. Callers switch on the kind to decide between retrying, re-prompting
// for credentials and reporting to the user.
package session

import (
	"context"
	"errors"
	"net"
)

// Kind classifies a session failure.
type Kind int

const (
	// Transport failure: connect, read or write error, or unexpected EOF.
	Socket Kind = iota

	// Malformed or unexpected protocol response.
	Protocol

	// Server requires authentication and no credentials were available.
	AuthRequired

	// Server asked for the next step of an authentication exchange. Regular
	// continuations (381, 334) are consumed inside the sessions; this kind is
	// only surfaced when the server asks to continue an exchange the client
	// has already finished.
	AuthContinue

	// Server rejected the credentials.
	AuthFailed

	// No response within the transport deadline.
	Timeout

	// The operation was cancelled by the caller.
	Cancelled
)

var kindStrings = map[Kind]string{
	Socket:       "socket",
	Protocol:     "protocol",
	AuthRequired: "authrequired",
	AuthContinue: "authcontinue",
	AuthFailed:   "authfailed",
	Timeout:      "timeout",
	Cancelled:    "cancelled",
}

func (k Kind) String() string {
	return kindStrings[k]
}

// ClassifyIO maps a transport error to Socket, Timeout or Cancelled.
func ClassifyIO(err error) Kind {
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Timeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Socket
}
