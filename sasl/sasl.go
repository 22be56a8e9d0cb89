// Package sasl implements the client side of the SASL mechanisms used for
// SMTP authentication: PLAIN, LOGIN and CRAM-MD5.
package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"fmt"
	"strings"
)

// Client is a SASL client for one authentication attempt.
type Client interface {
	// Name as used in the SMTP AUTH command, e.g. PLAIN, CRAM-MD5.
	// cleartextCredentials indicates if credentials are exchanged in clear
	// text, which influences whether the exchange is logged.
	Info() (name string, cleartextCredentials bool)

	// Next is called for each step of the exchange. The first call has a nil
	// fromServer and serves to get a possible initial response from the
	// client. With its final message the client sets last. Returning an error
	// aborts the attempt.
	Next(fromServer []byte) (toServer []byte, last bool, err error)
}

// Mechanisms supported, from most to least preferred.
var Mechanisms = []string{"CRAM-MD5", "PLAIN", "LOGIN"}

// NewClient returns a client for the named mechanism, or nil if the mechanism
// is not supported.
func NewClient(mech, username, password string) Client {
	switch strings.ToUpper(mech) {
	case "PLAIN":
		return &clientPlain{username, password, 0}
	case "LOGIN":
		return &clientLogin{username, password, 0}
	case "CRAM-MD5":
		return &clientCRAMMD5{username, password, 0}
	}
	return nil
}

type clientPlain struct {
	Username, Password string
	step               int
}

var _ Client = (*clientPlain)(nil)

// NewClientPlain returns a client for SASL PLAIN authentication.
func NewClientPlain(username, password string) Client {
	return &clientPlain{username, password, 0}
}

func (a *clientPlain) Info() (name string, hasCleartextCredentials bool) {
	return "PLAIN", true
}

func (a *clientPlain) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte(fmt.Sprintf("\u0000%s\u0000%s", a.Username, a.Password)), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientLogin struct {
	Username, Password string
	step               int
}

var _ Client = (*clientLogin)(nil)

// NewClientLogin returns a client for the obsolete but still widespread LOGIN
// mechanism, a two-step username then password exchange.
func NewClientLogin(username, password string) Client {
	return &clientLogin{username, password, 0}
}

func (a *clientLogin) Info() (name string, hasCleartextCredentials bool) {
	return "LOGIN", true
}

func (a *clientLogin) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		return []byte(a.Username), false, nil
	case 2:
		return []byte(a.Password), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientCRAMMD5 struct {
	Username, Password string
	step               int
}

var _ Client = (*clientCRAMMD5)(nil)

// NewClientCRAMMD5 returns a client for SASL CRAM-MD5 authentication.
func NewClientCRAMMD5(username, password string) Client {
	return &clientCRAMMD5{username, password, 0}
}

func (a *clientCRAMMD5) Info() (name string, hasCleartextCredentials bool) {
	return "CRAM-MD5", false
}

func (a *clientCRAMMD5) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		s := string(fromServer)
		if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
			return nil, false, fmt.Errorf("invalid challenge, missing angle brackets")
		}
		mac := hmac.New(md5.New, []byte(a.Password))
		mac.Write(fromServer)
		return []byte(fmt.Sprintf("%s %x", a.Username, mac.Sum(nil))), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

// Choose returns a client for the preferred mechanism that both we and the
// server support, or nil when there is no overlap. Server mechanisms are
// matched case-insensitively.
func Choose(serverMechs []string, username, password string) Client {
	for _, m := range Mechanisms {
		for _, sm := range serverMechs {
			if strings.EqualFold(m, sm) {
				return NewClient(m, username, password)
			}
		}
	}
	return nil
}
