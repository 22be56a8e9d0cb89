// Package config holds the account configuration: where to submit mail, where
// to read news, and how to authenticate. Config files are in sconf format,
// written and documented by "crow config describe".
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/mjl-/sconf"
	"golang.org/x/net/idna"
)

// SMTP configures submission of outgoing messages.
type SMTP struct {
	Host                 string `sconf-doc:"Host to dial for submission, e.g. mail.example.org."`
	Port                 int    `sconf:"optional" sconf-doc:"Port to dial. Default 25, or 465 with TLS."`
	TLS                  bool   `sconf:"optional" sconf-doc:"Connect with immediate TLS, usually port 465."`
	User                 string `sconf:"optional" sconf-doc:"Username for SMTP authentication. Empty means no authentication."`
	Password             string `sconf:"optional" sconf-doc:"Password for SMTP authentication. If a user is set without password, the password is prompted for and kept for the rest of the process."`
	AuthMechanism        string `sconf:"optional" sconf-doc:"If set, only this SASL mechanism is attempted, e.g. CRAM-MD5. Otherwise the strongest mutually supported mechanism is used."`
	TolerateRcptFailures bool   `sconf:"optional" sconf-doc:"Continue delivering to the remaining recipients when one is rejected, instead of aborting the transaction."`
}

// NNTP configures the news server.
type NNTP struct {
	Host     string `sconf-doc:"News server to dial, e.g. news.example.org."`
	Port     int    `sconf:"optional" sconf-doc:"Port to dial. Default 119, or 563 with TLS."`
	TLS      bool   `sconf:"optional" sconf-doc:"Connect with immediate TLS, usually port 563."`
	User     string `sconf:"optional" sconf-doc:"Username for AUTHINFO. Empty means no authentication."`
	Password string `sconf:"optional" sconf-doc:"Password for AUTHINFO."`
}

// Account is one account configuration.
type Account struct {
	Address       string `sconf-doc:"Address used for MAIL FROM during submission."`
	LocalHostname string `sconf:"optional" sconf-doc:"Hostname announced in EHLO/HELO. Hosts don't always have an FQDN; empty means localhost."`
	MailCommand   string `sconf:"optional" sconf-doc:"If set, messages are delivered by piping them to this command, e.g. /usr/sbin/sendmail -t, instead of over SMTP."`
	SMTP          SMTP   `sconf:"optional" sconf-doc:"Submission over SMTP. Required unless MailCommand is set."`
	NNTP          NNTP   `sconf:"optional" sconf-doc:"News server for posting articles."`
}

// Addr returns the SMTP dial address with the port defaults applied.
func (s SMTP) Addr() string {
	port := s.Port
	if port == 0 {
		if s.TLS {
			port = 465
		} else {
			port = 25
		}
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// Addr returns the NNTP dial address with the port defaults applied.
func (n NNTP) Addr() string {
	port := n.Port
	if port == 0 {
		if n.TLS {
			port = 563
		} else {
			port = 119
		}
	}
	return fmt.Sprintf("%s:%d", n.Host, port)
}

// Load reads and checks an account configuration file.
func Load(path string) (*Account, error) {
	var acc Account
	if err := sconf.ParseFile(path, &acc); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := check(&acc); err != nil {
		return nil, fmt.Errorf("checking config file %s: %w", path, err)
	}
	return &acc, nil
}

// Parse reads and checks an account configuration from a reader.
func Parse(r io.Reader) (*Account, error) {
	var acc Account
	if err := sconf.Parse(r, &acc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := check(&acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// Describe writes an annotated example configuration.
func Describe(w io.Writer) error {
	acc := Account{
		Address: "you@example.org",
		SMTP:    SMTP{Host: "mail.example.org", Port: 465, TLS: true, User: "you@example.org"},
		NNTP:    NNTP{Host: "news.example.org"},
	}
	return sconf.Describe(w, acc)
}

// check validates the account and normalizes its hostnames to ASCII/punycode.
func check(acc *Account) error {
	if !strings.Contains(acc.Address, "@") {
		return fmt.Errorf("address %q must contain @", acc.Address)
	}
	if acc.MailCommand == "" && acc.SMTP.Host == "" {
		return fmt.Errorf("either a mail command or an smtp host is required")
	}

	var err error
	normalize := func(host string) string {
		if host == "" || err != nil {
			return host
		}
		ascii, xerr := idna.Lookup.ToASCII(host)
		if xerr != nil {
			err = fmt.Errorf("hostname %q: %w", host, xerr)
			return host
		}
		return ascii
	}
	acc.SMTP.Host = normalize(acc.SMTP.Host)
	acc.NNTP.Host = normalize(acc.NNTP.Host)
	acc.LocalHostname = normalize(acc.LocalHostname)
	return err
}
