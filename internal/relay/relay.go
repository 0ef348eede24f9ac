// Package relay implements the client side of the SMTP dialog: dialing a
// peer, running EHLO/STARTTLS/AUTH/MAIL/RCPT/DATA/QUIT in sequence, and
// normalizing addresses so the dialog still works against a peer that
// doesn't support SMTPUTF8. It backs both the post-receipt relay step and
// the scripted test harness; it never runs on the listener's accept path.
package relay

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"time"
	"unicode"

	"golang.org/x/net/idna"

	"github.com/missioninbox/robin/internal/renvelope"
)

// Client is a thin wrapper over net/smtp.Client that adds SMTPUTF8/IDNA
// address normalization on top of the stdlib dialog primitives.
type Client struct {
	*smtp.Client
}

// NewClient wraps an already-dialed connection, reading the server's
// initial response.
func NewClient(conn net.Conn, host string) (*Client, error) {
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return nil, err
	}

	// Cap the total bytes read from the server over the client's lifetime
	// at 2 MiB, so an oversized reply can't make the reader buffer forever.
	lr := &io.LimitedReader{R: c.Text.Reader.R, N: 2 * 1024 * 1024}
	c.Text.Reader.R = bufio.NewReader(lr)

	return &Client{c}, nil
}

// cmd issues one command over the underlying text connection and waits for
// a response matching expectCode, mirroring the request/response pairing
// net/smtp.Client itself uses internally for MAIL/RCPT/DATA.
func (c *Client) cmd(expectCode int, format string, args ...interface{}) (int, string, error) {
	id, err := c.Text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.Text.StartResponse(id)
	defer c.Text.EndResponse(id)
	return c.Text.ReadResponse(expectCode)
}

// Request describes one outbound relay attempt: the destination to dial,
// the envelope, and the body to deliver.
type Request struct {
	Addr     string // host:port to dial
	Hostname string // EHLO identity to present
	From     string
	To       []string
	Data     []byte

	// TLSConfig, if non-nil, makes Deliver issue STARTTLS when the server
	// advertises it; nil skips TLS entirely.
	TLSConfig *tls.Config

	// Auth, if non-nil, makes Deliver authenticate after any STARTTLS
	// upgrade, when the server advertises the AUTH extension.
	Auth smtp.Auth

	// Timeout bounds the dial; zero uses a 30s default.
	Timeout time.Duration
}

// Result records what happened during a Deliver call, for the caller's own
// bookkeeping.
type Result struct {
	UsedTLS  bool
	UsedAuth bool
}

// Deliver dials req.Addr and runs the outbound dialog end to end: EHLO,
// STARTTLS if offered and configured, AUTH if offered and configured, one
// MAIL FROM followed by one RCPT TO per recipient, the message body, QUIT.
func Deliver(req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	conn, err := net.DialTimeout("tcp", req.Addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %v", req.Addr, err)
	}

	host, _, err := net.SplitHostPort(req.Addr)
	if err != nil {
		host = req.Addr
	}

	c, err := NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: connecting to %s: %v", req.Addr, err)
	}
	defer c.Close()

	if err := c.Hello(req.Hostname); err != nil {
		return nil, fmt.Errorf("relay: EHLO: %v", err)
	}

	res := &Result{}

	if req.TLSConfig != nil {
		if ok, _ := c.Extension("STARTTLS"); ok {
			cfg := req.TLSConfig
			if cfg.ServerName == "" {
				cfg = cfg.Clone()
				cfg.ServerName = host
			}
			if err := c.StartTLS(cfg); err != nil {
				return res, fmt.Errorf("relay: STARTTLS: %v", err)
			}
			res.UsedTLS = true

			// A successful STARTTLS is a sideways transition on the client
			// side too: the upgraded channel needs its own greeting.
			if err := c.Hello(req.Hostname); err != nil {
				return res, fmt.Errorf("relay: EHLO after STARTTLS: %v", err)
			}
		}
	}

	if req.Auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(req.Auth); err != nil {
				return res, fmt.Errorf("relay: AUTH: %v", err)
			}
			res.UsedAuth = true
		}
	}

	if err := c.SendMail(req.From, req.To); err != nil {
		return res, fmt.Errorf("relay: MAIL/RCPT: %v", err)
	}

	w, err := c.Data()
	if err != nil {
		return res, fmt.Errorf("relay: DATA: %v", err)
	}
	if _, err := w.Write(req.Data); err != nil {
		w.Close()
		return res, fmt.Errorf("relay: writing body: %v", err)
	}
	if err := w.Close(); err != nil {
		return res, fmt.Errorf("relay: closing body: %v", err)
	}

	_ = c.Quit()
	return res, nil
}

// SendMail issues one MAIL FROM followed by one RCPT TO per recipient,
// announcing SMTPUTF8 if any of the addresses involved needs it and the
// peer supports the extension, falling back to IDNA or failing outright
// for any address the peer can't otherwise take.
func (c *Client) SendMail(from string, to []string) error {
	from, fromNeedsUTF8, err := c.normalizeAddress(from)
	if err != nil {
		return err
	}

	needUTF8 := fromNeedsUTF8
	prepared := make([]string, len(to))
	for i, addr := range to {
		p, needsUTF8, err := c.normalizeAddress(addr)
		if err != nil {
			return err
		}
		prepared[i] = p
		needUTF8 = needUTF8 || needsUTF8
	}

	mailCmd := "MAIL FROM:<%s>"
	if ok, _ := c.Extension("8BITMIME"); ok {
		mailCmd += " BODY=8BITMIME"
	}
	if needUTF8 {
		mailCmd += " SMTPUTF8"
	}
	if _, _, err := c.cmd(250, mailCmd, from); err != nil {
		return err
	}

	for _, addr := range prepared {
		if _, _, err := c.cmd(25, "RCPT TO:<%s>", addr); err != nil {
			return err
		}
	}
	return nil
}

// normalizeAddress decides how addr should be presented to the peer:
//   - unchanged, if it's already all-ASCII;
//   - unchanged but flagged as needing SMTPUTF8, if the peer advertises the
//     extension;
//   - with its domain converted to IDNA (punycode) ASCII, if the peer
//     lacks SMTPUTF8 support but the non-ASCII part is confined to the
//     domain;
//   - rejected outright, if the local part itself is non-ASCII and the
//     peer has no SMTPUTF8 support to fall back on.
func (c *Client) normalizeAddress(addr string) (normalized string, needsUTF8 bool, err error) {
	if isASCIIString(addr) {
		return addr, false, nil
	}

	if ok, _ := c.Extension("SMTPUTF8"); ok {
		return addr, true, nil
	}

	user, domain := renvelope.Split(addr)
	if !isASCIIString(user) {
		return addr, true, &textproto.Error{
			Code: 599,
			Msg:  "mailbox local part contains non-ASCII characters and the peer does not support SMTPUTF8",
		}
	}

	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		return addr, true, &textproto.Error{
			Code: 599,
			Msg:  "mailbox domain is not representable in IDNA/punycode",
		}
	}

	return user + "@" + asciiDomain, false, nil
}

// IsPermanent reports whether err represents a permanent (5xx) SMTP
// failure, as opposed to a transient one that might succeed on retry. Only
// errors carrying an SMTP reply code (*textproto.Error in the 500-599
// range) are permanent; everything else, including non-protocol errors
// such as a dial timeout, is treated as transient.
func IsPermanent(err error) bool {
	terr, ok := err.(*textproto.Error)
	if !ok {
		return false
	}
	return terr.Code >= 500 && terr.Code <= 599
}

// isASCIIString reports whether every rune in s is within the ASCII range.
func isASCIIString(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
