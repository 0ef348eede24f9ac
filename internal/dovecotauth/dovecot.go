// Package dovecotauth implements an alternative rauth.Backend that
// delegates user lookup and password checks to a running Dovecot
// authentication service over its userdb and client Unix sockets, instead
// of consulting the toolkit's own in-process userdb.
//
// https://wiki.dovecot.org/Design/AuthProtocol
// https://wiki.dovecot.org/Services#auth
package dovecotauth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"
)

// DefaultTimeout bounds every dial and read/write against the Dovecot
// sockets, so a stuck or misconfigured Dovecot can't hang a session
// forever.
const DefaultTimeout = 5 * time.Second

var (
	errUsernameNotSafe = errors.New("dovecotauth: username contains whitespace, unsafe for the wire protocol")
	errFailedToConnect = errors.New("dovecotauth: could not connect to either socket")
	errNoUserdbSocket  = errors.New("dovecotauth: no userdb socket configured or found")
	errNoClientSocket  = errors.New("dovecotauth: no client socket configured or found")
)

// Conventional socket locations probed when no explicit path is given.
var (
	defaultUserdbPaths = []string{
		"/var/run/dovecot/auth-robin-userdb",
		"/var/run/dovecot/auth-userdb",
	}
	defaultClientPaths = []string{
		"/var/run/dovecot/auth-robin-client",
		"/var/run/dovecot/auth-client",
	}
)

// Backend authenticates against a Dovecot auth service, implementing
// rauth.Backend. The socket paths are resolved lazily on first use (and
// cached), so a Backend can be constructed with blank paths and still find
// a locally-running Dovecot via the conventional locations above.
type Backend struct {
	mu         sync.Mutex
	userdbAddr string
	clientAddr string

	// Timeout bounds every connection and I/O operation. NewBackend sets
	// it to DefaultTimeout.
	Timeout time.Duration
}

// NewBackend returns a Backend targeting the given userdb and client
// socket paths; either may be left blank to fall back to the conventional
// locations.
func NewBackend(userdbAddr, clientAddr string) *Backend {
	return &Backend{
		userdbAddr: userdbAddr,
		clientAddr: clientAddr,
		Timeout:    DefaultTimeout,
	}
}

// NewAuth is an alias of NewBackend kept for callers wiring this package by
// its historical name.
func NewAuth(userdbAddr, clientAddr string) *Backend {
	return NewBackend(userdbAddr, clientAddr)
}

// String is a human-readable identifier for log lines.
func (b *Backend) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("dovecotauth.Backend(userdb=%q, client=%q)", b.userdbAddr, b.clientAddr)
}

// Check reports whether both sockets are currently reachable.
func (b *Backend) Check() error {
	userdbAddr, clientAddr, err := b.resolveAddrs()
	if err != nil {
		return err
	}
	if !b.canDial(userdbAddr) || !b.canDial(clientAddr) {
		return errFailedToConnect
	}
	return nil
}

// Exists reports whether user is known to Dovecot's userdb.
func (b *Backend) Exists(user string) (bool, error) {
	if !isUsernameSafe(user) {
		return false, errUsernameNotSafe
	}

	userdbAddr, _, err := b.resolveAddrs()
	if err != nil {
		return false, err
	}

	conn, err := b.dial(userdbAddr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// Dovecot's handshake: VERSION\t<major>\t<minor> then SPID\t<pid>.
	if err := expectLine(conn, "VERSION\t1"); err != nil {
		return false, fmt.Errorf("dovecotauth: reading VERSION: %v", err)
	}
	if err := expectLine(conn, "SPID\t"); err != nil {
		return false, fmt.Errorf("dovecotauth: reading SPID: %v", err)
	}

	if err := sendLine(conn, "VERSION\t1\t1\n"); err != nil {
		return false, err
	}
	if err := sendLine(conn, fmt.Sprintf("USER\t1\t%s\tservice=smtp\n", user)); err != nil {
		return false, err
	}

	resp, err := conn.ReadLine()
	if err != nil {
		return false, fmt.Errorf("dovecotauth: reading USER response: %v", err)
	}
	switch {
	case strings.HasPrefix(resp, "USER\t1\t"):
		return true, nil
	case strings.HasPrefix(resp, "NOTFOUND\t"):
		return false, nil
	}
	return false, fmt.Errorf("dovecotauth: unexpected USER response %q", resp)
}

// Authenticate reports whether passwd is valid for user, via Dovecot's
// client socket using PLAIN authentication.
func (b *Backend) Authenticate(user, passwd string) (bool, error) {
	if !isUsernameSafe(user) {
		return false, errUsernameNotSafe
	}

	_, clientAddr, err := b.resolveAddrs()
	if err != nil {
		return false, err
	}

	conn, err := b.dial(clientAddr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := sendLine(conn, fmt.Sprintf("VERSION\t1\t1\nCPID\t%d\n", os.Getpid())); err != nil {
		return false, err
	}
	if err := drainHandshake(conn); err != nil {
		return false, err
	}

	// Only PLAIN is implemented; "secured" tells Dovecot the password
	// already arrived over an encrypted channel (the session's own
	// STARTTLS/implicit-TLS, when in effect), which this toolkit's caller
	// is responsible for having ensured before calling Authenticate.
	payload := base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf("%s\x00%s\x00%s", user, user, passwd)))
	// TODO: non-ASCII domains may need IDNA-encoding before they reach
	// Dovecot; unverified against a real multi-domain Dovecot deployment.
	req := fmt.Sprintf("AUTH\t1\tPLAIN\tservice=smtp\tsecured\tno-penalty\tnologin\tresp=%s\n", payload)
	if err := sendLine(conn, req); err != nil {
		return false, err
	}

	resp, err := conn.ReadLine()
	if err != nil {
		return false, fmt.Errorf("dovecotauth: reading AUTH response: %v", err)
	}
	switch {
	case strings.HasPrefix(resp, "OK\t1"):
		return true, nil
	case strings.HasPrefix(resp, "FAIL\t1"):
		return false, nil
	}
	return false, fmt.Errorf("dovecotauth: unexpected AUTH response %q", resp)
}

// Reload is a no-op: Dovecot owns its own credential state, there is
// nothing local to refresh. It exists only to satisfy rauth.Backend.
func (b *Backend) Reload() error {
	return nil
}

// drainHandshake reads and discards the client socket's greeting lines up
// to and including "DONE".
func drainHandshake(conn *textproto.Conn) error {
	for {
		resp, err := conn.ReadLine()
		if err != nil {
			return fmt.Errorf("dovecotauth: reading handshake: %v", err)
		}
		if resp == "DONE" {
			return nil
		}
	}
}

func (b *Backend) dial(addr string) (*textproto.Conn, error) {
	nc, err := net.DialTimeout("unix", addr, b.Timeout)
	if err != nil {
		return nil, err
	}
	nc.SetDeadline(time.Now().Add(b.Timeout))
	return textproto.NewConn(nc), nil
}

func expectLine(conn *textproto.Conn, prefix string) error {
	resp, err := conn.ReadLine()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, prefix) {
		return fmt.Errorf("got %q, wanted prefix %q", resp, prefix)
	}
	return nil
}

func sendLine(conn *textproto.Conn, msg string) error {
	if _, err := conn.W.Write([]byte(msg)); err != nil {
		return err
	}
	return conn.W.Flush()
}

// isUsernameSafe reports whether user is free of whitespace, which
// Dovecot's tab/newline-delimited wire protocol can't otherwise escape.
func isUsernameSafe(user string) bool {
	for _, r := range user {
		if unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// resolveAddrs returns the userdb and client socket paths to use, probing
// the conventional locations (and caching whatever is found) if either was
// left blank at construction.
func (b *Backend) resolveAddrs() (userdbAddr, clientAddr string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.userdbAddr == "" {
		for _, p := range defaultUserdbPaths {
			if b.canDial(p) {
				b.userdbAddr = p
				break
			}
		}
		if b.userdbAddr == "" {
			return "", "", errNoUserdbSocket
		}
	}

	if b.clientAddr == "" {
		for _, p := range defaultClientPaths {
			if b.canDial(p) {
				b.clientAddr = p
				break
			}
		}
		if b.clientAddr == "" {
			return "", "", errNoClientSocket
		}
	}

	return b.userdbAddr, b.clientAddr, nil
}

func (b *Backend) canDial(path string) bool {
	conn, err := b.dial(path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
