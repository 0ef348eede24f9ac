// Package rauth implements the authentication engine: pluggable credential
// backends, and the SMTP AUTH mechanisms (PLAIN, LOGIN, CRAM-MD5,
// DIGEST-MD5) that negotiate against them.
package rauth

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math/rand"
	"time"

	"github.com/missioninbox/robin/internal/normalize"
)

// Backend is a source of truth for user credentials.
type Backend interface {
	Authenticate(user, password string) (bool, error)
	Exists(user string) (bool, error)
	Reload() error
}

// NoErrorBackend is a Backend that never fails with an error, only ever
// succeeding or not. It exists so simple backends (an in-memory user list)
// don't have to thread errors through calls that can never produce one.
type NoErrorBackend interface {
	Authenticate(user, password string) bool
	Exists(user string) bool
	Reload() error
}

// WrapNoErrorBackend adapts a NoErrorBackend into a Backend.
func WrapNoErrorBackend(be NoErrorBackend) Backend {
	return &wrapNoErrorBackend{be}
}

type wrapNoErrorBackend struct {
	be NoErrorBackend
}

func (w *wrapNoErrorBackend) Authenticate(user, password string) (bool, error) {
	return w.be.Authenticate(user, password), nil
}

func (w *wrapNoErrorBackend) Exists(user string) (bool, error) {
	return w.be.Exists(user), nil
}

func (w *wrapNoErrorBackend) Reload() error {
	return w.be.Reload()
}

// Engine authenticates flat usernames (the toolkit has no per-domain
// identity concept) against a single configured Backend, with a minimum
// wall-clock duration to make simple timing attacks harder.
type Engine struct {
	Backend Backend

	// AuthDuration is the approximate minimum time an Authenticate call
	// should take, successful or not.
	AuthDuration time.Duration
}

// NewEngine returns an Engine backed by be.
func NewEngine(be Backend) *Engine {
	return &Engine{
		Backend:      be,
		AuthDuration: 100 * time.Millisecond,
	}
}

// Authenticate checks user/password against the backend, padding the call
// to approximately AuthDuration (plus 0-20%) regardless of outcome.
func (e *Engine) Authenticate(user, password string) (bool, error) {
	defer func(start time.Time) {
		elapsed := time.Since(start)
		delay := e.AuthDuration - elapsed
		if delay > 0 {
			maxDelta := int64(float64(delay) * 0.2)
			if maxDelta > 0 {
				delay += time.Duration(rand.Int63n(maxDelta))
			}
			time.Sleep(delay)
		}
	}(time.Now())

	if e.Backend == nil {
		return false, nil
	}
	return e.Backend.Authenticate(user, password)
}

// Exists reports whether user is known to the backend.
func (e *Engine) Exists(user string) (bool, error) {
	if e.Backend == nil {
		return false, nil
	}
	return e.Backend.Exists(user)
}

// Reload refreshes the backend's credentials.
func (e *Engine) Reload() error {
	if e.Backend == nil {
		return nil
	}
	return e.Backend.Reload()
}

// DecodeResponse decodes a base64-encoded PLAIN auth response of the form
// "<authorization id> NUL <authentication id> NUL <password>"
// (https://tools.ietf.org/html/rfc4954#section-4.1). Either both IDs match,
// or one of them is empty; the resulting username is normalized via PRECIS.
func DecodeResponse(response string) (user, passwd string, err error) {
	buf, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", "", err
	}

	parts := bytes.SplitN(buf, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("response must have 3 NUL-separated fields, as per RFC")
	}

	passwd = string(parts[2])

	z := string(parts[0])
	c := string(parts[1])
	if z != "" && c != "" && z != c {
		return "", "", fmt.Errorf("authorization and authentication ids do not match")
	}

	user = c
	if user == "" {
		user = z
	}
	if user == "" {
		return "", "", fmt.Errorf("empty identity in auth response")
	}

	user, err = normalize.User(user)
	if err != nil {
		return "", "", err
	}

	return user, passwd, nil
}
