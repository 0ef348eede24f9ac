// Package rconfig defines the typed configuration accepted by the server.
// Loading it from a file (JSON5 or otherwise) and parsing CLI flags are
// external collaborators; this package only holds the typed struct, applies
// defaults, and validates it.
package rconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/missioninbox/robin/internal/scenario"
)

// User is one statically configured credential.
type User struct {
	Name       string
	ScryptHash []byte
	ScryptSalt []byte
}

// Config is the typed, already-parsed server configuration.
type Config struct {
	Hostname string
	Bind     string

	SMTPPort       int
	SecurePort     int
	SubmissionPort int

	Backlog     int
	MinPoolSize int
	MaxPoolSize int
	KeepAlive   time.Duration

	TransactionsLimit int
	ErrorLimit        int

	Auth     bool
	StartTLS bool
	Chunking bool

	Keystore         string
	KeystorePassword string

	// DovecotUserdbPath/DovecotClientPath, when both set, make the server
	// authenticate against a Dovecot auth service instead of the built-in
	// Users list -- see internal/dovecotauth.
	DovecotUserdbPath string
	DovecotClientPath string

	// RelayEnabled makes every received message trigger the post-receipt
	// relay step against RelayAddr, unless the message itself carries an
	// X-Robin-Relay header naming a different destination.
	RelayEnabled bool
	RelayAddr    string

	Users []User

	Scenarios []*scenario.Scenario
}

// Defaults returns a Config populated with the toolkit's default values.
// Callers overlay whatever an external loader parsed on top of this.
func Defaults() *Config {
	return &Config{
		Bind:           "0.0.0.0",
		SMTPPort:       25,
		SecurePort:     465,
		SubmissionPort: 587,

		Backlog:     25,
		MinPoolSize: 4,
		MaxPoolSize: 64,
		KeepAlive:   60 * time.Second,

		TransactionsLimit: 200,
		ErrorLimit:        3,

		StartTLS: true,
		Chunking: true,
	}
}

// Validate checks the configuration for internal consistency, resolving the
// hostname from the OS when unset and reading the keystore password from a
// file when the configured value is itself a path, exactly as the server's
// keystore rule requires.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("rconfig: could not determine hostname: %v", err)
		}
		c.Hostname = h
	}

	if c.MinPoolSize <= 0 || c.MaxPoolSize <= 0 {
		return fmt.Errorf("rconfig: pool sizes must be positive")
	}
	if c.MinPoolSize > c.MaxPoolSize {
		return fmt.Errorf("rconfig: minPoolSize (%d) > maxPoolSize (%d)",
			c.MinPoolSize, c.MaxPoolSize)
	}

	if c.TransactionsLimit <= 0 {
		return fmt.Errorf("rconfig: transactionsLimit must be positive")
	}
	if c.ErrorLimit <= 0 {
		return fmt.Errorf("rconfig: errorLimit must be positive")
	}

	if c.StartTLS && c.Keystore == "" {
		return fmt.Errorf("rconfig: starttls enabled but no keystore configured")
	}

	if c.RelayEnabled && c.RelayAddr == "" {
		return fmt.Errorf("rconfig: relay enabled but no relayAddr configured")
	}

	if c.KeystorePassword != "" {
		if st, err := os.Stat(c.KeystorePassword); err == nil && !st.IsDir() {
			buf, err := os.ReadFile(c.KeystorePassword)
			if err != nil {
				return fmt.Errorf("rconfig: reading keystore password file: %v", err)
			}
			c.KeystorePassword = string(buf)
		}
	}

	return nil
}
