// Package userdb implements an in-memory user/password database, backed
// by scrypt-hashed credentials either supplied directly by a typed
// rconfig.Config or loaded from a small JSON file on disk.
//
// Users must be UTF-8 and are expected to already be PRECIS-normalized by
// the caller (see internal/normalize); this package does not normalize on
// its own, only AddUser rejects a name that isn't already in normal form.
//
// The default (and only) scheme is scrypt, with fixed parameters following
// the recommendations in the scrypt paper. There is no plaintext scheme:
// this toolkit has no debug/test-only plaintext storage mode, since
// CRAM-MD5/DIGEST-MD5 negotiation (which needs a reversible password) is
// documented as unsupported against this backend.
package userdb

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/missioninbox/robin/internal/normalize"
	"github.com/missioninbox/robin/internal/rconfig"
)

// scrypt parameters, following the paper's interactive-use recommendation.
const (
	scryptLogN  = 14
	scryptR     = 8
	scryptP     = 1
	scryptKeyLen = 32
	saltLen     = 16
)

type scryptPassword struct {
	Salt      []byte
	Encrypted []byte
}

func (p *scryptPassword) matches(plain string) bool {
	dk, err := scrypt.Key([]byte(plain), p.Salt, 1<<scryptLogN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		// Only possible if the hard-coded parameters above are invalid.
		panic(fmt.Sprintf("userdb: scrypt failed: %v", err))
	}
	return subtle.ConstantTimeCompare(dk, p.Encrypted) == 1
}

func newScryptPassword(plain string) (*scryptPassword, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("userdb: generating salt: %v", err)
	}
	enc, err := scrypt.Key([]byte(plain), salt, 1<<scryptLogN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("userdb: scrypt: %v", err)
	}
	return &scryptPassword{Salt: salt, Encrypted: enc}, nil
}

// DB is a single, in-memory user database.
type DB struct {
	fname string

	mu    sync.RWMutex
	users map[string]*scryptPassword
}

// New returns an empty database. If fname is non-empty, Reload and Write
// will read and write it as JSON.
func New(fname string) *DB {
	return &DB{
		fname: fname,
		users: map[string]*scryptPassword{},
	}
}

// FromConfig builds a database directly from already-hashed credentials in
// a Config, as produced by the toolkit's configuration loader. It is not
// associated with a file; Write returns an error if called.
func FromConfig(users []rconfig.User) *DB {
	db := New("")
	for _, u := range users {
		db.users[u.Name] = &scryptPassword{Salt: u.ScryptSalt, Encrypted: u.ScryptHash}
	}
	return db
}

type jsonRecord struct {
	Salt      []byte `json:"salt"`
	Encrypted []byte `json:"encrypted"`
}

// Load reads a database from a JSON file.
func Load(fname string) (*DB, error) {
	db := New(fname)
	buf, err := os.ReadFile(fname)
	if err != nil {
		return db, err
	}
	if len(buf) == 0 {
		// An empty file is an empty database.
		return db, nil
	}

	var records map[string]jsonRecord
	if err := json.Unmarshal(buf, &records); err != nil {
		return db, fmt.Errorf("userdb: parsing %q: %v", fname, err)
	}

	for name, r := range records {
		db.users[name] = &scryptPassword{Salt: r.Salt, Encrypted: r.Encrypted}
	}
	return db, nil
}

// Reload refreshes the database from its backing file.
func (db *DB) Reload() error {
	if db.fname == "" {
		return nil
	}
	newdb, err := Load(db.fname)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.users = newdb.users
	db.mu.Unlock()
	return nil
}

// Write persists the database to its backing JSON file.
func (db *DB) Write() error {
	if db.fname == "" {
		return errors.New("userdb: database has no backing file")
	}

	db.mu.RLock()
	records := make(map[string]jsonRecord, len(db.users))
	for name, p := range db.users {
		records[name] = jsonRecord{Salt: p.Salt, Encrypted: p.Encrypted}
	}
	db.mu.RUnlock()

	buf, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(db.fname, buf, 0660)
}

// Authenticate returns true if the password is valid for the user.
func (db *DB) Authenticate(name, plainPassword string) bool {
	db.mu.RLock()
	p, ok := db.users[name]
	db.mu.RUnlock()

	if !ok {
		return false
	}
	return p.matches(plainPassword)
}

// AddUser adds or replaces a user's password. The name must already be in
// PRECIS-normalized form.
func (db *DB) AddUser(name, plainPassword string) error {
	if norm, err := normalize.User(name); err != nil || name != norm {
		return errors.New("userdb: invalid (non-normalized) username")
	}

	p, err := newScryptPassword(plainPassword)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.users[name] = p
	db.mu.Unlock()
	return nil
}

// RemoveUser removes a user, reporting whether it was present.
func (db *DB) RemoveUser(name string) bool {
	db.mu.Lock()
	_, present := db.users[name]
	delete(db.users, name)
	db.mu.Unlock()
	return present
}

// Exists reports whether the user is present in the database.
func (db *DB) Exists(name string) bool {
	db.mu.RLock()
	_, present := db.users[name]
	db.mu.RUnlock()
	return present
}
