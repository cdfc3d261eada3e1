// Package userdb implements a simple user database.
//
//
// Format
//
// The user database is a JSON file containing a list of users and their
// encrypted passwords. We use JSON instead of the teacher's text-encoded
// protobuf (userdb.proto) since this module carries no protoc step (see
// DESIGN.md); encoding/json gives the same "readable on disk, diffable,
// no external tool needed" property the teacher wanted out of text-encoded
// protobuf.
//
// Users must be UTF-8 and NOT contain whitespace; the library will enforce
// this.
//
//
// Schemes
//
// The default scheme is SCRYPT, with hard-coded parameters. The API does not
// allow the user to change this, at least for now.
// A PLAIN scheme is also supported for debugging purposes.
//
//
// Writing
//
// The functions that write a database file will not preserve ordering,
// invalid lines, empty lines, or any formatting.
//
// It is also not safe for concurrent use from different processes.
//
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

	"vsmtpd.io/go/vsmtpd/internal/normalize"
)

// scheme names the password-encryption scheme recorded for a user.
type scheme string

const (
	schemeScrypt scheme = "scrypt"
	schemePlain  scheme = "plain"

	// schemeDenied marks a receive-only user: Exists returns true (so the
	// user can be a valid recipient) but Authenticate always fails (so the
	// user can never log in to send mail).
	schemeDenied scheme = "denied"
)

// password is one user's stored credential.
type password struct {
	Scheme scheme `json:"scheme"`

	// Scrypt fields, valid when Scheme == schemeScrypt.
	LogN      int    `json:"log_n,omitempty"`
	R         int    `json:"r,omitempty"`
	P         int    `json:"p,omitempty"`
	KeyLen    int    `json:"key_len,omitempty"`
	Salt      []byte `json:"salt,omitempty"`
	Encrypted []byte `json:"encrypted,omitempty"`

	// Plain field, valid when Scheme == schemePlain. Only used for testing
	// and debugging, matching the teacher's Plain scheme.
	Plain []byte `json:"plain,omitempty"`
}

func (p *password) matches(plain string) bool {
	switch p.Scheme {
	case schemeScrypt:
		dk, err := scrypt.Key([]byte(plain), p.Salt, 1<<p.LogN, p.R, p.P, p.KeyLen)
		if err != nil {
			panic(fmt.Sprintf("scrypt failed: %v", err))
		}
		return subtle.ConstantTimeCompare(dk, p.Encrypted) == 1
	case schemePlain:
		return plain == string(p.Plain)
	case schemeDenied:
		return false
	default:
		return false
	}
}

// fileFormat is the on-disk JSON shape.
type fileFormat struct {
	Users map[string]*password `json:"users"`
}

// DB represents a single user database.
type DB struct {
	fname string
	users map[string]*password

	mu sync.RWMutex
}

// New returns a new user database, on the given file name.
func New(fname string) *DB {
	return &DB{fname: fname, users: map[string]*password{}}
}

// Load the database from the given file.
// Return the database, and a fatal error if the database could not be
// loaded.
func Load(fname string) (*DB, error) {
	db := New(fname)

	data, err := os.ReadFile(fname)
	if err != nil {
		if os.IsNotExist(err) {
			return db, nil
		}
		return db, err
	}
	if len(data) == 0 {
		return db, nil
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return db, err
	}
	if ff.Users != nil {
		db.users = ff.Users
	}
	return db, nil
}

// Reload the database, refreshing its contents from the current file on disk.
// If there are errors reading from the file, they are returned and the
// database is not changed.
func (db *DB) Reload() error {
	newdb, err := Load(db.fname)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.users = newdb.users
	db.mu.Unlock()

	return nil
}

// Write the database to disk. It will do a complete rewrite each time, and is
// not safe to call it from different processes in parallel.
func (db *DB) Write() error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	data, err := json.MarshalIndent(fileFormat{Users: db.users}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(db.fname, data, 0660)
}

// Authenticate returns true if the password is valid for the user, false
// otherwise.
func (db *DB) Authenticate(name, plainPassword string) bool {
	db.mu.RLock()
	p, ok := db.users[name]
	db.mu.RUnlock()

	if !ok {
		return false
	}
	return p.matches(plainPassword)
}

// AddUser to the database. If the user is already present, override it.
// Note we enforce that the name has been normalized previously.
func (db *DB) AddUser(name, plainPassword string) error {
	if norm, err := normalize.User(name); err != nil || name != norm {
		return errors.New("invalid username")
	}

	p := &password{
		Scheme: schemeScrypt,
		// Follow the recommendations from the scrypt paper.
		LogN: 14, R: 8, P: 1, KeyLen: 32,
		Salt: make([]byte, 16),
	}

	n, err := rand.Read(p.Salt)
	if n != 16 || err != nil {
		return fmt.Errorf("failed to get salt - %d - %v", n, err)
	}

	p.Encrypted, err = scrypt.Key([]byte(plainPassword), p.Salt, 1<<p.LogN, p.R, p.P, p.KeyLen)
	if err != nil {
		return fmt.Errorf("scrypt failed: %v", err)
	}

	db.mu.Lock()
	db.users[name] = p
	db.mu.Unlock()

	return nil
}

// AddDeniedUser adds a receive-only user: present for Exists checks (so
// mail addressed to them is accepted) but never authenticates.
func (db *DB) AddDeniedUser(name string) error {
	if norm, err := normalize.User(name); err != nil || name != norm {
		return errors.New("invalid username")
	}

	db.mu.Lock()
	db.users[name] = &password{Scheme: schemeDenied}
	db.mu.Unlock()

	return nil
}

// RemoveUser from the database. Returns True if the user was there, False
// otherwise.
func (db *DB) RemoveUser(name string) bool {
	db.mu.Lock()
	_, present := db.users[name]
	delete(db.users, name)
	db.mu.Unlock()
	return present
}

// Exists returns true if the user is present, false otherwise.
func (db *DB) Exists(name string) bool {
	db.mu.RLock()
	_, present := db.users[name]
	db.mu.RUnlock()
	return present
}

// Len returns the number of users in the database.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.users)
}
