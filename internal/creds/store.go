// Package creds persists the bearer credential and last-known identity
// in a bbolt database. It does no network access: validation here means
// expiry checking and clearing malformed rows.
package creds

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// fallbackTokenTTL is assumed when a token carries no parsable
	// expiry claim. Short, so a stale token is retried via refresh
	// rather than trusted for long.
	fallbackTokenTTL = 15 * time.Minute
)

var (
	authBucket  = []byte("auth")
	tokenKey    = []byte("token")
	expiryKey   = []byte("expiry")
	usernameKey = []byte("username")
)

// Credential is a bearer token together with its expiry instant.
type Credential struct {
	Value  string
	Expiry time.Time
}

// Valid reports whether the credential is present and unexpired.
func (c Credential) Valid() bool {
	return c.Value != "" && time.Now().Before(c.Expiry)
}

// Store wraps a bbolt database holding the credential and identity.
type Store struct {
	db *bolt.DB
}

// Open opens the store at the given path, creating the file and its
// directory if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(authBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the stored credential if it is present and unexpired.
// Missing, expired, or malformed rows are cleared and reported absent.
func (s *Store) Load() (Credential, bool) {
	var (
		value  string
		expiry string
	)

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(authBucket)

		if v := b.Get(tokenKey); v != nil {
			value = string(v)
		}
		if v := b.Get(expiryKey); v != nil {
			expiry = string(v)
		}

		return nil
	})

	if value == "" {
		return Credential{}, false
	}

	exp, err := time.Parse(time.RFC3339, expiry)
	if err != nil || !time.Now().Before(exp) {
		_ = s.clearCredential()
		return Credential{}, false
	}

	return Credential{Value: value, Expiry: exp}, true
}

// Save persists the credential, replacing any previous one.
func (s *Store) Save(c Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(authBucket)

		if err := b.Put(tokenKey, []byte(c.Value)); err != nil {
			return err
		}

		return b.Put(expiryKey, []byte(c.Expiry.UTC().Format(time.RFC3339)))
	})
}

// SetUsername persists the last-known identity.
func (s *Store) SetUsername(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Put(usernameKey, []byte(username))
	})
}

// Username returns the last-known identity, or empty string.
func (s *Store) Username() string {
	var username string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(authBucket).Get(usernameKey); v != nil {
			username = string(v)
		}

		return nil
	})

	return username
}

// Clear removes the credential and the cached identity together.
// Called on sign-out.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(authBucket)

		for _, k := range [][]byte{tokenKey, expiryKey, usernameKey} {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Store) clearCredential() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(authBucket)

		if err := b.Delete(tokenKey); err != nil {
			return err
		}

		return b.Delete(expiryKey)
	})
}

// ExpiryFromToken extracts the expiry instant from a JWT's exp claim
// without verifying the signature (verification is the server's job;
// the client only needs to know when to stop presenting the token).
// Tokens without a parsable claim get a conservative short TTL.
func ExpiryFromToken(token string) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Now().Add(fallbackTokenTTL)
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Now().Add(fallbackTokenTTL)
	}

	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Now().Add(fallbackTokenTTL)
	}

	return time.Unix(claims.Exp, 0)
}
