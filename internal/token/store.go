// Package token issues and consumes the short-lived, single-use credentials
// that authenticate websocket connections to the relay.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an issued token stays valid.
	DefaultTTL = 30 * time.Second

	tokenBytes = 32
)

var (
	// ErrUnknown is returned when a token was never issued or has already
	// been consumed.
	ErrUnknown = errors.New("unknown or already used token")

	// ErrExpired is returned when a token is past its TTL.
	ErrExpired = errors.New("token expired")
)

// Credential binds a token to the identity it was issued for.
type Credential struct {
	Token     string
	SubjectID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Store holds pending credentials in memory. It is the only state shared
// across connections; Issue and Consume are safe for concurrent use and a
// token can never be consumed twice. Expired entries are removed on lookup,
// so correctness never depends on the background sweeper.
type Store struct {
	mu    sync.Mutex
	creds map[string]Credential
	ttl   time.Duration
	now   func() time.Time
}

// NewStore creates a credential store. ttl <= 0 selects DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		creds: make(map[string]Credential),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Issue generates a new single-use credential bound to subjectID.
func (s *Store) Issue(subjectID string) (Credential, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return Credential{}, fmt.Errorf("generate token: %w", err)
	}

	now := s.now().UTC()
	cred := Credential{
		Token:     hex.EncodeToString(buf),
		SubjectID: subjectID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.creds[cred.Token] = cred
	s.mu.Unlock()

	return cred, nil
}

// Consume looks up a token, marks it used, and returns the bound subject.
// The check-and-delete is atomic: concurrent Consume calls with the same
// token admit exactly one caller.
func (s *Store) Consume(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[token]
	if !ok {
		return "", ErrUnknown
	}
	delete(s.creds, token)

	if s.now().After(cred.ExpiresAt) {
		return "", ErrExpired
	}
	return cred.SubjectID, nil
}

// Sweep removes expired entries and returns how many were dropped. Purely
// a memory optimization for tokens that were issued but never presented.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for tok, cred := range s.creds {
		if now.After(cred.ExpiresAt) {
			delete(s.creds, tok)
			swept++
		}
	}
	return swept
}

// StartSweeper runs Sweep at the given interval until stop is closed.
func (s *Store) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-stop:
				return
			}
		}
	}()
}
