package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/innhopp/portal/internal/clock"
)

// PendingLogin is what the login step remembers for the callback.
type PendingLogin struct {
	Nonce    string
	ReturnTo string
}

type stateEntry struct {
	PendingLogin
	expiry time.Time
}

// StateStore tracks short lived OAuth2 state and nonce pairs used to defend
// against CSRF during the authorization code flow.
type StateStore struct {
	mu     sync.Mutex
	values map[string]stateEntry
	ttl    time.Duration
	clock  clock.Clock
}

// NewStateStore constructs a state store with the provided TTL.
func NewStateStore(ttl time.Duration, clk clock.Clock) *StateStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &StateStore{
		values: make(map[string]stateEntry),
		ttl:    ttl,
		clock:  clk,
	}
}

// Create registers a new state/nonce pair for a login that should land on
// returnTo.
func (s *StateStore) Create(returnTo string) (state string, nonce string, err error) {
	state, err = randomToken()
	if err != nil {
		return "", "", err
	}

	nonce, err = randomToken()
	if err != nil {
		return "", "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[state] = stateEntry{
		PendingLogin: PendingLogin{Nonce: nonce, ReturnTo: returnTo},
		expiry:       s.clock.Now().Add(s.ttl),
	}
	s.evictExpiredLocked()
	return state, nonce, nil
}

// Verify consumes an existing state value and returns the pending login if
// it exists and is not expired.
func (s *StateStore) Verify(state string) (PendingLogin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[state]
	if !ok {
		return PendingLogin{}, false
	}

	delete(s.values, state)
	if s.clock.Now().After(entry.expiry) {
		return PendingLogin{}, false
	}

	s.evictExpiredLocked()
	return entry.PendingLogin, true
}

// Len reports the number of outstanding states.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

func (s *StateStore) evictExpiredLocked() {
	now := s.clock.Now()
	for key, entry := range s.values {
		if now.After(entry.expiry) {
			delete(s.values, key)
		}
	}
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
