package acme

import (
	"sync"
	"time"
)

// tokenTTL bounds how long an unanswered challenge stays servable.
const tokenTTL = 5 * time.Minute

type tokenEntry struct {
	keyAuth string
	expires time.Time
}

// TokenStore holds outstanding HTTP-01 key authorizations keyed by token.
// The worker is the only writer; the proxy's ACME filter reads concurrently
// during challenge validation.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]tokenEntry
}

// NewTokenStore creates an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]tokenEntry)}
}

// Put publishes a key authorization for the given token.
func (s *TokenStore) Put(token, keyAuth string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = tokenEntry{keyAuth: keyAuth, expires: time.Now().Add(tokenTTL)}
}

// Get returns the key authorization for a token, if present and not expired.
func (s *TokenStore) Get(token string) (string, bool) {
	s.mu.RLock()
	e, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.keyAuth, true
}

// Delete removes a token once its challenge completes.
func (s *TokenStore) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// httpProvider satisfies lego's challenge.Provider by feeding the token
// store instead of serving its own listener; the proxy engine answers the
// validation request on port 80.
type httpProvider struct {
	store *TokenStore
}

func (p *httpProvider) Present(domain, token, keyAuth string) error {
	p.store.Put(token, keyAuth)
	return nil
}

func (p *httpProvider) CleanUp(domain, token, keyAuth string) error {
	p.store.Delete(token)
	return nil
}
