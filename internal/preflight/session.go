package preflight

import (
	"sync"
	"time"
)

// SessionCache is the legacy fallback for clients that cannot round-trip an
// opaque token: a successful check records (sessionID, path, argsHash) in
// memory, and a tokenless run may consume that record before it expires.
// This path trusts a header-carried session identifier and is strictly
// weaker than the signed token; it is feature-flagged off by default.
//
// Expiry is lazy: entries are evicted when read or when a new record for the
// same session lands, avoiding a background sweeper.
type SessionCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[sessionKey]time.Time
}

type sessionKey struct {
	sessionID string
	path      string
	argsHash  string
}

func NewSessionCache(ttl time.Duration) *SessionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SessionCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[sessionKey]time.Time),
	}
}

// Record remembers a successful check for the session.
func (c *SessionCache) Record(sessionID, canonPath string, args []string) {
	if sessionID == "" {
		return
	}
	key := sessionKey{sessionID: sessionID, path: canonPath, argsHash: ArgsHash(args)}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, exp := range c.entries {
		if !exp.After(now) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = now.Add(c.ttl)
}

// Check reports whether an unexpired record exists for exactly this
// (session, path, args) triple.
func (c *SessionCache) Check(sessionID, canonPath string, args []string) bool {
	if sessionID == "" {
		return false
	}
	key := sessionKey{sessionID: sessionID, path: canonPath, argsHash: ArgsHash(args)}
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.entries[key]
	if !ok {
		return false
	}
	if !exp.After(c.now()) {
		delete(c.entries, key)
		return false
	}
	return true
}
