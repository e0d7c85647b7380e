// Package cache memoizes decrypted handle values. Entries are scoped by
// (chain, account, contract, handle) so switching accounts or chains never
// serves cross-identity data, and at most one engine decrypt is in flight per
// key at any time.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Key identifies one cached decrypted value.
type Key struct {
	ChainID  int64
	Account  common.Address
	Contract common.Address
	Handle   string
}

// DecryptFunc performs the actual permission-fetch-or-sign plus engine
// decrypt for a cache miss.
type DecryptFunc func(ctx context.Context) (string, error)

type entry struct {
	value string
	at    time.Time
}

// call is the in-flight guard for one key. The first caller owns the decrypt;
// everyone else waits on done.
type call struct {
	done  chan struct{}
	value string
	err   error
}

// Decrypted caches decrypted values with a TTL and deduplicates concurrent
// decrypts per key.
type Decrypted struct {
	mu       sync.Mutex
	ttl      time.Duration
	entries  map[Key]entry
	inflight map[Key]*call

	now func() time.Time // stubbed in tests
}

// NewDecrypted creates a cache with the given TTL.
func NewDecrypted(ttl time.Duration) *Decrypted {
	return &Decrypted{
		ttl:      ttl,
		entries:  make(map[Key]entry),
		inflight: make(map[Key]*call),
		now:      time.Now,
	}
}

// Get returns the cached value for key if it is still fresh. Expired entries
// are evicted on the way out.
func (c *Decrypted) Get(key Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Decrypted) getLocked(key Key) (string, bool) {
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

// Put stores a value with the current timestamp.
func (c *Decrypted) Put(key Key, value string) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, at: c.now()}
	c.mu.Unlock()
}

// Invalidate drops the entry for key, if any.
func (c *Decrypted) Invalidate(key Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// GetOrDecrypt returns the cached value for key, or runs decrypt to produce
// it. While one decrypt for a key is in flight, concurrent callers wait for
// its outcome instead of issuing duplicate engine calls. The in-flight guard
// is released on every exit path, including caller cancellation: an abandoned
// wait leaves the owning decrypt running, and its completion still clears the
// guard.
func (c *Decrypted) GetOrDecrypt(ctx context.Context, key Key, decrypt DecryptFunc) (string, error) {
	c.mu.Lock()
	if v, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		return v, nil
	}
	if inflight, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-inflight.done:
		}
		return inflight.value, inflight.err
	}
	owner := &call{done: make(chan struct{})}
	c.inflight[key] = owner
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(owner.done)
	}()

	value, err := decrypt(ctx)
	owner.value, owner.err = value, err
	if err == nil {
		c.Put(key, value)
	}
	return value, err
}
