// Package session binds a caller identity to a target contract and ABI,
// tracks the per-session replay nonce and holds the authorization state
// (pending challenge or established decryption permission).
package session

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/fhe-relay/fhe-relay/pkg/types"
)

// CustodyKey is a server-custody transaction key at rest: split 2-of-2, with
// the second share wrapped by the keywrap provider.
type CustodyKey struct {
	SessionShare []byte
	WrappedShare []byte
}

// Session is the server-side binding of an owner to a contract plus a
// strictly increasing nonce. A session is either pending_signature or ready,
// never both; a ready session always has a custody key or a decryption
// permission (or both).
//
// All mutable fields are guarded by the session's own mutex. Contention is
// per-session: two concurrent requests on the same session serialize, requests
// on different sessions do not.
type Session struct {
	mu sync.Mutex

	ID       uuid.UUID
	Owner    common.Address
	Contract common.Address
	ABI      []types.ABIFunction

	Status string
	Nonce  uint64

	Custody    *CustodyKey
	Challenge  *types.PendingChallenge
	Permission *types.DecryptionPermission

	CreatedAt time.Time
	lastUsed  time.Time
}

// Lock serializes request handling for this session.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session.
func (s *Session) Unlock() { s.mu.Unlock() }

// HasSigner reports whether the relayer holds a transaction key for this
// session (server-custody mode).
func (s *Session) HasSigner() bool {
	return s.Custody != nil
}

// Touch records activity for idle eviction. Callers must hold the lock.
func (s *Session) Touch(now time.Time) {
	s.lastUsed = now
}

// IdleSince returns the last activity time. Callers must hold the lock.
func (s *Session) IdleSince() time.Time {
	return s.lastUsed
}
