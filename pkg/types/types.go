package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// SessionStatus constants
const (
	SessionStatusPending = "pending_signature"
	SessionStatusReady   = "ready"
)

// ABIParam describes one declared input or output of a contract function.
type ABIParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ABIFunction describes one function of the target contract, in declaration order.
type ABIFunction struct {
	Name            string     `json:"name"`
	Inputs          []ABIParam `json:"inputs"`
	Outputs         []ABIParam `json:"outputs,omitempty"`
	StateMutability string     `json:"stateMutability,omitempty"`
}

// DecryptionPermission is a time-bounded credential authorizing decryption of
// handles for a specific contract scope and owner. It is exclusively owned by
// the session that produced it and never shared across sessions.
type DecryptionPermission struct {
	PublicKey    string           `json:"public_key"`
	PrivateKey   string           `json:"-"`
	Signature    string           `json:"signature"`
	Contracts    []common.Address `json:"contracts"`
	Owner        common.Address   `json:"owner"`
	Start        int64            `json:"start"`
	DurationDays int64            `json:"duration_days"`
}

// Valid reports whether the permission is still inside its validity window.
func (p *DecryptionPermission) Valid(now time.Time) bool {
	if p == nil {
		return false
	}
	return now.Unix() < p.Start+p.DurationDays*86400
}

// PendingChallenge holds a freshly generated keypair and the typed challenge
// document the session owner must sign before decryption is allowed. At most
// one pending challenge exists per session.
type PendingChallenge struct {
	PublicKey    string              `json:"public_key"`
	PrivateKey   string              `json:"-"`
	Contracts    []common.Address    `json:"contracts"`
	Start        int64               `json:"start"`
	DurationDays int64               `json:"duration_days"`
	TypedData    *apitypes.TypedData `json:"typed_data"`
}
