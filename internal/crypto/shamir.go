package crypto

import (
	"fmt"

	"github.com/hashicorp/vault/shamir"
)

// Custody transaction keys are never stored whole. Each key is split 2-of-2:
// one share lives in the session record in plaintext, the other is wrapped by
// the keywrap provider. Both shares are required to reconstruct the key for
// signing, so neither a session dump nor the wrapping backend alone exposes it.

// KeyShares holds the two shares of a split custody key.
type KeyShares struct {
	// SessionShare stays with the session record.
	SessionShare []byte

	// WrappedShare is encrypted by the keywrap provider before storage.
	WrappedShare []byte
}

// SplitKey splits a custody key using Shamir's Secret Sharing (2-of-2).
func SplitKey(key []byte) (*KeyShares, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("key cannot be empty")
	}

	shares, err := shamir.Split(key, 2, 2)
	if err != nil {
		return nil, fmt.Errorf("failed to split key: %w", err)
	}

	return &KeyShares{
		SessionShare: shares[0],
		WrappedShare: shares[1],
	}, nil
}

// CombineKey reconstructs the custody key from its two shares.
func CombineKey(sessionShare, wrappedShare []byte) ([]byte, error) {
	if len(sessionShare) == 0 || len(wrappedShare) == 0 {
		return nil, fmt.Errorf("both shares are required")
	}

	key, err := shamir.Combine([][]byte{sessionShare, wrappedShare})
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return key, nil
}
