package authn

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RecoverText recovers the signer of a personal-sign (EIP-191) signature over
// a text message.
func RecoverText(msg, signatureHex string) (common.Address, error) {
	return RecoverHash(accounts.TextHash([]byte(msg)), signatureHex)
}

// RecoverHash recovers the signer of a 65-byte secp256k1 signature over a
// 32-byte digest. Both wallet-style (v in 27/28) and raw (v in 0/1) recovery
// bytes are accepted.
func RecoverHash(hash []byte, signatureHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("signature is not valid hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// Normalize the recovery byte without mutating the caller's view.
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
