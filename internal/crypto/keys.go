package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParsePrivateKeyHex parses a 0x-prefixed or bare hex private key.
func ParsePrivateKeyHex(keyHex string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(keyHex, "0x")
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// AddressOf derives the Ethereum address from a private key.
func AddressOf(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// PrivateKeyToBytes converts a private key to its 32-byte representation.
func PrivateKeyToBytes(privateKey *ecdsa.PrivateKey) []byte {
	return crypto.FromECDSA(privateKey)
}

// BytesToPrivateKey converts bytes to a private key.
func BytesToPrivateKey(b []byte) (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(b)
}
