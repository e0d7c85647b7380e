// Package engine defines the adapter for the external homomorphic crypto
// engine. The engine owns all cryptographic primitives (key generation,
// ciphertext construction, decryption); the relayer only speaks its
// input/output contracts.
package engine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Keypair is a decryption keypair generated by the engine. Keys are
// 0x-prefixed hex strings.
type Keypair struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// EncryptedInput is the result of finalizing an input builder: one handle per
// added value plus a single proof covering all of them.
type EncryptedInput struct {
	Handles [][]byte
	Proof   []byte
}

// HandlePair names one handle together with the contract it lives on.
type HandlePair struct {
	Handle   string         `json:"handle"`
	Contract common.Address `json:"contract"`
}

// UserDecryptRequest carries a permission and the handles to decrypt under it.
type UserDecryptRequest struct {
	Pairs        []HandlePair     `json:"pairs"`
	PrivateKey   string           `json:"private_key"`
	PublicKey    string           `json:"public_key"`
	Signature    string           `json:"signature"`
	Contracts    []common.Address `json:"contracts"`
	User         common.Address   `json:"user"`
	Start        int64            `json:"start"`
	DurationDays int64            `json:"duration_days"`
}

// Engine is the crypto engine adapter consumed by the relayer. It is shared
// across sessions as a single handle; see Lazy for the one-time initialization
// discipline.
type Engine interface {
	// GenerateKeypair produces a fresh decryption keypair.
	GenerateKeypair(ctx context.Context) (*Keypair, error)

	// CreateEIP712 builds the typed challenge document binding a public key
	// to a contract scope and validity window.
	CreateEIP712(ctx context.Context, publicKey string, contracts []common.Address, start, durationDays int64) (*apitypes.TypedData, error)

	// CreateEncryptedInput opens an input builder scoped to (contract, user).
	CreateEncryptedInput(contract, user common.Address) *Builder

	// UserDecrypt decrypts handles under a permission. The result maps each
	// handle (0x hex) to its plaintext value in decimal.
	UserDecrypt(ctx context.Context, req *UserDecryptRequest) (map[string]string, error)
}

// InputEncryptor is the seam Builder uses to finalize; every Engine
// implementation provides it.
type InputEncryptor interface {
	EncryptInput(ctx context.Context, contract, user common.Address, items []InputItem) (*EncryptedInput, error)
}

// InputItem is one plain value queued for encryption, tagged with its
// encrypted wire type.
type InputItem struct {
	Type  string `json:"type"`  // bool, uint8..uint256, address
	Value string `json:"value"` // decimal for integers, 0x hex for addresses
}

// Builder accumulates plain values and finalizes them into handles plus one
// proof. Values must be added in declared argument order.
type Builder struct {
	contract common.Address
	user     common.Address
	items    []InputItem
	enc      InputEncryptor
}

// NewBuilder creates a builder that finalizes through enc. Engine
// implementations call this from CreateEncryptedInput.
func NewBuilder(enc InputEncryptor, contract, user common.Address) *Builder {
	return &Builder{contract: contract, user: user, enc: enc}
}

// AddBool queues an encrypted boolean.
func (b *Builder) AddBool(v bool) *Builder {
	val := "0"
	if v {
		val = "1"
	}
	b.items = append(b.items, InputItem{Type: "bool", Value: val})
	return b
}

// AddUint queues an encrypted unsigned integer of the given bit width
// (8, 16, 32, 64, 128 or 256).
func (b *Builder) AddUint(bits int, v *big.Int) *Builder {
	b.items = append(b.items, InputItem{Type: uintTypeName(bits), Value: v.String()})
	return b
}

// AddAddress queues an encrypted address.
func (b *Builder) AddAddress(a common.Address) *Builder {
	b.items = append(b.items, InputItem{Type: "address", Value: a.Hex()})
	return b
}

// Len returns the number of queued values.
func (b *Builder) Len() int {
	return len(b.items)
}

// Encrypt finalizes the builder, producing one handle per queued value and a
// single proof.
func (b *Builder) Encrypt(ctx context.Context) (*EncryptedInput, error) {
	return b.enc.EncryptInput(ctx, b.contract, b.user, b.items)
}

func uintTypeName(bits int) string {
	switch bits {
	case 8:
		return "uint8"
	case 16:
		return "uint16"
	case 32:
		return "uint32"
	case 64:
		return "uint64"
	case 128:
		return "uint128"
	default:
		return "uint256"
	}
}
