// Package keywrap encrypts custody key shares at rest. Different backends
// (local master key, AWS KMS, HashiCorp Vault Transit) implement the same
// Provider interface.
package keywrap

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Provider wraps and unwraps key material.
type Provider interface {
	// Wrap encrypts data under the backend's key.
	Wrap(ctx context.Context, data []byte) ([]byte, error)

	// Unwrap decrypts data previously wrapped by the same backend.
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)

	// Name returns the provider name (e.g. "local", "aws-kms", "vault").
	Name() string
}

// Supported provider names.
const (
	ProviderLocal  = "local"
	ProviderAWSKMS = "aws-kms"
	ProviderVault  = "vault"
)

// Config selects and configures a provider.
type Config struct {
	Provider string

	// Local provider
	MasterKeyHex string

	// AWS KMS
	AWSKMSKeyID  string
	AWSKMSRegion string

	// Vault Transit
	VaultAddress    string
	VaultToken      string
	VaultTransitKey string
}

// New creates a Provider based on the configuration.
func New(cfg *Config) (Provider, error) {
	switch cfg.Provider {
	case ProviderLocal, "":
		return NewLocal(cfg.MasterKeyHex)
	case ProviderAWSKMS:
		return NewAWSKMS(cfg.AWSKMSKeyID, cfg.AWSKMSRegion)
	case ProviderVault:
		return NewVault(cfg.VaultAddress, cfg.VaultToken, cfg.VaultTransitKey)
	default:
		return nil, fmt.Errorf("unsupported keywrap provider: %s (supported: %s, %s, %s)",
			cfg.Provider, ProviderLocal, ProviderAWSKMS, ProviderVault)
	}
}

// Local implements Provider with AES-GCM under a process-local master key.
// Suitable for development or simple self-hosted deployments.
type Local struct {
	masterKey []byte
}

// NewLocal creates a local provider from a hex-encoded 32-byte master key.
func NewLocal(masterKeyHex string) (*Local, error) {
	if masterKeyHex == "" {
		return nil, fmt.Errorf("master key is required for local keywrap provider")
	}

	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key must be hex-encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}

	return &Local{masterKey: key}, nil
}

// Wrap encrypts data using AES-GCM with the local master key.
func (p *Local) Wrap(ctx context.Context, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, data, nil), nil
}

// Unwrap decrypts data using AES-GCM with the local master key.
func (p *Local) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(wrapped) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := wrapped[:nonceSize], wrapped[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap: %w", err)
	}

	return plaintext, nil
}

// Name returns the provider name.
func (p *Local) Name() string {
	return ProviderLocal
}

var _ Provider = (*Local)(nil)
