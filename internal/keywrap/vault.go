package keywrap

import (
	"context"
	"encoding/base64"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// Vault implements Provider using HashiCorp Vault's Transit engine.
type Vault struct {
	transitKey string
	client     *vault.Client
}

// NewVault creates a Vault Transit provider.
func NewVault(address, token, transitKey string) (*Vault, error) {
	if address == "" {
		return nil, fmt.Errorf("Vault address is required")
	}
	if token == "" {
		return nil, fmt.Errorf("Vault token is required")
	}
	if transitKey == "" {
		return nil, fmt.Errorf("Vault transit key name is required")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &Vault{
		transitKey: transitKey,
		client:     client,
	}, nil
}

// Wrap encrypts data using the Transit engine.
func (p *Vault) Wrap(ctx context.Context, data []byte) ([]byte, error) {
	// Transit requires base64-encoded plaintext.
	plaintext := base64.StdEncoding.EncodeToString(data)

	path := fmt.Sprintf("transit/encrypt/%s", p.transitKey)
	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"plaintext": plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("Vault Transit encrypt failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("Vault Transit encrypt returned empty response")
	}

	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("Vault Transit encrypt: ciphertext not found in response")
	}

	// The ciphertext is a vault:v1:... string.
	return []byte(ciphertext), nil
}

// Unwrap decrypts data using the Transit engine.
func (p *Vault) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	path := fmt.Sprintf("transit/decrypt/%s", p.transitKey)
	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext": string(wrapped),
	})
	if err != nil {
		return nil, fmt.Errorf("Vault Transit decrypt failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("Vault Transit decrypt returned empty response")
	}

	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("Vault Transit decrypt: plaintext not found in response")
	}

	plaintext, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, fmt.Errorf("Vault Transit decrypt: failed to decode plaintext: %w", err)
	}
	return plaintext, nil
}

// Name returns the provider name.
func (p *Vault) Name() string {
	return ProviderVault
}

var _ Provider = (*Vault)(nil)
