package keywrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// AWSKMS implements Provider using AWS KMS.
type AWSKMS struct {
	keyID  string
	client *kms.Client
}

// NewAWSKMS creates an AWS KMS provider. Credentials come from the default
// chain (env vars, shared config, IAM role).
func NewAWSKMS(keyID, region string) (*AWSKMS, error) {
	if keyID == "" {
		return nil, fmt.Errorf("AWS KMS key ID is required")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS region is required")
	}

	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSKMS{
		keyID:  keyID,
		client: kms.NewFromConfig(cfg),
	}, nil
}

// Wrap encrypts data using AWS KMS.
func (p *AWSKMS) Wrap(ctx context.Context, data []byte) ([]byte, error) {
	output, err := p.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(p.keyID),
		Plaintext: data,
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS encrypt failed: %w", err)
	}
	return output.CiphertextBlob, nil
}

// Unwrap decrypts data using AWS KMS.
func (p *AWSKMS) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	output, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(p.keyID),
		CiphertextBlob: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS decrypt failed: %w", err)
	}
	return output.Plaintext, nil
}

// Name returns the provider name.
func (p *AWSKMS) Name() string {
	return ProviderAWSKMS
}

var _ Provider = (*AWSKMS)(nil)
