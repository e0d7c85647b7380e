package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Remote is an Engine backed by the crypto engine service over HTTP/JSON.
type Remote struct {
	baseURL string
	hc      *http.Client
}

// NewRemote connects to the engine service and waits for it to report ready.
// The readiness call pulls the public encryption parameters server-side, which
// is the slow part of startup; wrap construction in a Lazy so it runs once.
func NewRemote(ctx context.Context, baseURL string, timeout time.Duration) (*Remote, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("engine URL is required")
	}

	r := &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}
	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine not ready: status %d", resp.StatusCode)
	}

	return r, nil
}

// GenerateKeypair implements Engine.
func (r *Remote) GenerateKeypair(ctx context.Context) (*Keypair, error) {
	var out Keypair
	if err := r.post(ctx, "/v1/keypair", struct{}{}, &out); err != nil {
		return nil, fmt.Errorf("keypair generation failed: %w", err)
	}
	if out.PublicKey == "" || out.PrivateKey == "" {
		return nil, fmt.Errorf("engine returned empty keypair")
	}
	return &out, nil
}

type eip712Request struct {
	PublicKey    string           `json:"public_key"`
	Contracts    []common.Address `json:"contracts"`
	Start        int64            `json:"start"`
	DurationDays int64            `json:"duration_days"`
}

// CreateEIP712 implements Engine.
func (r *Remote) CreateEIP712(ctx context.Context, publicKey string, contracts []common.Address, start, durationDays int64) (*apitypes.TypedData, error) {
	req := eip712Request{
		PublicKey:    publicKey,
		Contracts:    contracts,
		Start:        start,
		DurationDays: durationDays,
	}
	var out apitypes.TypedData
	if err := r.post(ctx, "/v1/eip712", req, &out); err != nil {
		return nil, fmt.Errorf("eip712 creation failed: %w", err)
	}
	return &out, nil
}

// CreateEncryptedInput implements Engine.
func (r *Remote) CreateEncryptedInput(contract, user common.Address) *Builder {
	return NewBuilder(r, contract, user)
}

type encryptRequest struct {
	Contract common.Address `json:"contract"`
	User     common.Address `json:"user"`
	Items    []InputItem    `json:"items"`
}

type encryptResponse struct {
	Handles []string `json:"handles"` // 0x hex, 32 bytes each
	Proof   string   `json:"proof"`   // 0x hex
}

// EncryptInput implements InputEncryptor against the engine service.
func (r *Remote) EncryptInput(ctx context.Context, contract, user common.Address, items []InputItem) (*EncryptedInput, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("no values to encrypt")
	}

	var out encryptResponse
	if err := r.post(ctx, "/v1/input", encryptRequest{Contract: contract, User: user, Items: items}, &out); err != nil {
		return nil, fmt.Errorf("input encryption failed: %w", err)
	}
	if len(out.Handles) != len(items) {
		return nil, fmt.Errorf("engine returned %d handles for %d values", len(out.Handles), len(items))
	}

	result := &EncryptedInput{Handles: make([][]byte, 0, len(out.Handles))}
	for _, h := range out.Handles {
		raw, err := decodeHex(h)
		if err != nil {
			return nil, fmt.Errorf("invalid handle from engine: %w", err)
		}
		result.Handles = append(result.Handles, raw)
	}
	proof, err := decodeHex(out.Proof)
	if err != nil {
		return nil, fmt.Errorf("invalid proof from engine: %w", err)
	}
	result.Proof = proof

	return result, nil
}

type userDecryptResponse struct {
	Values map[string]string `json:"values"`
}

// UserDecrypt implements Engine.
func (r *Remote) UserDecrypt(ctx context.Context, req *UserDecryptRequest) (map[string]string, error) {
	var out userDecryptResponse
	if err := r.post(ctx, "/v1/user-decrypt", req, &out); err != nil {
		return nil, fmt.Errorf("user decrypt failed: %w", err)
	}
	return out.Values, nil
}

func (r *Remote) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode engine response: %w", err)
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

var _ Engine = (*Remote)(nil)
