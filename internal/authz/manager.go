// Package authz owns the two-phase decryption authorization handshake and the
// decryption permissions it produces.
//
// Two trust models share one code path. In pure-relay mode the relayer
// generates a keypair and a typed challenge, the owner's wallet signs it, and
// the signature completes the handshake. In server-custody mode the relayer
// holds the owner's transaction key and signs the challenge itself, producing
// a permission transparently on first use.
package authz

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fhe-relay/fhe-relay/internal/authn"
	"github.com/fhe-relay/fhe-relay/internal/engine"
	"github.com/fhe-relay/fhe-relay/internal/session"
	apperrors "github.com/fhe-relay/fhe-relay/pkg/errors"
	"github.com/fhe-relay/fhe-relay/pkg/types"
)

// SignerSource reconstructs custody transaction keys. Implemented by the
// session manager.
type SignerSource interface {
	Signer(ctx context.Context, sess *session.Session) (*ecdsa.PrivateKey, error)
}

// Manager creates and completes authorization challenges and hands out valid
// decryption permissions.
type Manager struct {
	eng          engine.Engine
	signers      SignerSource
	durationDays int64
}

// NewManager creates an authorization manager. durationDays bounds the
// validity window of every permission it issues.
func NewManager(eng engine.Engine, signers SignerSource, durationDays int64) *Manager {
	return &Manager{
		eng:          eng,
		signers:      signers,
		durationDays: durationDays,
	}
}

// CreateChallenge generates a fresh keypair and the typed challenge document
// binding it to the contract scope and validity window. The keypair and
// timing are retained with the challenge; only the typed document goes to the
// client.
func (m *Manager) CreateChallenge(ctx context.Context, scope []common.Address) (*types.PendingChallenge, error) {
	keypair, err := m.eng.GenerateKeypair(ctx)
	if err != nil {
		return nil, engineErr(err)
	}

	start := time.Now().Unix()
	typedData, err := m.eng.CreateEIP712(ctx, keypair.PublicKey, scope, start, m.durationDays)
	if err != nil {
		return nil, engineErr(err)
	}

	return &types.PendingChallenge{
		PublicKey:    keypair.PublicKey,
		PrivateKey:   keypair.PrivateKey,
		Contracts:    scope,
		Start:        start,
		DurationDays: m.durationDays,
		TypedData:    typedData,
	}, nil
}

// CompleteChallenge converts a pending challenge plus the owner's signature
// into a decryption permission and marks the session ready.
//
// Completing an already-ready session with no pending challenge is idempotent.
// A session with neither challenge nor permission fails with
// nothing_to_authorize. A signature that does not recover to the session owner
// fails with signature_mismatch and leaves the challenge pending.
//
// Callers must hold the session lock.
func (m *Manager) CompleteChallenge(sess *session.Session, signatureHex string) error {
	if sess.Challenge == nil {
		if sess.Permission != nil || sess.HasSigner() {
			return nil
		}
		return apperrors.ErrNothingToAuthorize
	}

	hash, err := TypedDataHash(sess.Challenge.TypedData)
	if err != nil {
		return apperrors.NewWithDetail(apperrors.ErrCodeInternalError, "Failed to hash challenge", err.Error(), http.StatusInternalServerError)
	}

	signer, err := authn.RecoverHash(hash, signatureHex)
	if err != nil {
		return apperrors.SignatureMismatch(err.Error())
	}
	if signer != sess.Owner {
		return apperrors.SignatureMismatch(
			fmt.Sprintf("challenge signed by %s, session owner is %s", signer.Hex(), sess.Owner.Hex()),
		)
	}

	sess.Permission = permissionFrom(sess.Challenge, signatureHex, sess.Owner)
	sess.Challenge = nil
	sess.Status = types.SessionStatusReady
	return nil
}

// EnsurePermission returns a valid decryption permission for the session.
//
// A valid cached permission is reused. A pending challenge means the client
// has to complete the handshake first (authorization_required). A custody
// session with no valid permission gets one by a one-shot internal sign over a
// freshly created challenge. A pure-relay session whose permission expired is
// pushed back to pending_signature with a fresh challenge.
//
// Callers must hold the session lock.
func (m *Manager) EnsurePermission(ctx context.Context, sess *session.Session) (*types.DecryptionPermission, error) {
	if sess.Permission.Valid(time.Now()) {
		return sess.Permission, nil
	}
	sess.Permission = nil

	if sess.Challenge != nil {
		return nil, apperrors.ErrAuthorizationRequired
	}

	scope := []common.Address{sess.Contract}

	if !sess.HasSigner() {
		// Expired pure-relay permission: regenerate via a fresh handshake.
		challenge, err := m.CreateChallenge(ctx, scope)
		if err != nil {
			return nil, err
		}
		sess.Challenge = challenge
		sess.Status = types.SessionStatusPending
		return nil, apperrors.ErrAuthorizationRequired
	}

	challenge, err := m.CreateChallenge(ctx, scope)
	if err != nil {
		return nil, err
	}

	signature, err := m.selfSign(ctx, sess, challenge)
	if err != nil {
		return nil, err
	}

	sess.Permission = permissionFrom(challenge, signature, sess.Owner)
	return sess.Permission, nil
}

// selfSign signs a challenge with the session's custody key (server-custody
// sessions only).
func (m *Manager) selfSign(ctx context.Context, sess *session.Session, challenge *types.PendingChallenge) (string, error) {
	key, err := m.signers.Signer(ctx, sess)
	if err != nil {
		return "", apperrors.NewWithDetail(apperrors.ErrCodeInternalError, "Failed to load custody key", err.Error(), http.StatusInternalServerError)
	}

	hash, err := TypedDataHash(challenge.TypedData)
	if err != nil {
		return "", apperrors.NewWithDetail(apperrors.ErrCodeInternalError, "Failed to hash challenge", err.Error(), http.StatusInternalServerError)
	}

	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", apperrors.NewWithDetail(apperrors.ErrCodeInternalError, "Failed to sign challenge", err.Error(), http.StatusInternalServerError)
	}
	sig[64] += 27

	return "0x" + hex.EncodeToString(sig), nil
}

func permissionFrom(challenge *types.PendingChallenge, signatureHex string, owner common.Address) *types.DecryptionPermission {
	return &types.DecryptionPermission{
		PublicKey:    challenge.PublicKey,
		PrivateKey:   challenge.PrivateKey,
		Signature:    signatureHex,
		Contracts:    challenge.Contracts,
		Owner:        owner,
		Start:        challenge.Start,
		DurationDays: challenge.DurationDays,
	}
}

func engineErr(err error) error {
	if appErr, ok := apperrors.IsAppError(err); ok {
		return appErr
	}
	return apperrors.EngineUnavailable(err.Error())
}
