package session

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	internalcrypto "github.com/fhe-relay/fhe-relay/internal/crypto"
	"github.com/fhe-relay/fhe-relay/internal/keywrap"
	apperrors "github.com/fhe-relay/fhe-relay/pkg/errors"
	"github.com/fhe-relay/fhe-relay/pkg/types"
)

// ChallengeCreator produces a pending authorization challenge for a contract
// scope. Implemented by the authorization manager.
type ChallengeCreator interface {
	CreateChallenge(ctx context.Context, scope []common.Address) (*types.PendingChallenge, error)
}

// Manager owns session lifecycle: creation, lookup, closing, and access to
// custody transaction keys.
type Manager struct {
	store      *Store
	wrapper    keywrap.Provider
	challenges ChallengeCreator
}

// NewManager creates a session manager.
func NewManager(store *Store, wrapper keywrap.Provider, challenges ChallengeCreator) *Manager {
	return &Manager{
		store:      store,
		wrapper:    wrapper,
		challenges: challenges,
	}
}

// SetChallengeCreator injects the challenge source after construction. The
// session and authorization managers reference each other, so one side binds
// late. Must be called before Open.
func (m *Manager) SetChallengeCreator(c ChallengeCreator) {
	m.challenges = c
}

// Open creates a session for owner against contract.
//
// With a transaction key the key must derive the owner address
// (identity_mismatch otherwise); the key is split and wrapped for storage and
// the session is immediately ready. Without one, a pending authorization
// challenge is requested and the session starts pending_signature.
func (m *Manager) Open(ctx context.Context, contract common.Address, abi []types.ABIFunction, owner common.Address, txKeyHex string) (*Session, error) {
	if len(abi) == 0 {
		return nil, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Contract ABI is required",
			"supply the ordered function descriptors of the target contract",
			http.StatusBadRequest,
		)
	}

	now := time.Now()
	sess := &Session{
		ID:        uuid.New(),
		Owner:     owner,
		Contract:  contract,
		ABI:       abi,
		Nonce:     0,
		CreatedAt: now,
	}
	sess.Touch(now)

	if txKeyHex != "" {
		custody, err := m.sealKey(ctx, owner, txKeyHex)
		if err != nil {
			return nil, err
		}
		sess.Custody = custody
		sess.Status = types.SessionStatusReady
	} else {
		challenge, err := m.challenges.CreateChallenge(ctx, []common.Address{contract})
		if err != nil {
			return nil, err
		}
		sess.Challenge = challenge
		sess.Status = types.SessionStatusPending
	}

	m.store.Put(sess)
	return sess, nil
}

// Get returns the session with the given ID, failing with unknown_session if
// it does not exist or has been evicted.
func (m *Manager) Get(id string) (*Session, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, apperrors.UnknownSession(id)
	}
	sess := m.store.Get(parsed)
	if sess == nil {
		return nil, apperrors.UnknownSession(id)
	}
	return sess, nil
}

// Close destroys a session.
func (m *Manager) Close(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	m.store.Delete(sess.ID)
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	return m.store.Len()
}

// Signer reconstructs the custody transaction key of a session. Callers must
// hold the session lock and must not retain the returned key.
func (m *Manager) Signer(ctx context.Context, sess *Session) (*ecdsa.PrivateKey, error) {
	if sess.Custody == nil {
		return nil, fmt.Errorf("session has no custody key")
	}

	share, err := m.wrapper.Unwrap(ctx, sess.Custody.WrappedShare)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap custody share: %w", err)
	}

	keyBytes, err := internalcrypto.CombineKey(sess.Custody.SessionShare, share)
	if err != nil {
		return nil, err
	}

	return internalcrypto.BytesToPrivateKey(keyBytes)
}

// sealKey validates key ownership and splits + wraps it for storage.
func (m *Manager) sealKey(ctx context.Context, owner common.Address, txKeyHex string) (*CustodyKey, error) {
	key, err := internalcrypto.ParsePrivateKeyHex(txKeyHex)
	if err != nil {
		return nil, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid transaction key",
			err.Error(),
			http.StatusBadRequest,
		)
	}

	derived := internalcrypto.AddressOf(key)
	if derived != owner {
		return nil, apperrors.IdentityMismatch(
			fmt.Sprintf("key derives %s, claimed owner is %s", derived.Hex(), owner.Hex()),
		)
	}

	shares, err := internalcrypto.SplitKey(internalcrypto.PrivateKeyToBytes(key))
	if err != nil {
		return nil, fmt.Errorf("failed to split custody key: %w", err)
	}

	wrapped, err := m.wrapper.Wrap(ctx, shares.WrappedShare)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap custody share: %w", err)
	}

	return &CustodyKey{
		SessionShare: shares.SessionShare,
		WrappedShare: wrapped,
	}, nil
}
