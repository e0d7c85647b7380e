// Package app implements the relay's operation executor: session lifecycle,
// the authorization handshake and the two operation pipelines (encrypt-then-
// call for mutations, call-then-decrypt for reads).
package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/fhe-relay/fhe-relay/internal/authn"
	"github.com/fhe-relay/fhe-relay/internal/authz"
	"github.com/fhe-relay/fhe-relay/internal/cache"
	"github.com/fhe-relay/fhe-relay/internal/engine"
	"github.com/fhe-relay/fhe-relay/internal/fheabi"
	"github.com/fhe-relay/fhe-relay/internal/logger"
	"github.com/fhe-relay/fhe-relay/internal/metrics"
	"github.com/fhe-relay/fhe-relay/internal/session"
	"github.com/fhe-relay/fhe-relay/internal/storage"
	apperrors "github.com/fhe-relay/fhe-relay/pkg/errors"
	"github.com/fhe-relay/fhe-relay/pkg/types"
)

// ChainClient is the EVM surface the executor needs. Implemented by eth.Client.
type ChainClient interface {
	ChainID() int64
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	SendAndConfirm(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte) (string, uint64, error)
}

// RelayService executes relay operations against sessions.
type RelayService struct {
	sessions *session.Manager
	authz    *authz.Manager
	eng      engine.Engine
	chain    ChainClient
	cache    *cache.Decrypted
	audit    storage.AuditRecorder
	metrics  *metrics.Metrics
}

// NewRelayService creates the relay service.
func NewRelayService(
	sessions *session.Manager,
	authzMgr *authz.Manager,
	eng engine.Engine,
	chain ChainClient,
	decrypted *cache.Decrypted,
	audit storage.AuditRecorder,
	m *metrics.Metrics,
) *RelayService {
	return &RelayService{
		sessions: sessions,
		authz:    authzMgr,
		eng:      eng,
		chain:    chain,
		cache:    decrypted,
		audit:    audit,
		metrics:  m,
	}
}

// OpenSessionRequest opens a session binding an owner to a contract.
type OpenSessionRequest struct {
	ContractAddress string              `json:"contract_address"`
	ABI             []types.ABIFunction `json:"abi"`
	OwnerAddress    string              `json:"owner_address"`
	// TransactionKey switches the session to server-custody mode.
	TransactionKey string `json:"transaction_key,omitempty"`
}

// OpenSessionResponse carries the new session and, in pure-relay mode, the
// challenge the owner's wallet must sign.
type OpenSessionResponse struct {
	SessionID string              `json:"session_id"`
	ChainID   int64               `json:"chain_id"`
	Status    string              `json:"status"`
	Nonce     uint64              `json:"nonce"`
	Challenge *apitypes.TypedData `json:"challenge,omitempty"`
}

// AuthorizeRequest completes the handshake for a pending session.
type AuthorizeRequest struct {
	Signature string `json:"signature"`
}

// AuthorizeResponse reports the session state after authorization.
type AuthorizeResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Nonce     uint64 `json:"nonce"`
}

// OperationRequest is a signed read or mutate request.
type OperationRequest struct {
	SessionID string `json:"session_id"`
	Operation string `json:"operation"`
	Args      []any  `json:"args"`
	Signature string `json:"signature"`
	Nonce     uint64 `json:"nonce"`
}

// ReadResponse is the outcome of a call-then-decrypt read.
type ReadResponse struct {
	Value     string `json:"value"`
	Handle    string `json:"handle"`
	Cached    bool   `json:"cached"`
	NextNonce uint64 `json:"next_nonce"`
}

// PreparedCall is calldata handed back for client-side signing in pure-relay
// mode.
type PreparedCall struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

// MutateResponse is the outcome of an encrypt-then-call mutation: a confirmed
// transaction in server-custody mode, or the prepared call in pure-relay mode.
type MutateResponse struct {
	TxHash      string        `json:"tx_hash,omitempty"`
	BlockNumber uint64        `json:"block_number,omitempty"`
	Prepared    *PreparedCall `json:"prepared,omitempty"`
	NextNonce   uint64        `json:"next_nonce"`
}

// OpenSession validates the request and creates the session.
func (s *RelayService) OpenSession(ctx context.Context, req *OpenSessionRequest) (*OpenSessionResponse, error) {
	if !common.IsHexAddress(req.ContractAddress) {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Invalid contract address", req.ContractAddress, http.StatusBadRequest)
	}
	if !common.IsHexAddress(req.OwnerAddress) {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Invalid owner address", req.OwnerAddress, http.StatusBadRequest)
	}

	contract := common.HexToAddress(req.ContractAddress)
	owner := common.HexToAddress(req.OwnerAddress)

	sess, err := s.sessions.Open(ctx, contract, req.ABI, owner, req.TransactionKey)
	if err != nil {
		return nil, err
	}

	s.metrics.SetOpenSessions(s.sessions.Count())
	s.recordAudit(ctx, &storage.AuditEntry{
		SessionID: &sess.ID,
		Owner:     owner.Hex(),
		Contract:  contract.Hex(),
		Action:    storage.AuditActionSessionOpened,
	})
	logger.Info(ctx, "session opened",
		"session_id", sess.ID.String(),
		"status", sess.Status,
		"custody", sess.HasSigner(),
	)

	resp := &OpenSessionResponse{
		SessionID: sess.ID.String(),
		ChainID:   s.chain.ChainID(),
		Status:    sess.Status,
		Nonce:     sess.Nonce,
	}
	if sess.Challenge != nil {
		resp.Challenge = sess.Challenge.TypedData
	}
	return resp, nil
}

// Authorize completes a pending challenge with the owner's signature.
func (s *RelayService) Authorize(ctx context.Context, sessionID string, req *AuthorizeRequest) (*AuthorizeResponse, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	sess.Lock()
	defer sess.Unlock()

	if err := s.authz.CompleteChallenge(sess, req.Signature); err != nil {
		s.recordAudit(ctx, auditFailure(sess, storage.AuditActionChallengeFailed, "", err))
		return nil, err
	}

	sess.Touch(time.Now())
	s.recordAudit(ctx, &storage.AuditEntry{
		SessionID: &sess.ID,
		Owner:     sess.Owner.Hex(),
		Contract:  sess.Contract.Hex(),
		Action:    storage.AuditActionChallengeCompleted,
	})
	logger.Info(ctx, "authorization completed", "session_id", sess.ID.String())

	return &AuthorizeResponse{
		SessionID: sess.ID.String(),
		Status:    sess.Status,
		Nonce:     sess.Nonce,
	}, nil
}

// CloseSession destroys a session and everything it holds.
func (s *RelayService) CloseSession(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	if err := s.sessions.Close(sessionID); err != nil {
		return err
	}

	s.metrics.SetOpenSessions(s.sessions.Count())
	s.recordAudit(ctx, &storage.AuditEntry{
		SessionID: &sess.ID,
		Owner:     sess.Owner.Hex(),
		Contract:  sess.Contract.Hex(),
		Action:    storage.AuditActionSessionClosed,
	})
	logger.Info(ctx, "session closed", "session_id", sessionID)
	return nil
}

// Read executes a call-then-decrypt read: verify the request signature, call
// the contract, then decrypt the returned handle under the session's
// permission. A session that has not completed its challenge executes nothing,
// not even the contract call. The all-zero handle short-circuits to "0"
// without touching the engine: it marks a slot that was never written.
func (s *RelayService) Read(ctx context.Context, req *OperationRequest) (*ReadResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}

	sess.Lock()
	defer sess.Unlock()
	ctx = logger.WithSessionID(ctx, sess.ID.String())

	if err := authn.Verify(sess, req.Operation, req.Args, req.Signature, req.Nonce); err != nil {
		s.recordAudit(ctx, auditFailure(sess, storage.AuditActionReadFailed, req.Operation, err))
		return nil, err
	}

	if sess.Status != types.SessionStatusReady {
		return nil, apperrors.ErrAuthorizationRequired
	}

	cls, err := fheabi.Classify(sess.ABI, req.Operation)
	if err != nil {
		return nil, err
	}

	handle, err := s.callForHandle(ctx, sess, cls, req.Args)
	if err != nil {
		s.recordAudit(ctx, auditFailure(sess, storage.AuditActionReadFailed, req.Operation, err))
		return nil, err
	}

	resp := &ReadResponse{Handle: handle}

	if fheabi.ZeroHandle(handle) {
		resp.Value = "0"
	} else {
		key := cache.Key{
			ChainID:  s.chain.ChainID(),
			Account:  sess.Owner,
			Contract: sess.Contract,
			Handle:   handle,
		}
		if v, ok := s.cache.Get(key); ok {
			s.metrics.CacheHit()
			resp.Value, resp.Cached = v, true
		} else {
			s.metrics.CacheMiss()
			v, err := s.cache.GetOrDecrypt(ctx, key, func(ctx context.Context) (string, error) {
				return s.decryptHandle(ctx, sess, handle)
			})
			if err != nil {
				s.recordAudit(ctx, auditFailure(sess, storage.AuditActionReadFailed, req.Operation, err))
				return nil, err
			}
			resp.Value = v
		}
	}

	// The nonce advances only on confirmed success; a failed attempt leaves
	// it untouched so the client can retry with the same signed payload.
	sess.Nonce++
	sess.Touch(time.Now())
	resp.NextNonce = sess.Nonce

	s.recordAudit(ctx, &storage.AuditEntry{
		SessionID: &sess.ID,
		Owner:     sess.Owner.Hex(),
		Contract:  sess.Contract.Hex(),
		Action:    storage.AuditActionReadExecuted,
		Operation: req.Operation,
	})
	return resp, nil
}

// Mutate executes an encrypt-then-call mutation: verify the request
// signature, encrypt the declared encrypted inputs and pack calldata. In
// server-custody mode the transaction is submitted with the session's custody
// key and confirmed; in pure-relay mode the prepared call goes back to the
// client for wallet-side signing.
func (s *RelayService) Mutate(ctx context.Context, req *OperationRequest) (*MutateResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}

	sess.Lock()
	defer sess.Unlock()
	ctx = logger.WithSessionID(ctx, sess.ID.String())

	if err := authn.Verify(sess, req.Operation, req.Args, req.Signature, req.Nonce); err != nil {
		s.recordAudit(ctx, auditFailure(sess, storage.AuditActionMutateFailed, req.Operation, err))
		return nil, err
	}

	if sess.Status != types.SessionStatusReady {
		return nil, apperrors.ErrAuthorizationRequired
	}

	cls, err := fheabi.Classify(sess.ABI, req.Operation)
	if err != nil {
		return nil, err
	}

	wireArgs, err := fheabi.BuildEncryptedArgs(ctx, s.eng, sess.Contract, sess.Owner, req.Args, cls)
	if err != nil {
		s.recordAudit(ctx, auditFailure(sess, storage.AuditActionMutateFailed, req.Operation, err))
		return nil, err
	}

	calldata, err := fheabi.Calldata(cls, wireArgs)
	if err != nil {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Cannot encode calldata", err.Error(), http.StatusBadRequest)
	}

	if !sess.HasSigner() {
		return s.prepareMutate(ctx, sess, req.Operation, calldata)
	}

	signer, err := s.sessions.Signer(ctx, sess)
	if err != nil {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeInternalError, "Failed to load transaction key", err.Error(), http.StatusInternalServerError)
	}

	txHash, blockNumber, err := s.chain.SendAndConfirm(ctx, signer, sess.Contract, calldata)
	if err != nil {
		s.metrics.Transaction("failed")
		appErr := apperrors.TransactionFailed(err.Error())
		s.recordAudit(ctx, auditFailure(sess, storage.AuditActionMutateFailed, req.Operation, appErr))
		return nil, appErr
	}
	s.metrics.Transaction("confirmed")

	sess.Nonce++
	sess.Touch(time.Now())

	s.recordAudit(ctx, &storage.AuditEntry{
		SessionID: &sess.ID,
		Owner:     sess.Owner.Hex(),
		Contract:  sess.Contract.Hex(),
		Action:    storage.AuditActionMutateExecuted,
		Operation: req.Operation,
		TxHash:    &txHash,
	})
	logger.Info(ctx, "mutation confirmed",
		"operation", req.Operation,
		"tx_hash", txHash,
		"block", blockNumber,
	)

	return &MutateResponse{
		TxHash:      txHash,
		BlockNumber: blockNumber,
		NextNonce:   sess.Nonce,
	}, nil
}

// prepareMutate hands the packed call back for client-side signing. Preparing
// the call is the relay's whole contribution in this mode, so it counts as
// success and consumes the nonce. Callers hold the session lock.
func (s *RelayService) prepareMutate(ctx context.Context, sess *session.Session, operation string, calldata []byte) (*MutateResponse, error) {
	sess.Nonce++
	sess.Touch(time.Now())

	s.recordAudit(ctx, &storage.AuditEntry{
		SessionID: &sess.ID,
		Owner:     sess.Owner.Hex(),
		Contract:  sess.Contract.Hex(),
		Action:    storage.AuditActionMutatePrepared,
		Operation: operation,
	})
	logger.Info(ctx, "mutation prepared for client signing", "operation", operation)

	return &MutateResponse{
		Prepared: &PreparedCall{
			To:   sess.Contract.Hex(),
			Data: hexutil.Encode(calldata),
		},
		NextNonce: sess.Nonce,
	}, nil
}

// callForHandle encrypts any declared encrypted inputs, packs the call and
// returns the resulting ciphertext handle.
func (s *RelayService) callForHandle(ctx context.Context, sess *session.Session, cls *fheabi.Classification, args []any) (string, error) {
	wireArgs, err := fheabi.BuildEncryptedArgs(ctx, s.eng, sess.Contract, sess.Owner, args, cls)
	if err != nil {
		return "", err
	}

	calldata, err := fheabi.Calldata(cls, wireArgs)
	if err != nil {
		return "", apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Cannot encode calldata", err.Error(), http.StatusBadRequest)
	}

	result, err := s.chain.CallContract(ctx, sess.Contract, calldata)
	if err != nil {
		return "", apperrors.TransactionFailed(err.Error())
	}

	return fheabi.DecodeHandle(result)
}

// decryptHandle obtains a valid permission and decrypts one handle through
// the engine. Callers hold the session lock.
func (s *RelayService) decryptHandle(ctx context.Context, sess *session.Session, handle string) (string, error) {
	perm, err := s.authz.EnsurePermission(ctx, sess)
	if err != nil {
		return "", err
	}

	values, err := s.eng.UserDecrypt(ctx, &engine.UserDecryptRequest{
		Pairs:        []engine.HandlePair{{Handle: handle, Contract: sess.Contract}},
		PrivateKey:   perm.PrivateKey,
		PublicKey:    perm.PublicKey,
		Signature:    perm.Signature,
		Contracts:    perm.Contracts,
		User:         sess.Owner,
		Start:        perm.Start,
		DurationDays: perm.DurationDays,
	})
	if err != nil {
		s.metrics.EngineDecrypt("failed")
		if appErr, ok := apperrors.IsAppError(err); ok {
			return "", appErr
		}
		return "", apperrors.DecryptionFailure(err.Error())
	}

	value, ok := values[handle]
	if !ok {
		s.metrics.EngineDecrypt("failed")
		return "", apperrors.DecryptionFailure(fmt.Sprintf("engine returned no value for handle %s", handle))
	}
	s.metrics.EngineDecrypt("ok")
	return value, nil
}

// recordAudit writes an audit entry, logging (not failing) on recorder errors.
func (s *RelayService) recordAudit(ctx context.Context, entry *storage.AuditEntry) {
	if err := s.audit.Record(ctx, entry); err != nil {
		logger.Warn(ctx, "failed to record audit entry", "action", entry.Action, "error", err.Error())
	}
}

func auditFailure(sess *session.Session, action, operation string, err error) *storage.AuditEntry {
	entry := &storage.AuditEntry{
		SessionID: &sess.ID,
		Owner:     sess.Owner.Hex(),
		Contract:  sess.Contract.Hex(),
		Action:    action,
		Operation: operation,
	}
	if appErr, ok := apperrors.IsAppError(err); ok {
		entry.ErrorCode = &appErr.Code
		entry.ErrorMessage = &appErr.Message
		switch appErr.Code {
		case apperrors.ErrCodeSignatureMismatch:
			entry.Action = storage.AuditActionSignatureRejected
		case apperrors.ErrCodeInvalidNonce:
			entry.Action = storage.AuditActionNonceRejected
		}
	} else {
		msg := err.Error()
		entry.ErrorMessage = &msg
	}
	return entry
}
