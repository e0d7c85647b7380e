package app

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhe-relay/fhe-relay/internal/authn"
	"github.com/fhe-relay/fhe-relay/internal/authz"
	"github.com/fhe-relay/fhe-relay/internal/cache"
	"github.com/fhe-relay/fhe-relay/internal/engine"
	"github.com/fhe-relay/fhe-relay/internal/keywrap"
	"github.com/fhe-relay/fhe-relay/internal/metrics"
	"github.com/fhe-relay/fhe-relay/internal/session"
	"github.com/fhe-relay/fhe-relay/internal/storage"
	apperrors "github.com/fhe-relay/fhe-relay/pkg/errors"
	"github.com/fhe-relay/fhe-relay/pkg/types"
)

// fakeEngine backs the executor tests with deterministic crypto: real typed
// data (so challenge signatures verify), counted decrypts and canned values.
type fakeEngine struct {
	decrypts   int
	decryptErr error
	values     map[string]string
}

func (f *fakeEngine) GenerateKeypair(ctx context.Context) (*engine.Keypair, error) {
	return &engine.Keypair{PublicKey: "0xpub", PrivateKey: "0xpriv"}, nil
}

func (f *fakeEngine) CreateEIP712(ctx context.Context, publicKey string, contracts []common.Address, start, durationDays int64) (*apitypes.TypedData, error) {
	return &apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Authorization": []apitypes.Type{
				{Name: "publicKey", Type: "string"},
				{Name: "start", Type: "uint256"},
				{Name: "durationDays", Type: "uint256"},
			},
		},
		PrimaryType: "Authorization",
		Domain: apitypes.TypedDataDomain{
			Name:    "Relay",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(31337),
		},
		Message: apitypes.TypedDataMessage{
			"publicKey":    publicKey,
			"start":        math.NewHexOrDecimal256(start),
			"durationDays": math.NewHexOrDecimal256(durationDays),
		},
	}, nil
}

func (f *fakeEngine) CreateEncryptedInput(contract, user common.Address) *engine.Builder {
	return engine.NewBuilder(f, contract, user)
}

func (f *fakeEngine) EncryptInput(ctx context.Context, contract, user common.Address, items []engine.InputItem) (*engine.EncryptedInput, error) {
	out := &engine.EncryptedInput{Proof: []byte("proof")}
	for i := range items {
		handle := make([]byte, 32)
		handle[31] = byte(i + 1)
		out.Handles = append(out.Handles, handle)
	}
	return out, nil
}

func (f *fakeEngine) UserDecrypt(ctx context.Context, req *engine.UserDecryptRequest) (map[string]string, error) {
	f.decrypts++
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	return f.values, nil
}

// fakeChain is an in-memory ChainClient.
type fakeChain struct {
	callResult []byte
	callErr    error
	sendErr    error
	calls      int
	sends      int
}

func (f *fakeChain) ChainID() int64 { return 31337 }

func (f *fakeChain) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	f.calls++
	return f.callResult, f.callErr
}

func (f *fakeChain) SendAndConfirm(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte) (string, uint64, error) {
	f.sends++
	if f.sendErr != nil {
		return "", 0, f.sendErr
	}
	return "0xtxhash", 128, nil
}

type testRig struct {
	svc   *RelayService
	eng   *fakeEngine
	chain *fakeChain
	key   *ecdsa.PrivateKey
	owner common.Address
}

func newRig(t *testing.T) *testRig {
	t.Helper()

	wrapper, err := keywrap.NewLocal(strings.Repeat("ab", 32))
	require.NoError(t, err)

	store := session.NewStore(time.Hour)
	t.Cleanup(store.Close)

	eng := &fakeEngine{values: map[string]string{}}
	sessions := session.NewManager(store, wrapper, nil)
	authzMgr := authz.NewManager(eng, sessions, 10)
	sessions.SetChallengeCreator(authzMgr)

	chain := &fakeChain{}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	svc := NewRelayService(
		sessions,
		authzMgr,
		eng,
		chain,
		cache.NewDecrypted(time.Minute),
		storage.NoopAuditRecorder{},
		metrics.New(),
	)

	return &testRig{
		svc:   svc,
		eng:   eng,
		chain: chain,
		key:   key,
		owner: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (r *testRig) abi() []types.ABIFunction {
	return []types.ABIFunction{
		{
			Name: "transfer",
			Inputs: []types.ABIParam{
				{Name: "to", Type: "address"},
				{Name: "amount", Type: "externalEuint64"},
			},
			StateMutability: "nonpayable",
		},
		{
			Name:            "balanceOf",
			Inputs:          []types.ABIParam{{Name: "account", Type: "address"}},
			Outputs:         []types.ABIParam{{Name: "", Type: "euint64"}},
			StateMutability: "view",
		},
	}
}

func (r *testRig) open(t *testing.T, withKey bool) *OpenSessionResponse {
	t.Helper()
	req := &OpenSessionRequest{
		ContractAddress: "0x1111111111111111111111111111111111111111",
		ABI:             r.abi(),
		OwnerAddress:    r.owner.Hex(),
	}
	if withKey {
		req.TransactionKey = hex.EncodeToString(crypto.FromECDSA(r.key))
	}
	resp, err := r.svc.OpenSession(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func (r *testRig) sign(t *testing.T, sessionID, operation string, args []any, nonce uint64) string {
	t.Helper()
	msg, err := authn.CanonicalMessage(sessionID, operation, args, nonce)
	require.NoError(t, err)
	sig, err := authn.SignText(msg, r.key)
	require.NoError(t, err)
	return sig
}

func (r *testRig) signedOp(t *testing.T, sessionID, operation string, args []any, nonce uint64) *OperationRequest {
	t.Helper()
	return &OperationRequest{
		SessionID: sessionID,
		Operation: operation,
		Args:      args,
		Signature: r.sign(t, sessionID, operation, args, nonce),
		Nonce:     nonce,
	}
}

func nonzeroHandle() []byte {
	h := make([]byte, 32)
	h[0] = 0xaa
	return h
}

func handleHex(h []byte) string {
	return "0x" + hex.EncodeToString(h)
}

func TestCustodyFlow(t *testing.T) {
	rig := newRig(t)

	resp := rig.open(t, true)
	assert.Equal(t, types.SessionStatusReady, resp.Status)
	assert.Nil(t, resp.Challenge)
	assert.Equal(t, uint64(0), resp.Nonce)
	assert.Equal(t, int64(31337), resp.ChainID)

	// Mutation with nonce 0: encrypted input plus proof goes on chain.
	mutArgs := []any{"0x3333333333333333333333333333333333333333", float64(25)}
	mut, err := rig.svc.Mutate(context.Background(), rig.signedOp(t, resp.SessionID, "transfer", mutArgs, 0))
	require.NoError(t, err)
	assert.Equal(t, "0xtxhash", mut.TxHash)
	assert.Equal(t, uint64(128), mut.BlockNumber)
	assert.Equal(t, uint64(1), mut.NextNonce)
	assert.Equal(t, 1, rig.chain.sends)

	// Read with nonce 1: permission is self-signed transparently, no
	// handshake surfaces to the client.
	h := nonzeroHandle()
	rig.chain.callResult = h
	rig.eng.values[handleHex(h)] = "25"

	readArgs := []any{rig.owner.Hex()}
	read, err := rig.svc.Read(context.Background(), rig.signedOp(t, resp.SessionID, "balanceOf", readArgs, 1))
	require.NoError(t, err)
	assert.Equal(t, "25", read.Value)
	assert.Equal(t, handleHex(h), read.Handle)
	assert.False(t, read.Cached)
	assert.Equal(t, uint64(2), read.NextNonce)
	assert.Equal(t, 1, rig.eng.decrypts)

	// Replaying the consumed nonce fails without touching anything.
	_, err = rig.svc.Read(context.Background(), rig.signedOp(t, resp.SessionID, "balanceOf", readArgs, 1))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidNonce))
	assert.Equal(t, 1, rig.eng.decrypts)
}

func TestPureRelayFlow(t *testing.T) {
	rig := newRig(t)

	resp := rig.open(t, false)
	assert.Equal(t, types.SessionStatusPending, resp.Status)
	require.NotNil(t, resp.Challenge)

	h := nonzeroHandle()
	rig.chain.callResult = h
	rig.eng.values[handleHex(h)] = "77"
	readArgs := []any{rig.owner.Hex()}

	// Reading before the handshake completes is refused, and the failed
	// attempt does not consume the nonce.
	_, err := rig.svc.Read(context.Background(), rig.signedOp(t, resp.SessionID, "balanceOf", readArgs, 0))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAuthorizationRequired))
	assert.Equal(t, 0, rig.eng.decrypts)

	// Complete the handshake by signing the challenge document.
	hash, err := authz.TypedDataHash(resp.Challenge)
	require.NoError(t, err)
	sig, err := crypto.Sign(hash, rig.key)
	require.NoError(t, err)
	sig[64] += 27

	auth, err := rig.svc.Authorize(context.Background(), resp.SessionID, &AuthorizeRequest{
		Signature: "0x" + hex.EncodeToString(sig),
	})
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusReady, auth.Status)

	// The same signed request now succeeds with the unconsumed nonce.
	read, err := rig.svc.Read(context.Background(), rig.signedOp(t, resp.SessionID, "balanceOf", readArgs, 0))
	require.NoError(t, err)
	assert.Equal(t, "77", read.Value)
	assert.Equal(t, uint64(1), read.NextNonce)

	// Pure-relay mutations come back as prepared calldata for the owner's
	// wallet to sign; nothing goes on chain through the relay.
	mutArgs := []any{"0x3333333333333333333333333333333333333333", float64(1)}
	mut, err := rig.svc.Mutate(context.Background(), rig.signedOp(t, resp.SessionID, "transfer", mutArgs, 1))
	require.NoError(t, err)
	require.NotNil(t, mut.Prepared)
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111").Hex(), mut.Prepared.To)
	assert.NotEmpty(t, mut.Prepared.Data)
	assert.Empty(t, mut.TxHash)
	assert.Equal(t, uint64(2), mut.NextNonce)
	assert.Equal(t, 0, rig.chain.sends)
}

func TestMutate_PendingSession(t *testing.T) {
	rig := newRig(t)
	resp := rig.open(t, false)

	mutArgs := []any{"0x3333333333333333333333333333333333333333", float64(1)}
	_, err := rig.svc.Mutate(context.Background(), rig.signedOp(t, resp.SessionID, "transfer", mutArgs, 0))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAuthorizationRequired))
	assert.Equal(t, 0, rig.chain.sends)
}

func TestRead_ZeroHandleShortCircuit(t *testing.T) {
	rig := newRig(t)
	resp := rig.open(t, true)

	rig.chain.callResult = make([]byte, 32)

	read, err := rig.svc.Read(context.Background(), rig.signedOp(t, resp.SessionID, "balanceOf", []any{rig.owner.Hex()}, 0))
	require.NoError(t, err)

	// An uninitialized slot reads as zero without any engine involvement.
	assert.Equal(t, "0", read.Value)
	assert.Equal(t, 0, rig.eng.decrypts)
	assert.Equal(t, uint64(1), read.NextNonce)
}

func TestRead_PendingSession(t *testing.T) {
	rig := newRig(t)
	resp := rig.open(t, false)

	// Even a read that would short-circuit on the zero handle is refused
	// until the handshake completes; the chain is never consulted and the
	// nonce is not consumed.
	rig.chain.callResult = make([]byte, 32)
	readArgs := []any{rig.owner.Hex()}

	_, err := rig.svc.Read(context.Background(), rig.signedOp(t, resp.SessionID, "balanceOf", readArgs, 0))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAuthorizationRequired))
	assert.Equal(t, 0, rig.chain.calls)
	assert.Equal(t, 0, rig.eng.decrypts)

	// Completing the handshake makes the same signed request valid.
	hash, err := authz.TypedDataHash(resp.Challenge)
	require.NoError(t, err)
	sig, err := crypto.Sign(hash, rig.key)
	require.NoError(t, err)
	sig[64] += 27
	_, err = rig.svc.Authorize(context.Background(), resp.SessionID, &AuthorizeRequest{
		Signature: "0x" + hex.EncodeToString(sig),
	})
	require.NoError(t, err)

	read, err := rig.svc.Read(context.Background(), rig.signedOp(t, resp.SessionID, "balanceOf", readArgs, 0))
	require.NoError(t, err)
	assert.Equal(t, "0", read.Value)
	assert.Equal(t, uint64(1), read.NextNonce)
}

func TestRead_CachedValue(t *testing.T) {
	rig := newRig(t)
	resp := rig.open(t, true)

	h := nonzeroHandle()
	rig.chain.callResult = h
	rig.eng.values[handleHex(h)] = "9"
	readArgs := []any{rig.owner.Hex()}

	first, err := rig.svc.Read(context.Background(), rig.signedOp(t, resp.SessionID, "balanceOf", readArgs, 0))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := rig.svc.Read(context.Background(), rig.signedOp(t, resp.SessionID, "balanceOf", readArgs, 1))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "9", second.Value)
	assert.Equal(t, 1, rig.eng.decrypts)
}

func TestRead_DecryptFailure(t *testing.T) {
	rig := newRig(t)
	resp := rig.open(t, true)

	rig.chain.callResult = nonzeroHandle()
	rig.eng.decryptErr = errors.New("ciphertext refused")

	_, err := rig.svc.Read(context.Background(), rig.signedOp(t, resp.SessionID, "balanceOf", []any{rig.owner.Hex()}, 0))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDecryptionFailure))

	// The failure consumed nothing: same nonce works once the engine heals.
	rig.eng.decryptErr = nil
	rig.eng.values[handleHex(nonzeroHandle())] = "4"
	read, err := rig.svc.Read(context.Background(), rig.signedOp(t, resp.SessionID, "balanceOf", []any{rig.owner.Hex()}, 0))
	require.NoError(t, err)
	assert.Equal(t, "4", read.Value)
}

func TestMutate_TransactionFailure(t *testing.T) {
	rig := newRig(t)
	resp := rig.open(t, true)
	rig.chain.sendErr = errors.New("execution reverted")

	mutArgs := []any{"0x3333333333333333333333333333333333333333", float64(1)}
	_, err := rig.svc.Mutate(context.Background(), rig.signedOp(t, resp.SessionID, "transfer", mutArgs, 0))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeTransactionFailed))

	// Nonce unchanged; the retry is accepted after the chain recovers.
	rig.chain.sendErr = nil
	mut, err := rig.svc.Mutate(context.Background(), rig.signedOp(t, resp.SessionID, "transfer", mutArgs, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), mut.NextNonce)
}

func TestUnknownOperation(t *testing.T) {
	rig := newRig(t)
	resp := rig.open(t, true)

	_, err := rig.svc.Read(context.Background(), rig.signedOp(t, resp.SessionID, "mint", nil, 0))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnknownOperation))
}

func TestUnknownSession(t *testing.T) {
	rig := newRig(t)

	_, err := rig.svc.Read(context.Background(), &OperationRequest{
		SessionID: "4dcdc6b5-0000-0000-0000-000000000000",
		Operation: "balanceOf",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnknownSession))
}

func TestOpenSession_Validation(t *testing.T) {
	rig := newRig(t)

	t.Run("bad contract address", func(t *testing.T) {
		_, err := rig.svc.OpenSession(context.Background(), &OpenSessionRequest{
			ContractAddress: "not-an-address",
			ABI:             rig.abi(),
			OwnerAddress:    rig.owner.Hex(),
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeBadRequest))
	})

	t.Run("bad owner address", func(t *testing.T) {
		_, err := rig.svc.OpenSession(context.Background(), &OpenSessionRequest{
			ContractAddress: "0x1111111111111111111111111111111111111111",
			ABI:             rig.abi(),
			OwnerAddress:    "not-an-address",
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeBadRequest))
	})
}

func TestCloseSession(t *testing.T) {
	rig := newRig(t)
	resp := rig.open(t, true)

	require.NoError(t, rig.svc.CloseSession(context.Background(), resp.SessionID))

	err := rig.svc.CloseSession(context.Background(), resp.SessionID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnknownSession))
}
