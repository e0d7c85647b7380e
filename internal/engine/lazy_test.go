package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fhe-relay/fhe-relay/pkg/errors"
)

type stubEngine struct{}

func (stubEngine) GenerateKeypair(ctx context.Context) (*Keypair, error) {
	return &Keypair{PublicKey: "0xpub", PrivateKey: "0xpriv"}, nil
}

func (stubEngine) CreateEIP712(ctx context.Context, publicKey string, contracts []common.Address, start, durationDays int64) (*apitypes.TypedData, error) {
	return &apitypes.TypedData{}, nil
}

func (s stubEngine) CreateEncryptedInput(contract, user common.Address) *Builder {
	return NewBuilder(s, contract, user)
}

func (stubEngine) EncryptInput(ctx context.Context, contract, user common.Address, items []InputItem) (*EncryptedInput, error) {
	handles := make([][]byte, len(items))
	for i := range handles {
		handles[i] = make([]byte, 32)
	}
	return &EncryptedInput{Handles: handles, Proof: []byte{0x1}}, nil
}

func (stubEngine) UserDecrypt(ctx context.Context, req *UserDecryptRequest) (map[string]string, error) {
	return map[string]string{}, nil
}

func TestLazy_InitializesOnce(t *testing.T) {
	var inits int32
	lazy := NewLazy(func(ctx context.Context) (Engine, error) {
		atomic.AddInt32(&inits, 1)
		time.Sleep(10 * time.Millisecond)
		return stubEngine{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng, err := lazy.Get(context.Background())
			assert.NoError(t, err)
			assert.NotNil(t, eng)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&inits))
}

func TestLazy_FailedInitRetries(t *testing.T) {
	var inits int32
	lazy := NewLazy(func(ctx context.Context) (Engine, error) {
		if atomic.AddInt32(&inits, 1) == 1 {
			return nil, errors.New("engine down")
		}
		return stubEngine{}, nil
	})

	_, err := lazy.Get(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeEngineUnavailable))

	// The failure is not sticky: the next call reruns the factory.
	eng, err := lazy.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, eng)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inits))
}

func TestLazy_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	lazy := NewLazy(func(ctx context.Context) (Engine, error) {
		<-release
		return stubEngine{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := lazy.Get(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeEngineUnavailable))

	// Cancellation abandoned the wait but not the initialization.
	close(release)
	eng, err := lazy.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, eng)
}

func TestLazy_DelegatesThroughEngineInterface(t *testing.T) {
	lazy := NewLazy(func(ctx context.Context) (Engine, error) {
		return stubEngine{}, nil
	})

	kp, err := lazy.GenerateKeypair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0xpub", kp.PublicKey)

	contract := common.HexToAddress("0x1111111111111111111111111111111111111111")
	user := common.HexToAddress("0x2222222222222222222222222222222222222222")
	builder := lazy.CreateEncryptedInput(contract, user)
	builder.AddBool(true)
	enc, err := builder.Encrypt(context.Background())
	require.NoError(t, err)
	assert.Len(t, enc.Handles, 1)
}

func TestBuilder_QueuesTypedItems(t *testing.T) {
	contract := common.HexToAddress("0x1111111111111111111111111111111111111111")
	user := common.HexToAddress("0x2222222222222222222222222222222222222222")

	var captured []InputItem
	capture := captureEncryptor{items: &captured}
	b := NewBuilder(capture, contract, user)
	b.AddBool(true)
	b.AddUint(64, big.NewInt(42))
	b.AddAddress(common.HexToAddress("0x3333333333333333333333333333333333333333"))
	require.Equal(t, 3, b.Len())

	_, err := b.Encrypt(context.Background())
	require.NoError(t, err)

	require.Len(t, captured, 3)
	assert.Equal(t, InputItem{Type: "bool", Value: "1"}, captured[0])
	assert.Equal(t, InputItem{Type: "uint64", Value: "42"}, captured[1])
	assert.Equal(t, "address", captured[2].Type)
}

type captureEncryptor struct {
	items *[]InputItem
}

func (c captureEncryptor) EncryptInput(ctx context.Context, contract, user common.Address, items []InputItem) (*EncryptedInput, error) {
	*c.items = items
	return &EncryptedInput{}, nil
}
