package engine

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	apperrors "github.com/fhe-relay/fhe-relay/pkg/errors"
)

// Factory constructs a connected engine. Construction may be slow (fetching
// public parameters can take seconds).
type Factory func(ctx context.Context) (Engine, error)

// Lazy wraps a Factory and guarantees the engine is initialized at most once
// at a time, no matter how many requests arrive concurrently. All callers of
// an in-flight initialization share its outcome. A failed initialization is
// cleared so a later request retries; engine_unavailable is transient.
//
// Lazy itself implements Engine, so it is injected wherever an engine is
// needed instead of a hidden global.
type Lazy struct {
	factory Factory

	mu   sync.Mutex
	eng  Engine
	init *initCall
}

type initCall struct {
	done chan struct{}
	eng  Engine
	err  error
}

// NewLazy creates a lazily-initialized engine handle.
func NewLazy(factory Factory) *Lazy {
	return &Lazy{factory: factory}
}

// Get returns the initialized engine, starting initialization if needed and
// waiting for one already in flight. Abandoning the wait (ctx cancellation)
// does not abort the initialization; the next caller joins it.
func (l *Lazy) Get(ctx context.Context) (Engine, error) {
	l.mu.Lock()
	if l.eng != nil {
		eng := l.eng
		l.mu.Unlock()
		return eng, nil
	}
	if l.init == nil {
		call := &initCall{done: make(chan struct{})}
		l.init = call
		go l.run(call)
	}
	call := l.init
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, apperrors.EngineUnavailable(ctx.Err().Error())
	case <-call.done:
	}

	if call.err != nil {
		return nil, apperrors.EngineUnavailable(call.err.Error())
	}
	return call.eng, nil
}

func (l *Lazy) run(call *initCall) {
	eng, err := l.factory(context.Background())

	l.mu.Lock()
	if err == nil {
		l.eng = eng
	}
	// Clearing init on failure lets the next Get retry.
	l.init = nil
	l.mu.Unlock()

	call.eng = eng
	call.err = err
	close(call.done)
}

// GenerateKeypair implements Engine.
func (l *Lazy) GenerateKeypair(ctx context.Context) (*Keypair, error) {
	eng, err := l.Get(ctx)
	if err != nil {
		return nil, err
	}
	return eng.GenerateKeypair(ctx)
}

// CreateEIP712 implements Engine.
func (l *Lazy) CreateEIP712(ctx context.Context, publicKey string, contracts []common.Address, start, durationDays int64) (*apitypes.TypedData, error) {
	eng, err := l.Get(ctx)
	if err != nil {
		return nil, err
	}
	return eng.CreateEIP712(ctx, publicKey, contracts, start, durationDays)
}

// CreateEncryptedInput implements Engine. Engine resolution is deferred to
// Encrypt, which carries the context.
func (l *Lazy) CreateEncryptedInput(contract, user common.Address) *Builder {
	return NewBuilder(l, contract, user)
}

// UserDecrypt implements Engine.
func (l *Lazy) UserDecrypt(ctx context.Context, req *UserDecryptRequest) (map[string]string, error) {
	eng, err := l.Get(ctx)
	if err != nil {
		return nil, err
	}
	return eng.UserDecrypt(ctx, req)
}

// EncryptInput implements InputEncryptor by delegating to the resolved engine.
func (l *Lazy) EncryptInput(ctx context.Context, contract, user common.Address, items []InputItem) (*EncryptedInput, error) {
	eng, err := l.Get(ctx)
	if err != nil {
		return nil, err
	}
	return eng.CreateEncryptedInput(contract, user).addItems(items).Encrypt(ctx)
}

// addItems copies queued items onto a builder; used when delegating through Lazy.
func (b *Builder) addItems(items []InputItem) *Builder {
	b.items = append(b.items, items...)
	return b
}

var _ Engine = (*Lazy)(nil)
