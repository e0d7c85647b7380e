package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(handle string) Key {
	return Key{
		ChainID:  31337,
		Account:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Contract: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Handle:   handle,
	}
}

func TestDecrypted_GetPut(t *testing.T) {
	c := NewDecrypted(time.Minute)
	key := testKey("0xaa")

	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Put(key, "42")
	v, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "42", v)
}

func TestDecrypted_ScopeIsolation(t *testing.T) {
	c := NewDecrypted(time.Minute)
	c.Put(testKey("0xaa"), "42")

	// Same handle under a different account must miss.
	other := testKey("0xaa")
	other.Account = common.HexToAddress("0x3333333333333333333333333333333333333333")
	_, ok := c.Get(other)
	assert.False(t, ok)

	// Same handle on a different chain must miss.
	chain := testKey("0xaa")
	chain.ChainID = 1
	_, ok = c.Get(chain)
	assert.False(t, ok)
}

func TestDecrypted_TTLExpiry(t *testing.T) {
	c := NewDecrypted(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	key := testKey("0xaa")
	c.Put(key, "42")

	now = now.Add(59 * time.Second)
	_, ok := c.Get(key)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get(key)
	assert.False(t, ok)
}

func TestDecrypted_Invalidate(t *testing.T) {
	c := NewDecrypted(time.Minute)
	key := testKey("0xaa")
	c.Put(key, "42")

	c.Invalidate(key)
	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestGetOrDecrypt_CachesResult(t *testing.T) {
	c := NewDecrypted(time.Minute)
	key := testKey("0xaa")
	calls := 0

	decrypt := func(ctx context.Context) (string, error) {
		calls++
		return "42", nil
	}

	v, err := c.GetOrDecrypt(context.Background(), key, decrypt)
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	v, err = c.GetOrDecrypt(context.Background(), key, decrypt)
	require.NoError(t, err)
	assert.Equal(t, "42", v)
	assert.Equal(t, 1, calls)
}

func TestGetOrDecrypt_ErrorNotCached(t *testing.T) {
	c := NewDecrypted(time.Minute)
	key := testKey("0xaa")
	calls := 0

	_, err := c.GetOrDecrypt(context.Background(), key, func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("decrypt failed")
	})
	require.Error(t, err)

	v, err := c.GetOrDecrypt(context.Background(), key, func(ctx context.Context) (string, error) {
		calls++
		return "42", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "42", v)
	assert.Equal(t, 2, calls)
}

func TestGetOrDecrypt_SingleFlight(t *testing.T) {
	c := NewDecrypted(time.Minute)
	key := testKey("0xaa")

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})

	decrypt := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return "42", nil
	}

	const waiters = 10
	var wg sync.WaitGroup
	results := make([]string, waiters)
	errs := make([]error, waiters)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.GetOrDecrypt(context.Background(), key, decrypt)
	}()
	<-started

	for i := 1; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrDecrypt(context.Background(), key, func(ctx context.Context) (string, error) {
				t.Error("second decrypt started while one was in flight")
				return "", nil
			})
		}(i)
	}

	// Give the waiters time to join the in-flight call, then release it.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "42", results[i])
	}
}

func TestGetOrDecrypt_WaiterCancellation(t *testing.T) {
	c := NewDecrypted(time.Minute)
	key := testKey("0xaa")

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		c.GetOrDecrypt(context.Background(), key, func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "42", nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrDecrypt(ctx, key, func(ctx context.Context) (string, error) {
		return "", nil
	})
	require.ErrorIs(t, err, context.Canceled)

	// The abandoned wait must not break the owning decrypt.
	close(release)
	require.Eventually(t, func() bool {
		v, ok := c.Get(key)
		return ok && v == "42"
	}, time.Second, 10*time.Millisecond)
}
