package lockimpl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord/internal/client"
	"github.com/ceyewan/gidkit/coord/lock"
)

// newTestFactory 连接本地 etcd，不可用时跳过
func newTestFactory(t *testing.T) *EtcdLockFactory {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping etcd integration test in short mode")
	}
	c, err := client.New(client.Config{
		Endpoints: []string{"localhost:2379"},
		Timeout:   2 * time.Second,
		Logger:    clog.Nop(),
	})
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return NewEtcdLockFactory(c, "/gidkit-lock-test-"+uuid.NewString(), clog.Nop())
}

func TestEtcdLockFactory_Validation(t *testing.T) {
	f := &EtcdLockFactory{root: "/x", logger: clog.Nop()}
	ctx := context.Background()

	_, err := f.Acquire(ctx, "", 10*time.Second)
	require.Error(t, err)
	assert.True(t, client.IsCode(err, client.ErrCodeValidation))

	_, err = f.Acquire(ctx, "no-slash", 10*time.Second)
	require.Error(t, err)

	_, err = f.TryAcquire(ctx, "/topic/lock", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ttl must be at least 1s")
}

func TestEtcdLock_AcquireAndUnlock(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	l, err := f.Acquire(ctx, "/topic/nextAvailableIdLock", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "/topic/nextAvailableIdLock", l.Key())

	_, err = f.TryAcquire(ctx, "/topic/nextAvailableIdLock", 5*time.Second)
	assert.True(t, errors.Is(err, lock.ErrLockHeld))

	require.NoError(t, l.Unlock(ctx))
	// 重复释放返回第一次的结果
	require.NoError(t, l.Unlock(ctx))

	l2, err := f.TryAcquire(ctx, "/topic/nextAvailableIdLock", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, l2.Unlock(ctx))
}

func TestEtcdLock_MutualExclusion(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		holders atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := f.Acquire(ctx, "/topic/lock", 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := holders.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(20 * time.Millisecond)
			holders.Add(-1)
			assert.NoError(t, l.Unlock(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestEtcdLock_ContextCancellation(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	held, err := f.Acquire(ctx, "/topic/lock", 5*time.Second)
	require.NoError(t, err)
	defer held.Unlock(ctx)

	timeoutCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	_, err = f.Acquire(timeoutCtx, "/topic/lock", 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
