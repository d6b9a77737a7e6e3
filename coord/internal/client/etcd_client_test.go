package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ceyewan/gidkit/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// newTestClient 连接本地 etcd，不可用时跳过
func newTestClient(t *testing.T, retry *RetryConfig) *EtcdClient {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping etcd integration test in short mode")
	}
	c, err := New(Config{
		Endpoints:   []string{"localhost:2379"},
		Timeout:     2 * time.Second,
		RetryConfig: retry,
		Logger:      clog.Nop(),
	})
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		config Config
		errMsg string
	}{
		{"empty endpoints", Config{Timeout: time.Second}, "endpoints cannot be empty"},
		{"no port", Config{Endpoints: []string{"localhost"}, Timeout: time.Second}, "invalid endpoint format"},
		{"bad port", Config{Endpoints: []string{"localhost:99999"}, Timeout: time.Second}, "invalid endpoint format"},
		{"zero timeout", Config{Endpoints: []string{"localhost:2379"}}, "timeout must be positive"},
		{"negative attempts", Config{Endpoints: []string{"localhost:2379"}, Timeout: time.Second,
			RetryConfig: &RetryConfig{MaxAttempts: -1}}, "max_attempts cannot be negative"},
		{"zero delay", Config{Endpoints: []string{"localhost:2379"}, Timeout: time.Second,
			RetryConfig: &RetryConfig{MaxAttempts: 3}}, "initial_delay must be positive"},
		{"small multiplier", Config{Endpoints: []string{"localhost:2379"}, Timeout: time.Second,
			RetryConfig: &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 0.5}},
			"multiplier must be greater than 1.0"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
			assert.True(t, IsCode(err, ErrCodeValidation))

			_, err = New(tc.config)
			require.Error(t, err)
		})
	}
}

func TestExecuteWithRetry(t *testing.T) {
	c := &EtcdClient{
		retryConfig: &RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		logger: clog.Nop(),
	}
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls atomic.Int32
		err := c.executeWithRetry(ctx, func() error {
			if calls.Add(1) < 3 {
				return NewError(ErrCodeConnection, "transient", nil)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var calls atomic.Int32
		err := c.executeWithRetry(ctx, func() error {
			calls.Add(1)
			return NewError(ErrCodeConnection, "down", nil)
		})
		require.Error(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("does not retry timeouts", func(t *testing.T) {
		var calls atomic.Int32
		err := c.executeWithRetry(ctx, func() error {
			calls.Add(1)
			return NewError(ErrCodeTimeout, "deadline", context.DeadlineExceeded)
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("caps delay", func(t *testing.T) {
		assert.Equal(t, 2*time.Millisecond, c.calculateNextDelay(time.Millisecond))
		assert.Equal(t, 5*time.Millisecond, c.calculateNextDelay(4*time.Millisecond))
	})
}

func TestWrapErr(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, IsCode(wrapErr(cancelled, "x", errors.New("boom")), ErrCodeTimeout))
	assert.True(t, IsCode(wrapErr(context.Background(), "x", context.DeadlineExceeded), ErrCodeTimeout))
	assert.True(t, IsCode(wrapErr(context.Background(), "x", errors.New("refused")), ErrCodeConnection))
}

func TestEtcdClient_Operations(t *testing.T) {
	c := newTestClient(t, &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})
	ctx := context.Background()
	key := "/gidkit-client-test/key"
	t.Cleanup(func() { _, _ = c.Client().Delete(ctx, key) })

	require.NoError(t, c.Ping(ctx))

	_, err := c.Commit(ctx, func(txn clientv3.Txn) clientv3.Txn {
		return txn.Then(clientv3.OpPut(key, "v1"))
	})
	require.NoError(t, err)

	resp, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Equal(t, "v1", string(resp.Kvs[0].Value))

	txnResp, err := c.Commit(ctx, func(txn clientv3.Txn) clientv3.Txn {
		return txn.If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, "v2"))
	})
	require.NoError(t, err)
	assert.False(t, txnResp.Succeeded)

	readResp, err := c.ReadTxn(ctx, clientv3.OpGet(key), clientv3.OpGet(key+"-missing"))
	require.NoError(t, err)
	require.Len(t, readResp.Responses, 2)
	assert.Len(t, readResp.Responses[0].GetResponseRange().Kvs, 1)
	assert.Empty(t, readResp.Responses[1].GetResponseRange().Kvs)

	delResp, err := c.Commit(ctx, func(txn clientv3.Txn) clientv3.Txn {
		return txn.Then(clientv3.OpDelete(key))
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), delResp.Responses[0].GetResponseDeleteRange().Deleted)
}

func TestEtcdClient_Lease(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	grant, err := c.Client().Grant(ctx, 5)
	require.NoError(t, err)

	ttl, err := c.TimeToLive(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), ttl.GrantedTTL)

	require.NoError(t, c.Revoke(ctx, grant.ID))
	// 重复撤销视为成功
	require.NoError(t, c.Revoke(ctx, grant.ID))
}

func TestEtcdClient_CancelledContext(t *testing.T) {
	c := newTestClient(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Commit(ctx, func(txn clientv3.Txn) clientv3.Txn {
		return txn.Then(clientv3.OpPut("/gidkit-client-test/cancelled", "v"))
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeTimeout))
}
