package lockimpl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord/internal/client"
	"github.com/ceyewan/gidkit/coord/lock"
	"github.com/ceyewan/gidkit/coord/store"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdLockFactory 是用于创建基于 etcd 的分布式锁的工厂。
// 实现了 lock.DistributedLock 接口。
type EtcdLockFactory struct {
	client *client.EtcdClient // etcd 客户端
	root   string             // 命名空间根路径
	logger clog.Logger        // 日志记录器
}

var _ lock.DistributedLock = (*EtcdLockFactory)(nil)

// NewEtcdLockFactory 创建一个 etcd 分布式锁工厂
func NewEtcdLockFactory(c *client.EtcdClient, root string, logger clog.Logger) *EtcdLockFactory {
	if logger == nil {
		logger = clog.Namespace("coord.lock")
	}
	return &EtcdLockFactory{
		client: c,
		root:   root,
		logger: logger,
	}
}

// Acquire 获取锁，阻塞直到锁被获取或 context 被取消
func (f *EtcdLockFactory) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lock, error) {
	return f.acquire(ctx, key, ttl, true)
}

// TryAcquire 尝试获取锁，不阻塞
func (f *EtcdLockFactory) TryAcquire(ctx context.Context, key string, ttl time.Duration) (lock.Lock, error) {
	return f.acquire(ctx, key, ttl, false)
}

// acquire 内部实现，支持阻塞和非阻塞获取锁
func (f *EtcdLockFactory) acquire(ctx context.Context, key string, ttl time.Duration, blocking bool) (lock.Lock, error) {
	if err := store.ValidatePath(key); err != nil {
		return nil, client.NewError(client.ErrCodeValidation, "invalid lock key", err)
	}
	if ttl < time.Second {
		return nil, client.NewError(client.ErrCodeValidation, "lock ttl must be at least 1s", nil)
	}

	// 每把锁使用独立会话，锁释放时关闭会话
	session, err := concurrency.NewSession(f.client.Client(), concurrency.WithTTL(int(ttl/time.Second)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create lock session: %w", store.ErrUnavailable, err)
	}

	mutex := concurrency.NewMutex(session, f.root+key)

	f.logger.Debug("尝试获取锁",
		clog.String("key", key),
		clog.Int64("lease", int64(session.Lease())),
		clog.Bool("blocking", blocking))

	var lockErr error
	if blocking {
		lockErr = mutex.Lock(ctx)
	} else {
		lockErr = mutex.TryLock(ctx)
	}

	if lockErr != nil {
		_ = session.Close()
		switch {
		case errors.Is(lockErr, concurrency.ErrLocked):
			return nil, fmt.Errorf("%w: %s", lock.ErrLockHeld, key)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, ctx.Err())
		default:
			return nil, fmt.Errorf("%w: failed to acquire lock %s: %w", store.ErrUnavailable, key, lockErr)
		}
	}

	f.logger.Debug("锁获取成功",
		clog.String("key", key),
		clog.Int64("lease", int64(session.Lease())))

	return &EtcdLock{
		key:     key,
		session: session,
		mutex:   mutex,
		logger:  f.logger,
	}, nil
}

// EtcdLock 表示已持有的分布式锁
type EtcdLock struct {
	key     string
	session *concurrency.Session
	mutex   *concurrency.Mutex
	logger  clog.Logger

	once sync.Once
	err  error
}

// Unlock 释放锁，只有第一次调用会生效
func (l *EtcdLock) Unlock(ctx context.Context) error {
	l.once.Do(func() {
		l.err = l.release(ctx)
	})
	return l.err
}

func (l *EtcdLock) release(ctx context.Context) error {
	// 会话已过期时锁已被 etcd 释放
	select {
	case <-l.session.Done():
		l.logger.Warn("锁会话已过期", clog.String("key", l.key))
		return lock.ErrLockExpired
	default:
	}

	if err := l.mutex.Unlock(ctx); err != nil {
		// 即使解锁失败，也必须关闭会话以释放租约
		_ = l.session.Close()
		return fmt.Errorf("failed to unlock %s: %w", l.key, err)
	}

	if err := l.session.Close(); err != nil {
		return fmt.Errorf("failed to close lock session: %w", err)
	}

	l.logger.Debug("锁释放成功", clog.String("key", l.key))
	return nil
}

// Key 返回锁路径
func (l *EtcdLock) Key() string {
	return l.key
}
