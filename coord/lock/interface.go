package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockHeld TryAcquire 时锁已被其他持有者占用
	ErrLockHeld = errors.New("lock is already held")
	// ErrLockExpired 锁所在的会话已结束
	ErrLockExpired = errors.New("lock session expired")
)

// DistributedLock 是分布式锁服务的接口
// key 是节点路径，例如 "/topic/nextAvailableIdLock"
type DistributedLock interface {
	// Acquire 获取互斥锁，如果锁已被占用，会阻塞直到获取成功或 context 取消
	// ttl 是持锁会话的存活时间，持有者崩溃后锁最迟在 ttl 后释放
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	// TryAcquire 尝试获取锁（非阻塞），锁已被占用时返回 ErrLockHeld
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock 是一个已获取的锁对象的接口
type Lock interface {
	// Unlock 释放锁，重复调用是安全的
	Unlock(ctx context.Context) error
	// Key 获取锁的键
	Key() string
}
