package coord

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord/internal/client"
	"github.com/ceyewan/gidkit/coord/internal/lockimpl"
	"github.com/ceyewan/gidkit/coord/internal/storeimpl"
	"github.com/ceyewan/gidkit/coord/lock"
	"github.com/ceyewan/gidkit/coord/store"
)

// Provider 定义协调器的核心接口
type Provider interface {
	// Store 获取层次化节点存储
	Store() store.Store
	// Lock 获取分布式锁服务
	Lock() lock.DistributedLock
	// Health 检查协调器的健康状态
	Health(ctx context.Context) error
	// Close 关闭协调器，会话结束后所有临时节点被删除
	Close() error
}

// coordinator 主协调器实现
type coordinator struct {
	client *client.EtcdClient
	store  *storeimpl.EtcdStore
	lock   lock.DistributedLock
	logger clog.Logger
	closed bool
	mu     sync.RWMutex
}

// New 创建一个新的 coord Provider 实例
// 这是与 coord 组件交互的唯一入口
func New(ctx context.Context, config *Config, opts ...Option) (Provider, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.Logger
	if logger == nil {
		logger = clog.Namespace("coord")
	}

	// 1. 验证配置
	if err := config.Validate(); err != nil {
		logger.Error("invalid configuration", clog.Err(err))
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("creating new coordinator",
		clog.Strings("endpoints", config.Endpoints),
		clog.String("namespace", config.Namespace))

	// 2. 创建内部 etcd 客户端
	etcdClient, err := client.New(client.Config{
		Endpoints:   config.Endpoints,
		Username:    config.Username,
		Password:    config.Password,
		Timeout:     config.DialTimeout,
		RetryConfig: config.Retry,
		Logger:      logger.Namespace("client"),
	})
	if err != nil {
		logger.Error("failed to create etcd client", clog.Err(err))
		return nil, fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}

	// 3. 创建存储与锁服务
	etcdStore, err := storeimpl.NewEtcdStore(etcdClient, config.Namespace, config.SessionTTL, logger.Namespace("store"))
	if err != nil {
		_ = etcdClient.Close()
		return nil, err
	}
	lockService := lockimpl.NewEtcdLockFactory(etcdClient, config.Namespace, logger.Namespace("lock"))

	logger.Info("coordinator created successfully")
	return &coordinator{
		client: etcdClient,
		store:  etcdStore,
		lock:   lockService,
		logger: logger,
	}, nil
}

// Store 实现 Provider 接口
func (c *coordinator) Store() store.Store {
	return c.store
}

// Lock 实现 Provider 接口
func (c *coordinator) Lock() lock.DistributedLock {
	return c.lock
}

// Close 实现 Provider 接口 - 先关闭会话再关闭客户端
func (c *coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.logger.Info("closing coordinator")
	err := multierr.Append(c.store.Close(), c.client.Close())
	if err != nil {
		c.logger.Error("coordinator closed with errors", clog.Err(err))
		return err
	}
	c.logger.Info("coordinator closed successfully")
	return nil
}

// Health 实现 Provider 接口
func (c *coordinator) Health(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("coordinator is closed")
	}

	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: etcd ping failed: %w", store.ErrUnavailable, err)
	}

	c.logger.Debug("coordinator health check passed")
	return nil
}
