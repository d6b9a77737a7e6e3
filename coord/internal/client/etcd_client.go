package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ceyewan/gidkit/clog"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// ============================================================================
// 配置相关类型定义
// ============================================================================

// Config etcd 客户端配置选项
type Config struct {
	// Endpoints etcd 服务器地址列表
	Endpoints []string `json:"endpoints"`

	// Username etcd 用户名（可选）
	Username string `json:"username,omitempty"`

	// Password etcd 密码（可选）
	Password string `json:"password,omitempty"`

	// Timeout 连接超时时间
	Timeout time.Duration `json:"timeout"`

	// RetryConfig 重试配置，仅作用于读操作
	RetryConfig *RetryConfig `json:"retry_config,omitempty"`

	// Logger 可选的日志记录器
	Logger clog.Logger `json:"-"`
}

// RetryConfig 重试机制配置
type RetryConfig struct {
	// MaxAttempts 最大重试次数
	MaxAttempts int `json:"max_attempts" yaml:"maxAttempts"`

	// InitialDelay 初始延迟
	InitialDelay time.Duration `json:"initial_delay" yaml:"initialDelay"`

	// MaxDelay 最大延迟
	MaxDelay time.Duration `json:"max_delay" yaml:"maxDelay"`

	// Multiplier 退避倍数
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// ============================================================================
// 错误处理相关类型定义
// ============================================================================

// ErrorCode 错误码定义
type ErrorCode string

const (
	ErrCodeConnection  ErrorCode = "CONNECTION_ERROR"
	ErrCodeTimeout     ErrorCode = "TIMEOUT_ERROR"
	ErrCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrCodeConflict    ErrorCode = "CONFLICT"
	ErrCodeValidation  ErrorCode = "VALIDATION_ERROR"
	ErrCodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error 协调器错误类型
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Cause   error     `json:"cause,omitempty"`
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Is / errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError 创建协调器错误
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsCode 判断错误链中是否存在指定错误码的 *Error
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// ============================================================================
// 配置验证
// ============================================================================

// Validate 验证配置选项有效性
func (cfg *Config) Validate() error {
	if len(cfg.Endpoints) == 0 {
		return NewError(ErrCodeValidation, "endpoints cannot be empty", nil)
	}

	for _, endpoint := range cfg.Endpoints {
		if !isValidEndpoint(endpoint) {
			return NewError(ErrCodeValidation, "invalid endpoint format", nil)
		}
	}

	if cfg.Timeout <= 0 {
		return NewError(ErrCodeValidation, "timeout must be positive", nil)
	}

	if cfg.RetryConfig != nil {
		return cfg.RetryConfig.validate()
	}

	return nil
}

// isValidEndpoint 判断是否为合法的 host:port
func isValidEndpoint(endpoint string) bool {
	_, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return false
	}
	return port >= 0 && port <= 65535
}

// validate 验证重试配置
func (rc *RetryConfig) validate() error {
	if rc.MaxAttempts < 0 {
		return NewError(ErrCodeValidation, "max_attempts cannot be negative", nil)
	}

	if rc.InitialDelay <= 0 {
		return NewError(ErrCodeValidation, "initial_delay must be positive", nil)
	}

	if rc.MaxDelay <= 0 {
		return NewError(ErrCodeValidation, "max_delay must be positive", nil)
	}

	if rc.Multiplier <= 1.0 {
		return NewError(ErrCodeValidation, "multiplier must be greater than 1.0", nil)
	}

	return nil
}

// ============================================================================
// EtcdClient 主要实现
// ============================================================================

// EtcdClient etcd 客户端封装，提供重试机制和错误处理
//
// 只有读操作会重试。写操作（Put/Delete/Txn）不是幂等的：一次超时的
// 写入可能已经生效，重试会把成功误报为冲突。
type EtcdClient struct {
	client      *clientv3.Client
	retryConfig *RetryConfig
	logger      clog.Logger
}

// New 创建新的 etcd 客户端并测试连通性
func New(cfg Config) (*EtcdClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.Timeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, NewError(ErrCodeConnection, "failed to create etcd client", err)
	}

	if err := testConnection(client, cfg); err != nil {
		client.Close()
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = clog.Namespace("coord.client")
	}

	logger.Info("etcd client created successfully",
		clog.Strings("endpoints", cfg.Endpoints))

	return &EtcdClient{
		client:      client,
		retryConfig: cfg.RetryConfig,
		logger:      logger,
	}, nil
}

// testConnection 测试 etcd 连接
func testConnection(client *clientv3.Client, cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		return NewError(ErrCodeConnection, "failed to connect to etcd", err)
	}

	return nil
}

// Client 获取原始的 etcd 客户端
func (c *EtcdClient) Client() *clientv3.Client {
	return c.client
}

// Close 关闭客户端连接
func (c *EtcdClient) Close() error {
	if c.client == nil {
		return nil
	}

	if err := c.client.Close(); err != nil {
		c.logger.Error("failed to close etcd client", clog.Err(err))
		return NewError(ErrCodeConnection, "failed to close etcd client", err)
	}

	c.logger.Info("etcd client closed successfully")
	return nil
}

// Ping 检查 etcd 连接状态
func (c *EtcdClient) Ping(ctx context.Context) error {
	return c.executeWithRetry(ctx, func() error {
		// Sync 会与集群的一个健康节点同步成员列表，是更可靠的健康检查
		if err := c.client.Sync(ctx); err != nil {
			return wrapErr(ctx, "etcd ping failed", err)
		}
		return nil
	})
}

// ============================================================================
// 重试机制实现
// ============================================================================

// executeWithRetry 执行带重试的操作
func (c *EtcdClient) executeWithRetry(ctx context.Context, operation func() error) error {
	if c.retryConfig == nil || c.retryConfig.MaxAttempts <= 1 {
		return operation()
	}

	var lastErr error
	delay := c.retryConfig.InitialDelay

	for attempt := 0; attempt < c.retryConfig.MaxAttempts; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				c.logger.Info("operation succeeded after retry",
					clog.Int("attempt", attempt+1))
			}
			return nil
		}

		lastErr = err
		if c.shouldNotRetry(err) {
			return err
		}

		c.logger.Warn("operation failed, will retry",
			clog.Int("attempt", attempt+1),
			clog.Int("max_attempts", c.retryConfig.MaxAttempts),
			clog.Duration("delay", delay),
			clog.Err(err))

		if attempt < c.retryConfig.MaxAttempts-1 {
			if err := c.waitForRetry(ctx, delay); err != nil {
				return err
			}
			delay = c.calculateNextDelay(delay)
		}
	}

	c.logger.Error("operation failed after all retries",
		clog.Int("max_attempts", c.retryConfig.MaxAttempts),
		clog.Err(lastErr))

	return lastErr
}

// waitForRetry 等待重试延迟
func (c *EtcdClient) waitForRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return NewError(ErrCodeTimeout, "context cancelled during retry", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// calculateNextDelay 计算下一次重试的延迟时间（指数退避）
func (c *EtcdClient) calculateNextDelay(currentDelay time.Duration) time.Duration {
	nextDelay := time.Duration(float64(currentDelay) * c.retryConfig.Multiplier)
	if nextDelay > c.retryConfig.MaxDelay {
		return c.retryConfig.MaxDelay
	}
	return nextDelay
}

// shouldNotRetry 检查是否不应该重试的错误
func (c *EtcdClient) shouldNotRetry(err error) bool {
	return IsCode(err, ErrCodeNotFound) || IsCode(err, ErrCodeValidation) || IsCode(err, ErrCodeTimeout)
}

// wrapErr 区分调用方超时/取消与连接错误
func wrapErr(ctx context.Context, message string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(ErrCodeTimeout, message, err)
	}
	return NewError(ErrCodeConnection, message, err)
}

// ============================================================================
// etcd 基础操作封装
// ============================================================================

// Get 获取键值对
func (c *EtcdClient) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	var resp *clientv3.GetResponse
	err := c.executeWithRetry(ctx, func() error {
		var err error
		resp, err = c.client.Get(ctx, key, opts...)
		if err != nil {
			return wrapErr(ctx, "etcd get operation failed", err)
		}
		return nil
	})
	return resp, err
}

// Commit 构造并提交一个事务（不重试）
func (c *EtcdClient) Commit(ctx context.Context, build func(clientv3.Txn) clientv3.Txn) (*clientv3.TxnResponse, error) {
	resp, err := build(c.client.Txn(ctx)).Commit()
	if err != nil {
		return nil, wrapErr(ctx, "etcd txn commit failed", err)
	}
	return resp, nil
}

// ReadTxn 提交只包含读操作的事务，读操作是幂等的，可以重试
func (c *EtcdClient) ReadTxn(ctx context.Context, ops ...clientv3.Op) (*clientv3.TxnResponse, error) {
	var resp *clientv3.TxnResponse
	err := c.executeWithRetry(ctx, func() error {
		var err error
		resp, err = c.client.Txn(ctx).Then(ops...).Commit()
		if err != nil {
			return wrapErr(ctx, "etcd read txn failed", err)
		}
		return nil
	})
	return resp, err
}

// ============================================================================
// 租约操作封装
// ============================================================================

// TimeToLive 查询租约信息
func (c *EtcdClient) TimeToLive(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseTimeToLiveResponse, error) {
	var resp *clientv3.LeaseTimeToLiveResponse
	err := c.executeWithRetry(ctx, func() error {
		var err error
		resp, err = c.client.TimeToLive(ctx, id)
		if err != nil {
			if isLeaseNotFoundError(err) {
				return NewError(ErrCodeNotFound, "lease not found (already expired)", err)
			}
			return wrapErr(ctx, "etcd lease ttl query failed", err)
		}
		return nil
	})
	return resp, err
}

// Revoke 撤销租约，租约已过期视为成功
func (c *EtcdClient) Revoke(ctx context.Context, id clientv3.LeaseID) error {
	if _, err := c.client.Revoke(ctx, id); err != nil {
		if isLeaseNotFoundError(err) {
			return nil
		}
		return wrapErr(ctx, "etcd revoke operation failed", err)
	}
	return nil
}

// isLeaseNotFoundError 检查是否为租约未找到错误
func isLeaseNotFoundError(err error) bool {
	return errors.Is(err, rpctypes.ErrLeaseNotFound)
}
