// Package idregistry 在协调存储之上为一组无差别的进程实例分配紧凑的全局 ID
//
// 两种变体：
//   - Reusable：分配最小的空闲 ID，ids/{id} 与 identities/{identity} 两个方向的
//     映射都是绑定会话的临时节点，心跳负责自愈与冲突检测；
//   - Unique：持久计数器单调递增，ID 不复用，耗尽时交给回调处理。
//
// 基本用法：
//
//	provider, _ := coord.New(ctx, coord.GetDefaultConfig("development"))
//	reg, err := idregistry.New(ctx, provider, idregistry.GetDefaultConfig(idregistry.Reusable))
//	if err != nil {
//		return err
//	}
//	defer reg.Shutdown(context.Background())
//	id, _ := reg.GlobalID()
package idregistry

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord/lock"
	"github.com/ceyewan/gidkit/coord/store"
)

const (
	// sessionWaitTimeout 启动时等待会话超时协商的上限
	sessionWaitTimeout = 30 * time.Second
	// unlockTimeout 释放分配锁的超时
	unlockTimeout = 5 * time.Second
	// errorBufferSize Errors() 通道的缓冲
	errorBufferSize = 16
)

// Backend 提供注册中心所需的协调存储与分布式锁
// coord.Provider 与 memstore.Client 都满足该接口
type Backend interface {
	Store() store.Store
	Lock() lock.DistributedLock
}

// Registry 注册成功后返回给调用方的门面
type Registry interface {
	// GlobalID 返回分配到的全局 ID，注册前为 (0, false)
	GlobalID() (int, bool)
	// Identity 返回本实例的身份
	Identity() string
	// Topic 返回 ID 空间的命名空间
	Topic() string
	// Mode 返回变体
	Mode() Mode
	// SessionTimeout 返回与存储协商的会话超时
	SessionTimeout() time.Duration
	// HeartbeatInterval 返回限制后的心跳基础间隔，unique 变体为 0
	HeartbeatInterval() time.Duration
	// CheckAfterAllReady 校验集群是否恰好有 expected 个实例完成注册
	CheckAfterAllReady(ctx context.Context, expected int) error
	// Errors 上报心跳中的致命错误，通道不会被关闭
	Errors() <-chan error
	// Shutdown 停止心跳并注销，可重复调用
	Shutdown(ctx context.Context) error
}

type registry struct {
	cfg      Config
	opts     *Options
	store    store.Store
	locker   lock.DistributedLock
	strategy allocationStrategy
	logger   clog.Logger

	identity          string
	sessionTimeout    time.Duration
	heartbeatInterval time.Duration
	globalID          atomic.Int64

	heartbeat *supervisor
	errCh     chan error

	conflictHandling   atomic.Bool
	connectionHandling atomic.Bool

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

var _ Registry = (*registry)(nil)

// New 按 cfg.Mode 创建并注册实例
// 注册失败是致命的：返回错误，不返回门面
func New(ctx context.Context, backend Backend, cfg *Config, opts ...Option) (Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, invalidConfig("backend is required")
	}

	var strategy allocationStrategy
	switch cfg.Mode {
	case Unique:
		strategy = &uniqueStrategy{}
	default:
		strategy = &reusableStrategy{}
	}

	r := newRegistry(backend, *cfg, strategy, parseOptions(opts...))
	if err := r.register(ctx); err != nil {
		r.opts.Metrics.RecordRegistration(r.cfg.Topic, string(r.cfg.Mode), "failure")
		r.logger.Error("registration failed", clog.Err(err))
		return nil, err
	}
	r.opts.Metrics.RecordRegistration(r.cfg.Topic, string(r.cfg.Mode), "success")

	if r.strategy.startsHeartbeat() {
		r.startHeartbeat()
	}
	return r, nil
}

// NewReusable 创建 reusable 变体，忽略 cfg.Mode
func NewReusable(ctx context.Context, backend Backend, cfg *Config, opts ...Option) (Registry, error) {
	return New(ctx, backend, withMode(cfg, Reusable), opts...)
}

// NewUnique 创建 unique 变体，忽略 cfg.Mode
func NewUnique(ctx context.Context, backend Backend, cfg *Config, opts ...Option) (Registry, error) {
	return New(ctx, backend, withMode(cfg, Unique), opts...)
}

func withMode(cfg *Config, mode Mode) *Config {
	if cfg == nil {
		return GetDefaultConfig(mode)
	}
	c := *cfg
	c.Mode = mode
	return &c
}

func newRegistry(backend Backend, cfg Config, strategy allocationStrategy, opts *Options) *registry {
	r := &registry{
		cfg:      cfg,
		opts:     opts,
		store:    backend.Store(),
		locker:   backend.Lock(),
		strategy: strategy,
		logger: opts.Logger.With(
			clog.String("topic", cfg.Topic),
			clog.String("mode", string(cfg.Mode))),
		errCh: make(chan error, errorBufferSize),
	}
	r.globalID.Store(-1)
	return r
}

func (r *registry) topicPath() string                { return store.Join(r.cfg.Topic) }
func (r *registry) lockPath() string                 { return store.Join(r.cfg.Topic, "nextAvailableIdLock") }
func (r *registry) idsPath() string                  { return store.Join(r.cfg.Topic, "ids") }
func (r *registry) identitiesPath() string           { return store.Join(r.cfg.Topic, "identities") }
func (r *registry) counterPath() string              { return store.Join(r.cfg.Topic, "counter") }
func (r *registry) idPath(id int) string             { return store.Join(r.cfg.Topic, "ids", strconv.Itoa(id)) }
func (r *registry) identityPath(ident string) string { return store.Join(r.cfg.Topic, "identities", ident) }

// register 注册协议：预检查后在分配锁内计算 ID 并原子提交
func (r *registry) register(ctx context.Context) error {
	identity, err := r.opts.Identity()
	if err == nil {
		err = validateIdentity(identity)
	}
	if err != nil {
		return newError(CodeRegistration, "cannot resolve instance identity", err)
	}
	r.identity = identity
	r.logger = r.logger.With(clog.String("identity", identity))

	sessionCtx, cancel := context.WithTimeout(ctx, sessionWaitTimeout)
	timeout, err := r.store.SessionTimeout(sessionCtx)
	cancel()
	if err != nil {
		return newError(CodeRegistration, "cannot get negotiated session timeout", err)
	}
	if timeout <= 0 {
		return newError(CodeRegistration, "negotiated session timeout is not positive", nil)
	}
	r.sessionTimeout = timeout
	if r.strategy.startsHeartbeat() {
		r.heartbeatInterval = clampInterval(r.cfg.HeartbeatInterval, timeout)
	}

	if err := r.store.Create(ctx, r.topicPath(), nil, store.Persistent); err != nil && !errors.Is(err, store.ErrNodeExists) {
		return newError(CodeRegistration, "cannot create topic node", err)
	}

	if err := r.strategy.beforeRegister(ctx, r); err != nil {
		return asRegistrationError("pre-registration check failed", err)
	}

	r.logger.Info("acquiring nextAvailableIdLock")
	held, err := r.acquireLock(ctx)
	if err != nil {
		return newError(CodeRegistration, "cannot acquire nextAvailableIdLock", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
		defer cancel()
		if err := held.Unlock(unlockCtx); err != nil {
			r.logger.Warn("failed to release nextAvailableIdLock", clog.Err(err))
			return
		}
		r.logger.Info("nextAvailableIdLock released")
	}()

	id, ops, err := r.strategy.computeNext(ctx, r)
	if err != nil {
		return asRegistrationError("cannot compute next global id", err)
	}
	if err := r.store.Commit(ctx, ops...); err != nil {
		return newError(CodeRegistration, "cannot commit global id "+strconv.Itoa(id), err)
	}

	r.globalID.Store(int64(id))
	r.opts.Metrics.SetGlobalID(r.cfg.Topic, id)
	r.logger.Info("instance registered",
		clog.Int("global_id", id),
		clog.Duration("session_timeout", r.sessionTimeout),
		clog.Duration("heartbeat_interval", r.heartbeatInterval))
	return nil
}

// acquireLock LockTimeout 为 0 时只尝试一次
func (r *registry) acquireLock(ctx context.Context) (lock.Lock, error) {
	ttl := r.sessionTimeout.Truncate(time.Second)
	if ttl < time.Second {
		ttl = time.Second
	}
	if r.cfg.LockTimeout == 0 {
		return r.locker.TryAcquire(ctx, r.lockPath(), ttl)
	}
	lockCtx, cancel := context.WithTimeout(ctx, r.cfg.LockTimeout)
	defer cancel()
	return r.locker.Acquire(lockCtx, r.lockPath(), ttl)
}

func (r *registry) startHeartbeat() {
	r.heartbeat = newSupervisor(supervisorConfig{
		clock:   r.opts.Clock,
		base:    r.heartbeatInterval,
		bound:   r.cfg.BackoffBound,
		tick:    r.heartbeatTick,
		logger:  r.logger.Namespace("heartbeat"),
		metrics: r.opts.Metrics,
		topic:   r.cfg.Topic,
	})
	r.heartbeat.start()
}

// fatal 记录并上报致命错误，通道满时丢弃
func (r *registry) fatal(err error) {
	code, _ := CodeOf(err)
	r.opts.Metrics.RecordFatal(r.cfg.Topic, string(code))
	r.logger.Error("fatal registry error", clog.String("code", string(code)), clog.Err(err))
	select {
	case r.errCh <- err:
	default:
		r.logger.Warn("error channel full, dropping error", clog.Err(err))
	}
}

// handleConflict 同一时刻只有一次冲突回调在执行
func (r *registry) handleConflict(ctx context.Context, id int, occupiedBy string) error {
	if !r.conflictHandling.CompareAndSwap(false, true) {
		return newError(CodeConflict, "conflict is being handled", nil)
	}
	defer r.conflictHandling.Store(false)

	if err := r.opts.OnConflict(ctx, id, occupiedBy); err != nil {
		r.fatal(err)
		return err
	}
	return nil
}

// handleConnectionFailure 同一时刻只有一次连接失败回调在执行
func (r *registry) handleConnectionFailure(ctx context.Context, cause error) error {
	if !r.connectionHandling.CompareAndSwap(false, true) {
		return newError(CodeConnection, "connection failure is being handled", cause)
	}
	defer r.connectionHandling.Store(false)

	if err := r.opts.OnConnectionFailure(ctx, cause); err != nil {
		r.fatal(err)
		return err
	}
	return cause
}

func (r *registry) GlobalID() (int, bool) {
	id := r.globalID.Load()
	if id < 0 {
		return 0, false
	}
	return int(id), true
}

func (r *registry) Identity() string                 { return r.identity }
func (r *registry) Topic() string                    { return r.cfg.Topic }
func (r *registry) Mode() Mode                       { return r.strategy.mode() }
func (r *registry) SessionTimeout() time.Duration    { return r.sessionTimeout }
func (r *registry) HeartbeatInterval() time.Duration { return r.heartbeatInterval }
func (r *registry) Errors() <-chan error             { return r.errCh }

func (r *registry) CheckAfterAllReady(ctx context.Context, expected int) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.logger.Info("checkAfterAllReady start", clog.Int("expected", expected))
	return r.strategy.checkReady(ctx, r, expected)
}

// Shutdown 先立即取消心跳（进行中的 tick 被取消而不是等待完成），tick 返回后再注销
func (r *registry) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.closed.Store(true)

		var err error
		if r.heartbeat != nil {
			err = multierr.Append(err, r.heartbeat.stop(ctx))
			r.logger.Info("heartbeat cancelled")
		}
		err = multierr.Append(err, r.strategy.onUnregister(ctx, r))
		r.shutdownErr = err

		id, _ := r.GlobalID()
		if err != nil {
			r.logger.Error("unregister finished with errors", clog.Int("global_id", id), clog.Err(err))
			return
		}
		r.logger.Info("instance unregistered", clog.Int("global_id", id))
	})
	return r.shutdownErr
}
