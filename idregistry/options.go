package idregistry

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/ceyewan/gidkit/clog"
)

// ConflictHandler 心跳发现本实例的 ID 已被其他身份占用时调用
// 返回非 nil 错误视为致命错误，通过 Registry.Errors 上报
type ConflictHandler func(ctx context.Context, id int, occupiedBy string) error

// ConnectionFailureHandler 心跳读取存储失败时调用
// 返回非 nil 错误视为致命错误，通过 Registry.Errors 上报
type ConnectionFailureHandler func(ctx context.Context, cause error) error

// ExhaustionHandler unique 变体计数器达到上限时调用，返回要使用的 ID
type ExhaustionHandler func(max int) (int, error)

// Options 注册中心的依赖与回调
type Options struct {
	Logger              clog.Logger
	Metrics             Metrics
	Identity            IdentitySource
	OnConflict          ConflictHandler
	OnConnectionFailure ConnectionFailureHandler
	OnExhausted         ExhaustionHandler
	Clock               clock.Clock
}

// Option 配置注册中心
type Option func(*Options)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMetrics 设置指标收集器
func WithMetrics(m Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithIdentitySource 设置实例身份来源，默认 LocalIP()
func WithIdentitySource(src IdentitySource) Option {
	return func(o *Options) {
		o.Identity = src
	}
}

// WithConflictHandler 设置 ID 冲突回调（仅 reusable）
func WithConflictHandler(h ConflictHandler) Option {
	return func(o *Options) {
		o.OnConflict = h
	}
}

// WithConnectionFailureHandler 设置连接失败回调（仅 reusable）
func WithConnectionFailureHandler(h ConnectionFailureHandler) Option {
	return func(o *Options) {
		o.OnConnectionFailure = h
	}
}

// WithExhaustionHandler 设置 ID 耗尽回调（仅 unique）
//
// 示例，耗尽后从 0 重新开始：
//
//	idregistry.WithExhaustionHandler(func(int) (int, error) { return 0, nil })
func WithExhaustionHandler(h ExhaustionHandler) Option {
	return func(o *Options) {
		o.OnExhausted = h
	}
}

// WithClock 注入时钟，测试中使用 clock.NewMock()
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func parseOptions(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = clog.Namespace("idregistry")
	}
	if o.Metrics == nil {
		o.Metrics = NewNop()
	}
	if o.Identity == nil {
		o.Identity = LocalIP()
	}
	if o.OnConflict == nil {
		o.OnConflict = defaultConflictHandler
	}
	if o.OnConnectionFailure == nil {
		o.OnConnectionFailure = defaultConnectionFailureHandler
	}
	if o.OnExhausted == nil {
		o.OnExhausted = defaultExhaustionHandler
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

func defaultConflictHandler(_ context.Context, id int, occupiedBy string) error {
	return newError(CodeConflict, "global id occupied", fmt.Errorf("id %d is held by %s", id, occupiedBy))
}

func defaultConnectionFailureHandler(_ context.Context, cause error) error {
	return newError(CodeConnection, "heartbeat cannot reach coordination store", cause)
}

func defaultExhaustionHandler(max int) (int, error) {
	return 0, newError(CodeExhausted, "global id is exhausted", fmt.Errorf("counter reached max %d", max))
}
