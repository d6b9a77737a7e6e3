// Package uid 生成以注册中心全局 ID 为实例位的 Snowflake ID
//
// 全局 ID 在集群内唯一，因此不同实例生成的 ID 不会冲突：
//
//	reg, _ := idregistry.New(ctx, provider, idregistry.GetDefaultConfig(idregistry.Reusable))
//	gen, err := uid.New(ctx, uid.GetDefaultConfig("production"), reg)
//	id, err := gen.GenerateSnowflake()
package uid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/uid/internal"
)

var (
	// ErrNotRegistered 实例尚未分配到全局 ID
	ErrNotRegistered = errors.New("instance has no global id")
	// ErrInstanceIDOutOfRange 全局 ID 超出 Snowflake 实例位的容量
	ErrInstanceIDOutOfRange = errors.New("global id does not fit in snowflake instance bits")
	// ErrClockBackwards 系统时钟回拨
	ErrClockBackwards = internal.ErrClockBackwards
)

// InstanceIDSource 提供实例的全局 ID，idregistry.Registry 满足该接口
type InstanceIDSource interface {
	GlobalID() (int, bool)
}

// Provider 唯一 ID 生成组件
type Provider interface {
	// GenerateSnowflake 生成按时间递增的 Snowflake ID
	GenerateSnowflake() (int64, error)
	// ParseSnowflake 拆分出相对纪元的毫秒时间戳、实例 ID 与序列号
	ParseSnowflake(id int64) (timestamp, instanceID, sequence int64)
	// SnowflakeTime 返回 ID 的生成时间
	SnowflakeTime(id int64) time.Time
	// InstanceID 返回编码进 ID 的实例 ID
	InstanceID() int64
	// GetUUIDV7 生成 UUID v7，用于请求 ID 等不需要实例位的场景
	GetUUIDV7() string
	// IsValidUUID 校验 UUID v7
	IsValidUUID(s string) bool
	Close() error
}

type uidProvider struct {
	config    *Config
	logger    clog.Logger
	snowflake *internal.SnowflakeGenerator
	closeOnce sync.Once
}

// New 用 source 当前的全局 ID 创建生成器
func New(ctx context.Context, config *Config, source InstanceIDSource, opts ...Option) (Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if source == nil {
		return nil, ErrNotRegistered
	}
	options := parseOptions(opts)

	id, ok := source.GlobalID()
	if !ok {
		return nil, ErrNotRegistered
	}
	if id > config.MaxInstanceID {
		return nil, fmt.Errorf("%w: %d > %d", ErrInstanceIDOutOfRange, id, config.MaxInstanceID)
	}

	generator, err := internal.NewSnowflakeGenerator(int64(id), options.clock)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInstanceIDOutOfRange, err)
	}

	options.logger.Info("uid provider initialized",
		clog.String("service_name", config.ServiceName),
		clog.Int("instance_id", id))

	return &uidProvider{
		config:    config,
		logger:    options.logger,
		snowflake: generator,
	}, nil
}

func (p *uidProvider) GenerateSnowflake() (int64, error) {
	id, err := p.snowflake.Generate()
	if err != nil {
		p.logger.Warn("snowflake generation failed", clog.Err(err))
	}
	return id, err
}

func (p *uidProvider) ParseSnowflake(id int64) (timestamp, instanceID, sequence int64) {
	return internal.Parse(id)
}

func (p *uidProvider) SnowflakeTime(id int64) time.Time {
	return internal.TimeOf(id)
}

func (p *uidProvider) InstanceID() int64 {
	return p.snowflake.InstanceID()
}

func (p *uidProvider) GetUUIDV7() string {
	return internal.NewUUIDV7()
}

func (p *uidProvider) IsValidUUID(s string) bool {
	return internal.IsValidUUIDV7(s)
}

func (p *uidProvider) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info("uid provider closed",
			clog.String("service_name", p.config.ServiceName),
			clog.Int64("instance_id", p.snowflake.InstanceID()))
	})
	return nil
}
