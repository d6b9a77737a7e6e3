package idregistry

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ceyewan/gidkit/coord/store"
)

// Mode 注册中心变体
type Mode string

const (
	// Reusable 复用最小空闲 ID，实例映射为临时节点，带心跳自愈
	Reusable Mode = "reusable"
	// Unique 单调递增计数器，ID 不复用
	Unique Mode = "unique"
)

const (
	DefaultReusableTopic = "default_sequential_reusable_id_registry"
	DefaultUniqueTopic   = "default_sequential_unique_id_registry"
)

// Config 注册中心配置，构造时校验，之后不可变
type Config struct {
	// Mode 变体，reusable 或 unique
	Mode Mode `json:"mode" yaml:"mode"`

	// Topic ID 空间的命名空间，可以包含 "/" 分隔的多级路径
	Topic string `json:"topic" yaml:"topic"`

	// LockTimeout 获取分配锁的最长等待时间，0 表示只尝试一次
	LockTimeout time.Duration `json:"lockTimeout" yaml:"lockTimeout"`

	// HeartbeatInterval 心跳基础间隔（仅 reusable），
	// 会被限制在 [sessionTimeout/20, sessionTimeout/2]，0 表示 sessionTimeout/20
	HeartbeatInterval time.Duration `json:"heartbeatInterval" yaml:"heartbeatInterval"`

	// BackoffBound 连续失败时心跳间隔相对基础间隔的最大倍数（仅 reusable）
	BackoffBound int `json:"backoffBound" yaml:"backoffBound"`

	// MaxGlobalID 全局 ID 上限（仅 unique）
	MaxGlobalID int `json:"maxGlobalId" yaml:"maxGlobalId"`

	// BatchSize 注销时扫描 ids 节点的批大小（仅 reusable）
	BatchSize int `json:"batchSize" yaml:"batchSize"`
}

// GetDefaultConfig 返回指定变体的默认配置
func GetDefaultConfig(mode Mode) *Config {
	topic := DefaultReusableTopic
	if mode == Unique {
		topic = DefaultUniqueTopic
	}
	return &Config{
		Mode:         mode,
		Topic:        topic,
		LockTimeout:  10 * time.Second,
		BackoffBound: 10,
		MaxGlobalID:  math.MaxInt32,
		BatchSize:    100,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c == nil {
		return invalidConfig("config cannot be nil")
	}
	switch c.Mode {
	case Reusable, Unique:
	default:
		return invalidConfig(fmt.Sprintf("unknown mode %q", c.Mode))
	}
	if strings.TrimSpace(c.Topic) == "" {
		return invalidConfig("topic is required")
	}
	if err := store.ValidatePath("/" + c.Topic); err != nil || strings.HasPrefix(c.Topic, "/") {
		return invalidConfig(fmt.Sprintf("invalid topic %q", c.Topic))
	}
	if c.LockTimeout < 0 {
		return invalidConfig("lockTimeout cannot be negative")
	}
	if c.HeartbeatInterval < 0 {
		return invalidConfig("heartbeatInterval cannot be negative")
	}
	if c.BackoffBound < 1 {
		return invalidConfig("backoffBound must be at least 1")
	}
	if c.MaxGlobalID <= 0 {
		return invalidConfig("maxGlobalId must be positive")
	}
	if c.BatchSize <= 0 {
		return invalidConfig("batchSize must be positive")
	}
	return nil
}

func invalidConfig(message string) error {
	return newError(CodeInvalidConfig, message, nil)
}

// clampInterval 将心跳间隔限制在 [sessionTimeout/20, sessionTimeout/2]
func clampInterval(requested, sessionTimeout time.Duration) time.Duration {
	lo, hi := sessionTimeout/20, sessionTimeout/2
	if requested <= 0 {
		return lo
	}
	return min(max(requested, lo), hi)
}
