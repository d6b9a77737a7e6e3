package coord

import (
	"fmt"
	"strings"
	"time"

	"github.com/ceyewan/gidkit/coord/internal/client"
)

// RetryConfig 读操作的重试配置
type RetryConfig = client.RetryConfig

// Config 是 coord 组件的配置结构体
type Config struct {
	// Endpoints 是 etcd 集群的地址列表
	Endpoints []string `json:"endpoints" yaml:"endpoints"`

	// DialTimeout 是连接 etcd 的超时时间
	DialTimeout time.Duration `json:"dialTimeout" yaml:"dialTimeout"`

	// SessionTTL 是会话租约的 TTL，临时节点在会话失联超过该时间后被删除
	SessionTTL time.Duration `json:"sessionTTL" yaml:"sessionTTL"`

	// Namespace 是所有节点路径的根前缀，例如 "/gidkit"
	Namespace string `json:"namespace" yaml:"namespace"`

	// Username 是认证用户名，可选
	Username string `json:"username,omitempty" yaml:"username,omitempty"`

	// Password 是认证密码，可选
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// Retry 是读操作的重试配置，可选
	Retry *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// GetDefaultConfig 返回默认的 coord 配置
func GetDefaultConfig(env string) *Config {
	switch env {
	case "production":
		return &Config{
			Endpoints:   []string{"etcd1:2379", "etcd2:2379", "etcd3:2379"},
			DialTimeout: 10 * time.Second,
			SessionTTL:  30 * time.Second,
			Namespace:   "/gidkit",
			Retry: &RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     2 * time.Second,
				Multiplier:   2.0,
			},
		}
	default:
		return &Config{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
			SessionTTL:  10 * time.Second,
			Namespace:   "/gidkit",
		}
	}
}

// Validate 验证协调器配置
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint must be specified")
	}

	for i, endpoint := range c.Endpoints {
		if endpoint == "" {
			return fmt.Errorf("endpoint %d cannot be empty", i)
		}
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive")
	}

	if c.SessionTTL < time.Second {
		return fmt.Errorf("session ttl must be at least 1s")
	}

	if c.Namespace != "" {
		if !strings.HasPrefix(c.Namespace, "/") || strings.HasSuffix(c.Namespace, "/") {
			return fmt.Errorf("namespace must start with / and must not end with /")
		}
	}

	return nil
}
