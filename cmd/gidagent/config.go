package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord"
	"github.com/ceyewan/gidkit/idregistry"
	"github.com/ceyewan/gidkit/uid"
)

// Config gidagent 配置文件
type Config struct {
	// Listen 管理 API 监听地址
	Listen string `yaml:"listen"`
	// Identity 实例身份："ip"（默认）、"hostname"、"uuid"，其他值按原样使用
	Identity string `yaml:"identity"`
	// ShutdownTimeout 停止 HTTP 服务与注销的总超时
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	Log      *clog.Config       `yaml:"log"`
	Coord    *coord.Config      `yaml:"coord"`
	Registry *idregistry.Config `yaml:"registry"`
	UID      *uid.Config        `yaml:"uid"`
}

// defaultConfig 各组件使用各自的默认配置
func defaultConfig(env string) *Config {
	return &Config{
		Listen:          ":8080",
		Identity:        "ip",
		ShutdownTimeout: 10 * time.Second,
		Log:             clog.GetDefaultConfig(env),
		Coord:           coord.GetDefaultConfig(env),
		Registry:        idregistry.GetDefaultConfig(idregistry.Reusable),
		UID:             uid.GetDefaultConfig(env),
	}
}

// loadConfig 文件中出现的字段覆盖默认值，path 为空时只用默认值
func loadConfig(path, env string) (*Config, error) {
	cfg := defaultConfig(env)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate coord 配置只在连接 etcd 时校验
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdownTimeout must be positive")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if err := c.UID.Validate(); err != nil {
		return fmt.Errorf("uid: %w", err)
	}
	return nil
}

func identitySource(identity string) idregistry.IdentitySource {
	switch identity {
	case "", "ip":
		return idregistry.LocalIP()
	case "hostname":
		return idregistry.Hostname()
	case "uuid":
		return idregistry.RandomUUID()
	default:
		return idregistry.Static(identity)
	}
}
