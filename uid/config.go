package uid

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ceyewan/gidkit/uid/internal"
)

// Config uid 组件配置
type Config struct {
	// ServiceName 用于日志
	ServiceName string `json:"serviceName" yaml:"serviceName"`
	// MaxInstanceID 允许的最大全局 ID，不超过 1023
	// 配合 unique 变体时应与 idregistry.Config.MaxGlobalID 一致
	MaxInstanceID int `json:"maxInstanceId" yaml:"maxInstanceId"`
}

// GetDefaultConfig 返回默认配置，SERVICE_NAME 与 MAX_INSTANCE_ID 环境变量优先
func GetDefaultConfig(env string) *Config {
	config := &Config{
		ServiceName:   getEnvWithDefault("SERVICE_NAME", "gidkit"),
		MaxInstanceID: getEnvIntWithDefault("MAX_INSTANCE_ID", internal.MaxInstanceID),
	}
	if env == "development" && config.ServiceName == "gidkit" {
		config.ServiceName = "gidkit-dev"
	}
	return config
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.MaxInstanceID <= 0 || c.MaxInstanceID > internal.MaxInstanceID {
		return fmt.Errorf("maxInstanceId must be in [1, %d]", internal.MaxInstanceID)
	}
	return nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
