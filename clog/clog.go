package clog

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/gidkit/clog/internal"
	"go.uber.org/zap"
)

// Logger 定义统一的日志记录接口，封装 zap.Logger 提供类型安全的使用方式
type Logger = internal.Logger

var (
	// defaultLogger 全局默认日志器，使用 atomic.Value 保证并发安全
	defaultLogger atomic.Value

	// defaultLoggerOnce 确保默认日志器只初始化一次
	defaultLoggerOnce sync.Once
)

// traceIDKey 类型安全的上下文键，避免字符串键冲突
type traceIDKey struct{}

// WithTraceID 将 trace_id 注入到 context 中，返回新的 context
// 通常在请求入口处调用，如 HTTP 中间件
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID 从 context 中取出 trace_id
func TraceID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(traceIDKey{}).(string)
	return id, ok && id != ""
}

// WithContext 从 context 中获取 Logger 实例
// 如果 ctx 中包含 trace_id，返回的 Logger 会在每条日志中添加 "trace_id" 字段
func WithContext(ctx context.Context) Logger {
	logger := getDefaultLogger()
	if id, ok := TraceID(ctx); ok {
		return logger.With(zap.String("trace_id", id))
	}
	return logger
}

// getDefaultLogger 获取全局默认日志器
// 第一次调用时使用开发环境配置创建，失败时退化为 fallback logger
func getDefaultLogger() Logger {
	defaultLoggerOnce.Do(func() {
		if defaultLogger.Load() != nil {
			return
		}
		logger, err := internal.NewLogger(GetDefaultConfig("development").toInternal(), "")
		if err != nil {
			log.Printf("clog: failed to initialize default logger: %v", err)
			logger = internal.NewFallbackLogger()
		}
		defaultLogger.Store(logger)
	})
	return defaultLogger.Load().(Logger)
}

// New 创建独立的 Logger 实例，支持自定义配置
// 配置无效时返回错误；初始化失败时返回 fallback logger 和原始错误
func New(ctx context.Context, config *Config, opts ...Option) (Logger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	options := ParseOptions(opts...)
	logger, err := internal.NewLogger(config.toInternal(), options.Namespace)
	if err != nil {
		return internal.NewFallbackLogger(), err
	}
	return logger, nil
}

// Init 初始化全局默认日志器，通常在 main 函数中调用一次
// 初始化失败时不会替换现有 logger；重复调用会原子替换
func Init(ctx context.Context, config *Config, opts ...Option) error {
	if err := config.Validate(); err != nil {
		return err
	}

	options := ParseOptions(opts...)
	logger, err := internal.NewLogger(config.toInternal(), options.Namespace)
	if err != nil {
		return err
	}
	// 保证 getDefaultLogger 不会再覆盖
	defaultLoggerOnce.Do(func() {})
	defaultLogger.Store(logger)
	return nil
}

// Nop 返回丢弃所有输出的 Logger，主要用于测试
func Nop() Logger {
	return internal.NewNopLogger()
}

// Namespace 创建带有层次化命名空间的 Logger 实例
//
// 示例：
//
//	registryLogger := clog.Namespace("idregistry")
//	hbLogger := registryLogger.Namespace("heartbeat") // "idregistry.heartbeat"
func Namespace(name string) Logger {
	return getDefaultLogger().Namespace(name)
}

// Debug 记录 Debug 级别的日志
func Debug(msg string, fields ...Field) {
	getDefaultLogger().WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

// Info 记录 Info 级别的日志
func Info(msg string, fields ...Field) {
	getDefaultLogger().WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

// Warn 记录 Warn 级别的日志
func Warn(msg string, fields ...Field) {
	getDefaultLogger().WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
}

// Error 记录 Error 级别的日志
func Error(msg string, fields ...Field) {
	getDefaultLogger().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}
