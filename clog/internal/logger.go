package internal

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 定义日志接口
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)

	With(fields ...zap.Field) Logger
	WithOptions(opts ...zap.Option) Logger
	Namespace(name string) Logger
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// Config 内部配置结构，由 clog.Config 转换而来，避免循环依赖
type Config struct {
	Level       string
	Format      string
	Output      string
	AddSource   bool
	EnableColor bool
	RootPath    string
	Rotation    *RotationConfig
}

// namespaceKey 命名空间字段名
const namespaceKey = "namespace"

// zapLogger 封装 zap.Logger，namespace 在写日志时动态注入
type zapLogger struct {
	base      *zap.Logger
	namespace string
}

// NewLogger 根据配置创建 logger
func NewLogger(cfg Config, namespace string) (Logger, error) {
	ws, err := buildWriteSyncer(cfg.Output, cfg.Rotation)
	if err != nil {
		return nil, err
	}

	encoderConfig := buildEncoderConfig(cfg.Format, cfg.EnableColor, cfg.RootPath, cfg.AddSource)
	core := zapcore.NewCore(createEncoder(cfg.Format, encoderConfig), ws, parseLevel(cfg.Level))

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}

	return &zapLogger{
		base:      zap.New(core, opts...),
		namespace: namespace,
	}, nil
}

// NewFallbackLogger 创建备用 logger
func NewFallbackLogger() Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	return &zapLogger{base: logger}
}

// NewNopLogger 创建丢弃所有输出的 logger
func NewNopLogger() Logger {
	return &zapLogger{base: zap.NewNop()}
}

func (l *zapLogger) Debug(msg string, fields ...zap.Field) { l.emit(zapcore.DebugLevel, msg, fields) }
func (l *zapLogger) Info(msg string, fields ...zap.Field)  { l.emit(zapcore.InfoLevel, msg, fields) }
func (l *zapLogger) Warn(msg string, fields ...zap.Field)  { l.emit(zapcore.WarnLevel, msg, fields) }
func (l *zapLogger) Error(msg string, fields ...zap.Field) { l.emit(zapcore.ErrorLevel, msg, fields) }

// emit 统一的写日志入口，跳过 emit 和级别方法两层调用栈
func (l *zapLogger) emit(level zapcore.Level, msg string, fields []zap.Field) {
	ce := l.base.WithOptions(zap.AddCallerSkip(2)).Check(level, msg)
	if ce == nil {
		return
	}
	if l.namespace != "" {
		all := make([]zap.Field, 0, len(fields)+1)
		all = append(all, zap.String(namespaceKey, l.namespace))
		fields = append(all, fields...)
	}
	ce.Write(fields...)
}

// With 添加字段，namespace 字段由 Namespace 统一管理
func (l *zapLogger) With(fields ...zap.Field) Logger {
	filtered := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		if field.Key != namespaceKey {
			filtered = append(filtered, field)
		}
	}
	return &zapLogger{
		base:      l.base.With(filtered...),
		namespace: l.namespace,
	}
}

// WithOptions 添加 zap 选项
func (l *zapLogger) WithOptions(opts ...zap.Option) Logger {
	return &zapLogger{
		base:      l.base.WithOptions(opts...),
		namespace: l.namespace,
	}
}

// Namespace 创建子命名空间，与父命名空间以 "." 连接
func (l *zapLogger) Namespace(name string) Logger {
	full := name
	if l.namespace != "" {
		full = l.namespace + "." + name
	}
	return &zapLogger{
		base:      l.base,
		namespace: full,
	}
}

// parseLevel 解析日志级别
func parseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
