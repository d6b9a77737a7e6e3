package uid

import (
	"github.com/benbjohnson/clock"

	"github.com/ceyewan/gidkit/clog"
)

// Options uid 组件的依赖
type Options struct {
	logger clog.Logger
	clock  clock.Clock
}

// Option 配置 uid 组件
type Option func(*Options)

// WithLogger 注入日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(opts *Options) {
		opts.logger = logger
	}
}

// WithClock 注入时钟，测试中使用 clock.NewMock()
func WithClock(c clock.Clock) Option {
	return func(opts *Options) {
		opts.clock = c
	}
}

func parseOptions(opts []Option) *Options {
	result := &Options{}
	for _, opt := range opts {
		opt(result)
	}
	if result.logger == nil {
		result.logger = clog.Namespace("uid")
	}
	if result.clock == nil {
		result.clock = clock.New()
	}
	return result
}
