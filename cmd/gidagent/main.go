// Command gidagent 为一个进程实例注册全局 ID，并通过 HTTP 暴露 ID、
// 集群就绪检查、以全局 ID 为实例位的 Snowflake 生成器和 Prometheus 指标。
//
// 注册中心上报致命错误（ID 冲突、连接失败等）或收到 SIGINT/SIGTERM 时，
// 停止 HTTP 服务、注销后退出。
//
// 用法：
//
//	gidagent -config gidagent.yaml -env production
//	gidagent -memory -identity uuid   # 不连接 etcd，使用进程内存储
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord"
	"github.com/ceyewan/gidkit/coord/memstore"
	"github.com/ceyewan/gidkit/idregistry"
	"github.com/ceyewan/gidkit/uid"
)

// backend 注册中心使用的协调存储，外加健康检查与关闭
type backend interface {
	idregistry.Backend
	Health(ctx context.Context) error
	Close() error
}

// memBackend 进程内存储，健康检查即会话可用
type memBackend struct {
	*memstore.Client
}

func (b memBackend) Health(ctx context.Context) error {
	_, err := b.Store().SessionTimeout(ctx)
	return err
}

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		env        = flag.String("env", "development", "environment for defaults: development or production")
		memory     = flag.Bool("memory", false, "use an in-process coordination store instead of etcd")
		identity   = flag.String("identity", "", "override instance identity (ip, hostname, uuid or a literal)")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath, *env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gidagent: %v\n", err)
		os.Exit(2)
	}
	if *identity != "" {
		cfg.Identity = *identity
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *env, *memory); err != nil {
		clog.Error("gidagent exited with error", clog.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, env string, memory bool) error {
	if err := clog.Init(ctx, cfg.Log, clog.WithNamespace("gidagent")); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger := clog.Namespace("agent")
	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	b, err := openBackend(ctx, cfg, memory)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reg, err := idregistry.New(ctx, b, cfg.Registry,
		idregistry.WithIdentitySource(identitySource(cfg.Identity)),
		idregistry.WithMetrics(idregistry.NewPrometheus(promReg, "gidkit")),
		idregistry.WithLogger(clog.Namespace("idregistry")))
	if err != nil {
		return multierr.Append(err, b.Close())
	}

	ids, err := uid.New(ctx, cfg.UID, reg, uid.WithLogger(clog.Namespace("uid")))
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		return multierr.Combine(err, reg.Shutdown(shutdownCtx), b.Close())
	}

	s := &server{reg: reg, ids: ids, health: b.Health, gatherer: promReg, logger: clog.Namespace("http")}
	httpServer := &http.Server{Addr: cfg.Listen, Handler: s.router()}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", clog.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var cause error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case cause = <-reg.Errors():
		logger.Error("registry reported a fatal error", clog.Err(cause))
	case cause = <-serveErr:
		logger.Error("admin api stopped", clog.Err(cause))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	err = multierr.Combine(
		cause,
		httpServer.Shutdown(shutdownCtx),
		ids.Close(),
		reg.Shutdown(shutdownCtx),
		b.Close(),
	)
	logger.Info("gidagent stopped")
	return err
}

func openBackend(ctx context.Context, cfg *Config, memory bool) (backend, error) {
	if memory {
		client := memstore.NewServer().Connect(memstore.ClientConfig{
			SessionTimeout: cfg.Coord.SessionTTL,
			Logger:         clog.Namespace("memstore"),
		})
		return memBackend{Client: client}, nil
	}
	provider, err := coord.New(ctx, cfg.Coord, coord.WithLogger(clog.Namespace("coord")))
	if err != nil {
		return nil, fmt.Errorf("connect coordination store: %w", err)
	}
	return provider, nil
}
