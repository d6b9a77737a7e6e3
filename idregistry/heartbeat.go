package idregistry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord/store"
)

// tickSlots 同时执行的 tick 上限，占满时新的 tick 被拒绝
const tickSlots = 2

type supervisorConfig struct {
	clock   clock.Clock
	base    time.Duration
	bound   int
	tick    func(ctx context.Context) error
	logger  clog.Logger
	metrics Metrics
	topic   string
}

// supervisor 在独立 goroutine 中按间隔调度 tick
//
// 每次 tick 在有界的执行池中运行，超时时间等于当前间隔。
// 超时、被拒绝或返回错误时间隔翻倍，上限为 base*bound；成功时恢复为 base。
type supervisor struct {
	supervisorConfig
	slots *semaphore.Weighted
	delay atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newSupervisor(cfg supervisorConfig) *supervisor {
	s := &supervisor{
		supervisorConfig: cfg,
		slots:            semaphore.NewWeighted(tickSlots),
		done:             make(chan struct{}),
	}
	s.delay.Store(int64(cfg.base))
	return s
}

func (s *supervisor) start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		// 定时器在返回前创建，首次 tick 相对于 start 调用的时刻
		go s.run(ctx, s.clock.Timer(s.base))
	})
}

// stop 取消调度与进行中的 tick，等待调度 goroutine 和被取消的 tick 退出
//
// 进行中的 tick 不会被等待到完成，只等待它响应取消后返回，
// 之后的注销不会再被 tick 的修复写入覆盖。
func (s *supervisor) stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			close(s.done)
			return
		}
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			err = fmt.Errorf("waiting for heartbeat supervisor: %w", ctx.Err())
			return
		}
		if acquireErr := s.slots.Acquire(ctx, tickSlots); acquireErr != nil {
			err = fmt.Errorf("waiting for cancelled heartbeat ticks: %w", acquireErr)
			return
		}
		s.slots.Release(tickSlots)
	})
	return err
}

// currentDelay 下一次 tick 前的等待时间
func (s *supervisor) currentDelay() time.Duration {
	return time.Duration(s.delay.Load())
}

func (s *supervisor) run(ctx context.Context, timer *clock.Timer) {
	defer close(s.done)
	defer timer.Stop()

	delay := s.base

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ok := s.runTick(ctx, delay)
		delay = nextDelay(delay, s.base, s.bound, ok)
		timer.Reset(delay)
		s.delay.Store(int64(delay))
		s.metrics.SetHeartbeatDelay(s.topic, delay.Seconds())
	}
}

// runTick 在执行池中运行一次 tick，返回是否成功
func (s *supervisor) runTick(ctx context.Context, timeout time.Duration) bool {
	if !s.slots.TryAcquire(1) {
		s.logger.Warn("heartbeat executor busy, tick rejected")
		s.metrics.RecordHeartbeat(s.topic, "rejected")
		return false
	}

	tickCtx, cancel := s.clock.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer s.slots.Release(1)
		result <- s.tick(tickCtx)
	}()

	var err error
	select {
	case err = <-result:
	case <-tickCtx.Done():
		err = tickCtx.Err()
	}

	switch {
	case err == nil:
		s.metrics.RecordHeartbeat(s.topic, "success")
		return true
	case ctx.Err() != nil:
		// 调度器已停止
	case errors.Is(tickCtx.Err(), context.DeadlineExceeded):
		s.logger.Warn("heartbeat tick timed out", clog.Duration("timeout", timeout))
		s.metrics.RecordHeartbeat(s.topic, "timeout")
	default:
		s.logger.Warn("heartbeat tick failed", clog.Err(err))
		s.metrics.RecordHeartbeat(s.topic, "failure")
	}
	return false
}

// nextDelay 失败时指数退避，上限 base*bound；成功时恢复 base
func nextDelay(current, base time.Duration, bound int, ok bool) time.Duration {
	if ok {
		return base
	}
	return min(current*2, base*time.Duration(bound))
}

// heartbeatTick 校验并修复本实例的双向映射
func (r *registry) heartbeatTick(ctx context.Context) error {
	id, _ := r.GlobalID()
	idPath, identityPath := r.idPath(id), r.identityPath(r.identity)
	r.logger.Debug("sending heartbeat", clog.Int("global_id", id))

	results, err := r.store.Read(ctx, idPath, identityPath)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return r.handleConnectionFailure(ctx, err)
	}
	idRes, identityRes := results[0], results[1]
	idMissing := errors.Is(idRes.Err, store.ErrNoNode)
	identityMissing := errors.Is(identityRes.Err, store.ErrNoNode)

	switch {
	case idMissing && identityMissing:
		r.logger.Info("id and identity nodes are missing, recreating", clog.Int("global_id", id))
		if err := r.store.Commit(ctx, r.mappingOps(id)...); err != nil {
			return fmt.Errorf("cannot recreate id and identity nodes: %w", err)
		}
		r.opts.Metrics.RecordRepair(r.cfg.Topic, "both")
	case idMissing:
		r.logger.Info("id node is missing, recreating", clog.String("path", idPath))
		if err := r.store.Create(ctx, idPath, []byte(r.identity), store.Ephemeral); err != nil {
			return fmt.Errorf("cannot recreate id node: %w", err)
		}
		r.opts.Metrics.RecordRepair(r.cfg.Topic, "ids")
	case identityMissing:
		r.logger.Info("identity node is missing, recreating", clog.String("path", identityPath))
		if err := r.store.Create(ctx, identityPath, []byte(strconv.Itoa(id)), store.Ephemeral); err != nil {
			return fmt.Errorf("cannot recreate identity node: %w", err)
		}
		r.opts.Metrics.RecordRepair(r.cfg.Topic, "identities")
	default:
		if remote, err := strconv.Atoi(string(identityRes.Data)); err != nil || remote != id {
			err := newError(CodeConsistency,
				fmt.Sprintf("identity %s maps to %q, assigned id is %d", r.identity, identityRes.Data, id), err)
			r.fatal(err)
			return err
		}
		if owner := string(idRes.Data); owner != r.identity {
			return r.handleConflict(ctx, id, owner)
		}
	}
	return nil
}
