package idregistry

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord/store"
)

type uniqueStrategy struct{}

func (uniqueStrategy) mode() Mode            { return Unique }
func (uniqueStrategy) startsHeartbeat() bool { return false }

func (uniqueStrategy) beforeRegister(_ context.Context, r *registry) error {
	r.logger.Debug("pre-registration check passed")
	return nil
}

// computeNext 读取计数器并计算下一个 ID；计数器用读到的版本做条件写
func (uniqueStrategy) computeNext(ctx context.Context, r *registry) (int, []store.Op, error) {
	var (
		counter int
		present bool
		version int64
	)

	data, stat, err := r.store.Get(ctx, r.counterPath())
	switch {
	case errors.Is(err, store.ErrNoNode):
	case err != nil:
		return 0, nil, err
	default:
		counter, err = strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return 0, nil, newError(CodeConsistency, "counter node holds invalid value", err)
		}
		present, version = true, stat.Version
	}

	next, err := nextUniqueID(counter, present, r.cfg.MaxGlobalID, r.opts.OnExhausted)
	if err != nil {
		return 0, nil, err
	}

	value := []byte(strconv.Itoa(next))
	if !present {
		return next, []store.Op{store.CreateOp(r.counterPath(), value, store.Persistent)}, nil
	}
	return next, []store.Op{store.SetOp(r.counterPath(), value, version)}, nil
}

// onUnregister 计数器是持久节点，注销不做任何修改
func (uniqueStrategy) onUnregister(_ context.Context, r *registry) error {
	r.opts.Metrics.RecordUnregistration(r.cfg.Topic, "counter_kept")
	r.logger.Info("counter node is persistent, nothing to remove")
	return nil
}

// checkReady unique 变体没有实例级节点，只记录日志
func (uniqueStrategy) checkReady(_ context.Context, r *registry, expected int) error {
	r.logger.Info("unique registry keeps no per-instance nodes, readiness not verified",
		clog.Int("expected", expected))
	return nil
}
