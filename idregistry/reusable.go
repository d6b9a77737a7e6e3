package idregistry

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/multierr"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord/store"
)

type reusableStrategy struct{}

func (reusableStrategy) mode() Mode            { return Reusable }
func (reusableStrategy) startsHeartbeat() bool { return true }

// beforeRegister 本身份已有存活映射时立即失败
func (reusableStrategy) beforeRegister(ctx context.Context, r *registry) error {
	data, _, err := r.store.Get(ctx, r.identityPath(r.identity))
	switch {
	case errors.Is(err, store.ErrNoNode):
		return nil
	case err != nil:
		return newError(CodeRegistration, "cannot check existing registration", err)
	default:
		return newError(CodeRegistration,
			fmt.Sprintf("identity %s already registered with id %s", r.identity, data), nil)
	}
}

func (reusableStrategy) computeNext(ctx context.Context, r *registry) (int, []store.Op, error) {
	children, err := r.store.Children(ctx, r.idsPath())
	if err != nil {
		return 0, nil, err
	}
	id := nextReusableID(parseIDs(children, r.logger))
	r.logger.Info("creating identity and id nodes", clog.Int("global_id", id))
	return id, r.mappingOps(id), nil
}

// mappingOps 创建双向映射的两个临时节点
func (r *registry) mappingOps(id int) []store.Op {
	return []store.Op{
		store.CreateOp(r.identityPath(r.identity), []byte(strconv.Itoa(id)), store.Ephemeral),
		store.CreateOp(r.idPath(id), []byte(r.identity), store.Ephemeral),
	}
}

// onUnregister 按顺序处理四种映射状态：
//  1. identities 指向 k，ids/k 指回本身份：删除两者
//  2. identities 指向 k，ids/k 属于其他身份：删除 identities 以及扫描到的本身份 ids 节点
//  3. identities 指向 k，ids/k 不存在：只删除 identities
//  4. identities 不存在：删除扫描到的本身份 ids 节点
func (reusableStrategy) onUnregister(ctx context.Context, r *registry) error {
	identityPath := r.identityPath(r.identity)

	data, _, err := r.store.Get(ctx, identityPath)
	if errors.Is(err, store.ErrNoNode) {
		bound, err := r.locateIDNodes(ctx)
		r.opts.Metrics.RecordUnregistration(r.cfg.Topic, "identity_missing")
		return multierr.Append(err, r.removeNodes(ctx, "", bound))
	}
	if err != nil {
		return newError(CodeConnection, "cannot read identity node", err)
	}

	k, parseErr := strconv.Atoi(string(data))
	if parseErr != nil {
		r.logger.Warn("identity node holds invalid id", clog.String("data", string(data)))
		bound, err := r.locateIDNodes(ctx)
		r.opts.Metrics.RecordUnregistration(r.cfg.Topic, "id_occupied")
		return multierr.Append(err, r.removeNodes(ctx, identityPath, bound))
	}

	owner, stat, err := r.store.Get(ctx, r.idPath(k))
	switch {
	case errors.Is(err, store.ErrNoNode):
		r.opts.Metrics.RecordUnregistration(r.cfg.Topic, "id_missing")
		return r.removeNodes(ctx, identityPath, nil)
	case err != nil:
		return newError(CodeConnection, "cannot read id node", err)
	case string(owner) == r.identity:
		r.opts.Metrics.RecordUnregistration(r.cfg.Topic, "normal")
		return r.removeNodes(ctx, identityPath, []boundID{{id: k, version: stat.Version}})
	default:
		r.logger.Warn("id is occupied by another identity",
			clog.Int("global_id", k), clog.String("occupied_by", string(owner)))
		bound, err := r.locateIDNodes(ctx)
		r.opts.Metrics.RecordUnregistration(r.cfg.Topic, "id_occupied")
		return multierr.Append(err, r.removeNodes(ctx, identityPath, bound))
	}
}

// boundID 指向本身份的 ids 节点，version 为读到它时的版本
type boundID struct {
	id      int
	version int64
}

// locateIDNodes 分批读取所有 ids 节点，返回指向本身份的节点，不加锁
// 单个批次失败不影响其余批次，错误合并返回
func (r *registry) locateIDNodes(ctx context.Context) ([]boundID, error) {
	children, err := r.store.Children(ctx, r.idsPath())
	if err != nil {
		return nil, newError(CodeConnection, "cannot list id nodes", err)
	}

	var (
		bound []boundID
		errs  error
	)
	for start := 0; start < len(children); start += r.cfg.BatchSize {
		batch := children[start:min(start+r.cfg.BatchSize, len(children))]
		paths := make([]string, len(batch))
		for i, name := range batch {
			paths[i] = store.Join(r.idsPath(), name)
		}

		results, err := r.store.Read(ctx, paths...)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("read id nodes batch at %d: %w", start, err))
			continue
		}
		for i, res := range results {
			if res.Err != nil || string(res.Data) != r.identity {
				continue
			}
			id, err := strconv.Atoi(batch[i])
			if err != nil {
				continue
			}
			bound = append(bound, boundID{id: id, version: res.Stat.Version})
		}
	}
	return bound, errs
}

// removeNodes 在一个事务中删除 identity 节点（identityPath 非空时）和 ids 节点
// ids 节点按读到的版本删除：已经不存在或版本变化（已被其他身份重新占用）的节点被跳过
func (r *registry) removeNodes(ctx context.Context, identityPath string, ids []boundID) error {
	var ops []store.Op
	if identityPath != "" {
		ops = append(ops, store.DeleteOp(identityPath, store.AnyVersion))
	}
	for _, b := range ids {
		ops = append(ops, store.DeleteOp(r.idPath(b.id), b.version))
	}

	for len(ops) > 0 {
		err := r.store.Commit(ctx, ops...)
		if err == nil {
			return nil
		}
		var txnErr *store.TxnError
		if !errors.As(err, &txnErr) || !(errors.Is(txnErr.Err, store.ErrNoNode) || errors.Is(txnErr.Err, store.ErrBadVersion)) {
			return newError(CodeConnection, "cannot remove mapping nodes", err)
		}
		r.logger.Debug("node no longer ours, skipped", clog.String("path", txnErr.Op.Path), clog.Err(txnErr.Err))
		ops = append(ops[:txnErr.Index:txnErr.Index], ops[txnErr.Index+1:]...)
	}
	return nil
}

// checkReady 两个方向的子节点数都必须等于 expected
func (reusableStrategy) checkReady(ctx context.Context, r *registry, expected int) error {
	identities, err := r.store.Children(ctx, r.identitiesPath())
	if err != nil {
		return newError(CodeConnection, "cannot list identity nodes", err)
	}
	ids, err := r.store.Children(ctx, r.idsPath())
	if err != nil {
		return newError(CodeConnection, "cannot list id nodes", err)
	}

	if len(identities) != expected || len(ids) != expected {
		return newError(CodeNotReady, fmt.Sprintf(
			"checkAfterAllReady fail. expected:%d, identities:%d, ids:%d",
			expected, len(identities), len(ids)), nil)
	}
	return nil
}
