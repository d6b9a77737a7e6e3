package idregistry

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord/store"
)

// allocationStrategy 变体相关的行为，通用的生命周期在 registry 中
type allocationStrategy interface {
	mode() Mode
	// beforeRegister 在获取分配锁之前执行的预检查
	beforeRegister(ctx context.Context, r *registry) error
	// computeNext 在分配锁内计算下一个 ID，并返回需要原子提交的写操作
	computeNext(ctx context.Context, r *registry) (int, []store.Op, error)
	// onUnregister 注销时清理本实例负责的节点
	onUnregister(ctx context.Context, r *registry) error
	// checkReady 校验整个集群是否都已注册
	checkReady(ctx context.Context, r *registry, expected int) error
	// startsHeartbeat 注册成功后是否启动心跳
	startsHeartbeat() bool
}

// nextReusableID 返回 sortedIDs 中缺失的最小非负整数
// sortedIDs 必须升序且无重复
func nextReusableID(sortedIDs []int) int {
	for i, id := range sortedIDs {
		if id > i {
			return i
		}
	}
	if len(sortedIDs) == 0 {
		return 0
	}
	return sortedIDs[len(sortedIDs)-1] + 1
}

// nextUniqueID 计算 unique 变体的下一个 ID
func nextUniqueID(counter int, present bool, max int, onExhausted ExhaustionHandler) (int, error) {
	if !present {
		return 0, nil
	}
	if counter < max {
		return counter + 1, nil
	}

	next, err := onExhausted(max)
	if err != nil {
		return 0, err
	}
	if next < 0 || next > max {
		return 0, newError(CodeExhausted, fmt.Sprintf("exhaustion handler returned %d, want [0, %d]", next, max), nil)
	}
	return next, nil
}

// parseIDs 解析 ids 子节点名称，忽略非数字节点，返回升序去重结果
func parseIDs(children []string, logger clog.Logger) []int {
	ids := make([]int, 0, len(children))
	seen := make(map[int]struct{}, len(children))
	for _, name := range children {
		id, err := strconv.Atoi(name)
		if err != nil || id < 0 {
			logger.Warn("ignoring unexpected node under ids", clog.String("node", name))
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
