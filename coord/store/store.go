// Package store 定义协调存储客户端的接口
//
// 存储提供 ZooKeeper 风格的层次化节点命名空间：节点可以是持久的，也可以是
// 绑定到客户端会话的临时节点；支持原子多节点写事务和单快照的多节点读取。
package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Mode 节点生命周期
type Mode int

const (
	// Persistent 持久节点，只能被显式删除
	Persistent Mode = iota
	// Ephemeral 临时节点，绑定到当前会话，会话结束或过期后自动删除
	Ephemeral
)

func (m Mode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case Ephemeral:
		return "ephemeral"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// AnyVersion 表示不做版本检查
const AnyVersion int64 = -1

var (
	// ErrNoNode 节点不存在
	ErrNoNode = errors.New("node does not exist")
	// ErrNodeExists 节点已存在
	ErrNodeExists = errors.New("node already exists")
	// ErrBadVersion 节点版本不匹配
	ErrBadVersion = errors.New("node version mismatch")
	// ErrSessionExpired 会话已过期或已关闭
	ErrSessionExpired = errors.New("session expired")
	// ErrUnavailable 存储不可达
	ErrUnavailable = errors.New("store unavailable")
)

// Stat 节点元信息
type Stat struct {
	// Version 节点版本，每次修改单调递增，可用于 Set/Delete 的条件检查
	Version int64
	// Ephemeral 是否为临时节点
	Ephemeral bool
}

// OpType 事务操作类型
type OpType int

const (
	OpCreate OpType = iota
	OpSet
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpCreate:
		return "create"
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(t))
	}
}

// Op 事务中的一个写操作
type Op struct {
	Type    OpType
	Path    string
	Data    []byte
	Mode    Mode
	Version int64
}

// CreateOp 创建节点，节点已存在时事务失败
func CreateOp(p string, data []byte, mode Mode) Op {
	return Op{Type: OpCreate, Path: p, Data: data, Mode: mode, Version: AnyVersion}
}

// SetOp 更新节点数据，节点不存在或版本不匹配时事务失败
func SetOp(p string, data []byte, version int64) Op {
	return Op{Type: OpSet, Path: p, Data: data, Version: version}
}

// DeleteOp 删除节点，节点不存在或版本不匹配时事务失败
func DeleteOp(p string, version int64) Op {
	return Op{Type: OpDelete, Path: p, Version: version}
}

// TxnError 事务被拒绝时返回，指出第一个失败的操作
type TxnError struct {
	Index int
	Op    Op
	Err   error
}

func (e *TxnError) Error() string {
	return fmt.Sprintf("txn op %d (%s %s) failed: %v", e.Index, e.Op.Type, e.Op.Path, e.Err)
}

func (e *TxnError) Unwrap() error {
	return e.Err
}

// Result 多节点读取中单个节点的结果
type Result struct {
	Path string
	Data []byte
	Stat Stat
	// Err 非空表示该节点读取失败，通常为 ErrNoNode
	Err error
}

// Store 协调存储客户端
//
// 路径是以 "/" 分隔的绝对路径。创建节点不要求父节点存在；
// Children 对不存在的父节点返回空列表。
type Store interface {
	// Create 创建节点，已存在时返回 ErrNodeExists
	Create(ctx context.Context, p string, data []byte, mode Mode) error
	// Get 读取节点数据，不存在时返回 ErrNoNode
	Get(ctx context.Context, p string) ([]byte, Stat, error)
	// Set 更新节点数据，version 为 AnyVersion 时不检查版本
	Set(ctx context.Context, p string, data []byte, version int64) (Stat, error)
	// Delete 删除节点，version 为 AnyVersion 时不检查版本
	Delete(ctx context.Context, p string, version int64) error
	// Children 列出直接子节点名称，按字典序排序
	Children(ctx context.Context, p string) ([]string, error)
	// Commit 原子地执行一组写操作，要么全部生效要么全部不生效
	// 被拒绝时返回 *TxnError，可用 errors.Is 匹配具体原因
	Commit(ctx context.Context, ops ...Op) error
	// Read 在同一快照中读取多个节点；单个节点缺失记录在 Result.Err 中
	Read(ctx context.Context, paths ...string) ([]Result, error)
	// SessionTimeout 返回与服务端协商后的会话超时时间
	SessionTimeout(ctx context.Context) (time.Duration, error)
}

// Join 拼接节点路径，结果总是以 "/" 开头
func Join(elem ...string) string {
	return path.Join(append([]string{"/"}, elem...)...)
}

// Base 返回路径的最后一段
func Base(p string) string {
	return path.Base(p)
}

// ValidatePath 检查路径是否为合法的绝对路径
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("invalid path %q: must start with /", p)
	}
	if p != "/" && strings.HasSuffix(p, "/") {
		return fmt.Errorf("invalid path %q: trailing slash", p)
	}
	if strings.Contains(p, "//") {
		return fmt.Errorf("invalid path %q: empty segment", p)
	}
	return nil
}
