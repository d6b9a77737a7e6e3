// Package memstore 提供进程内的协调存储实现
//
// 一个 Server 模拟一个协调集群，多个 Client 各自持有独立会话连接到同一个
// Server，用于测试和本地运行。Client 同时实现 store.Store 和
// lock.DistributedLock 两个契约，并支持会话过期、不可用和延迟等故障注入。
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord/lock"
	"github.com/ceyewan/gidkit/coord/store"
)

// DefaultSessionTimeout 未指定时的会话超时
const DefaultSessionTimeout = 10 * time.Second

var errClientClosed = fmt.Errorf("%w: client closed", store.ErrSessionExpired)

type node struct {
	data    []byte
	version int64
	// owner 为 0 表示持久节点，否则为所属会话
	owner int64
}

type lockState struct {
	session  int64
	released chan struct{}
}

// Server 进程内协调集群
type Server struct {
	mu       sync.Mutex
	nodes    map[string]*node
	locks    map[string]*lockState
	revision int64
	sessions int64
}

// NewServer 创建空的 Server
func NewServer() *Server {
	return &Server{
		nodes: make(map[string]*node),
		locks: make(map[string]*lockState),
	}
}

// ClientConfig 客户端配置
type ClientConfig struct {
	// SessionTimeout 会话超时，0 表示 DefaultSessionTimeout
	SessionTimeout time.Duration
	Logger         clog.Logger
}

// Connect 建立新会话
func (s *Server) Connect(cfg ClientConfig) *Client {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = clog.Namespace("memstore")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions++
	return &Client{
		server:  s,
		timeout: cfg.SessionTimeout,
		session: s.sessions,
		logger:  cfg.Logger,
	}
}

// Snapshot 返回以 prefix 开头的所有节点路径到数据的映射
func (s *Server) Snapshot(prefix string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	for p, n := range s.nodes {
		if strings.HasPrefix(p, prefix) {
			out[p] = string(n.data)
		}
	}
	return out
}

// endSessionLocked 删除会话的临时节点并释放其持有的锁
func (s *Server) endSessionLocked(session int64) {
	for p, n := range s.nodes {
		if n.owner == session {
			delete(s.nodes, p)
		}
	}
	for key, st := range s.locks {
		if st.session == session {
			delete(s.locks, key)
			close(st.released)
		}
	}
}

// Client 一个会话连接
type Client struct {
	server  *Server
	timeout time.Duration
	logger  clog.Logger

	// 由 server.mu 保护
	session int64
	closed  bool

	unavailable atomic.Bool
	latency     atomic.Int64
}

var (
	_ store.Store          = (*memStore)(nil)
	_ lock.DistributedLock = (*memLock)(nil)
)

// Store 返回该会话上的节点存储
func (c *Client) Store() store.Store {
	return &memStore{c: c}
}

// Lock 返回该会话上的分布式锁服务
func (c *Client) Lock() lock.DistributedLock {
	return &memLock{c: c}
}

// Close 结束会话，临时节点被删除，持有的锁被释放
func (c *Client) Close() error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	s.endSessionLocked(c.session)
	return nil
}

// ExpireSession 模拟会话过期：删除当前会话的临时节点和锁，并开启新会话
func (c *Client) ExpireSession() {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return
	}
	s.endSessionLocked(c.session)
	s.sessions++
	c.session = s.sessions
	c.logger.Info("session expired", clog.Int64("new_session", c.session))
}

// SetUnavailable 为 true 时该客户端的所有操作返回 store.ErrUnavailable
func (c *Client) SetUnavailable(v bool) {
	c.unavailable.Store(v)
}

// SetLatency 每个操作在执行前等待 d
func (c *Client) SetLatency(d time.Duration) {
	c.latency.Store(int64(d))
}

// enter 在每个操作前执行故障注入
func (c *Client) enter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d := time.Duration(c.latency.Load()); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if c.unavailable.Load() {
		return store.ErrUnavailable
	}
	return nil
}

// lockServer 进入操作并锁住 server，调用方负责解锁
func (c *Client) lockServer(ctx context.Context) error {
	if err := c.enter(ctx); err != nil {
		return err
	}
	c.server.mu.Lock()
	if c.closed {
		c.server.mu.Unlock()
		return errClientClosed
	}
	return nil
}

type memStore struct {
	c *Client
}

func (m *memStore) Create(ctx context.Context, p string, data []byte, mode store.Mode) error {
	return m.Commit(ctx, store.CreateOp(p, data, mode))
}

func (m *memStore) Get(ctx context.Context, p string) ([]byte, store.Stat, error) {
	if err := store.ValidatePath(p); err != nil {
		return nil, store.Stat{}, err
	}
	if err := m.c.lockServer(ctx); err != nil {
		return nil, store.Stat{}, err
	}
	defer m.c.server.mu.Unlock()

	n, ok := m.c.server.nodes[p]
	if !ok {
		return nil, store.Stat{}, store.ErrNoNode
	}
	return clone(n.data), statOf(n), nil
}

func (m *memStore) Set(ctx context.Context, p string, data []byte, version int64) (store.Stat, error) {
	if err := m.Commit(ctx, store.SetOp(p, data, version)); err != nil {
		return store.Stat{}, err
	}
	_, stat, err := m.Get(ctx, p)
	return stat, err
}

func (m *memStore) Delete(ctx context.Context, p string, version int64) error {
	return m.Commit(ctx, store.DeleteOp(p, version))
}

func (m *memStore) Children(ctx context.Context, p string) ([]string, error) {
	if err := store.ValidatePath(p); err != nil {
		return nil, err
	}
	if err := m.c.lockServer(ctx); err != nil {
		return nil, err
	}
	defer m.c.server.mu.Unlock()

	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	seen := make(map[string]struct{})
	var children []string
	for path := range m.c.server.nodes {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		children = append(children, name)
	}
	sort.Strings(children)
	return children, nil
}

func (m *memStore) Commit(ctx context.Context, ops ...store.Op) error {
	if len(ops) == 0 {
		return errors.New("empty transaction")
	}
	for _, op := range ops {
		if err := store.ValidatePath(op.Path); err != nil {
			return err
		}
	}
	if err := m.c.lockServer(ctx); err != nil {
		return err
	}
	s := m.c.server
	defer s.mu.Unlock()

	// 先在暂存视图上校验全部操作，全部通过后再应用
	staged := make(map[string]*node)
	lookup := func(p string) (*node, bool) {
		if n, ok := staged[p]; ok {
			return n, n != nil
		}
		n, ok := s.nodes[p]
		return n, ok
	}

	rev := s.revision + 1
	for i, op := range ops {
		cur, exists := lookup(op.Path)
		switch op.Type {
		case store.OpCreate:
			if exists {
				return &store.TxnError{Index: i, Op: op, Err: store.ErrNodeExists}
			}
			n := &node{data: clone(op.Data), version: rev}
			if op.Mode == store.Ephemeral {
				n.owner = m.c.session
			}
			staged[op.Path] = n
		case store.OpSet:
			if err := checkVersion(cur, exists, op.Version); err != nil {
				return &store.TxnError{Index: i, Op: op, Err: err}
			}
			staged[op.Path] = &node{data: clone(op.Data), version: rev, owner: cur.owner}
		case store.OpDelete:
			if err := checkVersion(cur, exists, op.Version); err != nil {
				return &store.TxnError{Index: i, Op: op, Err: err}
			}
			staged[op.Path] = nil
		default:
			return fmt.Errorf("unknown op type %s", op.Type)
		}
	}

	s.revision = rev
	for p, n := range staged {
		if n == nil {
			delete(s.nodes, p)
		} else {
			s.nodes[p] = n
		}
	}
	return nil
}

func checkVersion(cur *node, exists bool, version int64) error {
	if !exists {
		return store.ErrNoNode
	}
	if version != store.AnyVersion && cur.version != version {
		return store.ErrBadVersion
	}
	return nil
}

func (m *memStore) Read(ctx context.Context, paths ...string) ([]store.Result, error) {
	for _, p := range paths {
		if err := store.ValidatePath(p); err != nil {
			return nil, err
		}
	}
	if err := m.c.lockServer(ctx); err != nil {
		return nil, err
	}
	defer m.c.server.mu.Unlock()

	results := make([]store.Result, len(paths))
	for i, p := range paths {
		results[i].Path = p
		n, ok := m.c.server.nodes[p]
		if !ok {
			results[i].Err = store.ErrNoNode
			continue
		}
		results[i].Data = clone(n.data)
		results[i].Stat = statOf(n)
	}
	return results, nil
}

func (m *memStore) SessionTimeout(ctx context.Context) (time.Duration, error) {
	if err := m.c.lockServer(ctx); err != nil {
		return 0, err
	}
	m.c.server.mu.Unlock()
	return m.c.timeout, nil
}

type memLock struct {
	c *Client
}

func (l *memLock) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lock, error) {
	return l.acquire(ctx, key, true)
}

func (l *memLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (lock.Lock, error) {
	return l.acquire(ctx, key, false)
}

func (l *memLock) acquire(ctx context.Context, key string, blocking bool) (lock.Lock, error) {
	if err := store.ValidatePath(key); err != nil {
		return nil, err
	}
	s := l.c.server
	for {
		if err := l.c.lockServer(ctx); err != nil {
			return nil, err
		}
		st, held := s.locks[key]
		if !held {
			st = &lockState{session: l.c.session, released: make(chan struct{})}
			s.locks[key] = st
			s.mu.Unlock()
			return &heldLock{c: l.c, key: key, state: st}, nil
		}
		wait := st.released
		s.mu.Unlock()

		if !blocking {
			return nil, fmt.Errorf("%w: %s", lock.ErrLockHeld, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

type heldLock struct {
	c     *Client
	key   string
	state *lockState

	once sync.Once
	err  error
}

func (h *heldLock) Unlock(ctx context.Context) error {
	h.once.Do(func() {
		h.err = h.release(ctx)
	})
	return h.err
}

func (h *heldLock) release(ctx context.Context) error {
	if err := h.c.enter(ctx); err != nil {
		return err
	}
	s := h.c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks[h.key] != h.state {
		return lock.ErrLockExpired
	}
	delete(s.locks, h.key)
	close(h.state.released)
	return nil
}

func (h *heldLock) Key() string {
	return h.key
}

func statOf(n *node) store.Stat {
	return store.Stat{Version: n.version, Ephemeral: n.owner != 0}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
