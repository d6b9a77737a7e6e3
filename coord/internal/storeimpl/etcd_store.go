package storeimpl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord/internal/client"
	"github.com/ceyewan/gidkit/coord/store"
)

var errStoreClosed = errors.New("store closed")

// EtcdStore 基于 etcd 的层次化节点存储
//
// 节点路径 p 映射为键 root+p。临时节点绑定到会话租约，会话过期后由 etcd
// 删除；下一次写临时节点时会惰性创建新会话。
type EtcdStore struct {
	client *client.EtcdClient
	root   string
	ttl    time.Duration
	logger clog.Logger

	sessionMu sync.Mutex
	session   *concurrency.Session
	closed    bool
	done      chan struct{}
}

var _ store.Store = (*EtcdStore)(nil)

// NewEtcdStore 创建存储并建立首个会话
func NewEtcdStore(c *client.EtcdClient, root string, ttl time.Duration, logger clog.Logger) (*EtcdStore, error) {
	if ttl < time.Second {
		return nil, fmt.Errorf("session ttl must be at least 1s, got %s", ttl)
	}
	s := &EtcdStore{
		client: c,
		root:   strings.TrimSuffix(root, "/"),
		ttl:    ttl,
		logger: logger,
		done:   make(chan struct{}),
	}
	if _, err := s.currentSession(); err != nil {
		return nil, err
	}
	return s, nil
}

// currentSession 返回当前会话，已过期时重新创建
func (s *EtcdStore) currentSession() (*concurrency.Session, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if s.closed {
		return nil, errStoreClosed
	}

	if s.session != nil {
		select {
		case <-s.session.Done():
			s.session = nil
		default:
			return s.session, nil
		}
	}

	session, err := concurrency.NewSession(s.client.Client(), concurrency.WithTTL(int(s.ttl/time.Second)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create etcd session: %w", store.ErrUnavailable, err)
	}
	s.session = session
	go s.watchSession(session)

	s.logger.Info("store session created", clog.Int64("lease_id", int64(session.Lease())))
	return session, nil
}

// watchSession 记录会话过期，新会话在下一次需要时创建
func (s *EtcdStore) watchSession(session *concurrency.Session) {
	select {
	case <-s.done:
	case <-session.Done():
		s.sessionMu.Lock()
		closed := s.closed
		s.sessionMu.Unlock()
		if !closed {
			s.logger.Warn("store session expired, ephemeral nodes dropped",
				clog.Int64("lease_id", int64(session.Lease())))
		}
	}
}

// Close 关闭会话，撤销租约并删除所有临时节点
func (s *EtcdStore) Close() error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	if s.session == nil {
		return nil
	}
	// 停止续约后撤销租约，租约已过期视为成功
	session := s.session
	s.session = nil
	session.Orphan()
	ctx, cancel := context.WithTimeout(context.Background(), s.ttl)
	defer cancel()
	if err := s.client.Revoke(ctx, session.Lease()); err != nil {
		return fmt.Errorf("failed to revoke store session lease: %w", err)
	}
	s.logger.Info("store session revoked", clog.Int64("lease_id", int64(session.Lease())))
	return nil
}

func (s *EtcdStore) key(p string) string {
	if p == "/" {
		return s.root + "/"
	}
	return s.root + p
}

func (s *EtcdStore) checkPaths(paths ...string) error {
	for _, p := range paths {
		if err := store.ValidatePath(p); err != nil {
			return err
		}
	}
	return nil
}

// storeErr 将客户端错误映射为存储错误
func storeErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("%w: %v", store.ErrSessionExpired, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	if client.IsCode(err, client.ErrCodeTimeout) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
}

func statOf(kv *mvccpb.KeyValue) store.Stat {
	return store.Stat{Version: kv.ModRevision, Ephemeral: kv.Lease != 0}
}

// Create 创建节点
func (s *EtcdStore) Create(ctx context.Context, p string, data []byte, mode store.Mode) error {
	return s.Commit(ctx, store.CreateOp(p, data, mode))
}

// Get 读取节点
func (s *EtcdStore) Get(ctx context.Context, p string) ([]byte, store.Stat, error) {
	if err := s.checkPaths(p); err != nil {
		return nil, store.Stat{}, err
	}
	resp, err := s.client.Get(ctx, s.key(p))
	if err != nil {
		return nil, store.Stat{}, storeErr(ctx, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, store.Stat{}, store.ErrNoNode
	}
	return resp.Kvs[0].Value, statOf(resp.Kvs[0]), nil
}

// Set 更新节点，保留节点原有的租约
func (s *EtcdStore) Set(ctx context.Context, p string, data []byte, version int64) (store.Stat, error) {
	resp, err := s.commit(ctx, []store.Op{store.SetOp(p, data, version)}, clientv3.OpGet(s.key(p)))
	if err != nil {
		return store.Stat{}, err
	}
	kvs := resp.Responses[1].GetResponseRange().Kvs
	if len(kvs) == 0 {
		return store.Stat{Version: resp.Header.Revision}, nil
	}
	return statOf(kvs[0]), nil
}

// Delete 删除节点
func (s *EtcdStore) Delete(ctx context.Context, p string, version int64) error {
	return s.Commit(ctx, store.DeleteOp(p, version))
}

// Children 列出直接子节点名称
func (s *EtcdStore) Children(ctx context.Context, p string) ([]string, error) {
	if err := s.checkPaths(p); err != nil {
		return nil, err
	}
	prefix := s.key(p)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, storeErr(ctx, err)
	}

	seen := make(map[string]struct{}, len(resp.Kvs))
	children := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		name, _, _ := strings.Cut(rest, "/")
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		children = append(children, name)
	}
	sort.Strings(children)
	return children, nil
}

// Commit 以一个 etcd 事务原子执行写操作
func (s *EtcdStore) Commit(ctx context.Context, ops ...store.Op) error {
	_, err := s.commit(ctx, ops)
	return err
}

func (s *EtcdStore) commit(ctx context.Context, ops []store.Op, extra ...clientv3.Op) (*clientv3.TxnResponse, error) {
	if len(ops) == 0 {
		return nil, errors.New("empty transaction")
	}
	for _, op := range ops {
		if err := s.checkPaths(op.Path); err != nil {
			return nil, err
		}
	}

	var leaseID clientv3.LeaseID
	for _, op := range ops {
		if op.Type == store.OpCreate && op.Mode == store.Ephemeral {
			session, err := s.currentSession()
			if err != nil {
				return nil, err
			}
			leaseID = session.Lease()
			break
		}
	}

	var (
		cmps    []clientv3.Cmp
		thenOps []clientv3.Op
		elseOps []clientv3.Op
	)
	for _, op := range ops {
		key := s.key(op.Path)
		switch op.Type {
		case store.OpCreate:
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(key), "=", 0))
			var putOpts []clientv3.OpOption
			if op.Mode == store.Ephemeral {
				putOpts = append(putOpts, clientv3.WithLease(leaseID))
			}
			thenOps = append(thenOps, clientv3.OpPut(key, string(op.Data), putOpts...))
		case store.OpSet:
			cmps = append(cmps, versionCmps(key, op.Version)...)
			thenOps = append(thenOps, clientv3.OpPut(key, string(op.Data), clientv3.WithIgnoreLease()))
		case store.OpDelete:
			cmps = append(cmps, versionCmps(key, op.Version)...)
			thenOps = append(thenOps, clientv3.OpDelete(key))
		default:
			return nil, fmt.Errorf("unknown op type %s", op.Type)
		}
		elseOps = append(elseOps, clientv3.OpGet(key))
	}
	thenOps = append(thenOps, extra...)

	resp, err := s.client.Commit(ctx, func(txn clientv3.Txn) clientv3.Txn {
		return txn.If(cmps...).Then(thenOps...).Else(elseOps...)
	})
	if err != nil {
		return nil, storeErr(ctx, err)
	}
	if !resp.Succeeded {
		return nil, diagnose(ops, resp)
	}
	return resp, nil
}

func versionCmps(key string, version int64) []clientv3.Cmp {
	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(key), ">", 0)}
	if version != store.AnyVersion {
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(key), "=", version))
	}
	return cmps
}

// diagnose 根据 Else 分支的读取结果找出第一个失败的操作
func diagnose(ops []store.Op, resp *clientv3.TxnResponse) error {
	for i, op := range ops {
		if i >= len(resp.Responses) {
			break
		}
		kvs := resp.Responses[i].GetResponseRange().Kvs
		switch op.Type {
		case store.OpCreate:
			if len(kvs) > 0 {
				return &store.TxnError{Index: i, Op: op, Err: store.ErrNodeExists}
			}
		default:
			if len(kvs) == 0 {
				return &store.TxnError{Index: i, Op: op, Err: store.ErrNoNode}
			}
			if op.Version != store.AnyVersion && kvs[0].ModRevision != op.Version {
				return &store.TxnError{Index: i, Op: op, Err: store.ErrBadVersion}
			}
		}
	}
	// 比较失败后节点又被修改，无法定位具体操作
	return &store.TxnError{Index: 0, Op: ops[0], Err: store.ErrBadVersion}
}

// Read 在同一修订版本中读取多个节点
func (s *EtcdStore) Read(ctx context.Context, paths ...string) ([]store.Result, error) {
	if err := s.checkPaths(paths...); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}

	gets := make([]clientv3.Op, len(paths))
	for i, p := range paths {
		gets[i] = clientv3.OpGet(s.key(p))
	}
	resp, err := s.client.ReadTxn(ctx, gets...)
	if err != nil {
		return nil, storeErr(ctx, err)
	}

	results := make([]store.Result, len(paths))
	for i, p := range paths {
		results[i].Path = p
		kvs := resp.Responses[i].GetResponseRange().Kvs
		if len(kvs) == 0 {
			results[i].Err = store.ErrNoNode
			continue
		}
		results[i].Data = kvs[0].Value
		results[i].Stat = statOf(kvs[0])
	}
	return results, nil
}

// SessionTimeout 返回当前会话租约的授予 TTL
func (s *EtcdStore) SessionTimeout(ctx context.Context) (time.Duration, error) {
	session, err := s.currentSession()
	if err != nil {
		return 0, err
	}
	resp, err := s.client.TimeToLive(ctx, session.Lease())
	if err != nil {
		return 0, storeErr(ctx, err)
	}
	if resp.GrantedTTL <= 0 {
		return 0, store.ErrSessionExpired
	}
	return time.Duration(resp.GrantedTTL) * time.Second, nil
}
