// Package peerstore 实现节点记录簿
//
// 记录按 PeerID 索引，容量满时 LRU 淘汰；
// 处于连接中的节点被钉住（pin），不参与淘汰。
// 记录不会被自动删除，仅容量淘汰或显式移除。
package peerstore

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

var logger = log.Logger("core/peerstore")

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrInvalidCapacity 容量非法
	ErrInvalidCapacity = errors.New("peerstore: capacity must be positive")
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("peerstore: peer not found")
)

// DefaultCapacity 默认容量
const DefaultCapacity = 1024

// ============================================================================
// Peerstore
// ============================================================================

// Peerstore 节点记录簿
type Peerstore struct {
	mu sync.Mutex

	// cache 可淘汰的记录
	cache *lru.Cache[types.PeerID, *types.PeerRecord]

	// pinned 被钉住的记录（连接中的节点）
	pinned map[types.PeerID]*types.PeerRecord

	// sortAddrs 地址排序函数（按传输层优先级），可为 nil
	sortAddrs func([]string) []string
}

// Option 配置选项
type Option func(*Peerstore)

// WithAddrSort 设置地址排序函数
func WithAddrSort(f func([]string) []string) Option {
	return func(p *Peerstore) {
		p.sortAddrs = f
	}
}

// New 创建节点记录簿
func New(capacity int, opts ...Option) (*Peerstore, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	cache, err := lru.New[types.PeerID, *types.PeerRecord](capacity)
	if err != nil {
		return nil, err
	}
	p := &Peerstore{
		cache:  cache,
		pinned: make(map[types.PeerID]*types.PeerRecord),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Upsert 写入一次目击
//
// 已有记录则合并：更新 LastSeenAt 与发现方式，地址与协议做并集。
// 返回合并后的记录快照。
func (p *Peerstore) Upsert(sighting types.PeerRecord) *types.PeerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.lookup(sighting.ID)
	if rec == nil {
		rec = sighting.Clone()
		if rec.DiscoveredAt.IsZero() {
			rec.DiscoveredAt = time.Now()
		}
		if rec.LastSeenAt.IsZero() {
			rec.LastSeenAt = rec.DiscoveredAt
		}
		rec.Addresses = p.orderAddrs(rec.Addresses)
		p.cache.Add(rec.ID, rec)
		logger.Debug("新增节点记录",
			"peerID", rec.ID.ShortString(), "method", rec.Method.String())
		return rec.Clone()
	}

	rec.LastSeenAt = time.Now()
	// 未记录途径的目击（如握手后的元数据回写）不抹掉已知途径
	if sighting.Method != types.MethodUnknown {
		rec.Method = sighting.Method
	}
	if sighting.DisplayName != "" {
		rec.DisplayName = sighting.DisplayName
	}
	rec.Addresses = p.orderAddrs(unionStrings(rec.Addresses, sighting.Addresses))
	rec.Protocols = unionStrings(rec.Protocols, sighting.Protocols)
	return rec.Clone()
}

// Get 读取记录快照
func (p *Peerstore) Get(id types.PeerID) (*types.PeerRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.lookup(id)
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Addrs 返回记录的地址（按传输层优先级），不存在时为空
func (p *Peerstore) Addrs(id types.PeerID) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.lookup(id)
	if rec == nil {
		return nil
	}
	return append([]string(nil), rec.Addresses...)
}

// List 返回全部记录快照
func (p *Peerstore) List() []types.PeerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.PeerRecord, 0, p.cache.Len()+len(p.pinned))
	for _, id := range p.cache.Keys() {
		if rec, ok := p.cache.Peek(id); ok {
			out = append(out, *rec.Clone())
		}
	}
	for _, rec := range p.pinned {
		out = append(out, *rec.Clone())
	}
	return out
}

// Remove 显式移除记录（用户动作）
func (p *Peerstore) Remove(id types.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cache.Remove(id)
	delete(p.pinned, id)
}

// Pin 钉住记录，使其不参与 LRU 淘汰
//
// 连接建立时由 Connection Manager 调用。
func (p *Peerstore) Pin(id types.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pinned[id]; ok {
		return
	}
	if rec, ok := p.cache.Get(id); ok {
		p.cache.Remove(id)
		p.pinned[id] = rec
	}
}

// Unpin 解除钉住，记录回到可淘汰池
func (p *Peerstore) Unpin(id types.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.pinned[id]; ok {
		delete(p.pinned, id)
		p.cache.Add(id, rec)
	}
}

// Len 当前记录数
func (p *Peerstore) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len() + len(p.pinned)
}

// lookup 内部查找（调用方持锁）
func (p *Peerstore) lookup(id types.PeerID) *types.PeerRecord {
	if rec, ok := p.pinned[id]; ok {
		return rec
	}
	if rec, ok := p.cache.Get(id); ok {
		return rec
	}
	return nil
}

func (p *Peerstore) orderAddrs(addrs []string) []string {
	if p.sortAddrs == nil {
		return addrs
	}
	return p.sortAddrs(addrs)
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
