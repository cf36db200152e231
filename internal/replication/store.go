package replication

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tunemesh/go-tunemesh/internal/replication/merge"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// maxPendingPerOrigin 每个来源允许暂存的乱序补丁上限
//
// 超限说明缺口长期无法补齐（通常是对端状态丢失），
// 丢弃暂存并要求上层按检查点重新同步。
const maxPendingPerOrigin = 1024

// Store 持有全部集合的文档状态与补丁日志
//
// 单把锁保护；补丁应用由引擎的串行化协程驱动，
// 锁竞争只来自只读快照。
type Store struct {
	mu    sync.RWMutex
	local types.PeerID

	// clock 本地 lamport 时钟，见到更大戳即追赶
	clock uint64

	// collections 集合状态
	collections map[string]*collectionState

	// applied 已应用的最高连续检查点（自己的写也计入）
	applied types.CheckpointVector

	// pending 乱序到达、等待补齐缺口的补丁
	// collection → origin → seq → patch
	pending map[string]map[types.PeerID]map[uint64]types.Patch
}

type collectionState struct {
	docs map[string]*types.Document

	// changelog 按来源分桶的补丁日志，桶内按 Seq 递增
	changelog map[types.PeerID][]types.Patch

	// nextSeq 本地签发补丁的下一个序号
	nextSeq uint64
}

// NewStore 创建空存储
func NewStore(local types.PeerID) *Store {
	return &Store{
		local:       local,
		collections: make(map[string]*collectionState),
		applied:     make(types.CheckpointVector),
		pending:     make(map[string]map[types.PeerID]map[uint64]types.Patch),
	}
}

func (s *Store) collection(name string) *collectionState {
	cs, ok := s.collections[name]
	if !ok {
		cs = &collectionState{
			docs:      make(map[string]*types.Document),
			changelog: make(map[types.PeerID][]types.Patch),
		}
		s.collections[name] = cs
	}
	return cs
}

// ApplyLocal 应用宿主应用的本地变更并签发补丁
//
// 变更被盖上递增的 lamport 戳与本地来源序号，
// 先落到本地文档，再交给调用方传播。
func (s *Store) ApplyLocal(collection, docID string, change types.LocalChange) (types.Patch, error) {
	if collection == "" || docID == "" {
		return types.Patch{}, ErrBadPatch
	}
	if change.Empty() {
		return types.Patch{}, ErrEmptyChange
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.collection(collection)
	doc, ok := cs.docs[docID]
	if !ok {
		doc = &types.Document{ID: docID, Fields: make(map[string]types.FieldValue)}
		cs.docs[docID] = doc
	}

	s.clock++
	stamp := s.clock

	p := types.Patch{
		ID:         uuid.NewString(),
		Collection: collection,
		DocumentID: docID,
		Origin:     s.local,
		Seq:        cs.nextSeq + 1,
		Stamp:      stamp,
	}

	if len(change.Fields) > 0 {
		p.Fields = make(map[string]types.FieldValue, len(change.Fields))
		for k, v := range change.Fields {
			p.Fields[k] = types.FieldValue{Value: v, UpdatedAt: stamp, UpdatedBy: s.local}
		}
	}
	for _, el := range change.Add {
		p.Log = append(p.Log, types.LogEntry{ElementID: el, AddedBy: s.local, AddedAt: stamp})
	}
	for _, el := range change.Remove {
		// 只标记本副本已见的存活插入（observed-remove）
		for _, e := range doc.InsertionLog {
			if e.ElementID != el || e.Removed {
				continue
			}
			e.Removed = true
			e.RemovedBy = s.local
			e.RemovedAt = stamp
			p.Log = append(p.Log, e)
		}
	}
	if change.Delete != nil {
		p.Tombstone = &types.Tombstone{Deleted: *change.Delete, UpdatedAt: stamp, UpdatedBy: s.local}
	}

	if len(p.Fields) == 0 && len(p.Log) == 0 && p.Tombstone == nil {
		// 移除了不存在的元素等空操作，不签发补丁
		return types.Patch{}, ErrEmptyChange
	}

	cs.nextSeq = p.Seq
	merge.Patch(doc, p)
	cs.changelog[s.local] = append(cs.changelog[s.local], p)
	s.applied.Advance(collection, s.local, p.Seq)
	return p, nil
}

// ApplyRemote 应用远端补丁
//
// 按 (Origin, Seq) 做连续性投递：重复序号丢弃，
// 跳号暂存直到缺口补齐。返回本次真正并入状态的补丁
// （含被解除暂存的后继）与是否需要上层重新同步。
func (s *Store) ApplyRemote(p types.Patch) (applied []types.Patch, resync bool, err error) {
	if p.Collection == "" || p.DocumentID == "" || p.Origin == "" || p.Seq == 0 {
		return nil, false, ErrBadPatch
	}
	if p.Origin == s.local {
		// 自己的补丁绕了一圈回来
		return nil, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	have := s.applied.Get(p.Collection, p.Origin)
	switch {
	case p.Seq <= have:
		return nil, false, nil
	case p.Seq > have+1:
		if s.bufferPending(p) {
			return nil, false, nil
		}
		return nil, true, nil
	}

	applied = append(applied, p)
	s.commit(p)

	// 缺口补齐后连带释放暂存的后继
	for {
		next, ok := s.takePending(p.Collection, p.Origin, s.applied.Get(p.Collection, p.Origin)+1)
		if !ok {
			break
		}
		applied = append(applied, next)
		s.commit(next)
	}
	return applied, false, nil
}

// commit 将补丁并入文档并记入日志，调用方持锁
func (s *Store) commit(p types.Patch) {
	if p.Stamp > s.clock {
		s.clock = p.Stamp
	}
	cs := s.collection(p.Collection)
	doc, ok := cs.docs[p.DocumentID]
	if !ok {
		doc = &types.Document{ID: p.DocumentID, Fields: make(map[string]types.FieldValue)}
		cs.docs[p.DocumentID] = doc
	}
	merge.Patch(doc, p)
	cs.changelog[p.Origin] = append(cs.changelog[p.Origin], p)
	s.applied.Advance(p.Collection, p.Origin, p.Seq)
}

func (s *Store) bufferPending(p types.Patch) bool {
	origins, ok := s.pending[p.Collection]
	if !ok {
		origins = make(map[types.PeerID]map[uint64]types.Patch)
		s.pending[p.Collection] = origins
	}
	seqs, ok := origins[p.Origin]
	if !ok {
		seqs = make(map[uint64]types.Patch)
		origins[p.Origin] = seqs
	}
	if _, dup := seqs[p.Seq]; dup {
		return true
	}
	if len(seqs) >= maxPendingPerOrigin {
		// 缺口补不齐了，清空暂存并要求重新同步
		delete(origins, p.Origin)
		return false
	}
	seqs[p.Seq] = p
	return true
}

func (s *Store) takePending(collection string, origin types.PeerID, seq uint64) (types.Patch, bool) {
	origins, ok := s.pending[collection]
	if !ok {
		return types.Patch{}, false
	}
	seqs, ok := origins[origin]
	if !ok {
		return types.Patch{}, false
	}
	p, ok := seqs[seq]
	if !ok {
		return types.Patch{}, false
	}
	delete(seqs, seq)
	if len(seqs) == 0 {
		delete(origins, origin)
	}
	return p, true
}

// Checkpoint 返回当前检查点向量的快照
func (s *Store) Checkpoint() types.CheckpointVector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied.Clone()
}

// Backlog 返回对端尚未见过的全部补丁，旧的在前
//
// want 是对端报告的检查点；每个 (集合, 来源) 桶内
// 只取 Seq 大于对端检查点的尾段。
func (s *Store) Backlog(want types.CheckpointVector) []types.Patch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Patch
	for name, cs := range s.collections {
		for origin, log := range cs.changelog {
			have := want.Get(name, origin)
			// 桶内按 Seq 递增，二分找到第一条未见的
			lo, hi := 0, len(log)
			for lo < hi {
				mid := (lo + hi) / 2
				if log[mid].Seq <= have {
					lo = mid + 1
				} else {
					hi = mid
				}
			}
			out = append(out, log[lo:]...)
		}
	}
	// 跨桶按 (Stamp, Origin, Seq) 排出近似因果序
	sortPatches(out)
	return out
}

func sortPatches(ps []types.Patch) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.Stamp != b.Stamp {
			return a.Stamp < b.Stamp
		}
		if a.Origin != b.Origin {
			return a.Origin.Less(b.Origin)
		}
		return a.Seq < b.Seq
	})
}

// Document 返回文档的深拷贝快照，不存在时返回 nil
func (s *Store) Document(collection, docID string) *types.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.collections[collection]
	if !ok {
		return nil
	}
	return cs.docs[docID].Clone()
}

// Documents 返回集合内全部未删除文档的快照
func (s *Store) Documents(collection string) []*types.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.collections[collection]
	if !ok {
		return nil
	}
	out := make([]*types.Document, 0, len(cs.docs))
	for _, d := range cs.docs {
		if d.Tombstone.Deleted {
			continue
		}
		out = append(out, d.Clone())
	}
	return out
}

// Collections 返回已知集合名
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.collections))
	for name := range s.collections {
		out = append(out, name)
	}
	return out
}
