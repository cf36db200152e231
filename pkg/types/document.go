package types

// ============================================================================
//                              文档模型
// ============================================================================
//
// 文档是复制引擎的最小收敛单元（如一条播放列表、一条曲目记录）。
// 标量字段按 LWW 合并；有序成员字段（如曲目成员列表）不存裸数组，
// 而是记录插入日志（InsertionLog），支持 add-wins 合并语义。
// 文档永不物理删除，删除以墓碑标记表达，保证收敛性定义良好。

// FieldValue 标量字段值及其版本元数据
type FieldValue struct {
	// Value 字段值（JSON 标量或可序列化结构）
	Value any `json:"value"`

	// UpdatedAt 写入时的逻辑时钟（lamport）
	UpdatedAt uint64 `json:"updatedAt"`

	// UpdatedBy 写入者节点 ID
	UpdatedBy PeerID `json:"updatedBy"`
}

// LogEntry 插入日志条目
//
// 每次插入产生一个全局唯一的条目，键为 (ElementID, AddedBy, AddedAt)。
// 移除只标记移除者已经看到的具体条目（observed-remove），
// 因此并发的插入总能幸存（add-wins）。
type LogEntry struct {
	// ElementID 被插入的元素 ID（如曲目 ID）
	ElementID string `json:"elementId"`

	// AddedBy 插入者节点 ID
	AddedBy PeerID `json:"addedBy"`

	// AddedAt 插入时的逻辑时钟
	AddedAt uint64 `json:"addedAt"`

	// Removed 该条目是否已被移除
	Removed bool `json:"removed"`

	// RemovedBy 移除者节点 ID（Removed 为 true 时有效）
	RemovedBy PeerID `json:"removedBy,omitempty"`

	// RemovedAt 移除时的逻辑时钟（Removed 为 true 时有效）
	RemovedAt uint64 `json:"removedAt,omitempty"`
}

// SameAdd 判断两个条目是否指同一次插入
func (e LogEntry) SameAdd(other LogEntry) bool {
	return e.ElementID == other.ElementID &&
		e.AddedBy == other.AddedBy &&
		e.AddedAt == other.AddedAt
}

// Tombstone 文档墓碑标记（LWW 字段）
type Tombstone struct {
	// Deleted 文档是否被标记删除
	Deleted bool `json:"deleted"`

	// UpdatedAt 标记时的逻辑时钟
	UpdatedAt uint64 `json:"updatedAt"`

	// UpdatedBy 标记者节点 ID
	UpdatedBy PeerID `json:"updatedBy"`
}

// Document 可复制文档
type Document struct {
	// ID 文档 ID（集合内唯一）
	ID string `json:"id"`

	// Fields 标量字段（LWW 合并）
	Fields map[string]FieldValue `json:"fields"`

	// InsertionLog 有序成员字段的插入日志（add-wins 合并）
	InsertionLog []LogEntry `json:"insertionLog,omitempty"`

	// Tombstone 删除标记（软删除）
	Tombstone Tombstone `json:"tombstone"`
}

// Clone 返回文档的深拷贝
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := &Document{
		ID:        d.ID,
		Fields:    make(map[string]FieldValue, len(d.Fields)),
		Tombstone: d.Tombstone,
	}
	for k, v := range d.Fields {
		c.Fields[k] = v
	}
	c.InsertionLog = append([]LogEntry(nil), d.InsertionLog...)
	return c
}

// Elements 返回当前存活的有序成员元素
//
// 元素存活当且仅当其至少有一个未被移除的插入条目。
// 顺序按最早存活插入的 (AddedAt, AddedBy) 排序，所有副本一致。
func (d *Document) Elements() []string {
	type first struct {
		at uint64
		by PeerID
	}
	alive := make(map[string]first)
	for _, e := range d.InsertionLog {
		if e.Removed {
			continue
		}
		f, ok := alive[e.ElementID]
		if !ok || e.AddedAt < f.at || (e.AddedAt == f.at && e.AddedBy.Less(f.by)) {
			alive[e.ElementID] = first{at: e.AddedAt, by: e.AddedBy}
		}
	}
	out := make([]string, 0, len(alive))
	for id := range alive {
		out = append(out, id)
	}
	// 按 (AddedAt, AddedBy, ElementID) 稳定排序
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := alive[out[j-1]], alive[out[j]]
			if b.at < a.at ||
				(b.at == a.at && b.by.Less(a.by)) ||
				(b.at == a.at && b.by == a.by && out[j] < out[j-1]) {
				out[j-1], out[j] = out[j], out[j-1]
			} else {
				break
			}
		}
	}
	return out
}

// ============================================================================
//                              补丁与检查点
// ============================================================================

// Patch 一次变更的可传播表示
//
// 由来源节点签发，带 (Origin, Seq) 戳，永不改号；
// 闲聊转发（gossip）时原样传播。合并是幂等的，
// 重复投递、乱序投递均不影响最终状态。
type Patch struct {
	// ID 补丁唯一 ID
	ID string `json:"id"`

	// Collection 所属集合
	Collection string `json:"collection"`

	// DocumentID 目标文档
	DocumentID string `json:"documentId"`

	// Origin 变更来源节点
	Origin PeerID `json:"origin"`

	// Seq 来源节点内单调递增的序号（检查点依据）
	Seq uint64 `json:"seq"`

	// Stamp 变更写入时的逻辑时钟
	Stamp uint64 `json:"stamp"`

	// Fields 字段更新（可为空）
	Fields map[string]FieldValue `json:"fields,omitempty"`

	// Log 插入日志条目（新增插入或已观察到的移除标记）
	Log []LogEntry `json:"log,omitempty"`

	// Tombstone 删除标记更新（可为空）
	Tombstone *Tombstone `json:"tombstone,omitempty"`
}

// CheckpointVector 复制检查点向量
//
// collection → origin → 已应用的最高连续 Seq。
// 对每个 (远端来源, 集合) 单调不减；重连时用于避免全量重传。
type CheckpointVector map[string]map[PeerID]uint64

// Clone 返回向量的深拷贝
func (v CheckpointVector) Clone() CheckpointVector {
	c := make(CheckpointVector, len(v))
	for col, origins := range v {
		m := make(map[PeerID]uint64, len(origins))
		for o, seq := range origins {
			m[o] = seq
		}
		c[col] = m
	}
	return c
}

// Get 返回 (collection, origin) 的检查点，缺省为 0
func (v CheckpointVector) Get(collection string, origin PeerID) uint64 {
	if origins, ok := v[collection]; ok {
		return origins[origin]
	}
	return 0
}

// Advance 推进检查点（只增不减）
func (v CheckpointVector) Advance(collection string, origin PeerID, seq uint64) {
	origins, ok := v[collection]
	if !ok {
		origins = make(map[PeerID]uint64)
		v[collection] = origins
	}
	if seq > origins[origin] {
		origins[origin] = seq
	}
}

// ============================================================================
//                              本地变更入口
// ============================================================================

// LocalChange 宿主应用提交的本地变更
//
// 不带版本戳；复制引擎负责加 lamport 戳与来源序号。
type LocalChange struct {
	// Fields 待更新的标量字段
	Fields map[string]any

	// Add 待插入的有序成员元素
	Add []string

	// Remove 待移除的有序成员元素（只影响本副本已见的插入）
	Remove []string

	// Delete 非 nil 时更新文档墓碑
	Delete *bool
}

// Empty 判断变更是否为空
func (c LocalChange) Empty() bool {
	return len(c.Fields) == 0 && len(c.Add) == 0 && len(c.Remove) == 0 && c.Delete == nil
}
