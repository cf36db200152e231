// Package merge 实现纯合并函数
//
// 收敛性是整个子系统的核心正确性：任意副本以任意顺序、
// 任意次数应用同一组补丁，必须到达相同终态。
// 因此所有合并都是可交换、可结合、幂等的纯函数，
// 操作显式的版本/插入元数据，而不是就地改数组。
//
// 策略：
//   - 标量字段：LWW，按 (UpdatedAt, UpdatedBy 字典序) 全序裁决
//   - 有序成员：插入日志上的 add-wins（observed-remove 集合）
//   - 删除：墓碑作为 LWW 字段合并
package merge

import (
	"sort"

	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// StampLess 比较两个版本戳
//
// 先比逻辑时钟，再比写入者 ID 字典序；保证全序，
// 所有副本对同一组并发写裁决出同一个胜者。
func StampLess(at1 uint64, by1 types.PeerID, at2 uint64, by2 types.PeerID) bool {
	if at1 != at2 {
		return at1 < at2
	}
	return by1.Less(by2)
}

// Field 合并两个标量字段值，返回胜者
//
// 严格更大的戳才获胜；戳相等视为同一次写，保留 a。
func Field(a, b types.FieldValue) types.FieldValue {
	if StampLess(a.UpdatedAt, a.UpdatedBy, b.UpdatedAt, b.UpdatedBy) {
		return b
	}
	return a
}

// Fields 将 incoming 合并进 dst，返回 dst 是否发生净变更
func Fields(dst map[string]types.FieldValue, incoming map[string]types.FieldValue) bool {
	changed := false
	for k, in := range incoming {
		cur, ok := dst[k]
		if !ok {
			dst[k] = in
			changed = true
			continue
		}
		// 以戳而非值判定变更：Value 可能持有不可比较类型
		if StampLess(cur.UpdatedAt, cur.UpdatedBy, in.UpdatedAt, in.UpdatedBy) {
			dst[k] = in
			changed = true
		}
	}
	return changed
}

// Tombstone 合并墓碑标记
func Tombstone(a, b types.Tombstone) types.Tombstone {
	// 零值墓碑（从未标记）总是让位于任何显式标记
	if b.UpdatedAt == 0 && b.UpdatedBy == "" {
		return a
	}
	if a.UpdatedAt == 0 && a.UpdatedBy == "" {
		return b
	}
	if StampLess(a.UpdatedAt, a.UpdatedBy, b.UpdatedAt, b.UpdatedBy) {
		return b
	}
	return a
}

// Log 将 incoming 条目并入 dst 的插入日志
//
// 条目按插入标识 (ElementID, AddedBy, AddedAt) 去重：
//   - 新插入直接并入
//   - 同一插入的 Removed 标记做或运算（observed-remove）
//
// 并发的"移除"只携带移除者已见插入的标记，
// 未见的并发插入不受影响——add-wins。
// 返回合并后的日志（规范有序）与是否净变更。
func Log(dst, incoming []types.LogEntry) ([]types.LogEntry, bool) {
	changed := false
	out := append([]types.LogEntry(nil), dst...)

	for _, in := range incoming {
		i := findAdd(out, in)
		if i < 0 {
			out = append(out, in)
			changed = true
			continue
		}
		if in.Removed && !out[i].Removed {
			out[i].Removed = true
			out[i].RemovedBy = in.RemovedBy
			out[i].RemovedAt = in.RemovedAt
			changed = true
		}
	}

	if changed {
		Canonicalize(out)
	}
	return out, changed
}

// Canonicalize 将日志排为规范顺序 (AddedAt, AddedBy, ElementID)
//
// 规范表示保证不同应用顺序产出逐字节相同的日志。
func Canonicalize(log []types.LogEntry) {
	sort.SliceStable(log, func(i, j int) bool {
		a, b := log[i], log[j]
		if a.AddedAt != b.AddedAt {
			return a.AddedAt < b.AddedAt
		}
		if a.AddedBy != b.AddedBy {
			return a.AddedBy.Less(b.AddedBy)
		}
		return a.ElementID < b.ElementID
	})
}

func findAdd(log []types.LogEntry, e types.LogEntry) int {
	for i := range log {
		if log[i].SameAdd(e) {
			return i
		}
	}
	return -1
}

// Patch 将补丁合并进文档，返回是否净变更
//
// 文档必须已初始化（Fields 非 nil）。幂等：重复应用同一补丁无净变更。
func Patch(doc *types.Document, p types.Patch) bool {
	changed := false

	if Fields(doc.Fields, p.Fields) {
		changed = true
	}
	if len(p.Log) > 0 {
		merged, logChanged := Log(doc.InsertionLog, p.Log)
		if logChanged {
			doc.InsertionLog = merged
			changed = true
		}
	}
	if p.Tombstone != nil {
		win := Tombstone(doc.Tombstone, *p.Tombstone)
		if win != doc.Tombstone {
			doc.Tombstone = win
			changed = true
		}
	}
	return changed
}

// Documents 将 src 整个合并进 dst，返回是否净变更
//
// 与逐补丁应用等价；用于全量校对与测试收敛性。
func Documents(dst *types.Document, src *types.Document) bool {
	changed := Fields(dst.Fields, src.Fields)

	merged, logChanged := Log(dst.InsertionLog, src.InsertionLog)
	if logChanged {
		dst.InsertionLog = merged
		changed = true
	}

	win := Tombstone(dst.Tombstone, src.Tombstone)
	if win != dst.Tombstone {
		dst.Tombstone = win
		changed = true
	}
	return changed
}
