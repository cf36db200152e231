package tunemesh

import (
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// Apply 应用本地变更并向全部已连接对端传播
//
// 返回签发的补丁；合并后的文档以 EvtDocumentChanged
// 事件通知订阅者。
func (n *Node) Apply(collection, docID string, change types.LocalChange) (types.Patch, error) {
	if !n.running() {
		return types.Patch{}, ErrNotStarted
	}
	return n.engine.ApplyLocalChange(collection, docID, change)
}

// Document 返回文档快照，不存在时返回 nil
func (n *Node) Document(collection, docID string) *types.Document {
	return n.engine.Store().Document(collection, docID)
}

// Documents 返回集合内全部未删除文档的快照
func (n *Node) Documents(collection string) []*types.Document {
	return n.engine.Store().Documents(collection)
}

// Collections 返回已有数据的集合名
func (n *Node) Collections() []string {
	return n.engine.Store().Collections()
}

// Checkpoint 返回当前复制检查点向量
func (n *Node) Checkpoint() types.CheckpointVector {
	return n.engine.Store().Checkpoint()
}
