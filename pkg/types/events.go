package types

// ============================================================================
//                              事件类型
// ============================================================================
//
// 事件通过 eventbus 投递给宿主应用（UI/存储层）。
// 事件是值拷贝；消费者不能通过事件修改内部状态。

// EvtPeerDiscovered 发现新节点或已知节点再次出现
//
// 发现不代表信任：广播发现可能混入不兼容的外来进程，
// 只有完成协议握手的节点才被视为协议兼容。
type EvtPeerDiscovered struct {
	// Record 节点记录快照
	Record PeerRecord
}

// EvtConnStateChanged 连接状态变更
type EvtConnStateChanged struct {
	// Peer 对端节点 ID
	Peer PeerID

	// Old 变更前状态
	Old ConnState

	// New 变更后状态
	New ConnState

	// Reason 关闭/失败原因（仅终态与 Closing 有效）
	Reason CloseReason
}

// EvtDocumentChanged 文档发生净变更
//
// 本地变更与远端补丁合并产生净变更时均会发出。
type EvtDocumentChanged struct {
	// Collection 所属集合
	Collection string

	// DocumentID 文档 ID
	DocumentID string

	// Document 合并后的文档快照
	Document Document

	// Origin 变更来源节点（本地变更时为自身 ID）
	Origin PeerID
}
