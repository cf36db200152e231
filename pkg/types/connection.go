package types

import "time"

// ============================================================================
//                              连接状态机
// ============================================================================

// ConnState 连接状态
//
// 状态机：
//
//	Discovered → Dialing → Encrypting → Negotiating → Connected → Closing → Closed
//	                 └─────────┴─────────────┴──→ Failed
//
// Failed 仅可从 Dialing/Encrypting/Negotiating 到达；
// Closing/Closed 承载优雅关闭与异常断开（由 CloseReason 区分）。
type ConnState int

const (
	// StateDiscovered 已发现（尚未拨号）
	StateDiscovered ConnState = iota

	// StateDialing 拨号中（传输层连接建立中）
	StateDialing

	// StateEncrypting 加密握手中（Noise XX）
	StateEncrypting

	// StateNegotiating 协议协商中（交换支持的协议与元数据）
	StateNegotiating

	// StateConnected 已连接（可被协议路由器使用）
	StateConnected

	// StateClosing 关闭中
	StateClosing

	// StateClosed 已关闭（终态）
	StateClosed

	// StateFailed 失败（终态，可退避重试）
	StateFailed
)

// String 返回状态的字符串表示
func (s ConnState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateDialing:
		return "dialing"
	case StateEncrypting:
		return "encrypting"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal 判断是否为终态
func (s ConnState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// ============================================================================
//                              关闭原因
// ============================================================================

// CloseReason 连接关闭/失败的原因
type CloseReason int

const (
	// ReasonNone 无（连接未关闭）
	ReasonNone CloseReason = iota

	// ReasonLocalRequest 本地显式断开
	ReasonLocalRequest

	// ReasonRemoteRequest 对端关闭
	ReasonRemoteRequest

	// ReasonIdleTimeout 空闲超时
	ReasonIdleTimeout

	// ReasonHeartbeatMissed 心跳连续丢失
	ReasonHeartbeatMissed

	// ReasonTransportError 传输层错误
	ReasonTransportError

	// ReasonHandshakeFailed 握手失败（版本不兼容、认证失败、超时）
	ReasonHandshakeFailed

	// ReasonCapacity 连接数达到上限
	ReasonCapacity

	// ReasonDuplicate 同一节点的重复连接被拒绝
	ReasonDuplicate

	// ReasonShutdown 节点关闭
	ReasonShutdown
)

// String 返回关闭原因的字符串表示
func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLocalRequest:
		return "local-request"
	case ReasonRemoteRequest:
		return "remote-request"
	case ReasonIdleTimeout:
		return "idle-timeout"
	case ReasonHeartbeatMissed:
		return "heartbeat-missed"
	case ReasonTransportError:
		return "transport-error"
	case ReasonHandshakeFailed:
		return "handshake-failed"
	case ReasonCapacity:
		return "capacity"
	case ReasonDuplicate:
		return "duplicate"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              连接方向与快照
// ============================================================================

// Direction 连接方向
type Direction int

const (
	// DirInbound 入站连接
	DirInbound Direction = iota

	// DirOutbound 出站连接
	DirOutbound
)

// String 返回方向的字符串表示
func (d Direction) String() string {
	if d == DirInbound {
		return "inbound"
	}
	return "outbound"
}

// ConnSnapshot 连接的只读快照
//
// 连接状态由 Connection Manager 独占所有；
// 其他组件只能读取快照，不能修改连接。
type ConnSnapshot struct {
	// Peer 对端节点 ID
	Peer PeerID

	// State 当前状态
	State ConnState

	// Transport 使用的传输层 scheme（tcp/relay/ws）
	Transport string

	// Direction 连接方向
	Direction Direction

	// Streams 当前打开的逻辑流的协议 ID
	Streams []string

	// BytesSent 累计发送字节数
	BytesSent uint64

	// BytesReceived 累计接收字节数
	BytesReceived uint64

	// EstablishedAt 进入 Connected 的时间（未连接时为零值）
	EstablishedAt time.Time
}
