package types

import "time"

// ============================================================================
//                              发现方式
// ============================================================================

// DiscoveryMethod 节点被发现的途径
type DiscoveryMethod int

const (
	// MethodUnknown 未记录发现途径（零值，合并时不覆盖已知途径）
	MethodUnknown DiscoveryMethod = iota

	// MethodLocalBroadcast 本地网络广播（mDNS）
	MethodLocalBroadcast

	// MethodManualLink 手动分享的连接链接
	MethodManualLink

	// MethodRelay 经中继地址发现
	MethodRelay
)

// String 返回发现方式的字符串表示
func (m DiscoveryMethod) String() string {
	switch m {
	case MethodLocalBroadcast:
		return "local-broadcast"
	case MethodManualLink:
		return "manual-link"
	case MethodRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              PeerRecord - 节点记录
// ============================================================================

// PeerRecord 已知节点的记录
//
// 首次发现或成功拨号时创建，之后每次出现都会更新。
// 记录不会被自动删除（保留用于重连），仅在容量满时 LRU 淘汰，
// 或由用户显式移除。
type PeerRecord struct {
	// ID 节点标识（公钥派生，不可变）
	ID PeerID

	// DisplayName 节点的展示名称（握手后可信）
	DisplayName string

	// Addresses 已知地址，按传输层优先级排序
	// 格式：scheme://host:port，如 tcp://192.168.1.5:4001
	Addresses []string

	// Protocols 节点声明支持的协议 ID 集合（握手后可信）
	Protocols []string

	// DiscoveredAt 首次发现时间
	DiscoveredAt time.Time

	// LastSeenAt 最后一次出现时间
	LastSeenAt time.Time

	// Method 发现途径
	Method DiscoveryMethod
}

// Clone 返回记录的深拷贝
func (r *PeerRecord) Clone() *PeerRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Addresses = append([]string(nil), r.Addresses...)
	c.Protocols = append([]string(nil), r.Protocols...)
	return &c
}

// SupportsProtocol 判断记录是否声明支持指定协议
func (r *PeerRecord) SupportsProtocol(id string) bool {
	for _, p := range r.Protocols {
		if p == id {
			return true
		}
	}
	return false
}
