package interfaces

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// SecureConn 完成加密握手后的连接
//
// 一条连接只有一个加密通道；逻辑流复用在其之上。
type SecureConn interface {
	net.Conn

	// LocalPeer 本地节点 ID
	LocalPeer() types.PeerID

	// RemotePeer 经握手认证的对端节点 ID
	RemotePeer() types.PeerID
}

// Stream 逻辑流
//
// 每个流绑定一个协议 ID，由对应的处理器独占读写。
// 流的帧格式由协议自己定义；复用层只负责按流分发字节。
type Stream interface {
	io.ReadWriteCloser

	// Protocol 流绑定的协议 ID
	Protocol() string

	// RemotePeer 流所属连接的对端节点 ID
	RemotePeer() types.PeerID

	// Reset 立即中止流（双向），对端读写将得到错误
	Reset() error

	// SetReadDeadline 设置读超时
	SetReadDeadline(t time.Time) error
}

// MuxedConn 多路复用连接
type MuxedConn interface {
	// OpenStream 打开指定协议的新流
	OpenStream(ctx context.Context, protocolID string) (Stream, error)

	// AcceptStream 接受对端打开的下一个流
	AcceptStream() (Stream, error)

	// Streams 返回当前打开的流的协议 ID
	Streams() []string

	// Close 关闭复用连接，中止所有流
	Close() error

	// IsClosed 是否已关闭
	IsClosed() bool
}

// StreamHandler 协议流处理器
//
// 处理器拥有流的读写权，返回前必须 Close 或 Reset 流。
type StreamHandler func(Stream)

// Host 为协议服务提供的宿主能力
//
// 由 Connection Manager 实现；协议服务（presence/replicate）
// 通过它打开流、注册处理器，而不直接持有连接。
type Host interface {
	// ID 本地节点 ID
	ID() types.PeerID

	// NewStream 在与 peer 的连接上打开指定协议的流
	//
	// 连接必须处于 Connected 状态，否则返回错误。
	NewStream(ctx context.Context, peer types.PeerID, protocolID string) (Stream, error)

	// SetStreamHandler 注册协议处理器
	SetStreamHandler(protocolID string, handler StreamHandler)

	// RemoveStreamHandler 移除协议处理器
	RemoveStreamHandler(protocolID string)

	// ConnectedPeers 返回所有 Connected 状态的对端
	ConnectedPeers() []types.PeerID
}
