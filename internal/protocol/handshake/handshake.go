// Package handshake 实现连接协商协议
//
// 在 Negotiating 阶段运行一次：双方交换节点元数据
// （展示名、代理版本、支持的协议、能力列表），
// 并验证协议兼容性。这是把广播发现混入的外来进程
// 挡在 Connected 之外的唯一信任边界。
package handshake

import (
	"errors"
	"fmt"

	"github.com/tunemesh/go-tunemesh/internal/protocol/wire"
	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/protocol"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

var logger = log.Logger("protocol/handshake")

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrIdentityMismatch 声称的身份与加密层认证的身份不符
	ErrIdentityMismatch = errors.New("handshake: claimed peer id differs from authenticated one")
	// ErrIncompatible 协议不兼容
	ErrIncompatible = errors.New("handshake: no compatible replicate protocol")
	// ErrNoCapabilityOverlap 能力集无交集
	ErrNoCapabilityOverlap = errors.New("handshake: no capability overlap")
	// ErrRejected 对端拒绝
	ErrRejected = errors.New("handshake: rejected by remote")
)

// ============================================================================
// 消息
// ============================================================================

// Hello 握手消息
type Hello struct {
	// PeerID 声称的节点 ID（必须与 Noise 认证结果一致）
	PeerID types.PeerID `json:"peerId"`

	// DisplayName 节点展示名
	DisplayName string `json:"displayName"`

	// AgentVersion 实现版本
	AgentVersion string `json:"agentVersion"`

	// Protocols 支持的协议 ID
	Protocols []string `json:"protocols"`

	// Capabilities 能力列表
	Capabilities []string `json:"capabilities"`
}

// Ack 握手确认
type Ack struct {
	// OK 是否接受
	OK bool `json:"ok"`

	// Error 拒绝原因
	Error string `json:"error,omitempty"`
}

// ============================================================================
// Service
// ============================================================================

// Result 一次成功握手的结论
type Result struct {
	// Peer 对端节点 ID
	Peer types.PeerID

	// Hello 对端元数据
	Hello Hello
}

// Service 握手服务
type Service struct {
	local func() Hello // 本地 Hello 的提供者（地址等字段随运行变化）

	// onInbound 入站握手完成回调（由 Connection Manager 注入）
	onInbound func(Result)
}

// New 创建握手服务
//
// localHello 每次握手时调用，返回当前的本地元数据。
func New(localHello func() Hello) *Service {
	return &Service{local: localHello}
}

// SetInboundCallback 设置入站握手完成回调
func (s *Service) SetInboundCallback(cb func(Result)) {
	s.onInbound = cb
}

// Outbound 在出站连接上执行握手（拨号方先发）
//
// stream 须是 /tunemesh/handshake/1.0.0 的新流；
// authenticated 是 Noise 层认证出的对端身份。
func (s *Service) Outbound(stream pkgif.Stream, authenticated types.PeerID) (*Result, error) {
	defer stream.Close()

	local := s.local()
	if err := wire.WriteMessage(stream, &local); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	var remote Hello
	if err := wire.ReadMessage(stream, &remote); err != nil {
		return nil, fmt.Errorf("recv hello: %w", err)
	}

	if err := Validate(remote, authenticated, local.Capabilities); err != nil {
		_ = wire.WriteMessage(stream, &Ack{OK: false, Error: err.Error()})
		return nil, err
	}
	if err := wire.WriteMessage(stream, &Ack{OK: true}); err != nil {
		return nil, fmt.Errorf("send ack: %w", err)
	}

	var ack Ack
	if err := wire.ReadMessage(stream, &ack); err != nil {
		return nil, fmt.Errorf("recv ack: %w", err)
	}
	if !ack.OK {
		return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}

	logger.Debug("出站握手完成",
		"peerID", authenticated.ShortString(), "displayName", remote.DisplayName)
	return &Result{Peer: authenticated, Hello: remote}, nil
}

// Handler 入站握手流处理器（应答方）
func (s *Service) Handler(stream pkgif.Stream) {
	defer stream.Close()

	authenticated := stream.RemotePeer()
	local := s.local()

	var remote Hello
	if err := wire.ReadMessage(stream, &remote); err != nil {
		logger.Debug("入站握手读取失败",
			"peerID", authenticated.ShortString(), "error", err)
		_ = stream.Reset()
		return
	}

	if err := Validate(remote, authenticated, local.Capabilities); err != nil {
		logger.Info("入站握手被拒绝",
			"peerID", authenticated.ShortString(), "error", err)
		// 仍应答本地元数据，让对端的校验得出同样结论
		_ = wire.WriteMessage(stream, &local)
		_ = wire.WriteMessage(stream, &Ack{OK: false, Error: err.Error()})
		return
	}

	if err := wire.WriteMessage(stream, &local); err != nil {
		return
	}
	if err := wire.WriteMessage(stream, &Ack{OK: true}); err != nil {
		return
	}

	var ack Ack
	if err := wire.ReadMessage(stream, &ack); err != nil || !ack.OK {
		return
	}

	logger.Debug("入站握手完成",
		"peerID", authenticated.ShortString(), "displayName", remote.DisplayName)
	if s.onInbound != nil {
		s.onInbound(Result{Peer: authenticated, Hello: remote})
	}
}

// Validate 校验对端 Hello
//
// 检查：声称身份与认证身份一致、复制协议主版本兼容、能力集交集非空。
func Validate(remote Hello, authenticated types.PeerID, localCaps []string) error {
	if remote.PeerID != authenticated {
		return ErrIdentityMismatch
	}
	if !protocol.CompatibleSet(protocol.Replicate, remote.Protocols) {
		return fmt.Errorf("%w: theirs %v", ErrIncompatible, remote.Protocols)
	}
	if len(Overlap(localCaps, remote.Capabilities)) == 0 {
		return ErrNoCapabilityOverlap
	}
	return nil
}

// Overlap 计算能力交集
func Overlap(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	var out []string
	for _, c := range b {
		if _, ok := set[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
