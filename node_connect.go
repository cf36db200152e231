package tunemesh

import (
	"context"
	"time"

	"github.com/tunemesh/go-tunemesh/internal/discovery/link"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// Connect 连接到已发现的对端
//
// 幂等；地址取自节点存储并与 addrHints 合并，失败按退避重试。
func (n *Node) Connect(ctx context.Context, peer types.PeerID, addrHints ...string) error {
	if !n.running() {
		return ErrNotStarted
	}
	if len(addrHints) > 0 {
		return n.mgr.ConnectAddrs(ctx, peer, addrHints)
	}
	return n.mgr.Connect(ctx, peer)
}

// ConnectLink 通过邀请链接连接对端
//
// 链接可能携带中继地址；解析出的对端先以手动链接途径并入
// 节点存储并广播发现事件，再走常规拨号路径。
func (n *Node) ConnectLink(ctx context.Context, raw string) (types.PeerID, error) {
	if !n.running() {
		return "", ErrNotStarted
	}
	l, err := link.Parse(raw)
	if err != nil {
		return "", err
	}
	if l.Peer == n.ID() {
		return "", ErrSelfDial
	}

	rec := n.pstore.Upsert(types.PeerRecord{
		ID:         l.Peer,
		Addresses:  l.DialAddrs(),
		Method:     types.MethodManualLink,
		LastSeenAt: time.Now(),
	})
	if em, err := n.bus.Emitter(new(types.EvtPeerDiscovered)); err == nil {
		_ = em.Emit(types.EvtPeerDiscovered{Record: *rec})
		_ = em.Close()
	}

	if err := n.mgr.ConnectAddrs(ctx, l.Peer, l.DialAddrs()); err != nil {
		return l.Peer, err
	}
	return l.Peer, nil
}

// ShareLink 生成他人连接本节点用的邀请链接
//
// relay 为空时链接只携带身份，需对方与本节点同网段。
func (n *Node) ShareLink(relay string) (string, error) {
	return link.Format(n.ID(), relay)
}

// Disconnect 主动断开与对端的连接
func (n *Node) Disconnect(peer types.PeerID) error {
	if !n.running() {
		return ErrNotStarted
	}
	return n.mgr.Disconnect(peer)
}

// Peers 返回节点存储中的全部已知节点
func (n *Node) Peers() []types.PeerRecord {
	return n.pstore.List()
}

// ConnectedPeers 返回当前已连接的对端
func (n *Node) ConnectedPeers() []types.PeerID {
	if !n.running() {
		return nil
	}
	return n.mgr.ConnectedPeers()
}

// Connections 返回全部连接的快照
func (n *Node) Connections() []types.ConnSnapshot {
	if !n.running() {
		return nil
	}
	return n.mgr.Connections()
}
