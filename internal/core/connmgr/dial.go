package connmgr

import (
	"context"
	"errors"
	"fmt"

	"github.com/tunemesh/go-tunemesh/internal/core/muxer"
	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/protocol"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// backoffEntry 单个对端的重拨状态
type backoffEntry struct {
	attempts    int
	unreachable bool
}

// Connect 建立到对端的连接
//
// 幂等：已连接直接返回。并发的 Connect 合并为一次拨号。
// 地址取自节点存储；失败按指数退避重试，耗尽后标记
// 不可达，直到该节点再次被发现。
func (m *Manager) Connect(ctx context.Context, peer types.PeerID) error {
	return m.ConnectAddrs(ctx, peer, nil)
}

// ConnectAddrs 带显式地址建立连接
//
// addrs 为空时使用节点存储中的已知地址。
func (m *Manager) ConnectAddrs(ctx context.Context, peer types.PeerID, addrs []string) error {
	if peer == m.id.PeerID() {
		return ErrSelfDial
	}
	if err := peer.Validate(); err != nil {
		return fmt.Errorf("connmgr: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if c, ok := m.conns[peer]; ok && c.State() == types.StateConnected {
		m.mu.Unlock()
		return nil
	}
	if be := m.backoff[peer]; be != nil && be.unreachable && len(addrs) == 0 {
		m.mu.Unlock()
		return ErrUnreachable
	}
	m.mu.Unlock()

	// 显式地址也记进存储，供重拨使用
	if len(addrs) > 0 {
		m.pstore.Upsert(types.PeerRecord{ID: peer, Addresses: addrs})
	}

	ch := m.dialGroup.DoChan(string(peer), func() (any, error) {
		return nil, m.connectWithRetry(ctx, peer)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) connectWithRetry(ctx context.Context, peer types.PeerID) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			// 指数退避：RetryBase · 2^(attempt-1)
			wait := m.cfg.RetryBase << (attempt - 1)
			timer := m.clk.Timer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-m.ctx.Done():
				timer.Stop()
				return ErrClosed
			}
		}

		err := m.dialOnce(ctx, peer)
		if err == nil {
			m.mu.Lock()
			delete(m.backoff, peer)
			m.mu.Unlock()
			m.met.DialAttempt("ok")
			return nil
		}
		m.met.DialAttempt("error")
		lastErr = err

		switch err {
		case ErrNoAddresses, ErrCapacityExceeded, ErrDuplicateConn, ErrSelfDial, ErrClosed:
			// 重试无望的失败直接放弃
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debug("拨号失败",
			"peer", log.TruncateID(string(peer), 8),
			"attempt", attempt+1, "err", err)
	}

	m.mu.Lock()
	m.backoff[peer] = &backoffEntry{attempts: m.cfg.RetryAttempts, unreachable: true}
	m.mu.Unlock()
	logger.Info("对端不可达，等待再次发现",
		"peer", log.TruncateID(string(peer), 8))
	return fmt.Errorf("%w: %v", ErrUnreachable, lastErr)
}

// dialOnce 单次完整的连接建立
func (m *Manager) dialOnce(ctx context.Context, peer types.PeerID) error {
	addrs := m.pstore.Addrs(peer)
	if len(addrs) == 0 {
		return ErrNoAddresses
	}

	// 拨号并发闸门
	select {
	case m.dialSem <- struct{}{}:
		defer func() { <-m.dialSem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	c := newConn(peer, types.DirOutbound, "")
	if err := m.admit(c); err != nil {
		return err
	}

	m.setState(c, types.StateDialing, types.ReasonNone)

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	raw, scheme, err := m.transports.Dial(dctx, peer, addrs)
	cancel()
	if err != nil {
		m.failConn(c, types.ReasonTransportError)
		return err
	}
	c.transport = scheme

	m.setState(c, types.StateEncrypting, types.ReasonNone)
	hctx, hcancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer hcancel()

	sconn, err := m.secure.SecureOutbound(hctx, c.wrap(raw, m.met), peer)
	if err != nil {
		m.failConn(c, types.ReasonHandshakeFailed)
		raw.Close()
		return handshakeErr(hctx, ctx, err)
	}

	m.setState(c, types.StateNegotiating, types.ReasonNone)
	sess := muxer.New(sconn, true)
	c.setSession(sess)
	m.wg.Add(1)
	go m.acceptStreams(c, sess)

	stream, err := sess.OpenStream(hctx, string(protocol.Handshake))
	if err != nil {
		m.failConn(c, types.ReasonHandshakeFailed)
		return handshakeErr(hctx, ctx, err)
	}
	res, err := m.hs.Outbound(stream, peer)
	if err != nil {
		m.failConn(c, types.ReasonHandshakeFailed)
		return handshakeErr(hctx, ctx, err)
	}

	m.recordPeer(*res)
	m.setState(c, types.StateConnected, types.ReasonNone)
	m.pstore.Pin(peer)
	logger.Info("出站连接就绪",
		"peer", log.TruncateID(string(peer), 8),
		"name", res.Hello.DisplayName,
		"transport", scheme)
	return nil
}

// handshakeErr 把协商期限内的超时归一为 ErrHandshakeTimeout
//
// 仅当超时出自握手窗口本身（而非调用方取消）时归一。
func handshakeErr(hctx, parent context.Context, err error) error {
	if errors.Is(hctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	return err
}

// watchDiscovery 节点再次被发现时解除退避
func (m *Manager) watchDiscovery(sub pkgif.Subscription) {
	defer m.wg.Done()
	defer sub.Close()
	for {
		select {
		case <-m.ctx.Done():
			return
		case raw, ok := <-sub.Out():
			if !ok {
				return
			}
			evt, ok := raw.(types.EvtPeerDiscovered)
			if !ok {
				continue
			}
			m.met.PeerDiscovered(evt.Record.Method.String())
			m.mu.Lock()
			if be := m.backoff[evt.Record.ID]; be != nil {
				delete(m.backoff, evt.Record.ID)
			}
			m.mu.Unlock()
		}
	}
}
