// Package connmgr 实现连接管理器
//
// 管理器独占连接的生命周期：发现的节点经 拨号 → 加密 →
// 协商 → 已连接 的状态机推进，每个对端同一时刻至多一条
// 活跃连接。协议服务通过 Host 接口打开流，不直接持有连接。
//
// 出站失败按指数退避重拨，耗尽后标记不可达，
// 直到该节点再次被任一发现途径看到。
package connmgr

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/tunemesh/go-tunemesh/internal/core/identity"
	"github.com/tunemesh/go-tunemesh/internal/core/metrics"
	"github.com/tunemesh/go-tunemesh/internal/core/muxer"
	"github.com/tunemesh/go-tunemesh/internal/core/peerstore"
	"github.com/tunemesh/go-tunemesh/internal/core/router"
	"github.com/tunemesh/go-tunemesh/internal/core/security/noise"
	"github.com/tunemesh/go-tunemesh/internal/core/transport"
	"github.com/tunemesh/go-tunemesh/internal/protocol/handshake"
	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/protocol"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

var logger = log.Logger("connmgr")

// Pinger 心跳探测依赖
//
// 由 presence 协议服务实现；用接口注入避免启动顺序耦合。
type Pinger interface {
	Ping(ctx context.Context, peer types.PeerID) (time.Duration, error)
	Forget(peer types.PeerID)
}

// Manager 连接管理器，同时实现协议服务所需的 Host 接口
type Manager struct {
	cfg        Config
	id         *identity.Identity
	secure     *noise.Transport
	transports *transport.Registry
	router     *router.Router
	pstore     *peerstore.Peerstore
	hs         *handshake.Service
	bus        pkgif.EventBus
	met        *metrics.Metrics
	clk        clock.Clock

	emitter pkgif.Emitter

	mu        sync.Mutex
	conns     map[types.PeerID]*Conn
	listeners []pkgif.Listener
	backoff   map[types.PeerID]*backoffEntry
	presence  Pinger
	started   bool
	closed    bool

	dialGroup singleflight.Group
	dialSem   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ pkgif.Host = (*Manager)(nil)

// New 创建连接管理器
func New(
	cfg Config,
	id *identity.Identity,
	secure *noise.Transport,
	transports *transport.Registry,
	rt *router.Router,
	pstore *peerstore.Peerstore,
	hs *handshake.Service,
	bus pkgif.EventBus,
	met *metrics.Metrics,
	clk clock.Clock,
) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		id:         id,
		secure:     secure,
		transports: transports,
		router:     rt,
		pstore:     pstore,
		hs:         hs,
		bus:        bus,
		met:        met,
		clk:        clk,
		conns:      make(map[types.PeerID]*Conn),
		backoff:    make(map[types.PeerID]*backoffEntry),
		dialSem:    make(chan struct{}, cfg.DialConcurrency),
		ctx:        ctx,
		cancel:     cancel,
	}
	// 入站连接的协议握手完成时由回调收尾
	hs.SetInboundCallback(m.onInboundHandshake)
	rt.SetStreamHandler(string(protocol.Handshake), hs.Handler)
	return m, nil
}

// SetPresence 注入心跳探测服务
//
// presence 服务依赖 Host（即本管理器），构造后回填。
func (m *Manager) SetPresence(p Pinger) {
	m.mu.Lock()
	m.presence = p
	m.mu.Unlock()
}

// Start 开始监听并启动后台循环
func (m *Manager) Start(listenAddrs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}

	em, err := m.bus.Emitter(new(types.EvtConnStateChanged))
	if err != nil {
		return err
	}
	m.emitter = em

	// 节点再次被发现时解除不可达标记
	sub, err := m.bus.Subscribe(new(types.EvtPeerDiscovered))
	if err != nil {
		em.Close()
		return err
	}

	listeners, err := m.transports.Listen(listenAddrs)
	if err != nil {
		em.Close()
		sub.Close()
		return err
	}
	m.listeners = listeners

	m.started = true
	for _, l := range listeners {
		m.wg.Add(1)
		go m.acceptLoop(l)
	}
	m.wg.Add(2)
	go m.watchDiscovery(sub)
	go m.heartbeatLoop()
	return nil
}

// Close 关闭全部连接与监听器
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	listeners := m.listeners
	m.listeners = nil
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	m.cancel()
	for _, l := range listeners {
		l.Close()
	}
	for _, c := range conns {
		m.closeConn(c, types.ReasonShutdown)
	}
	m.wg.Wait()

	m.mu.Lock()
	em := m.emitter
	m.emitter = nil
	m.mu.Unlock()
	if em != nil {
		em.Close()
	}
	return nil
}

// ListenAddrs 返回当前监听地址
func (m *Manager) ListenAddrs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l.Addr())
	}
	return out
}

// ============================================================================
//                              Host 接口
// ============================================================================

// ID 本地节点 ID
func (m *Manager) ID() types.PeerID { return m.id.PeerID() }

// NewStream 在与 peer 的已连接会话上打开协议流
func (m *Manager) NewStream(ctx context.Context, peer types.PeerID, protocolID string) (pkgif.Stream, error) {
	m.mu.Lock()
	c, ok := m.conns[peer]
	m.mu.Unlock()
	if !ok || c.State() != types.StateConnected {
		return nil, ErrNotConnected
	}
	sess := c.session()
	if sess == nil {
		return nil, ErrNotConnected
	}
	return sess.OpenStream(ctx, protocolID)
}

// SetStreamHandler 注册协议处理器
func (m *Manager) SetStreamHandler(protocolID string, handler pkgif.StreamHandler) {
	m.router.SetStreamHandler(protocolID, handler)
}

// RemoveStreamHandler 移除协议处理器
func (m *Manager) RemoveStreamHandler(protocolID string) {
	m.router.RemoveStreamHandler(protocolID)
}

// ConnectedPeers 返回所有已连接对端
func (m *Manager) ConnectedPeers() []types.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.PeerID, 0, len(m.conns))
	for peer, c := range m.conns {
		if c.State() == types.StateConnected {
			out = append(out, peer)
		}
	}
	return out
}

// Connections 返回全部连接的快照
func (m *Manager) Connections() []types.ConnSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ConnSnapshot, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.Snapshot())
	}
	return out
}

// Disconnect 主动断开与对端的连接
func (m *Manager) Disconnect(peer types.PeerID) error {
	m.mu.Lock()
	c, ok := m.conns[peer]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	m.closeConn(c, types.ReasonLocalRequest)
	return nil
}

// ============================================================================
//                              入站路径
// ============================================================================

func (m *Manager) acceptLoop(l pkgif.Listener) {
	defer m.wg.Done()
	for {
		raw, err := l.Accept()
		if err != nil {
			if m.ctx.Err() == nil {
				logger.Warn("监听器退出", "addr", l.Addr(), "err", err)
			}
			return
		}
		scheme, _, serr := transport.SplitAddr(l.Addr())
		if serr != nil {
			scheme = "tcp"
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(raw, scheme)
		}()
	}
}

// handleInbound 推进一条入站连接到 Connected
//
// 加密认证对端身份后做准入（容量、重复、自连），
// 然后等协议握手在期限内完成。
func (m *Manager) handleInbound(raw net.Conn, scheme string) {
	c := newConn("", types.DirInbound, scheme)
	c.transition(types.StateEncrypting, types.ReasonNone)

	hctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	sconn, err := m.secure.SecureInbound(hctx, c.wrap(raw, m.met))
	if err != nil {
		logger.Debug("入站加密握手失败", "err", err)
		raw.Close()
		return
	}
	peer := sconn.RemotePeer()
	if peer == m.id.PeerID() {
		sconn.Close()
		return
	}
	c.peer = peer
	m.setState(c, types.StateNegotiating, types.ReasonNone)

	if err := m.admit(c); err != nil {
		reason := types.ReasonCapacity
		if err == ErrDuplicateConn {
			reason = types.ReasonDuplicate
		}
		m.failConn(c, reason)
		sconn.Close()
		logger.Debug("入站连接被拒绝",
			"peer", log.TruncateID(string(peer), 8), "err", err)
		return
	}

	sess := muxer.New(sconn, false)
	c.setSession(sess)
	m.wg.Add(1)
	go m.acceptStreams(c, sess)

	// 等对端在新会话上发起协议握手
	timer := m.clk.Timer(m.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
	case <-m.ctx.Done():
	case <-timer.C:
		if c.State() == types.StateNegotiating {
			logger.Debug("入站协议握手超时",
				"peer", log.TruncateID(string(peer), 8))
			m.closeConn(c, types.ReasonHandshakeFailed)
		}
	}
}

// onInboundHandshake 入站协议握手完成的回调
func (m *Manager) onInboundHandshake(res handshake.Result) {
	m.mu.Lock()
	c, ok := m.conns[res.Peer]
	m.mu.Unlock()
	if !ok || c.State() != types.StateNegotiating || c.dir != types.DirInbound {
		return
	}
	m.recordPeer(res)
	m.setState(c, types.StateConnected, types.ReasonNone)
	m.pstore.Pin(res.Peer)
	logger.Info("入站连接就绪",
		"peer", log.TruncateID(string(res.Peer), 8),
		"name", res.Hello.DisplayName,
		"transport", c.transport)
}

// ============================================================================
//                              连接表
// ============================================================================

// admit 将连接登记进连接表
//
// 同一对端已有连接时做双向同连裁决：由节点 ID 更小的一方
// 拨出的连接获胜，两端独立得出同一结论。
func (m *Manager) admit(c *Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	existing, ok := m.conns[c.peer]
	if ok && !existing.State().Terminal() {
		if !m.newConnWins(c) {
			return ErrDuplicateConn
		}
		// 新连接获胜：旧连接让位
		go m.closeConn(existing, types.ReasonDuplicate)
	}
	if !ok && len(m.conns) >= m.cfg.MaxConns {
		return ErrCapacityExceeded
	}
	m.conns[c.peer] = c
	return nil
}

// newConnWins 双向同连时新连接是否获胜
//
// 获胜方向 = 节点 ID 字典序更小的一方作为拨号方。
func (m *Manager) newConnWins(c *Conn) bool {
	localDials := m.id.PeerID().Less(c.peer)
	if localDials {
		return c.dir == types.DirOutbound
	}
	return c.dir == types.DirInbound
}

// removeConn 从连接表移除（仅当仍指向该连接）
func (m *Manager) removeConn(c *Conn) {
	m.mu.Lock()
	if m.conns[c.peer] == c {
		delete(m.conns, c.peer)
	}
	presence := m.presence
	m.mu.Unlock()
	m.pstore.Unpin(c.peer)
	if presence != nil {
		presence.Forget(c.peer)
	}
}

// closeConn 优雅关闭连接
//
// 未到 Connected 的连接走失败路径。
func (m *Manager) closeConn(c *Conn, reason types.CloseReason) {
	from, err := c.transition(types.StateClosing, reason)
	if err != nil {
		m.failConn(c, reason)
		return
	}
	m.emitTransition(c.peer, from, types.StateClosing, reason)
	if sess := c.session(); sess != nil {
		sess.Close()
	}
	m.setState(c, types.StateClosed, reason)
	m.removeConn(c)
}

// failConn 将连接标记为失败
func (m *Manager) failConn(c *Conn, reason types.CloseReason) {
	if s := c.State(); s == types.StateClosing || s.Terminal() {
		return
	}
	from, err := c.transition(types.StateFailed, reason)
	if err != nil {
		return
	}
	m.emitTransition(c.peer, from, types.StateFailed, reason)
	if sess := c.session(); sess != nil {
		sess.Close()
	}
	m.removeConn(c)
}

// setState 执行转移并广播事件
func (m *Manager) setState(c *Conn, to types.ConnState, reason types.CloseReason) {
	from, err := c.transition(to, reason)
	if err != nil {
		logger.Warn("非法状态转移",
			"peer", log.TruncateID(string(c.peer), 8),
			"from", from, "to", to)
		return
	}
	m.emitTransition(c.peer, from, to, reason)
}

func (m *Manager) emitTransition(peer types.PeerID, from, to types.ConnState, reason types.CloseReason) {
	m.met.StateTransition(from.String(), to.String())
	if to == types.StateConnected || from == types.StateConnected {
		m.met.SetConnectedPeers(len(m.ConnectedPeers()))
	}
	m.mu.Lock()
	em := m.emitter
	m.mu.Unlock()
	if em != nil && peer != "" {
		_ = em.Emit(types.EvtConnStateChanged{Peer: peer, Old: from, New: to, Reason: reason})
	}
}

func (m *Manager) recordPeer(res handshake.Result) {
	m.pstore.Upsert(types.PeerRecord{
		ID:          res.Peer,
		DisplayName: res.Hello.DisplayName,
		Protocols:   res.Hello.Protocols,
		LastSeenAt:  time.Now(),
	})
}

// acceptStreams 将会话上的入站流交给协议路由器
func (m *Manager) acceptStreams(c *Conn, sess *muxer.Session) {
	defer m.wg.Done()
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			// 会话断开：区分对端主动关闭与传输错误
			if c.State() == types.StateConnected {
				reason := types.ReasonTransportError
				if err == muxer.ErrSessionClosed {
					reason = types.ReasonRemoteRequest
				}
				m.closeConn(c, reason)
			}
			return
		}
		m.routeStream(c, stream)
	}
}

// routeStream 分发入站流
//
// 连接要到 Connected 才对协议路由器可用：协商期间
// 只放行握手流，其余协议流在握手验证前一律中止。
func (m *Manager) routeStream(c *Conn, stream pkgif.Stream) {
	if stream.Protocol() != string(protocol.Handshake) && c.State() != types.StateConnected {
		logger.Debug("拒绝握手完成前的协议流",
			"peer", log.TruncateID(string(c.peer), 8),
			"protocol", stream.Protocol(), "state", c.State())
		_ = stream.Reset()
		return
	}
	m.router.HandleStream(stream)
}
