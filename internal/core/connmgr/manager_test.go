package connmgr

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tunemesh/go-tunemesh/internal/core/eventbus"
	"github.com/tunemesh/go-tunemesh/internal/core/identity"
	"github.com/tunemesh/go-tunemesh/internal/core/metrics"
	"github.com/tunemesh/go-tunemesh/internal/core/peerstore"
	"github.com/tunemesh/go-tunemesh/internal/core/router"
	"github.com/tunemesh/go-tunemesh/internal/core/security/noise"
	"github.com/tunemesh/go-tunemesh/internal/core/transport"
	"github.com/tunemesh/go-tunemesh/internal/protocol/handshake"
	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/protocol"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("默认配置应合法: %v", err)
	}
	bad := DefaultConfig()
	bad.MaxConns = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("MaxConns=0 应被拒绝")
	}
	bad = DefaultConfig()
	bad.RetryAttempts = -1
	if err := bad.Validate(); err == nil {
		t.Fatal("负的重试次数应被拒绝")
	}
	t.Log("✅ 配置校验正确")
}

func TestStateTransitions(t *testing.T) {
	valid := [][2]types.ConnState{
		{types.StateDiscovered, types.StateDialing},
		{types.StateDiscovered, types.StateEncrypting},
		{types.StateDialing, types.StateEncrypting},
		{types.StateEncrypting, types.StateNegotiating},
		{types.StateNegotiating, types.StateConnected},
		{types.StateConnected, types.StateClosing},
		{types.StateClosing, types.StateClosed},
	}
	for _, tr := range valid {
		if !canTransition(tr[0], tr[1]) {
			t.Fatalf("合法转移被拒: %v → %v", tr[0], tr[1])
		}
	}

	invalid := [][2]types.ConnState{
		{types.StateDiscovered, types.StateConnected}, // 不能跳过握手
		{types.StateConnected, types.StateDialing},    // 不能倒退
		{types.StateClosed, types.StateDialing},       // 终态无出边
		{types.StateFailed, types.StateConnected},
		{types.StateConnected, types.StateConnected},
	}
	for _, tr := range invalid {
		if canTransition(tr[0], tr[1]) {
			t.Fatalf("非法转移被放行: %v → %v", tr[0], tr[1])
		}
	}
	t.Log("✅ 状态机转移表正确")
}

func TestConnTransition(t *testing.T) {
	c := newConn("peer", types.DirOutbound, "tcp")
	for _, s := range []types.ConnState{
		types.StateDialing, types.StateEncrypting,
		types.StateNegotiating, types.StateConnected,
	} {
		if _, err := c.transition(s, types.ReasonNone); err != nil {
			t.Fatalf("转移到 %v 失败: %v", s, err)
		}
	}
	select {
	case <-c.ready:
	default:
		t.Fatal("进入 Connected 后 ready 应关闭")
	}

	if _, err := c.transition(types.StateDialing, types.ReasonNone); err != ErrInvalidTransition {
		t.Fatalf("倒退转移应被拒绝, got %v", err)
	}

	c.transition(types.StateClosing, types.ReasonLocalRequest)
	c.transition(types.StateClosed, types.ReasonRemoteRequest)
	if got := c.closeReason(); got != types.ReasonLocalRequest {
		t.Fatalf("关闭原因应保留首个, got %v", got)
	}
	t.Log("✅ 连接状态转移与原因记录正确")
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("生成身份失败: %v", err)
	}
	sec, err := noise.New(id)
	if err != nil {
		t.Fatalf("创建加密层失败: %v", err)
	}
	ps, err := peerstore.New(64)
	if err != nil {
		t.Fatalf("创建节点存储失败: %v", err)
	}
	hs := handshake.New(func() handshake.Hello {
		return handshake.Hello{
			PeerID:       id.PeerID(),
			Protocols:    protocol.Core(),
			Capabilities: []string{"playlists"},
		}
	})
	m, err := New(cfg, id, sec, transport.Default(), router.New(0),
		ps, hs, eventbus.NewBus(), nil, nil)
	if err != nil {
		t.Fatalf("创建管理器失败: %v", err)
	}
	return m, id
}

func TestTieBreak(t *testing.T) {
	m, id := newTestManager(t, DefaultConfig())
	defer m.Close()

	// 构造一个字典序在本节点两侧的对端 ID 不可控，
	// 直接对两种大小关系断言裁决方向。
	smaller := types.PeerID("1" + string(id.PeerID())[1:])
	larger := types.PeerID("z" + string(id.PeerID())[1:])

	if id.PeerID().Less(larger) {
		// 本节点是更小方：本节点拨出的连接获胜
		if !m.newConnWins(newConn(larger, types.DirOutbound, "tcp")) {
			t.Fatal("本节点更小时出站连接应获胜")
		}
		if m.newConnWins(newConn(larger, types.DirInbound, "tcp")) {
			t.Fatal("本节点更小时入站连接应让位")
		}
	}
	if smaller.Less(id.PeerID()) {
		// 对端是更小方：对端拨来的连接获胜
		if !m.newConnWins(newConn(smaller, types.DirInbound, "tcp")) {
			t.Fatal("对端更小时入站连接应获胜")
		}
		if m.newConnWins(newConn(smaller, types.DirOutbound, "tcp")) {
			t.Fatal("对端更小时出站连接应让位")
		}
	}
	t.Log("✅ 双向同连裁决两端一致")
}

func TestConnectRejectsSelfAndInvalid(t *testing.T) {
	m, id := newTestManager(t, DefaultConfig())
	defer m.Close()

	if err := m.Connect(context.Background(), id.PeerID()); err != ErrSelfDial {
		t.Fatalf("自连应被拒绝, got %v", err)
	}
	if err := m.Connect(context.Background(), "not-a-peer-id"); err == nil {
		t.Fatal("非法节点 ID 应被拒绝")
	}
	t.Log("✅ 自连与非法 ID 被拒绝")
}

// TestLoopbackConnect 两个节点经环回 TCP 完成全栈连接
func TestLoopbackConnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 1

	a, _ := newTestManager(t, cfg)
	defer a.Close()
	b, idB := newTestManager(t, cfg)
	defer b.Close()

	if err := a.Start([]string{"tcp://127.0.0.1:0"}); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(nil); err != nil {
		t.Fatalf("b.Start: %v", err)
	}

	addrs := a.ListenAddrs()
	if len(addrs) == 0 {
		t.Fatal("监听地址为空")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.ConnectAddrs(ctx, a.ID(), addrs); err != nil {
		t.Fatalf("连接失败: %v", err)
	}

	if peers := b.ConnectedPeers(); len(peers) != 1 || peers[0] != a.ID() {
		t.Fatalf("b 侧应看到一条连接: %v", peers)
	}
	// 入站侧异步收尾
	deadline := time.Now().Add(5 * time.Second)
	for {
		peers := a.ConnectedPeers()
		if len(peers) == 1 && peers[0] == idB.PeerID() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("a 侧未进入 connected: %v", peers)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// 幂等重连
	if err := b.Connect(ctx, a.ID()); err != nil {
		t.Fatalf("重复 Connect 应幂等: %v", err)
	}

	snaps := b.Connections()
	if len(snaps) != 1 || snaps[0].State != types.StateConnected ||
		snaps[0].Direction != types.DirOutbound || snaps[0].Transport != "tcp" {
		t.Fatalf("快照不符: %+v", snaps)
	}
	if snaps[0].BytesSent == 0 || snaps[0].BytesReceived == 0 {
		t.Fatal("字节计数应随握手增长")
	}

	if err := b.Disconnect(a.ID()); err != nil {
		t.Fatalf("断开失败: %v", err)
	}
	if len(b.ConnectedPeers()) != 0 {
		t.Fatal("断开后不应有已连接对端")
	}
	t.Log("✅ 环回全栈连接建立与断开正常")
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range fams {
		if f.GetName() != name {
			continue
		}
		var total float64
		for _, mf := range f.GetMetric() {
			total += mf.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

// TestCountingConnFeedsMetrics 连接级字节计数同步累加进全局指标
func TestCountingConnFeedsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	left, right := net.Pipe()
	defer right.Close()

	c := newConn("peer", types.DirOutbound, "tcp")
	wrapped := c.wrap(left, met)
	defer wrapped.Close()

	go func() {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(right, buf); err != nil {
			return
		}
		right.Write([]byte("pong"))
	}()

	if _, err := wrapped.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(wrapped, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got := c.sent.Load(); got != 4 {
		t.Fatalf("连接发送计数不符: %d", got)
	}
	if got := c.recv.Load(); got != 4 {
		t.Fatalf("连接接收计数不符: %d", got)
	}
	if got := counterValue(t, reg, "tunemesh_bytes_sent_total"); got != 4 {
		t.Fatalf("全局发送指标不符: %v", got)
	}
	if got := counterValue(t, reg, "tunemesh_bytes_received_total"); got != 4 {
		t.Fatalf("全局接收指标不符: %v", got)
	}
	t.Log("✅ 字节计数同时进入连接快照与全局指标")
}

// gateStream 只记录是否被中止的流桩
type gateStream struct {
	proto string
	reset atomic.Bool
}

func (s *gateStream) Read(p []byte) (int, error)      { return 0, io.EOF }
func (s *gateStream) Write(p []byte) (int, error)     { return len(p), nil }
func (s *gateStream) Close() error                    { return nil }
func (s *gateStream) Reset() error                    { s.reset.Store(true); return nil }
func (s *gateStream) Protocol() string                { return s.proto }
func (s *gateStream) RemotePeer() types.PeerID        { return "peer" }
func (s *gateStream) SetReadDeadline(time.Time) error { return nil }

var _ pkgif.Stream = (*gateStream)(nil)

// TestRouteStreamGatedUntilConnected 握手完成前只放行握手流
func TestRouteStreamGatedUntilConnected(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	defer m.Close()

	handled := make(chan string, 4)
	record := func(s pkgif.Stream) { handled <- s.Protocol() }
	m.SetStreamHandler(string(protocol.Handshake), record)
	m.SetStreamHandler(string(protocol.Replicate), record)

	c := newConn("peer", types.DirInbound, "tcp")
	c.transition(types.StateEncrypting, types.ReasonNone)
	c.transition(types.StateNegotiating, types.ReasonNone)

	// 协商期间的协议流被中止
	rep := &gateStream{proto: string(protocol.Replicate)}
	m.routeStream(c, rep)
	if !rep.reset.Load() {
		t.Fatal("协商期间的复制流应被中止")
	}
	select {
	case p := <-handled:
		t.Fatalf("协商期间不应分发: %s", p)
	default:
	}

	// 握手流不受闸门限制
	m.routeStream(c, &gateStream{proto: string(protocol.Handshake)})
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("握手流应被分发")
	}

	// 进入 Connected 后其余协议放行
	c.transition(types.StateConnected, types.ReasonNone)
	m.routeStream(c, &gateStream{proto: string(protocol.Replicate)})
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("连接就绪后复制流应被分发")
	}
	t.Log("✅ 协议流在握手验证前被闸门拦下")
}

// TestDialHandshakeTimeout 对端不应答时归一为握手超时
func TestDialHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	// 对端收下连接但从不应答
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, conn)
		}
	}()

	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 200 * time.Millisecond
	m, _ := newTestManager(t, cfg)
	defer m.Close()

	other, err := identity.Generate()
	if err != nil {
		t.Fatalf("生成身份失败: %v", err)
	}
	peer := other.PeerID()
	m.pstore.Upsert(types.PeerRecord{
		ID:        peer,
		Addresses: []string{"tcp://" + ln.Addr().String()},
	})

	if err := m.dialOnce(context.Background(), peer); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("应报握手超时, got %v", err)
	}
	t.Log("✅ 协商期限内的超时归一为握手超时")
}
