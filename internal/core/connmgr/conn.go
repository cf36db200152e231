package connmgr

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunemesh/go-tunemesh/internal/core/metrics"
	"github.com/tunemesh/go-tunemesh/internal/core/muxer"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// countingConn 在原始连接上统计收发字节
//
// 包在加密层下面，统计的是真实上线的字节；
// 同时累加进全局指标。
type countingConn struct {
	net.Conn
	sent *atomic.Uint64
	recv *atomic.Uint64
	met  *metrics.Metrics
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.recv.Add(uint64(n))
	c.met.AddBytesReceived(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.sent.Add(uint64(n))
	c.met.AddBytesSent(int64(n))
	return n, err
}

// Conn 一条受管理的连接
//
// 状态由管理器独占修改；其他组件通过 Snapshot 读取。
type Conn struct {
	peer      types.PeerID
	dir       types.Direction
	transport string

	sent atomic.Uint64
	recv atomic.Uint64

	mu          sync.Mutex
	state       types.ConnState
	reason      types.CloseReason
	sess        *muxer.Session
	established time.Time

	// ready 进入 Connected 时关闭
	ready     chan struct{}
	readyOnce sync.Once
}

func newConn(peer types.PeerID, dir types.Direction, transport string) *Conn {
	return &Conn{
		peer:      peer,
		dir:       dir,
		transport: transport,
		state:     types.StateDiscovered,
		ready:     make(chan struct{}),
	}
}

// wrap 返回统计到本连接的字节计数包装
func (c *Conn) wrap(raw net.Conn, met *metrics.Metrics) net.Conn {
	return &countingConn{Conn: raw, sent: &c.sent, recv: &c.recv, met: met}
}

// Peer 对端节点 ID
func (c *Conn) Peer() types.PeerID { return c.peer }

// State 当前状态
func (c *Conn) State() types.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition 执行状态转移，非法转移返回错误
func (c *Conn) transition(to types.ConnState, reason types.CloseReason) (types.ConnState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.state
	if !canTransition(from, to) {
		return from, ErrInvalidTransition
	}
	c.state = to
	if to == types.StateConnected {
		c.established = time.Now()
		c.readyOnce.Do(func() { close(c.ready) })
	}
	if to == types.StateClosing || to.Terminal() {
		if c.reason == types.ReasonNone {
			c.reason = reason
		}
	}
	return from, nil
}

func (c *Conn) setSession(sess *muxer.Session) {
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
}

func (c *Conn) session() *muxer.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// closeReason 连接的关闭原因
func (c *Conn) closeReason() types.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Snapshot 返回连接的只读快照
func (c *Conn) Snapshot() types.ConnSnapshot {
	c.mu.Lock()
	state := c.state
	sess := c.sess
	established := c.established
	c.mu.Unlock()

	snap := types.ConnSnapshot{
		Peer:          c.peer,
		State:         state,
		Transport:     c.transport,
		Direction:     c.dir,
		BytesSent:     c.sent.Load(),
		BytesReceived: c.recv.Load(),
		EstablishedAt: established,
	}
	if sess != nil && !sess.IsClosed() {
		snap.Streams = sess.Streams()
	}
	return snap
}
