package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tunemesh/go-tunemesh/internal/protocol/wire"
	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/protocol"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

var logger = log.Logger("protocol/presence")

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrNilHost 未提供 Host
	ErrNilHost = errors.New("presence: nil host")
	// ErrNotStarted 服务未启动
	ErrNotStarted = errors.New("presence: not started")
	// ErrAlreadyStarted 服务已启动
	ErrAlreadyStarted = errors.New("presence: already started")
	// ErrBadPong 应答不匹配
	ErrBadPong = errors.New("presence: pong id mismatch")
	// ErrWatchNotFound 没有对该节点的订阅
	ErrWatchNotFound = errors.New("presence: watch not found")
)

// DefaultTimeout 单次 Ping 超时
const DefaultTimeout = 5 * time.Second

// watchBufSize 状态订阅通道容量
const watchBufSize = 16

// ============================================================================
// Status
// ============================================================================

// Status 对端存活状态
type Status struct {
	// Alive 最近一次 Ping 是否成功
	Alive bool

	// RTT 最近一次成功 Ping 的往返时延
	RTT time.Duration

	// LastSeen 最近一次成功时刻
	LastSeen time.Time

	// FailureStreak 连续失败次数
	FailureStreak int
}

// ============================================================================
// Service
// ============================================================================

// Service 在线服务
type Service struct {
	host    pkgif.Host
	timeout time.Duration

	mu       sync.RWMutex
	started  bool
	statuses map[types.PeerID]*Status
	watches  map[types.PeerID][]chan Status
}

// Option 配置选项
type Option func(*Service)

// WithTimeout 设置单次 Ping 超时
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New 创建在线服务
func New(host pkgif.Host, opts ...Option) (*Service, error) {
	if host == nil {
		return nil, ErrNilHost
	}
	s := &Service{
		host:     host,
		timeout:  DefaultTimeout,
		statuses: make(map[types.PeerID]*Status),
		watches:  make(map[types.PeerID][]chan Status),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start 启动服务，注册应答处理器
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.host.SetStreamHandler(string(protocol.Presence), s.handler)
	s.started = true
	logger.Info("在线服务已启动")
	return nil
}

// Stop 停止服务，关闭全部状态订阅
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.host.RemoveStreamHandler(string(protocol.Presence))
	s.started = false
	watches := s.watches
	s.watches = make(map[types.PeerID][]chan Status)
	s.mu.Unlock()

	for _, channels := range watches {
		for _, ch := range channels {
			close(ch)
		}
	}
	logger.Info("在线服务已停止")
	return nil
}

// Watch 订阅对端状态变化
//
// 每次 Ping 结果（成功或失败）都会向通道投递一份状态快照；
// 消费过慢时丢弃。通道由 Unwatch 或 Stop 关闭。
func (s *Service) Watch(peer types.PeerID) (<-chan Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, ErrNotStarted
	}

	ch := make(chan Status, watchBufSize)
	s.watches[peer] = append(s.watches[peer], ch)
	return ch, nil
}

// Unwatch 取消对节点的全部订阅并关闭通道
func (s *Service) Unwatch(peer types.PeerID) error {
	s.mu.Lock()
	channels, ok := s.watches[peer]
	if !ok || len(channels) == 0 {
		s.mu.Unlock()
		return ErrWatchNotFound
	}
	delete(s.watches, peer)
	s.mu.Unlock()

	for _, ch := range channels {
		close(ch)
	}
	return nil
}

// Ping 发送一次心跳并测量 RTT
func (s *Service) Ping(ctx context.Context, peer types.PeerID) (time.Duration, error) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return 0, ErrNotStarted
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.host.NewStream(pingCtx, peer, string(protocol.Presence))
	if err != nil {
		s.record(peer, 0, false)
		return 0, err
	}
	defer stream.Close()
	_ = stream.SetReadDeadline(time.Now().Add(s.timeout))

	req := newPing()
	start := time.Now()
	if err := wire.WriteMessage(stream, &req); err != nil {
		s.record(peer, 0, false)
		return 0, err
	}

	var resp pong
	if err := wire.ReadMessage(stream, &resp); err != nil {
		s.record(peer, 0, false)
		return 0, err
	}
	if resp.ID != req.ID {
		s.record(peer, 0, false)
		return 0, ErrBadPong
	}

	rtt := time.Since(start)
	s.record(peer, rtt, true)
	logger.Debug("Ping 成功", "peerID", log.TruncateID(string(peer), 8), "rtt", rtt)
	return rtt, nil
}

// GetStatus 读取对端状态
func (s *Service) GetStatus(peer types.PeerID) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.statuses[peer]; ok {
		return *st
	}
	return Status{}
}

// Forget 清除对端状态（连接关闭时调用）
func (s *Service) Forget(peer types.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, peer)
}

// record 更新状态（内部方法）
func (s *Service) record(peer types.PeerID, rtt time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.statuses[peer]
	if !ok {
		st = &Status{}
		s.statuses[peer] = st
	}
	if success {
		st.Alive = true
		st.RTT = rtt
		st.LastSeen = time.Now()
		st.FailureStreak = 0
	} else {
		st.Alive = false
		st.FailureStreak++
	}

	// 非阻塞广播状态快照，慢消费者丢帧
	for _, ch := range s.watches[peer] {
		select {
		case ch <- *st:
		default:
		}
	}
}

// handler 应答入站心跳（内部方法）
func (s *Service) handler(stream pkgif.Stream) {
	defer stream.Close()

	var req ping
	if err := wire.ReadMessage(stream, &req); err != nil {
		_ = stream.Reset()
		return
	}
	_ = wire.WriteMessage(stream, &pong{ID: req.ID})
}
