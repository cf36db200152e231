// Package muxer 实现单连接上的逻辑流多路复用
//
// 帧格式：varint 流 ID | 1 字节类型 | varint 长度 | 负载。
// OPEN 帧的负载是协议 ID 字符串；流打开即绑定协议。
// 发起方使用奇数流 ID，被动方使用偶数流 ID，避免碰撞。
//
// 每个流有容量有限的入站队列；队列溢出只会中止该流，
// 不会阻塞同连接的其他流或其他连接（背压按流隔离）。
package muxer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/multiformats/go-varint"

	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

var logger = log.Logger("core/muxer")

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("muxer: session closed")
	// ErrStreamClosed 流已关闭
	ErrStreamClosed = errors.New("muxer: stream closed")
	// ErrStreamReset 流被中止
	ErrStreamReset = errors.New("muxer: stream reset")
	// ErrReadDeadline 读超时
	ErrReadDeadline = errors.New("muxer: read deadline exceeded")
	// ErrBadFrame 帧格式非法
	ErrBadFrame = errors.New("muxer: malformed frame")
)

// 帧类型
const (
	flagOpen byte = iota
	flagData
	flagClose
	flagReset
	flagGoAway
)

const (
	// maxFramePayload 单帧负载上限
	maxFramePayload = 1 << 16

	// maxProtocolIDLen OPEN 帧协议 ID 长度上限
	maxProtocolIDLen = 256

	// streamQueueSize 每流入站队列容量
	streamQueueSize = 64

	// acceptBacklog 待接受流的积压上限
	acceptBacklog = 16
)

// 确保实现了接口
var _ pkgif.MuxedConn = (*Session)(nil)

// Session 多路复用会话
type Session struct {
	conn      pkgif.SecureConn
	reader    *bufio.Reader
	initiator bool

	writeMu sync.Mutex // 串行化帧写入

	mu      sync.Mutex
	streams map[uint64]*stream
	nextID  uint64

	acceptCh chan *stream

	closed    chan struct{}
	closeOnce sync.Once
}

// New 创建会话并启动读循环
//
// initiator 决定流 ID 的奇偶分配。
func New(conn pkgif.SecureConn, initiator bool) *Session {
	s := &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		initiator: initiator,
		streams:   make(map[uint64]*stream),
		acceptCh:  make(chan *stream, acceptBacklog),
		closed:    make(chan struct{}),
	}
	if initiator {
		s.nextID = 1
	} else {
		s.nextID = 2
	}
	go s.readLoop()
	return s
}

// RemotePeer 会话对端节点 ID
func (s *Session) RemotePeer() types.PeerID {
	return s.conn.RemotePeer()
}

// OpenStream 打开指定协议的新流
func (s *Session) OpenStream(ctx context.Context, protocolID string) (pkgif.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if protocolID == "" || len(protocolID) > maxProtocolIDLen {
		return nil, fmt.Errorf("%w: bad protocol id", ErrBadFrame)
	}

	s.mu.Lock()
	if s.IsClosed() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	id := s.nextID
	s.nextID += 2
	st := newStream(s, id, protocolID)
	s.streams[id] = st
	s.mu.Unlock()

	if err := s.writeFrame(id, flagOpen, []byte(protocolID)); err != nil {
		s.removeStream(id)
		return nil, err
	}
	return st, nil
}

// AcceptStream 接受对端打开的下一个流
func (s *Session) AcceptStream() (pkgif.Stream, error) {
	select {
	case st := <-s.acceptCh:
		return st, nil
	case <-s.closed:
		return nil, ErrSessionClosed
	}
}

// Streams 返回当前打开的流的协议 ID
func (s *Session) Streams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st.proto)
	}
	return out
}

// IsClosed 会话是否已关闭
func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close 关闭会话，中止所有流
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// 尽力通知对端；失败不影响本地关闭
		_ = s.writeFrameLocked(0, flagGoAway, nil)
		close(s.closed)

		s.mu.Lock()
		streams := make([]*stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		s.streams = make(map[uint64]*stream)
		s.mu.Unlock()

		for _, st := range streams {
			st.abort()
		}
		err = s.conn.Close()
	})
	return err
}

// ============================================================================
// 读循环
// ============================================================================

func (s *Session) readLoop() {
	defer s.Close()

	for {
		id, flag, payload, err := s.readFrame()
		if err != nil {
			if !s.IsClosed() {
				logger.Debug("会话读循环退出",
					"remotePeer", s.RemotePeer().ShortString(), "error", err)
			}
			return
		}

		switch flag {
		case flagOpen:
			s.handleOpen(id, payload)
		case flagData:
			s.handleData(id, payload)
		case flagClose:
			if st := s.getStream(id); st != nil {
				st.closeRemote()
			}
		case flagReset:
			if st := s.getStream(id); st != nil {
				st.resetRemote()
				s.removeStream(id)
			}
		case flagGoAway:
			return
		default:
			logger.Warn("未知帧类型，关闭会话", "flag", flag)
			return
		}
	}
}

func (s *Session) handleOpen(id uint64, payload []byte) {
	proto := string(payload)
	if proto == "" || len(proto) > maxProtocolIDLen {
		_ = s.writeFrame(id, flagReset, nil)
		return
	}

	s.mu.Lock()
	if _, exists := s.streams[id]; exists {
		s.mu.Unlock()
		logger.Warn("重复的流 ID", "streamID", id)
		_ = s.writeFrame(id, flagReset, nil)
		return
	}
	st := newStream(s, id, proto)
	s.streams[id] = st
	s.mu.Unlock()

	select {
	case s.acceptCh <- st:
	default:
		// 积压已满：拒绝新流而不是阻塞读循环
		logger.Warn("接受队列已满，拒绝新流", "protocol", proto)
		st.resetRemote()
		s.removeStream(id)
		_ = s.writeFrame(id, flagReset, nil)
	}
}

func (s *Session) handleData(id uint64, payload []byte) {
	st := s.getStream(id)
	if st == nil {
		// 流已不存在（可能刚被本地 Reset），丢弃
		return
	}
	if !st.push(payload) {
		// 队列溢出：只中止该流，读循环继续服务其他流
		logger.Warn("流入站队列溢出，中止流",
			"protocol", st.proto, "remotePeer", s.RemotePeer().ShortString())
		_ = st.Reset()
	}
}

func (s *Session) getStream(id uint64) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

func (s *Session) removeStream(id uint64) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// ============================================================================
// 帧读写
// ============================================================================

func (s *Session) writeFrame(id uint64, flag byte, payload []byte) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	return s.writeFrameLocked(id, flag, payload)
}

func (s *Session) writeFrameLocked(id uint64, flag byte, payload []byte) error {
	if len(payload) > maxFramePayload {
		return ErrBadFrame
	}

	hdr := varint.ToUvarint(id)
	hdr = append(hdr, flag)
	hdr = append(hdr, varint.ToUvarint(uint64(len(payload)))...)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := s.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) readFrame() (id uint64, flag byte, payload []byte, err error) {
	id, err = varint.ReadUvarint(s.reader)
	if err != nil {
		return 0, 0, nil, err
	}
	flag, err = s.reader.ReadByte()
	if err != nil {
		return 0, 0, nil, err
	}
	n, err := varint.ReadUvarint(s.reader)
	if err != nil {
		return 0, 0, nil, err
	}
	if n > maxFramePayload {
		return 0, 0, nil, ErrBadFrame
	}
	if n > 0 {
		payload = make([]byte, n)
		if _, err := io.ReadFull(s.reader, payload); err != nil {
			return 0, 0, nil, err
		}
	}
	return id, flag, payload, nil
}
