package muxer

import (
	"io"
	"sync"
	"time"

	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// 确保实现了接口
var _ pkgif.Stream = (*stream)(nil)

// maxWriteChunk 单次写帧的负载上限
const maxWriteChunk = 1 << 14

// stream 逻辑流
type stream struct {
	sess  *Session
	id    uint64
	proto string

	// inCh 入站数据队列；cur 为当前未读完的块
	inCh chan []byte
	cur  []byte

	mu          sync.Mutex
	deadline    time.Time
	localClosed bool

	remoteClosed chan struct{} // 对端半关闭（EOF）
	resetOnce    sync.Once
	resetCh      chan struct{} // 流被中止

	closeRemoteOnce sync.Once
}

func newStream(s *Session, id uint64, proto string) *stream {
	return &stream{
		sess:         s,
		id:           id,
		proto:        proto,
		inCh:         make(chan []byte, streamQueueSize),
		remoteClosed: make(chan struct{}),
		resetCh:      make(chan struct{}),
	}
}

// Protocol 流绑定的协议 ID
func (st *stream) Protocol() string {
	return st.proto
}

// RemotePeer 所属连接的对端节点 ID
func (st *stream) RemotePeer() types.PeerID {
	return st.sess.RemotePeer()
}

// push 入站数据入队；队列满时返回 false
func (st *stream) push(data []byte) bool {
	select {
	case <-st.resetCh:
		return true // 已中止，静默丢弃
	default:
	}
	select {
	case st.inCh <- data:
		return true
	default:
		return false
	}
}

// Read 读取入站数据
//
// 对端半关闭后，残留数据仍可读尽，之后返回 io.EOF。
func (st *stream) Read(p []byte) (int, error) {
	for {
		if len(st.cur) > 0 {
			n := copy(p, st.cur)
			st.cur = st.cur[n:]
			return n, nil
		}

		// 队列优先于关闭信号，保证残留数据可读尽
		select {
		case data := <-st.inCh:
			st.cur = data
			continue
		default:
		}

		var (
			deadlineCh <-chan time.Time
			timer      *time.Timer
		)
		st.mu.Lock()
		if !st.deadline.IsZero() {
			d := time.Until(st.deadline)
			if d <= 0 {
				st.mu.Unlock()
				return 0, ErrReadDeadline
			}
			timer = time.NewTimer(d)
			deadlineCh = timer.C
		}
		st.mu.Unlock()

		var err error
		select {
		case data := <-st.inCh:
			st.cur = data
		case <-st.resetCh:
			err = ErrStreamReset
		case <-st.remoteClosed:
			// 再查一次队列，避免与入队竞态
			select {
			case data := <-st.inCh:
				st.cur = data
			default:
				err = io.EOF
			}
		case <-st.sess.closed:
			err = ErrSessionClosed
		case <-deadlineCh:
			err = ErrReadDeadline
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return 0, err
		}
	}
}

// Write 写出站数据（按上限分帧）
func (st *stream) Write(p []byte) (int, error) {
	st.mu.Lock()
	closed := st.localClosed
	st.mu.Unlock()
	if closed {
		return 0, ErrStreamClosed
	}
	select {
	case <-st.resetCh:
		return 0, ErrStreamReset
	default:
	}

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxWriteChunk {
			chunk = chunk[:maxWriteChunk]
		}
		if err := st.sess.writeFrame(st.id, flagData, chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Close 半关闭本端写方向
//
// 对端也关闭后流从会话中移除。
func (st *stream) Close() error {
	st.mu.Lock()
	if st.localClosed {
		st.mu.Unlock()
		return nil
	}
	st.localClosed = true
	st.mu.Unlock()

	err := st.sess.writeFrame(st.id, flagClose, nil)

	select {
	case <-st.remoteClosed:
		st.sess.removeStream(st.id)
	default:
	}
	return err
}

// Reset 立即中止流（双向）
func (st *stream) Reset() error {
	var err error
	st.resetOnce.Do(func() {
		close(st.resetCh)
		err = st.sess.writeFrame(st.id, flagReset, nil)
		st.sess.removeStream(st.id)
	})
	return err
}

// SetReadDeadline 设置读超时
func (st *stream) SetReadDeadline(t time.Time) error {
	st.mu.Lock()
	st.deadline = t
	st.mu.Unlock()
	return nil
}

// closeRemote 对端半关闭
func (st *stream) closeRemote() {
	st.closeRemoteOnce.Do(func() {
		close(st.remoteClosed)
	})

	st.mu.Lock()
	localClosed := st.localClosed
	st.mu.Unlock()
	if localClosed {
		st.sess.removeStream(st.id)
	}
}

// resetRemote 对端中止（不回发 RESET 帧）
func (st *stream) resetRemote() {
	st.resetOnce.Do(func() {
		close(st.resetCh)
	})
}

// abort 会话关闭时中止流
func (st *stream) abort() {
	st.resetOnce.Do(func() {
		close(st.resetCh)
	})
}
