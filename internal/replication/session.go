package replication

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// liveQueueSize 每个对端的活补丁队列容量
const liveQueueSize = 256

// syncReadTimeout 等待对端首条 syncRequest 的超时
const syncReadTimeout = 10 * time.Second

// session 面向单个对端的推送会话
//
// 由对端打开的复制流触发：对端报告检查点后，
// 本端先回放积压，再从活队列持续推送。
// sentVector 记录已确认写出的进度，队列溢出时
// 据此向存储重新取增量，不会重发全量。
type session struct {
	peer   types.PeerID
	queue  chan types.Patch
	closed chan struct{}

	// overflowed 活队列曾经满过，推送循环需要按 sentVector 补课
	overflowed atomic.Bool

	// sentVector 只由推送循环访问
	sentVector types.CheckpointVector

	closeOnce sync.Once
}

func newSession(peer types.PeerID, want types.CheckpointVector) *session {
	return &session{
		peer:       peer,
		queue:      make(chan types.Patch, liveQueueSize),
		closed:     make(chan struct{}),
		sentVector: want.Clone(),
	}
}

// enqueue 投递一条活补丁，队列满时标记溢出并丢弃
//
// 丢弃是安全的：推送循环看到溢出标记后按 sentVector
// 从存储重新拉增量，丢掉的补丁会被补回。
func (s *session) enqueue(p types.Patch) {
	select {
	case <-s.closed:
	case s.queue <- p:
	default:
		s.overflowed.Store(true)
	}
}

// markSent 推进已确认写出的进度
func (s *session) markSent(patches []types.Patch) {
	for _, p := range patches {
		s.sentVector.Advance(p.Collection, p.Origin, p.Seq)
	}
}

// drain 非阻塞取走队列中已有的补丁，最多 max 条
func (s *session) drain(max int) []types.Patch {
	var out []types.Patch
	for len(out) < max {
		select {
		case p := <-s.queue:
			out = append(out, p)
		default:
			return out
		}
	}
	return out
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
