// Package replication 实现文档复制引擎
//
// 引擎在已连接的对端之间同步补丁：每侧向对端打开一条
// 单工复制流，先报告自己的检查点向量，对端回放未见的
// 积压补丁后转入活推送；收到的补丁按 (来源, 序号) 连续
// 投递并入本地存储，产生净变更时向其他邻居闲聊转发。
//
// 合并语义（LWW + add-wins）由 merge 子包承担；
// 引擎只负责传播与投递序。
package replication

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/tunemesh/go-tunemesh/internal/core/metrics"
	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/protocol"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

var logger = log.Logger("replication")

// receiveRetryDelay 拉取流断开后的重开间隔
const receiveRetryDelay = 2 * time.Second

// Engine 复制引擎
type Engine struct {
	host  pkgif.Host
	store *Store
	bus   pkgif.EventBus
	met   *metrics.Metrics

	emitter pkgif.Emitter

	mu        sync.Mutex
	sessions  map[types.PeerID]*session
	receivers map[types.PeerID]context.CancelFunc
	started   bool
	closed    bool

	wg sync.WaitGroup
}

// New 创建复制引擎
//
// met 可为 nil（不记录指标）。
func New(host pkgif.Host, store *Store, bus pkgif.EventBus, met *metrics.Metrics) *Engine {
	return &Engine{
		host:      host,
		store:     store,
		bus:       bus,
		met:       met,
		sessions:  make(map[types.PeerID]*session),
		receivers: make(map[types.PeerID]context.CancelFunc),
	}
}

// Start 注册协议处理器并开始跟踪连接生命周期
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if e.closed {
		return ErrClosed
	}

	em, err := e.bus.Emitter(new(types.EvtDocumentChanged))
	if err != nil {
		return err
	}
	e.emitter = em

	sub, err := e.bus.Subscribe(new(types.EvtConnStateChanged))
	if err != nil {
		em.Close()
		return err
	}

	e.host.SetStreamHandler(string(protocol.Replicate), e.handleStream)

	e.started = true
	e.wg.Add(1)
	go e.watchConns(sub)

	// 引擎可能在已有连接之后启动
	for _, peer := range e.host.ConnectedPeers() {
		e.startReceiverLocked(peer)
	}
	return nil
}

// Close 停止引擎并断开全部复制流
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for peer, cancel := range e.receivers {
		cancel()
		delete(e.receivers, peer)
	}
	for peer, s := range e.sessions {
		s.close()
		delete(e.sessions, peer)
	}
	started := e.started
	e.mu.Unlock()

	if started {
		e.host.RemoveStreamHandler(string(protocol.Replicate))
	}
	e.wg.Wait()
	if e.emitter != nil {
		e.emitter.Close()
	}
	return nil
}

// Store 返回底层文档存储
func (e *Engine) Store() *Store { return e.store }

// ApplyLocalChange 应用本地变更并向所有邻居传播
func (e *Engine) ApplyLocalChange(collection, docID string, change types.LocalChange) (types.Patch, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return types.Patch{}, ErrClosed
	}
	e.mu.Unlock()

	p, err := e.store.ApplyLocal(collection, docID, change)
	if err != nil {
		return types.Patch{}, err
	}
	e.met.PatchApplied(collection)
	e.emitChanged(p)
	e.gossip(p, "")
	return p, nil
}

// ============================================================================
//                              连接生命周期
// ============================================================================

func (e *Engine) watchConns(sub pkgif.Subscription) {
	defer e.wg.Done()
	defer sub.Close()

	for raw := range sub.Out() {
		evt, ok := raw.(types.EvtConnStateChanged)
		if !ok {
			continue
		}
		switch {
		case evt.New == types.StateConnected:
			e.mu.Lock()
			if !e.closed {
				e.startReceiverLocked(evt.Peer)
			}
			e.mu.Unlock()
		case evt.Old == types.StateConnected:
			e.dropPeer(evt.Peer)
		}
	}
}

// startReceiverLocked 为新连接的对端启动拉取循环，调用方持锁
func (e *Engine) startReceiverLocked(peer types.PeerID) {
	if _, ok := e.receivers[peer]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.receivers[peer] = cancel
	e.wg.Add(1)
	go e.receiveLoop(ctx, peer)
}

func (e *Engine) dropPeer(peer types.PeerID) {
	e.mu.Lock()
	if cancel, ok := e.receivers[peer]; ok {
		cancel()
		delete(e.receivers, peer)
	}
	if s, ok := e.sessions[peer]; ok {
		s.close()
		delete(e.sessions, peer)
	}
	e.mu.Unlock()
}

// ============================================================================
//                              拉取侧（我们打开的流）
// ============================================================================

// receiveLoop 维持到 peer 的拉取流
//
// 流断开或需要重新同步时带最新检查点重开；
// 对端断连由 watchConns 取消 ctx 终止循环。
func (e *Engine) receiveLoop(ctx context.Context, peer types.PeerID) {
	defer e.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		err := e.receiveOnce(ctx, peer)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			logger.Debug("复制拉取流中断",
				"peer", log.TruncateID(string(peer), 8), "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(receiveRetryDelay):
		}
	}
}

func (e *Engine) receiveOnce(ctx context.Context, peer types.PeerID) error {
	stream, err := e.host.NewStream(ctx, peer, string(protocol.Replicate))
	if err != nil {
		return err
	}
	defer stream.Close()
	e.met.StreamOpened(string(protocol.Replicate), "out")

	// 流被取消时中止阻塞读
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Reset()
		case <-done:
		}
	}()

	if err := writeSync(stream, syncRequest{Want: e.store.Checkpoint()}); err != nil {
		return err
	}

	for {
		patches, err := readBatch(stream)
		if err != nil {
			return err
		}
		for _, p := range patches {
			if err := e.ingest(peer, p); err != nil {
				// 缺口无法补齐，带新检查点重开流
				return err
			}
		}
	}
}

// ingest 将远端补丁并入本地状态并按需转发
func (e *Engine) ingest(from types.PeerID, p types.Patch) error {
	applied, resync, err := e.store.ApplyRemote(p)
	if err != nil {
		logger.Warn("丢弃畸形补丁",
			"peer", log.TruncateID(string(from), 8), "err", err)
		return nil
	}
	if resync {
		e.met.Resync()
		return ErrQueueOverflow
	}
	if len(applied) == 0 {
		e.met.PatchDuplicate()
		logger.Debug("补丁无净变更",
			"origin", log.TruncateID(string(p.Origin), 8), "seq", p.Seq)
		return nil
	}
	for _, ap := range applied {
		e.met.PatchApplied(ap.Collection)
		e.emitChanged(ap)
		e.gossip(ap, from)
	}
	return nil
}

func (e *Engine) emitChanged(p types.Patch) {
	if e.emitter == nil {
		return
	}
	doc := e.store.Document(p.Collection, p.DocumentID)
	if doc == nil {
		return
	}
	_ = e.emitter.Emit(types.EvtDocumentChanged{
		Collection: p.Collection,
		DocumentID: p.DocumentID,
		Document:   *doc,
		Origin:     p.Origin,
	})
}

// gossip 向除来源方向外的所有推送会话转发补丁
func (e *Engine) gossip(p types.Patch, from types.PeerID) {
	e.mu.Lock()
	targets := make([]*session, 0, len(e.sessions))
	for peer, s := range e.sessions {
		if peer == from || peer == p.Origin {
			continue
		}
		targets = append(targets, s)
	}
	e.mu.Unlock()

	for _, s := range targets {
		s.enqueue(p)
		e.met.PatchGossiped()
	}
}

// ============================================================================
//                              推送侧（对端打开的流）
// ============================================================================

// handleStream 服务对端打开的复制流
//
// 读对端检查点，回放积压，然后进入活推送。
// 同一对端重复打开时新流替换旧流。
func (e *Engine) handleStream(stream pkgif.Stream) {
	peer := stream.RemotePeer()
	e.met.StreamOpened(string(protocol.Replicate), "in")

	stream.SetReadDeadline(time.Now().Add(syncReadTimeout))
	req, err := readSync(stream)
	if err != nil {
		logger.Debug("读取检查点失败",
			"peer", log.TruncateID(string(peer), 8), "err", err)
		stream.Reset()
		return
	}
	stream.SetReadDeadline(time.Time{})

	s := newSession(peer, req.Want)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		stream.Reset()
		return
	}
	if old, ok := e.sessions[peer]; ok {
		old.close()
	}
	e.sessions[peer] = s
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.sessions[peer] == s {
			delete(e.sessions, peer)
		}
		e.mu.Unlock()
		s.close()
		stream.Close()
	}()

	if err := e.pushLoop(stream, s); err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("复制推送流中断",
			"peer", log.TruncateID(string(peer), 8), "err", err)
	}
}

func (e *Engine) pushLoop(stream pkgif.Stream, s *session) error {
	// 先回放对端未见的积压
	if err := e.pushBacklog(stream, s); err != nil {
		return err
	}

	for {
		// 活队列溢出过就按已发进度补课
		if s.overflowed.Swap(false) {
			e.met.Resync()
			if err := e.pushBacklog(stream, s); err != nil {
				return err
			}
			continue
		}

		select {
		case <-s.closed:
			return nil
		case p, ok := <-s.queue:
			if !ok {
				return nil
			}
			batchPatches := append([]types.Patch{p}, s.drain(maxBatchPatches-1)...)
			if err := writeBatch(stream, batchPatches); err != nil {
				return err
			}
			s.markSent(batchPatches)
		}
	}
}

// pushBacklog 回放对端按 sentVector 仍未见的补丁
func (e *Engine) pushBacklog(stream pkgif.Stream, s *session) error {
	backlog := e.store.Backlog(s.sentVector)
	for len(backlog) > 0 {
		n := len(backlog)
		if n > maxBatchPatches {
			n = maxBatchPatches
		}
		if err := writeBatch(stream, backlog[:n]); err != nil {
			return err
		}
		s.markSent(backlog[:n])
		backlog = backlog[n:]
	}
	return nil
}
