// Package router 实现协议路由器
//
// 维护 协议 ID → 处理器 的注册表，按流绑定的协议 ID 分发入站流。
// 未注册的协议 ID 在流打开时被拒绝（RESET），绝不静默忽略。
// 路由器只做分发与每流空闲超时；帧格式与解析由各协议处理器自理。
package router

import (
	"errors"
	"sync"
	"time"

	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/protocol"
)

var logger = log.Logger("core/router")

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrUnknownProtocol 协议未注册
	ErrUnknownProtocol = errors.New("router: unknown protocol")
	// ErrInvalidProtocol 协议 ID 格式非法
	ErrInvalidProtocol = errors.New("router: invalid protocol id")
)

// DefaultIdleTimeout 默认每流空闲超时
const DefaultIdleTimeout = 2 * time.Minute

// ============================================================================
// Router
// ============================================================================

// Router 协议路由器
type Router struct {
	mu       sync.RWMutex
	handlers map[string]pkgif.StreamHandler

	// idleTimeout 每流空闲超时；0 表示禁用
	idleTimeout time.Duration
}

// New 创建路由器
func New(idleTimeout time.Duration) *Router {
	if idleTimeout < 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Router{
		handlers:    make(map[string]pkgif.StreamHandler),
		idleTimeout: idleTimeout,
	}
}

// SetStreamHandler 注册协议处理器
func (r *Router) SetStreamHandler(protocolID string, handler pkgif.StreamHandler) {
	if handler == nil || !protocol.Valid(protocol.ID(protocolID)) {
		logger.Warn("忽略非法的处理器注册", "protocol", protocolID)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[protocolID] = handler
}

// RemoveStreamHandler 移除协议处理器
func (r *Router) RemoveStreamHandler(protocolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, protocolID)
}

// Supported 判断协议是否已注册
func (r *Router) Supported(protocolID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[protocolID]
	return ok
}

// Protocols 返回已注册的协议 ID
func (r *Router) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		out = append(out, id)
	}
	return out
}

// HandleStream 分发一个入站流
//
// 未注册协议立即 RESET；已注册协议在独立 goroutine 中运行处理器，
// 并施加空闲超时（处理器侧以读超时表现）。
func (r *Router) HandleStream(s pkgif.Stream) {
	proto := s.Protocol()

	if !protocol.Valid(protocol.ID(proto)) {
		logger.Warn("拒绝非法协议 ID 的流",
			"protocol", proto, "remotePeer", s.RemotePeer().ShortString())
		_ = s.Reset()
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[proto]
	r.mu.RUnlock()
	if !ok {
		logger.Warn("拒绝未注册协议的流",
			"protocol", proto, "remotePeer", s.RemotePeer().ShortString())
		_ = s.Reset()
		return
	}

	if r.idleTimeout > 0 {
		s = newIdleStream(s, r.idleTimeout)
	}

	go handler(s)
}
