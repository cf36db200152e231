package eventbus

import (
	"sync"

	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
)

// 确保实现了接口
var (
	_ pkgif.Subscription = (*subscription)(nil)
	_ pkgif.Emitter      = (*emitter)(nil)
)

// subscription 一个订阅
type subscription struct {
	node      *node
	ch        chan any
	closeOnce sync.Once
}

// Out 事件通道
func (s *subscription) Out() <-chan any {
	return s.ch
}

// Close 取消订阅并关闭通道
func (s *subscription) Close() error {
	s.node.removeSink(s)
	s.closeChan()
	return nil
}

func (s *subscription) closeChan() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// emitter 一个发射器
type emitter struct {
	bus       *Bus
	node      *node
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// Emit 发射事件
func (e *emitter) Emit(evt any) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	e.bus.mu.Lock()
	busClosed := e.bus.closed
	e.bus.mu.Unlock()
	if busClosed {
		return ErrClosed
	}

	return e.node.emit(evt)
}

// Close 释放发射器
func (e *emitter) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
	})
	return nil
}
