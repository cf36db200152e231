// Package eventbus 实现类型化事件总线
//
// 以事件类型的指针样本注册（如 new(types.EvtPeerDiscovered)）。
// 订阅通道容量有限；慢消费者丢弃事件并计数，不阻塞发射方。
package eventbus

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"

	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
)

var logger = log.Logger("core/eventbus")

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrClosed 事件总线已关闭
	ErrClosed = errors.New("eventbus: closed")
	// ErrNonPointerType 注册样本必须是指针
	ErrNonPointerType = errors.New("eventbus: event sample must be a pointer")
	// ErrWrongType 发射的事件类型与注册不符
	ErrWrongType = errors.New("eventbus: event value type mismatch")
)

// defaultBufSize 默认订阅通道容量
const defaultBufSize = 32

// 确保实现了接口
var _ pkgif.EventBus = (*Bus)(nil)

// Bus 事件总线
type Bus struct {
	mu     sync.Mutex
	nodes  map[reflect.Type]*node
	closed bool
}

// node 每事件类型一个节点
type node struct {
	mu    sync.Mutex
	typ   reflect.Type
	sinks []*subscription

	// keepLast 有状态事件：保留最后一个，投递给之后的订阅者
	keepLast bool
	last     any
	hasLast  bool

	// dropped 慢消费者丢弃计数
	dropped atomic.Int64
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{nodes: make(map[reflect.Type]*node)}
}

// Subscribe 订阅指定类型的事件
func (b *Bus) Subscribe(eventType any, opts ...pkgif.SubscriptionOpt) (pkgif.Subscription, error) {
	settings := pkgif.SubscriptionSettings{BufSize: defaultBufSize}
	for _, opt := range opts {
		opt(&settings)
	}

	n, err := b.getNode(eventType)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		node: n,
		ch:   make(chan any, settings.BufSize),
	}

	n.mu.Lock()
	n.sinks = append(n.sinks, sub)
	// 有状态事件：立即补投最后一个
	if n.keepLast && n.hasLast {
		sub.ch <- n.last
	}
	n.mu.Unlock()

	return sub, nil
}

// Emitter 获取指定类型的事件发射器
func (b *Bus) Emitter(eventType any, opts ...pkgif.EmitterOpt) (pkgif.Emitter, error) {
	settings := pkgif.EmitterSettings{}
	for _, opt := range opts {
		opt(&settings)
	}

	n, err := b.getNode(eventType)
	if err != nil {
		return nil, err
	}
	if settings.Stateful {
		n.mu.Lock()
		n.keepLast = true
		n.mu.Unlock()
	}

	return &emitter{bus: b, node: n}, nil
}

// Close 关闭总线，关闭所有订阅通道
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	nodes := make([]*node, 0, len(b.nodes))
	for _, n := range b.nodes {
		nodes = append(nodes, n)
	}
	b.mu.Unlock()

	for _, n := range nodes {
		n.mu.Lock()
		for _, sub := range n.sinks {
			sub.closeChan()
		}
		n.sinks = nil
		n.mu.Unlock()
	}
	return nil
}

func (b *Bus) getNode(eventType any) (*node, error) {
	t := reflect.TypeOf(eventType)
	if t == nil || t.Kind() != reflect.Ptr {
		return nil, ErrNonPointerType
	}
	elem := t.Elem()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	n, ok := b.nodes[elem]
	if !ok {
		n = &node{typ: elem}
		b.nodes[elem] = n
	}
	return n, nil
}

// emit 投递事件到节点的所有订阅者
func (n *node) emit(evt any) error {
	if reflect.TypeOf(evt) != n.typ {
		return ErrWrongType
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.keepLast {
		n.last = evt
		n.hasLast = true
	}

	for _, sub := range n.sinks {
		select {
		case sub.ch <- evt:
		default:
			// 慢消费者：丢弃并计数，不阻塞发射方
			if d := n.dropped.Add(1); d%100 == 1 {
				logger.Warn("订阅者消费过慢，事件被丢弃",
					"eventType", n.typ.Name(), "droppedTotal", d)
			}
		}
	}
	return nil
}

func (n *node) removeSink(sub *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.sinks {
		if s == sub {
			n.sinks = append(n.sinks[:i], n.sinks[i+1:]...)
			break
		}
	}
}
