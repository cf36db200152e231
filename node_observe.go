package tunemesh

import (
	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// ============================================================================
//                              类型化事件订阅
// ============================================================================
//
// EventBus 的订阅通道是 any 类型；这里提供常用事件的
// 类型化包装，返回的 cancel 必须调用以释放订阅。

// SubscribePeerDiscovered 订阅节点发现事件
func (n *Node) SubscribePeerDiscovered(opts ...pkgif.SubscriptionOpt) (<-chan types.EvtPeerDiscovered, func(), error) {
	return typedSubscribe[types.EvtPeerDiscovered](n.bus, opts...)
}

// SubscribeConnStateChanged 订阅连接状态事件
func (n *Node) SubscribeConnStateChanged(opts ...pkgif.SubscriptionOpt) (<-chan types.EvtConnStateChanged, func(), error) {
	return typedSubscribe[types.EvtConnStateChanged](n.bus, opts...)
}

// SubscribeDocumentChanged 订阅文档变更事件
func (n *Node) SubscribeDocumentChanged(opts ...pkgif.SubscriptionOpt) (<-chan types.EvtDocumentChanged, func(), error) {
	return typedSubscribe[types.EvtDocumentChanged](n.bus, opts...)
}

func typedSubscribe[T any](bus pkgif.EventBus, opts ...pkgif.SubscriptionOpt) (<-chan T, func(), error) {
	sub, err := bus.Subscribe(new(T), opts...)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan T, cap(sub.Out()))
	go func() {
		defer close(out)
		for raw := range sub.Out() {
			if evt, ok := raw.(T); ok {
				out <- evt
			}
		}
	}()
	return out, func() { sub.Close() }, nil
}
