package interfaces

// EventBus 类型化事件总线
//
// 以事件类型的指针样本注册（如 new(types.EvtPeerDiscovered)），
// 订阅者通过只读通道接收事件值。
type EventBus interface {
	// Subscribe 订阅指定类型的事件
	Subscribe(eventType any, opts ...SubscriptionOpt) (Subscription, error)

	// Emitter 获取指定类型的事件发射器
	Emitter(eventType any, opts ...EmitterOpt) (Emitter, error)

	// Close 关闭总线，关闭所有订阅通道
	Close() error
}

// Subscription 事件订阅
type Subscription interface {
	// Out 事件通道（总线关闭或订阅关闭后关闭）
	Out() <-chan any

	// Close 取消订阅
	Close() error
}

// Emitter 事件发射器
type Emitter interface {
	// Emit 发射事件（值类型须与注册类型一致）
	Emit(evt any) error

	// Close 释放发射器
	Close() error
}

// SubscriptionOpt 订阅选项
type SubscriptionOpt func(*SubscriptionSettings)

// SubscriptionSettings 订阅设置
type SubscriptionSettings struct {
	// BufSize 订阅通道容量
	BufSize int
}

// BufSize 设置订阅通道容量
func BufSize(n int) SubscriptionOpt {
	return func(s *SubscriptionSettings) {
		if n > 0 {
			s.BufSize = n
		}
	}
}

// EmitterOpt 发射器选项
type EmitterOpt func(*EmitterSettings)

// EmitterSettings 发射器设置
type EmitterSettings struct {
	// Stateful 保留最后一个事件，投递给之后的订阅者
	Stateful bool
}

// Stateful 标记发射器为有状态
func Stateful() EmitterOpt {
	return func(s *EmitterSettings) {
		s.Stateful = true
	}
}
