// Package presence 实现在线/心跳协议
//
// 周期性 Ping 测量 RTT 并维护对端存活状态；
// Connection Manager 以此驱动心跳监督：连续 N 次丢失即强制关闭连接。
package presence

import (
	"time"

	"github.com/google/uuid"
)

// ping 心跳请求
type ping struct {
	// ID 请求标识（pong 必须回显）
	ID string `json:"id"`

	// SentAt 发送时刻（仅诊断用，不参与时钟比较）
	SentAt time.Time `json:"sentAt"`
}

// pong 心跳应答
type pong struct {
	// ID 回显的请求标识
	ID string `json:"id"`
}

func newPing() ping {
	return ping{ID: uuid.NewString(), SentAt: time.Now()}
}
