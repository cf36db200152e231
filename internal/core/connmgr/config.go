package connmgr

import (
	"fmt"
	"time"
)

// Config 连接管理器配置
type Config struct {
	// MaxConns 并发连接上限，超限的新连接被拒绝
	MaxConns int

	// DialTimeout 单次传输层拨号超时
	DialTimeout time.Duration

	// HandshakeTimeout 加密 + 协议握手整体超时
	HandshakeTimeout time.Duration

	// HeartbeatInterval 心跳探测间隔
	HeartbeatInterval time.Duration

	// HeartbeatMisses 连续丢失多少次心跳后判定连接死亡
	HeartbeatMisses int

	// RetryBase 重拨退避基数，第 n 次失败后等 RetryBase·2ⁿ
	RetryBase time.Duration

	// RetryAttempts 放弃前的最大重拨次数
	//
	// 耗尽后节点标记为不可达，直到再次被发现。
	RetryAttempts int

	// DialConcurrency 并发出站拨号上限
	DialConcurrency int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxConns:          32,
		DialTimeout:       15 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatMisses:   3,
		RetryBase:         time.Second,
		RetryAttempts:     5,
		DialConcurrency:   4,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.MaxConns <= 0 {
		return fmt.Errorf("connmgr: MaxConns 必须为正数, got %d", c.MaxConns)
	}
	if c.DialTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return fmt.Errorf("connmgr: 超时必须为正数")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatMisses <= 0 {
		return fmt.Errorf("connmgr: 心跳参数必须为正数")
	}
	if c.RetryBase <= 0 || c.RetryAttempts <= 0 {
		return fmt.Errorf("connmgr: 重试参数必须为正数")
	}
	if c.DialConcurrency <= 0 {
		return fmt.Errorf("connmgr: DialConcurrency 必须为正数, got %d", c.DialConcurrency)
	}
	return nil
}
