package tunemesh

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tunemesh/go-tunemesh/internal/core/connmgr"
)

// Option 节点配置项
type Option func(*Config)

// WithDisplayName 设置展示名
func WithDisplayName(name string) Option {
	return func(c *Config) {
		if name != "" {
			c.DisplayName = name
		}
	}
}

// WithKeyFile 设置持久身份私钥文件
func WithKeyFile(path string) Option {
	return func(c *Config) { c.KeyFile = path }
}

// WithListenAddrs 设置监听地址
func WithListenAddrs(addrs ...string) Option {
	return func(c *Config) {
		if len(addrs) > 0 {
			c.ListenAddrs = addrs
		}
	}
}

// WithCapabilities 设置支持的数据集合
func WithCapabilities(caps ...string) Option {
	return func(c *Config) {
		if len(caps) > 0 {
			c.Capabilities = caps
		}
	}
}

// WithMDNS 开关局域网广播发现
func WithMDNS(enable bool) Option {
	return func(c *Config) { c.EnableMDNS = enable }
}

// WithMDNSInterval 设置广播浏览间隔
func WithMDNSInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.MDNSInterval = d
		}
	}
}

// WithPeerstoreCapacity 设置节点存储容量
func WithPeerstoreCapacity(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.PeerstoreCapacity = n
		}
	}
}

// WithConnConfig 覆盖连接管理配置
func WithConnConfig(cfg connmgr.Config) Option {
	return func(c *Config) { c.Conn = cfg }
}

// WithMetrics 设置指标注册器
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = reg }
}

// WithClock 注入时钟源
func WithClock(clk clock.Clock) Option {
	return func(c *Config) { c.Clock = clk }
}
