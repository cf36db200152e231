package tunemesh

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tunemesh/go-tunemesh/internal/core/connmgr"
)

// Config 节点配置
//
// 零值不可用，从 DefaultConfig 出发用 Option 修改。
type Config struct {
	// DisplayName 展示给其他节点的名字（派对场景下的昵称）
	DisplayName string

	// KeyFile 身份私钥文件路径，空表示使用临时身份
	KeyFile string

	// ListenAddrs 监听地址（scheme://host:port）
	ListenAddrs []string

	// Capabilities 支持的数据集合（握手时交换）
	Capabilities []string

	// EnableMDNS 是否开启局域网广播发现
	EnableMDNS bool

	// MDNSInterval 广播浏览间隔
	MDNSInterval time.Duration

	// PeerstoreCapacity 节点存储容量（LRU 逐出）
	PeerstoreCapacity int

	// StreamIdleTimeout 协议流空闲超时，0 禁用
	StreamIdleTimeout time.Duration

	// Conn 连接管理配置
	Conn connmgr.Config

	// Registerer 指标注册器，nil 表示不导出指标
	Registerer prometheus.Registerer

	// Clock 时钟源，测试注入假时钟用
	Clock clock.Clock
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DisplayName:       "tunemesh",
		ListenAddrs:       []string{"tcp://0.0.0.0:0"},
		Capabilities:      []string{"playlists", "tracks"},
		EnableMDNS:        true,
		MDNSInterval:      5 * time.Second,
		PeerstoreCapacity: 1024,
		StreamIdleTimeout: 2 * time.Minute,
		Conn:              connmgr.DefaultConfig(),
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.DisplayName == "" {
		return fmt.Errorf("tunemesh: DisplayName 不能为空")
	}
	if len(c.Capabilities) == 0 {
		return fmt.Errorf("tunemesh: 至少声明一个集合能力")
	}
	if c.PeerstoreCapacity <= 0 {
		return fmt.Errorf("tunemesh: PeerstoreCapacity 必须为正数, got %d", c.PeerstoreCapacity)
	}
	if c.EnableMDNS && c.MDNSInterval <= 0 {
		return fmt.Errorf("tunemesh: MDNSInterval 必须为正数")
	}
	if c.StreamIdleTimeout < 0 {
		return fmt.Errorf("tunemesh: StreamIdleTimeout 不能为负数")
	}
	return c.Conn.Validate()
}
