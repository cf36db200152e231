package tunemesh

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunemesh/go-tunemesh/internal/core/connmgr"
)

// TestDefaultConfig 测试默认配置
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.EnableMDNS)
	assert.NotEmpty(t, cfg.ListenAddrs)
	assert.Contains(t, cfg.Capabilities, "playlists")
	assert.Nil(t, cfg.Registerer)

	t.Log("✅ DefaultConfig 测试通过")
}

// TestConfig_Validate 测试配置验证
func TestConfig_Validate(t *testing.T) {
	t.Run("EmptyDisplayName", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DisplayName = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("NoCapabilities", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Capabilities = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("BadPeerstoreCapacity", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.PeerstoreCapacity = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("BadMDNSInterval", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MDNSInterval = 0
		assert.Error(t, cfg.Validate())

		// 广播关闭时不校验间隔
		cfg.EnableMDNS = false
		assert.NoError(t, cfg.Validate())
	})

	t.Run("NegativeIdleTimeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.StreamIdleTimeout = -time.Second
		assert.Error(t, cfg.Validate())
	})

	t.Run("BadConnConfig", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Conn.MaxConns = -1
		assert.Error(t, cfg.Validate())
	})

	t.Log("✅ Config.Validate 测试通过")
}

// TestOptions 测试配置选项
func TestOptions(t *testing.T) {
	reg := prometheus.NewRegistry()
	connCfg := connmgr.DefaultConfig()
	connCfg.MaxConns = 8

	cfg := DefaultConfig()
	for _, opt := range []Option{
		WithDisplayName("客厅音箱"),
		WithKeyFile("/tmp/key"),
		WithListenAddrs("tcp://127.0.0.1:4242"),
		WithCapabilities("playlists"),
		WithMDNS(false),
		WithMDNSInterval(30 * time.Second),
		WithPeerstoreCapacity(64),
		WithConnConfig(connCfg),
		WithMetrics(reg),
	} {
		opt(&cfg)
	}

	assert.Equal(t, "客厅音箱", cfg.DisplayName)
	assert.Equal(t, "/tmp/key", cfg.KeyFile)
	assert.Equal(t, []string{"tcp://127.0.0.1:4242"}, cfg.ListenAddrs)
	assert.Equal(t, []string{"playlists"}, cfg.Capabilities)
	assert.False(t, cfg.EnableMDNS)
	assert.Equal(t, 30*time.Second, cfg.MDNSInterval)
	assert.Equal(t, 64, cfg.PeerstoreCapacity)
	assert.Equal(t, 8, cfg.Conn.MaxConns)
	assert.Same(t, prometheus.Registerer(reg), cfg.Registerer)
	require.NoError(t, cfg.Validate())

	t.Log("✅ Options 测试通过")
}

// TestOptions_IgnoreInvalid 测试空值选项被忽略
func TestOptions_IgnoreInvalid(t *testing.T) {
	cfg := DefaultConfig()
	WithDisplayName("")(&cfg)
	WithListenAddrs()(&cfg)
	WithCapabilities()(&cfg)
	WithMDNSInterval(0)(&cfg)
	WithPeerstoreCapacity(-1)(&cfg)

	def := DefaultConfig()
	assert.Equal(t, def.DisplayName, cfg.DisplayName)
	assert.Equal(t, def.ListenAddrs, cfg.ListenAddrs)
	assert.Equal(t, def.Capabilities, cfg.Capabilities)
	assert.Equal(t, def.MDNSInterval, cfg.MDNSInterval)
	assert.Equal(t, def.PeerstoreCapacity, cfg.PeerstoreCapacity)

	t.Log("✅ 空值选项被忽略")
}
