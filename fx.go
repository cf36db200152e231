package tunemesh

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/tunemesh/go-tunemesh/internal/core/connmgr"
	"github.com/tunemesh/go-tunemesh/internal/core/eventbus"
	"github.com/tunemesh/go-tunemesh/internal/core/identity"
	"github.com/tunemesh/go-tunemesh/internal/core/metrics"
	"github.com/tunemesh/go-tunemesh/internal/core/peerstore"
	"github.com/tunemesh/go-tunemesh/internal/core/router"
	"github.com/tunemesh/go-tunemesh/internal/core/security/noise"
	"github.com/tunemesh/go-tunemesh/internal/core/transport"
	"github.com/tunemesh/go-tunemesh/internal/discovery/mdns"
	"github.com/tunemesh/go-tunemesh/internal/protocol/handshake"
	"github.com/tunemesh/go-tunemesh/internal/protocol/presence"
	"github.com/tunemesh/go-tunemesh/internal/replication"
	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/protocol"
)

// buildApp 用 fx 组装节点的组件依赖图
//
// 构造期只建图不启动；监听、发现与协议服务
// 由生命周期钩子按依赖顺序启停。
func buildApp(cfg Config, n *Node) *fx.App {
	return fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Provide(
			provideIdentity,
			provideEventBus,
			provideMetrics,
			provideClock,
			providePeerstore,
			transport.Default,
			provideRouter,
			noise.New,
			provideHandshake,
			provideConnMgr,
			providePresence,
			provideStore,
			provideEngine,
			provideMDNS,
		),
		fx.Populate(
			&n.id, &n.bus, &n.pstore, &n.mgr,
			&n.engine, &n.presence, &n.mdns,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideIdentity(cfg Config) (*identity.Identity, error) {
	if cfg.KeyFile == "" {
		return identity.Generate()
	}
	return identity.LoadOrCreate(cfg.KeyFile)
}

func provideEventBus() pkgif.EventBus {
	return eventbus.NewBus()
}

func provideMetrics(cfg Config) *metrics.Metrics {
	if cfg.Registerer == nil {
		return nil
	}
	return metrics.New(cfg.Registerer)
}

func provideClock(cfg Config) clock.Clock {
	if cfg.Clock != nil {
		return cfg.Clock
	}
	return clock.New()
}

func providePeerstore(cfg Config, reg *transport.Registry) (*peerstore.Peerstore, error) {
	return peerstore.New(cfg.PeerstoreCapacity, peerstore.WithAddrSort(reg.SortAddrs))
}

func provideRouter(cfg Config) *router.Router {
	return router.New(cfg.StreamIdleTimeout)
}

func provideHandshake(cfg Config, id *identity.Identity) *handshake.Service {
	return handshake.New(func() handshake.Hello {
		return handshake.Hello{
			PeerID:       id.PeerID(),
			DisplayName:  cfg.DisplayName,
			AgentVersion: AgentVersion,
			Protocols:    protocol.Core(),
			Capabilities: cfg.Capabilities,
		}
	})
}

func provideConnMgr(
	cfg Config,
	id *identity.Identity,
	sec *noise.Transport,
	reg *transport.Registry,
	rt *router.Router,
	ps *peerstore.Peerstore,
	hs *handshake.Service,
	bus pkgif.EventBus,
	met *metrics.Metrics,
	clk clock.Clock,
) (*connmgr.Manager, error) {
	return connmgr.New(cfg.Conn, id, sec, reg, rt, ps, hs, bus, met, clk)
}

func providePresence(m *connmgr.Manager) (*presence.Service, error) {
	return presence.New(m)
}

func provideStore(id *identity.Identity) *replication.Store {
	return replication.NewStore(id.PeerID())
}

func provideEngine(m *connmgr.Manager, store *replication.Store, bus pkgif.EventBus, met *metrics.Metrics) *replication.Engine {
	return replication.New(m, store, bus, met)
}

func provideMDNS(cfg Config, id *identity.Identity, m *connmgr.Manager, ps *peerstore.Peerstore, bus pkgif.EventBus) (*mdns.Service, error) {
	if !cfg.EnableMDNS {
		return nil, nil
	}
	return mdns.New(id.PeerID(), cfg.DisplayName, m.ListenAddrs, ps, bus,
		mdns.WithInterval(cfg.MDNSInterval))
}

// registerLifecycle 按依赖顺序挂接启停钩子
//
// 启动：连接管理 → 心跳 → 复制 → 发现；停止自动反序。
func registerLifecycle(
	lc fx.Lifecycle,
	cfg Config,
	m *connmgr.Manager,
	pres *presence.Service,
	eng *replication.Engine,
	disc *mdns.Service,
	bus pkgif.EventBus,
) {
	m.SetPresence(pres)

	// 停止按挂接的反序执行，事件总线最先挂、最后关
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return bus.Close() },
	})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return m.Start(cfg.ListenAddrs) },
		OnStop:  func(context.Context) error { return m.Close() },
	})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return pres.Start() },
		OnStop:  func(context.Context) error { return pres.Stop() },
	})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return eng.Start() },
		OnStop:  func(context.Context) error { return eng.Close() },
	})
	if disc != nil {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error { return disc.Start() },
			OnStop:  func(context.Context) error { return disc.Stop() },
		})
	}
}
