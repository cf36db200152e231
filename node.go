package tunemesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tunemesh/go-tunemesh/internal/core/connmgr"
	"github.com/tunemesh/go-tunemesh/internal/core/identity"
	"github.com/tunemesh/go-tunemesh/internal/core/peerstore"
	"github.com/tunemesh/go-tunemesh/internal/discovery/mdns"
	"github.com/tunemesh/go-tunemesh/internal/protocol/presence"
	"github.com/tunemesh/go-tunemesh/internal/replication"
	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// AgentVersion 握手时交换的实现版本串
const AgentVersion = "go-tunemesh/0.3.0"

// stopTimeout 关闭节点的宽限期
const stopTimeout = 15 * time.Second

var logger = log.Logger("node")

type nodeState int

const (
	nodeIdle nodeState = iota
	nodeRunning
	nodeClosed
)

// Node 一个完整的 tunemesh 节点
//
// 聚合身份、传输、连接管理、发现与复制引擎；
// 宿主应用通过它连接对端、读写文档、订阅事件。
type Node struct {
	cfg Config
	app appRunner

	mu    sync.Mutex
	state nodeState

	// fx 填充
	id       *identity.Identity
	bus      pkgif.EventBus
	pstore   *peerstore.Peerstore
	mgr      *connmgr.Manager
	engine   *replication.Engine
	presence *presence.Service
	mdns     *mdns.Service
}

// appRunner 抽象 fx.App 的启停，便于测试
type appRunner interface {
	Start(context.Context) error
	Stop(context.Context) error
}

// New 创建节点
//
// 只建好依赖图，不做网络动作；Start 才开始监听与发现。
func New(opts ...Option) (*Node, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg}
	app := buildApp(cfg, n)
	if err := app.Err(); err != nil {
		return nil, fmt.Errorf("tunemesh: 组装节点失败: %w", err)
	}
	n.app = app
	return n, nil
}

// Start 启动节点：监听、心跳、复制与发现
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case nodeRunning:
		n.mu.Unlock()
		return nil
	case nodeClosed:
		n.mu.Unlock()
		return ErrNodeClosed
	}
	n.mu.Unlock()

	if err := n.app.Start(ctx); err != nil {
		return fmt.Errorf("tunemesh: 启动失败: %w", err)
	}

	n.mu.Lock()
	n.state = nodeRunning
	n.mu.Unlock()
	logger.Info("节点已启动",
		"peer", log.TruncateID(string(n.ID()), 8),
		"name", n.cfg.DisplayName,
		"listen", n.mgr.ListenAddrs())
	return nil
}

// Close 关闭节点并释放全部资源
func (n *Node) Close() error {
	n.mu.Lock()
	if n.state == nodeClosed {
		n.mu.Unlock()
		return nil
	}
	wasRunning := n.state == nodeRunning
	n.state = nodeClosed
	n.mu.Unlock()

	if !wasRunning {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return n.app.Stop(ctx)
}

func (n *Node) running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == nodeRunning
}

// ID 本地节点 ID
func (n *Node) ID() types.PeerID { return n.id.PeerID() }

// DisplayName 本地展示名
func (n *Node) DisplayName() string { return n.cfg.DisplayName }

// ListenAddrs 当前监听地址
func (n *Node) ListenAddrs() []string {
	if !n.running() {
		return nil
	}
	return n.mgr.ListenAddrs()
}

// EventBus 节点事件总线
//
// 订阅 types.EvtPeerDiscovered / EvtConnStateChanged /
// EvtDocumentChanged 获取状态变化。
func (n *Node) EventBus() pkgif.EventBus { return n.bus }
