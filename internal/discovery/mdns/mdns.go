// Package mdns 实现局域网广播发现
//
// 基于 mDNS/DNS-SD：节点以 _tunemesh._tcp 服务示播自己的
// 节点 ID、协议版本与可拨地址，同时周期性浏览同网段的
// 其他实例。发现不建立信任，畸形或冒充的示播在解析时
// 丢弃，身份真伪由后续加密握手裁决。
package mdns

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/protocol"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

var logger = log.Logger("mdns")

const (
	// serviceType DNS-SD 服务类型
	serviceType = "_tunemesh._tcp"

	// serviceDomain mDNS 域
	serviceDomain = "local."

	// DefaultInterval 浏览间隔
	DefaultInterval = 5 * time.Second
)

// Peerstore 发现结果的落点
type Peerstore interface {
	Upsert(sighting types.PeerRecord) *types.PeerRecord
}

// Service mDNS 发现服务
type Service struct {
	id       types.PeerID
	name     string
	addrs    func() []string
	interval time.Duration

	pstore  Peerstore
	bus     pkgif.EventBus
	emitter pkgif.Emitter

	mu      sync.Mutex
	server  *zeroconf.Server
	cancel  context.CancelFunc
	started bool

	wg sync.WaitGroup
}

// Option 服务配置项
type Option func(*Service)

// WithInterval 设置浏览间隔
func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New 创建 mDNS 发现服务
//
// addrs 返回当前可拨地址，每轮示播时取一次。
func New(id types.PeerID, name string, addrs func() []string, pstore Peerstore, bus pkgif.EventBus, opts ...Option) (*Service, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if addrs == nil || pstore == nil || bus == nil {
		return nil, fmt.Errorf("mdns: 缺少依赖")
	}
	s := &Service{
		id:       id,
		name:     name,
		addrs:    addrs,
		interval: DefaultInterval,
		pstore:   pstore,
		bus:      bus,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start 开始示播与浏览
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	em, err := s.bus.Emitter(new(types.EvtPeerDiscovered))
	if err != nil {
		return err
	}
	s.emitter = em

	addrs := s.addrs()
	server, err := zeroconf.Register(
		string(s.id), serviceType, serviceDomain,
		advertisePort(addrs), txtRecords(s.id, s.name, addrs), nil,
	)
	if err != nil {
		em.Close()
		return fmt.Errorf("mdns: 注册示播失败: %w", err)
	}
	s.server = server

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)
	go s.browseLoop(ctx)
	logger.Info("局域网发现已启动", "service", serviceType)
	return nil
}

// Stop 停止广播与浏览
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	server := s.server
	s.server = nil
	em := s.emitter
	s.emitter = nil
	s.mu.Unlock()

	if server != nil {
		server.Shutdown()
	}
	s.wg.Wait()
	if em != nil {
		em.Close()
	}
	return nil
}

func (s *Service) browseLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.browseOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

// browseOnce 浏览一轮，窗口为一个间隔
func (s *Service) browseOnce(ctx context.Context) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		logger.Warn("创建解析器失败", "err", err)
		return
	}

	bctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			s.handleEntry(entry)
		}
	}()
	if err := resolver.Browse(bctx, serviceType, serviceDomain, entries); err != nil {
		logger.Warn("浏览失败", "err", err)
		return
	}
	<-bctx.Done()
}

func (s *Service) handleEntry(entry *zeroconf.ServiceEntry) {
	rec, err := ParseEntry(entry.Text)
	if err != nil {
		logger.Debug("丢弃畸形示播", "instance", entry.Instance, "err", err)
		return
	}
	if rec.ID == s.id {
		return
	}
	rec.DiscoveredAt = time.Now()
	rec.LastSeenAt = rec.DiscoveredAt
	rec.Method = types.MethodLocalBroadcast

	s.pstore.Upsert(rec)
	s.mu.Lock()
	em := s.emitter
	s.mu.Unlock()
	if em != nil {
		_ = em.Emit(types.EvtPeerDiscovered{Record: rec})
	}
	logger.Debug("发现节点",
		"peer", log.TruncateID(string(rec.ID), 8), "name", rec.DisplayName)
}

// ============================================================================
//                              TXT 记录编解码
// ============================================================================

func txtRecords(id types.PeerID, name string, addrs []string) []string {
	txt := []string{
		"id=" + string(id),
		"pv=" + protocol.Version,
	}
	if name != "" {
		txt = append(txt, "name="+name)
	}
	if len(addrs) > 0 {
		txt = append(txt, "addrs="+strings.Join(addrs, ","))
	}
	return txt
}

// ParseEntry 从 TXT 记录解析节点记录
//
// 缺失或非法的节点 ID 视为畸形示播整体丢弃；
// 其余字段宽容处理。
func ParseEntry(txt []string) (types.PeerRecord, error) {
	var rec types.PeerRecord
	for _, kv := range txt {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "id":
			rec.ID = types.PeerID(val)
		case "name":
			rec.DisplayName = val
		case "addrs":
			for _, a := range strings.Split(val, ",") {
				if a = strings.TrimSpace(a); a != "" {
					rec.Addresses = append(rec.Addresses, a)
				}
			}
		case "pv":
			rec.Protocols = append(rec.Protocols, string(protocol.Build("replicate", val)))
		}
	}
	if rec.ID == "" {
		return types.PeerRecord{}, fmt.Errorf("mdns: 示播缺少节点 ID")
	}
	if err := rec.ID.Validate(); err != nil {
		return types.PeerRecord{}, fmt.Errorf("mdns: 非法节点 ID: %w", err)
	}
	if len(rec.Addresses) == 0 {
		return types.PeerRecord{}, fmt.Errorf("mdns: 示播缺少地址")
	}
	return rec, nil
}

// advertisePort 从第一个 TCP 地址提取端口，无则用约定端口
func advertisePort(addrs []string) int {
	for _, a := range addrs {
		if !strings.HasPrefix(a, "tcp://") {
			continue
		}
		host := strings.TrimPrefix(a, "tcp://")
		if i := strings.LastIndex(host, ":"); i >= 0 {
			var port int
			if _, err := fmt.Sscanf(host[i+1:], "%d", &port); err == nil && port > 0 {
				return port
			}
		}
	}
	return 4242
}
