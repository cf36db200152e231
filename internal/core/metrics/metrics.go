// Package metrics 定义节点的 Prometheus 指标
//
// 所有方法对 nil 接收者安全：未配置注册器的节点
// 直接携带 nil *Metrics，调用点无需判空。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 节点指标集合
type Metrics struct {
	connectedPeers   prometheus.Gauge
	stateTransitions *prometheus.CounterVec
	dialAttempts     *prometheus.CounterVec
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter
	streamsOpened    *prometheus.CounterVec
	heartbeatMisses  prometheus.Counter
	patchesApplied   *prometheus.CounterVec
	patchesGossiped  prometheus.Counter
	patchesDuplicate prometheus.Counter
	resyncs          prometheus.Counter
	peersDiscovered  *prometheus.CounterVec
}

// New 创建并注册指标集合
//
// reg 为 nil 时指标仍可用但不对外暴露。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunemesh",
			Name:      "connected_peers",
			Help:      "当前处于 connected 状态的节点数",
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunemesh",
			Name:      "conn_state_transitions_total",
			Help:      "连接状态机转移次数",
		}, []string{"from", "to"}),
		dialAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunemesh",
			Name:      "dial_attempts_total",
			Help:      "出站拨号尝试次数",
		}, []string{"result"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunemesh",
			Name:      "bytes_sent_total",
			Help:      "安全信道上发送的字节数",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunemesh",
			Name:      "bytes_received_total",
			Help:      "安全信道上接收的字节数",
		}),
		streamsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunemesh",
			Name:      "streams_opened_total",
			Help:      "按协议统计的流打开次数",
		}, []string{"protocol", "dir"}),
		heartbeatMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunemesh",
			Name:      "heartbeat_misses_total",
			Help:      "心跳超时次数",
		}),
		patchesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunemesh",
			Name:      "patches_applied_total",
			Help:      "并入本地状态的补丁数",
		}, []string{"collection"}),
		patchesGossiped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunemesh",
			Name:      "patches_gossiped_total",
			Help:      "向邻居转发的补丁数",
		}),
		patchesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunemesh",
			Name:      "patches_duplicate_total",
			Help:      "按检查点丢弃的重复补丁数",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunemesh",
			Name:      "replication_resyncs_total",
			Help:      "因队列溢出或缺口过大触发的重新同步次数",
		}),
		peersDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunemesh",
			Name:      "peers_discovered_total",
			Help:      "按发现方式统计的节点发现次数",
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connectedPeers, m.stateTransitions, m.dialAttempts,
			m.bytesSent, m.bytesReceived, m.streamsOpened,
			m.heartbeatMisses, m.patchesApplied, m.patchesGossiped,
			m.patchesDuplicate, m.resyncs, m.peersDiscovered,
		)
	}
	return m
}

func (m *Metrics) SetConnectedPeers(n int) {
	if m == nil {
		return
	}
	m.connectedPeers.Set(float64(n))
}

func (m *Metrics) StateTransition(from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) DialAttempt(result string) {
	if m == nil {
		return
	}
	m.dialAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) AddBytesSent(n int64) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) AddBytesReceived(n int64) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) StreamOpened(protocol, dir string) {
	if m == nil {
		return
	}
	m.streamsOpened.WithLabelValues(protocol, dir).Inc()
}

func (m *Metrics) HeartbeatMiss() {
	if m == nil {
		return
	}
	m.heartbeatMisses.Inc()
}

func (m *Metrics) PatchApplied(collection string) {
	if m == nil {
		return
	}
	m.patchesApplied.WithLabelValues(collection).Inc()
}

func (m *Metrics) PatchGossiped() {
	if m == nil {
		return
	}
	m.patchesGossiped.Inc()
}

func (m *Metrics) PatchDuplicate() {
	if m == nil {
		return
	}
	m.patchesDuplicate.Inc()
}

func (m *Metrics) Resync() {
	if m == nil {
		return
	}
	m.resyncs.Inc()
}

func (m *Metrics) PeerDiscovered(method string) {
	if m == nil {
		return
	}
	m.peersDiscovered.WithLabelValues(method).Inc()
}
