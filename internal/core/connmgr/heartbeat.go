package connmgr

import (
	"context"

	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// heartbeatLoop 周期性探测全部已连接对端
//
// 连续 HeartbeatMisses 次探测失败的连接判定死亡，
// 以 heartbeat-missed 关闭。探测走 presence 协议流，
// 同时覆盖了传输层与复用层的活性。
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := m.clk.Ticker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	misses := make(map[types.PeerID]int)
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		presence := m.presence
		m.mu.Unlock()
		if presence == nil {
			continue
		}

		for _, peer := range m.ConnectedPeers() {
			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HeartbeatInterval)
			rtt, err := presence.Ping(ctx, peer)
			cancel()

			if err == nil {
				delete(misses, peer)
				logger.Debug("心跳正常",
					"peer", log.TruncateID(string(peer), 8), "rtt", rtt)
				continue
			}
			m.met.HeartbeatMiss()
			misses[peer]++
			logger.Debug("心跳丢失",
				"peer", log.TruncateID(string(peer), 8),
				"streak", misses[peer], "err", err)

			if misses[peer] < m.cfg.HeartbeatMisses {
				continue
			}
			delete(misses, peer)
			logger.Warn("心跳连续丢失，关闭连接",
				"peer", log.TruncateID(string(peer), 8))

			m.mu.Lock()
			c := m.conns[peer]
			m.mu.Unlock()
			if c != nil && c.State() == types.StateConnected {
				m.closeConn(c, types.ReasonHeartbeatMissed)
			}
		}

		// 已断开对端的计数不再保留
		connected := make(map[types.PeerID]bool)
		for _, p := range m.ConnectedPeers() {
			connected[p] = true
		}
		for p := range misses {
			if !connected[p] {
				delete(misses, p)
			}
		}
	}
}
