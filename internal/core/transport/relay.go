package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
)

// SchemeRelay 中继辅助传输的 scheme
const SchemeRelay = "relay"

// relayConnectTimeout 中继接入协商超时
const relayConnectTimeout = 10 * time.Second

var (
	// ErrRelayRefused 中继拒绝接入
	ErrRelayRefused = errors.New("transport: relay refused connection")
	// ErrRelayListen 中继传输不支持监听
	ErrRelayListen = errors.New("transport: relay transport is outbound-only")
)

// 确保实现了接口
var _ pkgif.Transport = (*Relay)(nil)

// Relay 中继辅助传输（仅出站）
//
// 拨号地址格式：host:port/<目标节点ID>。
// 先与中继建立 TCP 连接，发送 CONNECT 帧请求桥接到目标节点；
// 中继应答 OK 后，连接成为到目标的透明字节隧道，
// 加密握手照常在隧道上进行——中继看不到明文，也无法冒充目标。
//
// 本包只实现中继客户端；中继基础设施的运维不在本子系统范围内。
type Relay struct {
	dialer net.Dialer
}

// relayRequest 中继接入请求帧
type relayRequest struct {
	Type   string `json:"type"` // "connect"
	Target string `json:"target"`
}

// relayResponse 中继应答帧
type relayResponse struct {
	Type  string `json:"type"` // "ok" | "error"
	Error string `json:"error,omitempty"`
}

// NewRelay 创建中继传输
func NewRelay() *Relay {
	return &Relay{
		dialer: net.Dialer{Timeout: tcpDialTimeout},
	}
}

// Scheme 返回 "relay"
func (t *Relay) Scheme() string {
	return SchemeRelay
}

// CanListen 中继传输仅出站
func (t *Relay) CanListen() bool {
	return false
}

// Listen 总是返回错误
func (t *Relay) Listen(string) (pkgif.Listener, error) {
	return nil, ErrRelayListen
}

// Dial 经中继拨号到目标节点
func (t *Relay) Dial(ctx context.Context, addr string) (net.Conn, error) {
	slash := strings.LastIndexByte(addr, '/')
	if slash <= 0 || slash == len(addr)-1 {
		return nil, fmt.Errorf("%w: relay addr %q", ErrMalformedAddr, addr)
	}
	relayAddr, target := addr[:slash], addr[slash+1:]

	conn, err := t.dialer.DialContext(ctx, "tcp", relayAddr)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Now().Add(relayConnectTimeout)); err != nil {
		conn.Close()
		return nil, err
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(relayRequest{Type: "connect", Target: target}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay connect: %w", err)
	}

	// 逐字节读到换行，避免缓冲读取吞掉隧道上的后续字节
	line, err := readLine(conn, 4096)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay response: %w", err)
	}
	var resp relayResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay response: %w", err)
	}
	if resp.Type != "ok" {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrRelayRefused, resp.Error)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// readLine 逐字节读取一行（不含换行符）
func readLine(conn net.Conn, max int) ([]byte, error) {
	buf := make([]byte, 0, 128)
	b := make([]byte, 1)
	for len(buf) < max {
		if _, err := conn.Read(b); err != nil {
			return nil, err
		}
		if b[0] == '\n' {
			return buf, nil
		}
		buf = append(buf, b[0])
	}
	return nil, fmt.Errorf("%w: response line too long", ErrMalformedAddr)
}
