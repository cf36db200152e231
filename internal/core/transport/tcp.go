package transport

import (
	"context"
	"net"
	"time"

	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
)

// SchemeTCP 直连 socket 传输的 scheme
const SchemeTCP = "tcp"

// tcpDialTimeout 单次 TCP 拨号超时
const tcpDialTimeout = 5 * time.Second

// 确保实现了接口
var _ pkgif.Transport = (*TCP)(nil)

// TCP 直连 socket 传输（最高优先级）
type TCP struct {
	dialer net.Dialer
}

// NewTCP 创建 TCP 传输
func NewTCP() *TCP {
	return &TCP{
		dialer: net.Dialer{Timeout: tcpDialTimeout, KeepAlive: 30 * time.Second},
	}
}

// Scheme 返回 "tcp"
func (t *TCP) Scheme() string {
	return SchemeTCP
}

// CanListen TCP 支持监听
func (t *TCP) CanListen() bool {
	return true
}

// Listen 在指定地址监听
func (t *TCP) Listen(addr string) (pkgif.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

// Dial 拨号
func (t *TCP) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return t.dialer.DialContext(ctx, "tcp", addr)
}

// tcpListener TCP 监听器
type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept() (net.Conn, error) {
	return l.ln.Accept()
}

func (l *tcpListener) Addr() string {
	return SchemeTCP + "://" + l.ln.Addr().String()
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}
