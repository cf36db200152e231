package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
)

// SchemeWS 浏览器兼容传输的 scheme
const SchemeWS = "ws"

// wsPath WebSocket 升级路径
const wsPath = "/tunemesh"

// ErrWSListenerClosed 监听器已关闭
var ErrWSListenerClosed = errors.New("transport: websocket listener closed")

// 确保实现了接口
var _ pkgif.Transport = (*WS)(nil)

// WS 浏览器兼容的 WebSocket 传输（最低优先级）
//
// 二进制消息承载字节流；上层（Noise/muxer）与具体传输无关。
type WS struct {
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
}

// NewWS 创建 WebSocket 传输
func NewWS() *WS {
	return &WS{
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// 浏览器端无法自证来源；信任边界在 Noise 握手
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Scheme 返回 "ws"
func (t *WS) Scheme() string {
	return SchemeWS
}

// CanListen WebSocket 支持监听
func (t *WS) CanListen() bool {
	return true
}

// Dial 拨号
func (t *WS) Dial(ctx context.Context, addr string) (net.Conn, error) {
	wc, _, err := t.dialer.DialContext(ctx, "ws://"+addr+wsPath, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(wc), nil
}

// Listen 在指定地址监听
func (t *WS) Listen(addr string) (pkgif.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	wl := &wsListener{
		ln:     ln,
		connCh: make(chan net.Conn, 8),
		closed: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
		wc, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case wl.connCh <- newWSConn(wc):
		case <-wl.closed:
			wc.Close()
		}
	})

	wl.srv = &http.Server{Handler: mux}
	go wl.srv.Serve(ln) //nolint:errcheck // Serve 随 Close 退出

	return wl, nil
}

// wsListener WebSocket 监听器
type wsListener struct {
	ln        net.Listener
	srv       *http.Server
	connCh    chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.closed:
		return nil, ErrWSListenerClosed
	}
}

func (l *wsListener) Addr() string {
	return SchemeWS + "://" + l.ln.Addr().String()
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

// ============================================================================
// wsConn - 将 websocket 消息流适配为 net.Conn 字节流
// ============================================================================

type wsConn struct {
	wc *websocket.Conn

	readMu  sync.Mutex
	writeMu sync.Mutex

	// cur 当前消息中尚未读完的部分
	cur io.Reader
}

func newWSConn(wc *websocket.Conn) *wsConn {
	return &wsConn{wc: wc}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.cur != nil {
			n, err := c.cur.Read(p)
			if err == io.EOF {
				c.cur = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}
		_, r, err := c.wc.NextReader()
		if err != nil {
			return 0, err
		}
		c.cur = r
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.wc.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.wc.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.wc.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.wc.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.wc.SetReadDeadline(t); err != nil {
		return err
	}
	return c.wc.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.wc.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.wc.SetWriteDeadline(t)
}
