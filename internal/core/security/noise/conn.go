package noise

import (
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

const (
	// maxMessageSize Noise 消息上限
	maxMessageSize = 65535

	// maxPlaintextSize 单条消息可承载的明文上限（留出 AEAD tag）
	maxPlaintextSize = maxMessageSize - 16
)

// 确保实现了接口
var _ pkgif.SecureConn = (*secureConn)(nil)

// secureConn 加密连接
//
// 读写各有独立互斥，全双工安全。
type secureConn struct {
	net.Conn

	localPeer  types.PeerID
	remotePeer types.PeerID

	readMu  sync.Mutex
	writeMu sync.Mutex

	sendCS *noise.CipherState
	recvCS *noise.CipherState

	// leftover 上一条消息中尚未被读走的明文
	leftover []byte
}

func newSecureConn(conn net.Conn, local, remote types.PeerID, send, recv *noise.CipherState) *secureConn {
	return &secureConn{
		Conn:       conn,
		localPeer:  local,
		remotePeer: remote,
		sendCS:     send,
		recvCS:     recv,
	}
}

// LocalPeer 本地节点 ID
func (c *secureConn) LocalPeer() types.PeerID {
	return c.localPeer
}

// RemotePeer 认证后的对端节点 ID
func (c *secureConn) RemotePeer() types.PeerID {
	return c.remotePeer
}

// Read 读取并解密
func (c *secureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	frame, err := readFrame(c.Conn)
	if err != nil {
		return 0, err
	}
	plain, err := c.recvCS.Decrypt(nil, nil, frame)
	if err != nil {
		return 0, err
	}

	n := copy(p, plain)
	if n < len(plain) {
		c.leftover = plain[n:]
	}
	return n, nil
}

// Write 加密并写入（大于单条上限时分片）
func (c *secureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintextSize {
			chunk = chunk[:maxPlaintextSize]
		}
		ct, err := c.sendCS.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, err
		}
		if err := writeFrame(c.Conn, ct); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// SetDeadline 透传至底层连接
func (c *secureConn) SetDeadline(t time.Time) error {
	return c.Conn.SetDeadline(t)
}
