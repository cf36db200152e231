// Package noise 实现 Noise 协议安全传输
//
// Noise XX 握手流程：
//   -> e                                      (发起者发送临时公钥)
//   <- e, ee, s, es, payload                  (响应者发送临时公钥、静态公钥、payload)
//   -> s, se, payload                         (发起者发送静态公钥、payload)
//
// payload 包含：
//   - identity_key: ed25519 身份公钥
//   - identity_sig: Sign("tunemesh-noise-static:" + curve25519_static_pubkey)
//
// 静态 Curve25519 密钥每进程生成一次，由 ed25519 身份密钥签名背书；
// 对端节点 ID 由 payload 中的身份公钥派生并与期望值比对。
// 每条连接只有一个加密通道，逻辑流复用在其之上。
package noise

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/tunemesh/go-tunemesh/internal/core/identity"
	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

var logger = log.Logger("core/noise")

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrNilIdentity 未提供身份
	ErrNilIdentity = errors.New("noise: nil identity")
	// ErrBadPayload 握手 payload 非法
	ErrBadPayload = errors.New("noise: invalid handshake payload")
	// ErrBadSignature 身份签名验证失败
	ErrBadSignature = errors.New("noise: identity signature verification failed")
	// ErrPeerMismatch 对端身份与期望不符
	ErrPeerMismatch = errors.New("noise: peer id mismatch")
	// ErrMessageTooLarge 消息超出 Noise 上限
	ErrMessageTooLarge = errors.New("noise: message exceeds 65535 bytes")
)

// payloadSigPrefix 身份签名的前缀
const payloadSigPrefix = "tunemesh-noise-static:"

// ============================================================================
// Transport
// ============================================================================

// Transport Noise 安全传输
type Transport struct {
	id *identity.Identity

	mu     sync.Mutex
	static *noise.DHKey // 进程级静态密钥，惰性生成
}

// New 创建 Noise 安全传输
func New(id *identity.Identity) (*Transport, error) {
	if id == nil {
		return nil, ErrNilIdentity
	}
	return &Transport{id: id}, nil
}

// staticKeypair 返回（必要时生成）进程级静态 Curve25519 密钥
func (t *Transport) staticKeypair() (noise.DHKey, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.static == nil {
		kp, err := cipherSuite().GenerateKeypair(rand.Reader)
		if err != nil {
			return noise.DHKey{}, fmt.Errorf("generate static key: %w", err)
		}
		t.static = &kp
	}
	return *t.static, nil
}

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
}

// SecureOutbound 出站加密握手
//
// expected 是拨号目标的节点 ID；握手成功但身份不符时返回 ErrPeerMismatch。
func (t *Transport) SecureOutbound(ctx context.Context, conn net.Conn, expected types.PeerID) (pkgif.SecureConn, error) {
	return t.secure(ctx, conn, expected, true)
}

// SecureInbound 入站加密握手
//
// 对端身份由握手 payload 确定。
func (t *Transport) SecureInbound(ctx context.Context, conn net.Conn) (pkgif.SecureConn, error) {
	return t.secure(ctx, conn, "", false)
}

func (t *Transport) secure(ctx context.Context, conn net.Conn, expected types.PeerID, initiator bool) (pkgif.SecureConn, error) {
	// 握手期间使用 ctx 截止时间约束底层连接
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set handshake deadline: %w", err)
		}
	}

	sc, err := t.performHandshake(conn, expected, initiator)
	if err != nil {
		conn.Close()
		logger.Debug("Noise 握手失败",
			"initiator", initiator,
			"expected", log.TruncateID(string(expected), 8),
			"error", err)
		return nil, err
	}

	// 清除握手截止时间
	if err := conn.SetDeadline(time.Time{}); err != nil {
		sc.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	logger.Debug("Noise 握手完成",
		"initiator", initiator,
		"remotePeer", sc.RemotePeer().ShortString())
	return sc, nil
}
