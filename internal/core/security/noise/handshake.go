package noise

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/flynn/noise"

	"github.com/tunemesh/go-tunemesh/internal/core/identity"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// handshakePayload 握手 payload（双方互换）
type handshakePayload struct {
	// IdentityKey ed25519 身份公钥
	IdentityKey []byte `json:"identityKey"`

	// IdentitySig Sign(payloadSigPrefix + 本方静态 Curve25519 公钥)
	IdentitySig []byte `json:"identitySig"`
}

// performHandshake 执行 Noise XX 握手
func (t *Transport) performHandshake(conn net.Conn, expected types.PeerID, initiator bool) (*secureConn, error) {
	static, err := t.staticKeypair()
	if err != nil {
		return nil, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	// 本地 payload：身份公钥 + 对静态公钥的签名
	localPayload, err := t.buildPayload(static.Public)
	if err != nil {
		return nil, err
	}

	var (
		sendCS, recvCS *noise.CipherState
		remotePayload  []byte
	)
	if initiator {
		sendCS, recvCS, remotePayload, err = clientHandshake(conn, hs, localPayload)
	} else {
		sendCS, recvCS, remotePayload, err = serverHandshake(conn, hs, localPayload)
	}
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	// 验证对端 payload，派生对端节点 ID
	remoteStatic := hs.PeerStatic()
	if len(remoteStatic) != 32 {
		return nil, fmt.Errorf("%w: remote static key length %d", ErrBadPayload, len(remoteStatic))
	}
	remotePeer, err := verifyPayload(remotePayload, remoteStatic)
	if err != nil {
		return nil, err
	}
	if expected != "" && remotePeer != expected {
		return nil, fmt.Errorf("%w: expected %s got %s", ErrPeerMismatch,
			expected.ShortString(), remotePeer.ShortString())
	}

	return newSecureConn(conn, t.id.PeerID(), remotePeer, sendCS, recvCS), nil
}

// buildPayload 构造本地握手 payload
func (t *Transport) buildPayload(staticPub []byte) ([]byte, error) {
	msg := append([]byte(payloadSigPrefix), staticPub...)
	p := handshakePayload{
		IdentityKey: t.id.PublicKey(),
		IdentitySig: t.id.Sign(msg),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// verifyPayload 验证对端 payload 并返回其节点 ID
func verifyPayload(data, remoteStatic []byte) (types.PeerID, error) {
	var p handshakePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	msg := append([]byte(payloadSigPrefix), remoteStatic...)
	peer, ok := identity.Verify(p.IdentityKey, msg, p.IdentitySig)
	if !ok {
		return "", ErrBadSignature
	}
	return peer, nil
}

// clientHandshake 发起者侧的三段握手
func clientHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte) (send, recv *noise.CipherState, remotePayload []byte, err error) {
	// -> e
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write msg1: %w", err)
	}
	if err := writeFrame(conn, msg1); err != nil {
		return nil, nil, nil, err
	}

	// <- e, ee, s, es, payload
	frame, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, err
	}
	remotePayload, _, _, err = hs.ReadMessage(nil, frame)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read msg2: %w", err)
	}

	// -> s, se, payload
	msg3, cs0, cs1, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write msg3: %w", err)
	}
	if err := writeFrame(conn, msg3); err != nil {
		return nil, nil, nil, err
	}

	// 发起者：cs0 发送，cs1 接收
	return cs0, cs1, remotePayload, nil
}

// serverHandshake 响应者侧的三段握手
func serverHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte) (send, recv *noise.CipherState, remotePayload []byte, err error) {
	// <- e
	frame, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, frame); err != nil {
		return nil, nil, nil, fmt.Errorf("read msg1: %w", err)
	}

	// -> e, ee, s, es, payload
	msg2, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write msg2: %w", err)
	}
	if err := writeFrame(conn, msg2); err != nil {
		return nil, nil, nil, err
	}

	// <- s, se, payload
	frame, err = readFrame(conn)
	if err != nil {
		return nil, nil, nil, err
	}
	remotePayload, cs0, cs1, err := hs.ReadMessage(nil, frame)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read msg3: %w", err)
	}

	// 响应者：cs1 发送，cs0 接收
	return cs1, cs0, remotePayload, nil
}

// ============================================================================
// 帧读写：2 字节大端长度前缀（Noise 消息上限 65535）
// ============================================================================

func writeFrame(w io.Writer, msg []byte) error {
	if len(msg) > maxMessageSize {
		return ErrMessageTooLarge
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint16(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}
