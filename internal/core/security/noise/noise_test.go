package noise

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/tunemesh/go-tunemesh/internal/core/identity"
	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func secureBoth(t *testing.T, ta, tb *Transport) (pkgif.SecureConn, pkgif.SecureConn) {
	t.Helper()
	ca, cb := pipePair(t)

	type res struct {
		conn pkgif.SecureConn
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		conn, err := tb.SecureInbound(context.Background(), cb)
		ch <- res{conn, err}
	}()

	outConn, err := ta.SecureOutbound(context.Background(), ca, tb.id.PeerID())
	if err != nil {
		t.Fatalf("出站加密失败: %v", err)
	}
	r := <-ch
	if r.err != nil {
		t.Fatalf("入站加密失败: %v", r.err)
	}
	return outConn, r.conn
}

func newTransports(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	idA, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	idB, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	ta, err := New(idA)
	if err != nil {
		t.Fatal(err)
	}
	tb, err := New(idB)
	if err != nil {
		t.Fatal(err)
	}
	return ta, tb
}

func TestMutualAuthentication(t *testing.T) {
	ta, tb := newTransports(t)
	out, in := secureBoth(t, ta, tb)
	defer out.Close()
	defer in.Close()

	if out.RemotePeer() != tb.id.PeerID() {
		t.Fatal("出站侧认证的对端身份不符")
	}
	if in.RemotePeer() != ta.id.PeerID() {
		t.Fatal("入站侧认证的对端身份不符")
	}
	if out.LocalPeer() != ta.id.PeerID() || in.LocalPeer() != tb.id.PeerID() {
		t.Fatal("本地身份不符")
	}
	t.Log("✅ 双向身份认证通过")
}

func TestEncryptedRoundTrip(t *testing.T) {
	ta, tb := newTransports(t)
	out, in := secureBoth(t, ta, tb)
	defer out.Close()
	defer in.Close()

	msg := []byte("派对进行中，别停音乐")
	errCh := make(chan error, 1)
	go func() {
		_, err := out.Write(msg)
		errCh <- err
	}()

	buf := make([]byte, len(msg))
	if _, err := readFull(in, buf); err != nil {
		t.Fatalf("读失败: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("写失败: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("密文往返不符: %q", buf)
	}
	t.Log("✅ 加密信道数据往返无损")
}

func TestLargePayloadChunking(t *testing.T) {
	ta, tb := newTransports(t)
	out, in := secureBoth(t, ta, tb)
	defer out.Close()
	defer in.Close()

	// 超过单条 Noise 消息的明文上限，必须分片
	big := bytes.Repeat([]byte{0xA5}, 200_000)
	go out.Write(big)

	buf := make([]byte, len(big))
	if _, err := readFull(in, buf); err != nil {
		t.Fatalf("读大包失败: %v", err)
	}
	if !bytes.Equal(buf, big) {
		t.Fatal("大包分片往返不符")
	}
	t.Log("✅ 大包分片传输正确")
}

func TestPeerMismatchRejected(t *testing.T) {
	ta, tb := newTransports(t)
	other, _ := identity.Generate()

	ca, cb := pipePair(t)
	go func() {
		conn, err := tb.SecureInbound(context.Background(), cb)
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	// 期望连到 other，实际对面是 tb
	if _, err := ta.SecureOutbound(ctx, ca, other.PeerID()); err == nil {
		t.Fatal("对端身份不符时应拒绝")
	}
	t.Log("✅ 对端身份不符被拒绝")
}

func TestNilIdentityRejected(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("空身份应被拒绝")
	}
	t.Log("✅ 空身份被拒绝")
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
