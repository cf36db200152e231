package muxer

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/tunemesh/go-tunemesh/pkg/types"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeSecure 用管道冒充加密连接
type fakeSecure struct {
	net.Conn
	local, remote types.PeerID
}

func (f *fakeSecure) LocalPeer() types.PeerID  { return f.local }
func (f *fakeSecure) RemotePeer() types.PeerID { return f.remote }

func sessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	ca, cb := net.Pipe()
	sa := New(&fakeSecure{Conn: ca, local: "A", remote: "B"}, true)
	sb := New(&fakeSecure{Conn: cb, local: "B", remote: "A"}, false)
	t.Cleanup(func() { sa.Close(); sb.Close() })
	return sa, sb
}

func TestOpenAccept(t *testing.T) {
	sa, sb := sessionPair(t)

	type res struct {
		s   interface {
			Protocol() string
			RemotePeer() types.PeerID
			Read([]byte) (int, error)
		}
		err error
	}
	ch := make(chan res, 1)
	go func() {
		s, err := sb.AcceptStream()
		ch <- res{s, err}
	}()

	out, err := sa.OpenStream(testCtx(t), "/tunemesh/presence/1.0.0")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	r := <-ch
	if r.err != nil {
		t.Fatalf("AcceptStream: %v", r.err)
	}
	if r.s.Protocol() != "/tunemesh/presence/1.0.0" {
		t.Fatalf("协议 ID 不符: %q", r.s.Protocol())
	}
	if out.RemotePeer() != "B" || r.s.RemotePeer() != "A" {
		t.Fatal("流的对端身份不符")
	}

	msg := []byte("ping")
	go out.Write(msg)
	buf := make([]byte, 4)
	if _, err := io.ReadFull(readerOf(r.s), buf); err != nil {
		t.Fatalf("读失败: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("数据不符: %q", buf)
	}
	t.Log("✅ 流打开、接受与数据传输正常")
}

func readerOf(r interface{ Read([]byte) (int, error) }) io.Reader { return r }

func TestHalfClose(t *testing.T) {
	sa, sb := sessionPair(t)

	acceptCh := make(chan error, 1)
	var inStream interface {
		Read([]byte) (int, error)
		Write([]byte) (int, error)
		Close() error
	}
	go func() {
		s, err := sb.AcceptStream()
		inStream = s
		acceptCh <- err
	}()

	out, err := sa.OpenStream(testCtx(t), "/tunemesh/replicate/1.0.0")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := <-acceptCh; err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}

	go func() {
		out.Write([]byte("last"))
		out.Close()
	}()

	got, err := io.ReadAll(readerOf(inStream))
	if err != nil {
		t.Fatalf("读到关闭前的数据应无错: %v", err)
	}
	if string(got) != "last" {
		t.Fatalf("半关闭前的数据应完整送达: %q", got)
	}
	t.Log("✅ 半关闭先送完数据再 EOF")
}

func TestReset(t *testing.T) {
	sa, sb := sessionPair(t)

	acceptCh := make(chan error, 1)
	var inStream interface{ Read([]byte) (int, error) }
	go func() {
		s, err := sb.AcceptStream()
		inStream = s
		acceptCh <- err
	}()

	out, err := sa.OpenStream(testCtx(t), "/tunemesh/replicate/1.0.0")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := <-acceptCh; err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}

	if err := out.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	buf := make([]byte, 8)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := inStream.Read(buf); err != nil {
			if err != ErrStreamReset {
				t.Fatalf("对端读应得到重置错误, got %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("等待重置超时")
		}
	}
	t.Log("✅ 流重置传播到对端")
}

func TestSessionClose(t *testing.T) {
	sa, sb := sessionPair(t)

	if err := sa.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sa.IsClosed() {
		t.Fatal("关闭后 IsClosed 应为真")
	}
	if _, err := sa.OpenStream(testCtx(t), "/tunemesh/presence/1.0.0"); err != ErrSessionClosed {
		t.Fatalf("关闭后打开流应失败, got %v", err)
	}

	// 对端的 Accept 应解除阻塞
	done := make(chan error, 1)
	go func() {
		_, err := sb.AcceptStream()
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("会话关闭后 Accept 应报错")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("对端 Accept 未解除阻塞")
	}
	t.Log("✅ 会话关闭语义正确")
}
