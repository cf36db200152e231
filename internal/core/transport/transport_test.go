package transport

import (
	"bytes"
	"context"
	"net"
	"reflect"
	"testing"
	"time"
)

func TestSplitAddr(t *testing.T) {
	scheme, rest, err := SplitAddr("tcp://192.168.1.5:4242")
	if err != nil || scheme != "tcp" || rest != "192.168.1.5:4242" {
		t.Fatalf("解析不符: %v %v %v", scheme, rest, err)
	}
	for _, bad := range []string{"", "192.168.1.5:4242", "tcp://", "://x"} {
		if _, _, err := SplitAddr(bad); err == nil {
			t.Fatalf("应被拒绝: %q", bad)
		}
	}
	t.Log("✅ 地址拆分正确")
}

func TestSortAddrs(t *testing.T) {
	r := Default()
	in := []string{
		"relay://relay.example.com:7777",
		"ws://10.0.0.1:8080",
		"tcp://10.0.0.1:4242",
		"bogus-without-scheme",
	}
	got := r.SortAddrs(in)
	want := []string{
		"tcp://10.0.0.1:4242",
		"relay://relay.example.com:7777",
		"ws://10.0.0.1:8080",
		"bogus-without-scheme",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("优先级排序不符:\n got %v\nwant %v", got, want)
	}
	t.Log("✅ 地址按传输优先级排序")
}

func TestTCPListenDial(t *testing.T) {
	r := Default()
	listeners, err := r.Listen([]string{"tcp://127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listeners[0].Close()

	addr := listeners[0].Addr()
	scheme, _, _ := SplitAddr(addr)
	if scheme != "tcp" {
		t.Fatalf("监听地址应带 scheme: %q", addr)
	}

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, err := listeners[0].Accept()
		if err == nil {
			acceptCh <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, usedScheme, err := r.Dial(ctx, "peer", []string{addr})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if usedScheme != "tcp" {
		t.Fatalf("应经由 tcp 拨通, got %q", usedScheme)
	}

	server := <-acceptCh
	defer server.Close()

	msg := []byte("hello over tcp")
	go conn.Write(msg)
	buf := make([]byte, len(msg))
	server.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := readFull(server, buf); err != nil {
		t.Fatalf("读失败: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("数据不符: %q", buf)
	}
	t.Log("✅ TCP 监听与拨号往返正常")
}

func TestWSListenDial(t *testing.T) {
	r := Default()
	listeners, err := r.Listen([]string{"ws://127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listeners[0].Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, err := listeners[0].Accept()
		if err == nil {
			acceptCh <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, usedScheme, err := r.Dial(ctx, "peer", []string{listeners[0].Addr()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if usedScheme != "ws" {
		t.Fatalf("应经由 ws 拨通, got %q", usedScheme)
	}

	server := <-acceptCh
	defer server.Close()

	msg := []byte("hello over websocket")
	go conn.Write(msg)
	buf := make([]byte, len(msg))
	server.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := readFull(server, buf); err != nil {
		t.Fatalf("读失败: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("数据不符: %q", buf)
	}
	t.Log("✅ WebSocket 监听与拨号往返正常")
}

func TestDialAggregatesFailures(t *testing.T) {
	r := Default()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, _, err := r.Dial(ctx, "peer", []string{
		"bogus://1.2.3.4:1",
		"tcp://127.0.0.1:1", // 大概率无人监听
	})
	if err == nil {
		t.Fatal("全部地址失败时应返回错误")
	}
	if _, _, err := r.Dial(ctx, "peer", nil); err == nil {
		t.Fatal("空地址列表应返回错误")
	}
	t.Log("✅ 拨号失败聚合返回")
}

func TestRelayCannotListen(t *testing.T) {
	relay := NewRelay()
	if relay.CanListen() {
		t.Fatal("中继传输不应支持监听")
	}
	if _, err := relay.Listen("relay://x:1"); err == nil {
		t.Fatal("中继监听应报错")
	}
	t.Log("✅ 中继仅支持出站")
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
