package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/multiformats/go-varint"
)

type testMsg struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := testMsg{Name: "周末歌单", Count: 42}
	if err := WriteMessage(&buf, want); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var got testMsg
	if err := ReadMessage(&buf, &got); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got != want {
		t.Fatalf("往返不一致: %+v != %+v", got, want)
	}
	t.Log("✅ 消息编解码往返正常")
}

func TestMultipleMessagesOnStream(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 5; i++ {
		if err := WriteMessage(&buf, testMsg{Count: i}); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		var got testMsg
		if err := ReadMessage(&buf, &got); err != nil {
			t.Fatalf("ReadMessage #%d: %v", i, err)
		}
		if got.Count != i {
			t.Fatalf("消息顺序错乱: %d != %d", got.Count, i)
		}
	}
	t.Log("✅ 同流连续多条消息顺序正确")
}

func TestRejectOversizedWrite(t *testing.T) {
	var buf bytes.Buffer
	data := make([]byte, MaxMessageSize+1)
	if err := WriteRaw(&buf, data); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("超限消息应被拒绝: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatal("被拒绝的消息不应写出任何字节")
	}
	t.Log("✅ 超限写入被拒绝")
}

func TestRejectOversizedRead(t *testing.T) {
	var buf bytes.Buffer
	// 手工写一个声称超限长度的帧头
	buf.Write(varint.ToUvarint(MaxMessageSize + 1))
	buf.WriteString("x")

	if _, err := ReadRaw(&buf); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("超限帧头应被拒绝: %v", err)
	}
	t.Log("✅ 超限读取被拒绝")
}

func TestMalformedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRaw(&buf, []byte("{not json")); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	var got testMsg
	if err := ReadMessage(&buf, &got); !errors.Is(err, ErrMalformed) {
		t.Fatalf("非法负载应报 ErrMalformed: %v", err)
	}
	t.Log("✅ 非法负载被识别")
}

func TestRawRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{0x00, 0x01, 0xFF, 0xFE}
	if err := WriteRaw(&buf, payload); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	got, err := ReadRaw(&buf)
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("原始负载往返不一致: %x != %x", got, payload)
	}
	t.Log("✅ 原始负载往返正常")
}

// nonByteReader 隐藏 bytes.Buffer 的 ReadByte，迫使走逐字节回退路径
type nonByteReader struct{ buf *bytes.Buffer }

func (r nonByteReader) Read(p []byte) (int, error) { return r.buf.Read(p) }

func TestReadFromPlainReader(t *testing.T) {
	var buf bytes.Buffer
	want := testMsg{Name: "fallback"}
	if err := WriteMessage(&buf, want); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var got testMsg
	if err := ReadMessage(nonByteReader{&buf}, &got); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got != want {
		t.Fatalf("往返不一致: %+v", got)
	}
	t.Log("✅ 无 ByteReader 能力的读取器可用")
}
