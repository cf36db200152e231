// Package wire 提供协议消息的统一帧格式
//
// 帧 = varint 长度前缀 + JSON 负载。
// 各协议（握手、在线、复制）共用本包做消息收发；
// 解析失败属于协议错误，由调用方中止所在流，连接本身不受影响。
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// MaxMessageSize 单条消息上限
const MaxMessageSize = 1 << 22 // 4 MiB

var (
	// ErrMessageTooLarge 消息超限
	ErrMessageTooLarge = errors.New("wire: message too large")
	// ErrMalformed 消息解析失败
	ErrMalformed = errors.New("wire: malformed message")
)

// WriteMessage 编码并写出一条消息
func WriteMessage(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return WriteRaw(w, data)
}

// WriteRaw 写出已编码的负载
func WriteRaw(w io.Writer, data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	if _, err := w.Write(varint.ToUvarint(uint64(len(data)))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadMessage 读取并解码一条消息
func ReadMessage(r io.Reader, out any) error {
	data, err := ReadRaw(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// ReadRaw 读取一条消息的原始负载
func ReadRaw(r io.Reader) ([]byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}
	n, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	if n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// byteReader 为非 ByteReader 的 io.Reader 提供逐字节读取
//
// 不做缓冲，避免吞掉流上的后续字节。
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}
