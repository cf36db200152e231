package router

import (
	"time"

	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
)

// idleStream 施加空闲超时的流包装
//
// 每次读写刷新截止时间；处理器长时间无活动时，
// 下一次 Read 将以超时错误返回，处理器随之退出并关闭流。
type idleStream struct {
	pkgif.Stream
	timeout time.Duration
}

func newIdleStream(s pkgif.Stream, timeout time.Duration) *idleStream {
	is := &idleStream{Stream: s, timeout: timeout}
	_ = s.SetReadDeadline(time.Now().Add(timeout))
	return is
}

func (s *idleStream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	if err == nil {
		_ = s.Stream.SetReadDeadline(time.Now().Add(s.timeout))
	}
	return n, err
}

func (s *idleStream) Write(p []byte) (int, error) {
	n, err := s.Stream.Write(p)
	if err == nil {
		_ = s.Stream.SetReadDeadline(time.Now().Add(s.timeout))
	}
	return n, err
}

// SetReadDeadline 处理器显式设置截止时间时让位
func (s *idleStream) SetReadDeadline(t time.Time) error {
	return s.Stream.SetReadDeadline(t)
}
