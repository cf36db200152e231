// Package interfaces 定义跨组件接口
//
// 各实现包依赖本包与 pkg/types，彼此之间不直接依赖实现类型。
package interfaces

import (
	"context"
	"net"
)

// Transport 具体传输层
//
// 传输层只负责移动字节；加密与多路复用在其上层完成。
type Transport interface {
	// Scheme 返回地址 scheme（tcp/relay/ws）
	Scheme() string

	// CanListen 是否支持监听
	//
	// 仅出站的传输层（如中继）返回 false，仍可用于拨号。
	CanListen() bool

	// Listen 在指定地址监听
	Listen(addr string) (Listener, error)

	// Dial 拨号到指定地址
	//
	// addr 为去掉 scheme 前缀后的地址部分。
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// Listener 传输层监听器
type Listener interface {
	// Accept 接受下一个入站连接
	Accept() (net.Conn, error)

	// Addr 返回外部可达地址（含 scheme 前缀）
	Addr() string

	// Close 关闭监听器
	Close() error
}
