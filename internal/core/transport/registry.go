// Package transport 实现传输层集合
//
// 抽象多个具体传输（直连 socket、中继、浏览器兼容），
// 以固定优先级顺序尝试：tcp → relay → ws，
// 首个成功即提前退出，其余尝试被取消。
// 不支持监听的传输（如中继）仅用于出站。
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"go.uber.org/multierr"

	pkgif "github.com/tunemesh/go-tunemesh/pkg/interfaces"
	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

var logger = log.Logger("core/transport")

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrNoAddresses 没有可拨号的地址
	ErrNoAddresses = errors.New("transport: no dialable addresses")
	// ErrUnknownScheme 未注册的地址 scheme
	ErrUnknownScheme = errors.New("transport: unknown scheme")
	// ErrMalformedAddr 地址格式非法
	ErrMalformedAddr = errors.New("transport: malformed address")
)

// ============================================================================
// Registry
// ============================================================================

// Registry 传输层注册表
//
// 注册顺序即优先级顺序。
type Registry struct {
	order    []pkgif.Transport
	byScheme map[string]pkgif.Transport
}

// NewRegistry 创建注册表
func NewRegistry(transports ...pkgif.Transport) *Registry {
	r := &Registry{
		byScheme: make(map[string]pkgif.Transport, len(transports)),
	}
	for _, t := range transports {
		if _, dup := r.byScheme[t.Scheme()]; dup {
			continue
		}
		r.order = append(r.order, t)
		r.byScheme[t.Scheme()] = t
	}
	return r
}

// Default 创建默认注册表：tcp → relay → ws
func Default() *Registry {
	return NewRegistry(NewTCP(), NewRelay(), NewWS())
}

// SplitAddr 拆分 scheme://rest 形式的地址
func SplitAddr(addr string) (scheme, rest string, err error) {
	i := strings.Index(addr, "://")
	if i <= 0 || i+3 >= len(addr) {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedAddr, addr)
	}
	return addr[:i], addr[i+3:], nil
}

// Rank 返回 scheme 的优先级（越小越优先，未注册的最低）
func (r *Registry) Rank(scheme string) int {
	for i, t := range r.order {
		if t.Scheme() == scheme {
			return i
		}
	}
	return len(r.order)
}

// SortAddrs 按传输层优先级稳定排序地址
func (r *Registry) SortAddrs(addrs []string) []string {
	out := append([]string(nil), addrs...)
	sort.SliceStable(out, func(i, j int) bool {
		si, _, erri := SplitAddr(out[i])
		sj, _, errj := SplitAddr(out[j])
		if erri != nil || errj != nil {
			return errj != nil && erri == nil
		}
		return r.Rank(si) < r.Rank(sj)
	})
	return out
}

// Dial 按优先级顺序尝试地址，首个成功即返回
//
// 返回建立的原始连接与所用传输的 scheme。
// ctx 取消会中断当前与后续所有尝试。
func (r *Registry) Dial(ctx context.Context, peer types.PeerID, addrs []string) (net.Conn, string, error) {
	if len(addrs) == 0 {
		return nil, "", ErrNoAddresses
	}

	var dialErr error
	for _, addr := range r.SortAddrs(addrs) {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		scheme, rest, err := SplitAddr(addr)
		if err != nil {
			dialErr = multierr.Append(dialErr, err)
			continue
		}
		t, ok := r.byScheme[scheme]
		if !ok {
			dialErr = multierr.Append(dialErr, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme))
			continue
		}

		// 中继拨号需要在地址中带上目标节点
		if scheme == SchemeRelay {
			rest = rest + "/" + string(peer)
		}

		conn, err := t.Dial(ctx, rest)
		if err != nil {
			logger.Debug("拨号尝试失败", "addr", addr, "error", err)
			dialErr = multierr.Append(dialErr, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		return conn, scheme, nil
	}
	return nil, "", fmt.Errorf("all addresses failed: %w", dialErr)
}

// Listen 在所有给定地址上监听
//
// 跳过不支持监听的传输。任一监听失败则关闭已建立的监听器并返回错误。
func (r *Registry) Listen(addrs []string) ([]pkgif.Listener, error) {
	var listeners []pkgif.Listener
	for _, addr := range addrs {
		scheme, rest, err := SplitAddr(addr)
		if err != nil {
			closeAll(listeners)
			return nil, err
		}
		t, ok := r.byScheme[scheme]
		if !ok {
			closeAll(listeners)
			return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
		}
		if !t.CanListen() {
			logger.Debug("传输不支持监听，跳过", "scheme", scheme)
			continue
		}
		ln, err := t.Listen(rest)
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

func closeAll(listeners []pkgif.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
}
