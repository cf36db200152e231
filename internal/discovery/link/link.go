// Package link 实现邀请链接的生成与解析
//
// 链接用于跨网段的手动互连：
//
//	tunemesh://connect/<peerId>[?relay=<address>]
//
// relay 参数是经由中继到达对方的地址；同网段直连时可省略。
package link

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// Scheme 链接协议名
const Scheme = "tunemesh"

const connectHost = "connect"

var (
	// ErrBadLink 链接格式非法
	ErrBadLink = errors.New("link: malformed connect link")

	// ErrBadPeerID 链接中的节点 ID 非法
	ErrBadPeerID = errors.New("link: invalid peer id in link")
)

// Link 解析后的连接邀请
type Link struct {
	// Peer 目标节点 ID
	Peer types.PeerID

	// Relay 可选的中继地址（host:port）
	Relay string
}

// Format 生成连接链接
func Format(peer types.PeerID, relay string) (string, error) {
	if err := peer.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPeerID, err)
	}
	u := url.URL{
		Scheme: Scheme,
		Host:   connectHost,
		Path:   "/" + string(peer),
	}
	if relay != "" {
		u.RawQuery = url.Values{"relay": {relay}}.Encode()
	}
	return u.String(), nil
}

// Parse 解析连接链接
func Parse(raw string) (Link, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrBadLink, err)
	}
	if u.Scheme != Scheme || u.Host != connectHost {
		return Link{}, fmt.Errorf("%w: %q", ErrBadLink, raw)
	}

	peer := types.PeerID(strings.Trim(u.Path, "/"))
	if peer == "" {
		return Link{}, fmt.Errorf("%w: 缺少节点 ID", ErrBadLink)
	}
	if err := peer.Validate(); err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrBadPeerID, err)
	}

	l := Link{Peer: peer, Relay: u.Query().Get("relay")}
	return l, nil
}

// DialAddrs 返回链接蕴含的可拨地址
//
// 带中继时返回 relay 传输地址，交给传输注册表
// 组装成完整的中继拨号地址。
func (l Link) DialAddrs() []string {
	if l.Relay == "" {
		return nil
	}
	return []string{"relay://" + l.Relay}
}
