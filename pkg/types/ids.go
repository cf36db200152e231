// Package types 定义 tunemesh 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他 tunemesh 内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
package types

import (
	"crypto/sha256"
	"errors"

	"github.com/mr-tron/base58"
)

// ============================================================================
//                              PeerID - 节点标识
// ============================================================================

// PeerID 节点唯一标识符
//
// 由公钥派生：Base58(SHA256(公钥))。
// 一经派生不可变；节点的全部生命周期共用同一标识。
//
// 外部表示格式：
//   - string(id): Base58 编码（用户可读、可分享，出现在连接链接中）
//   - ShortString(): Base58 前缀（日志简短标识）
type PeerID string

// ErrInvalidPeerID 无效的节点 ID
var ErrInvalidPeerID = errors.New("invalid peer id: must be base58 of a 32-byte hash")

// peerIDHashLen PeerID 解码后的字节长度（SHA256 输出）
const peerIDHashLen = 32

// PeerIDFromPublicKey 从公钥派生 PeerID
//
// 派生算法：Base58(SHA256(公钥原始字节))
func PeerIDFromPublicKey(pub []byte) PeerID {
	sum := sha256.Sum256(pub)
	return PeerID(base58.Encode(sum[:]))
}

// Validate 验证 PeerID 格式是否有效
func (id PeerID) Validate() error {
	if id == "" {
		return ErrInvalidPeerID
	}
	raw, err := base58.Decode(string(id))
	if err != nil || len(raw) != peerIDHashLen {
		return ErrInvalidPeerID
	}
	return nil
}

// ShortString 返回 PeerID 的短字符串表示
//
// 格式：Base58 前 8 个字符，用于日志中的简短标识。
func (id PeerID) ShortString() string {
	s := string(id)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Less 按字典序比较两个 PeerID
//
// 用于 LWW 平局裁决和同时互连的胜负裁决，保证全序。
func (id PeerID) Less(other PeerID) bool {
	return string(id) < string(other)
}
