// Package identity 实现节点身份管理
//
// 每次安装生成一对 ed25519 密钥并持久化；
// 节点标识 = Base58(SHA256(公钥))，派生后不可变。
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"

	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

var logger = log.Logger("core/identity")

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrCorruptKeyFile 密钥文件损坏
	ErrCorruptKeyFile = errors.New("corrupt identity key file")
	// ErrEmptyKeyFile 未指定密钥文件路径
	ErrEmptyKeyFile = errors.New("identity key file path is empty")
)

// ============================================================================
// Identity
// ============================================================================

// Identity 节点身份
type Identity struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	peerID types.PeerID
}

// Generate 生成新的临时身份（不落盘，主要用于测试）
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return fromKeys(priv, pub), nil
}

// LoadOrCreate 从密钥文件加载身份，文件不存在时生成并写入
//
// 文件内容为 Base58 编码的 ed25519 私钥（含公钥后缀），权限 0600。
func LoadOrCreate(path string) (*Identity, error) {
	if path == "" {
		return nil, ErrEmptyKeyFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return decode(data)
	case os.IsNotExist(err):
		// 首次启动：生成并持久化
	default:
		return nil, fmt.Errorf("read key file: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
	}
	encoded := base58.Encode(id.priv)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}

	logger.Info("已生成节点身份", "peerID", id.peerID.ShortString(), "keyFile", path)
	return id, nil
}

// decode 从文件内容恢复身份
func decode(data []byte) (*Identity, error) {
	raw, err := base58.Decode(string(data))
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, ErrCorruptKeyFile
	}
	priv := ed25519.PrivateKey(raw)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, ErrCorruptKeyFile
	}
	return fromKeys(priv, pub), nil
}

func fromKeys(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Identity {
	return &Identity{
		priv:   priv,
		pub:    pub,
		peerID: types.PeerIDFromPublicKey(pub),
	}
}

// PeerID 返回节点标识
func (id *Identity) PeerID() types.PeerID {
	return id.peerID
}

// PublicKey 返回公钥原始字节
func (id *Identity) PublicKey() []byte {
	return append([]byte(nil), id.pub...)
}

// Sign 用身份私钥签名
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.priv, data)
}

// Verify 用给定公钥验证签名，并返回其派生的节点 ID
func Verify(pub, data, sig []byte) (types.PeerID, bool) {
	if len(pub) != ed25519.PublicKeySize {
		return "", false
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return "", false
	}
	return types.PeerIDFromPublicKey(pub), true
}
