package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestPeerIDFromPublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}

	id := PeerIDFromPublicKey(pub)
	if err := id.Validate(); err != nil {
		t.Fatalf("派生的 ID 应合法: %v", err)
	}
	// 同一公钥派生结果稳定
	if id != PeerIDFromPublicKey(pub) {
		t.Fatal("派生应是确定性的")
	}

	pub2, _, _ := ed25519.GenerateKey(rand.Reader)
	if id == PeerIDFromPublicKey(pub2) {
		t.Fatal("不同公钥不应撞出同一 ID")
	}
	t.Log("✅ 节点 ID 派生正确")
}

func TestPeerIDValidate(t *testing.T) {
	bad := []PeerID{
		"",
		"0OIl",         // 非 base58 字符
		"abc",          // 解码后长度不是 32
		"!!invalid!!",
	}
	for _, id := range bad {
		if err := id.Validate(); err == nil {
			t.Fatalf("应被拒绝: %q", id)
		}
	}
	t.Log("✅ 非法 ID 被拒绝")
}

func TestPeerIDShortString(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	id := PeerIDFromPublicKey(pub)
	short := id.ShortString()
	if len(short) != 8 {
		t.Fatalf("缩写应为 8 字符, got %q", short)
	}
	if string(id)[:8] != short {
		t.Fatal("缩写应是前缀")
	}
	if PeerID("ab").ShortString() != "ab" {
		t.Fatal("短 ID 应原样返回")
	}
	t.Log("✅ ID 缩写正确")
}

func TestPeerIDLess(t *testing.T) {
	if !PeerID("a").Less("b") || PeerID("b").Less("a") || PeerID("a").Less("a") {
		t.Fatal("字典序比较不符")
	}
	t.Log("✅ ID 全序比较正确")
}
