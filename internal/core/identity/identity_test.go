package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerate(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := id.PeerID().Validate(); err != nil {
		t.Fatalf("派生的节点 ID 应合法: %v", err)
	}

	id2, _ := Generate()
	if id.PeerID() == id2.PeerID() {
		t.Fatal("两次生成不应相同")
	}
	t.Log("✅ 临时身份生成正确")
}

func TestSignVerify(t *testing.T) {
	id, _ := Generate()
	msg := []byte("手拉手一起听")

	sig := id.Sign(msg)
	peer, ok := Verify(id.PublicKey(), msg, sig)
	if !ok || peer != id.PeerID() {
		t.Fatal("验签应通过且回推同一节点 ID")
	}
	if _, ok := Verify(id.PublicKey(), []byte("被改过"), sig); ok {
		t.Fatal("改动消息后验签应失败")
	}
	other, _ := Generate()
	if _, ok := Verify(other.PublicKey(), msg, sig); ok {
		t.Fatal("错误公钥验签应失败")
	}
	t.Log("✅ 签名与验签正确")
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	id1, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("首次创建失败: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("密钥文件应存在: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("密钥文件权限应为 0600, got %v", info.Mode().Perm())
	}

	// 重新加载得到同一身份
	id2, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("重新加载失败: %v", err)
	}
	if id1.PeerID() != id2.PeerID() {
		t.Fatal("持久身份应跨进程稳定")
	}
	t.Log("✅ 身份持久化与重载正确")
}

func TestLoadCorruptKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")

	if err := os.WriteFile(path, []byte("not-a-key!!"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreate(path); err == nil {
		t.Fatal("损坏的密钥文件应报错而不是覆盖")
	}

	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreate(path); err == nil {
		t.Fatal("空密钥文件应报错")
	}
	t.Log("✅ 损坏密钥文件被拒绝")
}
