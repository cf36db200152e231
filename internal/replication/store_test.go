package replication

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/tunemesh/go-tunemesh/pkg/types"
)

const (
	selfID   = types.PeerID("4uQeVj5tqViQh7yWWGStvkEG1Zmhx6uasJtWmWp1a1a1")
	remoteID = types.PeerID("9cMA9P6y2G5RcqvVTCcvAWq6TM3X9GUXJE2sV5eLMN8b")
	thirdID  = types.PeerID("BxKYAhMzjLquWrBpMDbFWBVJhZZeZvRM1tKC7QsPvPv3")
)

func TestApplyLocalStamping(t *testing.T) {
	s := NewStore(selfID)

	p1, err := s.ApplyLocal("playlists", "pl-1", types.LocalChange{
		Fields: map[string]any{"name": "Summer Mix"},
	})
	if err != nil {
		t.Fatalf("ApplyLocal: %v", err)
	}
	p2, err := s.ApplyLocal("playlists", "pl-1", types.LocalChange{Add: []string{"track-1"}})
	if err != nil {
		t.Fatalf("ApplyLocal: %v", err)
	}

	if p1.Origin != selfID || p2.Origin != selfID {
		t.Fatal("本地补丁来源应为本节点")
	}
	if p1.Seq != 1 || p2.Seq != 2 {
		t.Fatalf("来源序号应连续递增: %d, %d", p1.Seq, p2.Seq)
	}
	if p2.Stamp <= p1.Stamp {
		t.Fatalf("lamport 戳应递增: %d, %d", p1.Stamp, p2.Stamp)
	}
	if p1.ID == p2.ID || p1.ID == "" {
		t.Fatal("补丁 ID 应唯一且非空")
	}

	doc := s.Document("playlists", "pl-1")
	if doc.Fields["name"].Value != "Summer Mix" {
		t.Fatal("本地变更应立即可见")
	}
	if got := doc.Elements(); !reflect.DeepEqual(got, []string{"track-1"}) {
		t.Fatalf("插入应立即可见: %v", got)
	}
	if got := s.Checkpoint().Get("playlists", selfID); got != 2 {
		t.Fatalf("自己的写应计入检查点, got %d", got)
	}
	t.Log("✅ 本地变更盖戳正确")
}

func TestApplyLocalRejectsEmpty(t *testing.T) {
	s := NewStore(selfID)
	if _, err := s.ApplyLocal("playlists", "pl-1", types.LocalChange{}); err != ErrEmptyChange {
		t.Fatalf("空变更应被拒绝, got %v", err)
	}
	// 移除不存在的元素是空操作
	if _, err := s.ApplyLocal("playlists", "pl-1", types.LocalChange{Remove: []string{"nope"}}); err != ErrEmptyChange {
		t.Fatalf("无效移除应被拒绝, got %v", err)
	}
	if _, err := s.ApplyLocal("", "pl-1", types.LocalChange{Add: []string{"t"}}); err != ErrBadPatch {
		t.Fatalf("缺集合名应被拒绝, got %v", err)
	}
	t.Log("✅ 非法本地变更被拒绝")
}

func TestApplyRemoteContiguous(t *testing.T) {
	s := NewStore(selfID)

	mk := func(seq, stamp uint64, name string) types.Patch {
		return types.Patch{
			ID: name, Collection: "playlists", DocumentID: "pl-1",
			Origin: remoteID, Seq: seq, Stamp: stamp,
			Fields: map[string]types.FieldValue{
				"name": {Value: name, UpdatedAt: stamp, UpdatedBy: remoteID},
			},
		}
	}

	// seq 3 先到：暂存，不应用
	applied, resync, err := s.ApplyRemote(mk(3, 3, "c"))
	if err != nil || resync || len(applied) != 0 {
		t.Fatalf("跳号补丁应暂存: applied=%v resync=%v err=%v", applied, resync, err)
	}
	if s.Document("playlists", "pl-1") != nil {
		t.Fatal("暂存补丁不应触碰文档")
	}

	// seq 1 到：应用
	applied, _, _ = s.ApplyRemote(mk(1, 1, "a"))
	if len(applied) != 1 {
		t.Fatalf("连续补丁应立即应用: %v", applied)
	}

	// seq 2 补齐缺口：2 和暂存的 3 一起释放
	applied, _, _ = s.ApplyRemote(mk(2, 2, "b"))
	if len(applied) != 2 || applied[0].Seq != 2 || applied[1].Seq != 3 {
		t.Fatalf("补齐缺口应连带释放暂存: %v", applied)
	}
	if got := s.Checkpoint().Get("playlists", remoteID); got != 3 {
		t.Fatalf("检查点应推进到 3, got %d", got)
	}

	// 重复投递
	applied, _, _ = s.ApplyRemote(mk(2, 2, "b"))
	if len(applied) != 0 {
		t.Fatal("重复补丁应被丢弃")
	}
	t.Log("✅ 连续性投递与暂存释放正确")
}

func TestApplyRemoteIgnoresOwn(t *testing.T) {
	s := NewStore(selfID)
	p, _ := s.ApplyLocal("playlists", "pl-1", types.LocalChange{Add: []string{"t"}})

	applied, resync, err := s.ApplyRemote(p)
	if err != nil || resync || len(applied) != 0 {
		t.Fatal("自己的补丁绕回来应被忽略")
	}
	t.Log("✅ 回流补丁被忽略")
}

func TestBacklog(t *testing.T) {
	s := NewStore(selfID)
	for i := 0; i < 5; i++ {
		if _, err := s.ApplyLocal("playlists", "pl-1", types.LocalChange{Add: []string{string(rune('a' + i))}}); err != nil {
			t.Fatalf("ApplyLocal: %v", err)
		}
	}

	// 空检查点：全量
	all := s.Backlog(make(types.CheckpointVector))
	if len(all) != 5 {
		t.Fatalf("空检查点应取到全部补丁, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Stamp < all[i-1].Stamp {
			t.Fatal("积压应旧的在前")
		}
	}

	// 对端已见前 3 条
	want := make(types.CheckpointVector)
	want.Advance("playlists", selfID, 3)
	tail := s.Backlog(want)
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Fatalf("应只取检查点之后的尾段: %+v", tail)
	}
	t.Log("✅ 积压计算正确")
}

func TestCheckpointRoundTrip(t *testing.T) {
	// 两个存储通过积压交换后收敛
	a := NewStore(selfID)
	b := NewStore(remoteID)

	a.ApplyLocal("playlists", "pl-1", types.LocalChange{Fields: map[string]any{"name": "A"}})
	b.ApplyLocal("playlists", "pl-1", types.LocalChange{Add: []string{"track-1"}})

	for _, p := range a.Backlog(b.Checkpoint()) {
		b.ApplyRemote(p)
	}
	for _, p := range b.Backlog(a.Checkpoint()) {
		a.ApplyRemote(p)
	}

	da := a.Document("playlists", "pl-1")
	db := b.Document("playlists", "pl-1")
	if !reflect.DeepEqual(da, db) {
		t.Fatalf("交换积压后应收敛:\n%+v\n%+v", da, db)
	}

	// 第二轮交换应为空
	if got := a.Backlog(b.Checkpoint()); len(got) != 0 {
		t.Fatalf("收敛后不应再有积压: %v", got)
	}
	t.Log("✅ 双向积压交换收敛")
}

func TestDocumentsSkipsDeleted(t *testing.T) {
	s := NewStore(selfID)
	s.ApplyLocal("playlists", "pl-1", types.LocalChange{Fields: map[string]any{"name": "keep"}})
	del := true
	s.ApplyLocal("playlists", "pl-2", types.LocalChange{Delete: &del})

	docs := s.Documents("playlists")
	if len(docs) != 1 || docs[0].ID != "pl-1" {
		t.Fatalf("墓碑文档不应出现在列表: %v", docs)
	}
	// 但仍可直接读取
	if d := s.Document("playlists", "pl-2"); d == nil || !d.Tombstone.Deleted {
		t.Fatal("墓碑文档应仍可按 ID 读取")
	}
	t.Log("✅ 删除文档从列表隐藏但不物理删除")
}

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	want := make(types.CheckpointVector)
	want.Advance("playlists", remoteID, 7)
	if err := writeSync(&buf, syncRequest{Want: want}); err != nil {
		t.Fatalf("writeSync: %v", err)
	}
	req, err := readSync(&buf)
	if err != nil {
		t.Fatalf("readSync: %v", err)
	}
	if req.Want.Get("playlists", remoteID) != 7 {
		t.Fatal("检查点向量应原样还原")
	}

	patches := []types.Patch{
		{ID: "p1", Collection: "playlists", DocumentID: "pl-1", Origin: remoteID, Seq: 1, Stamp: 1,
			Log: []types.LogEntry{{ElementID: "t1", AddedBy: remoteID, AddedAt: 1}}},
		{ID: "p2", Collection: "playlists", DocumentID: "pl-1", Origin: remoteID, Seq: 2, Stamp: 2,
			Tombstone: &types.Tombstone{Deleted: true, UpdatedAt: 2, UpdatedBy: remoteID}},
	}
	buf.Reset()
	if err := writeBatch(&buf, patches); err != nil {
		t.Fatalf("writeBatch: %v", err)
	}
	got, err := readBatch(&buf)
	if err != nil {
		t.Fatalf("readBatch: %v", err)
	}
	if !reflect.DeepEqual(got, patches) {
		t.Fatalf("批次应无损往返:\n%+v\n%+v", got, patches)
	}
	t.Log("✅ 复制流编码往返无损")
}
