// Package tunemesh 实现派对协作播放列表的点对点连接与数据复制核心
//
// 每个节点以 ed25519 公钥哈希为身份，经局域网广播或邀请链接
// 发现彼此，通过 Noise XX 加密信道互连；播放列表等文档在
// 已连接的节点间以补丁闲聊复制，按 LWW 与 add-wins 语义
// 收敛，任意两个副本见到同一组变更后状态一致。
//
// 最小用法：
//
//	node, err := tunemesh.New(
//		tunemesh.WithDisplayName("客厅的音箱"),
//		tunemesh.WithListenAddrs("tcp://0.0.0.0:4242"),
//	)
//	if err != nil {
//		// ...
//	}
//	if err := node.Start(ctx); err != nil {
//		// ...
//	}
//	defer node.Close()
//
//	node.Apply("playlists", "pl-1", types.LocalChange{
//		Fields: map[string]any{"name": "周五派对"},
//		Add:    []string{"track-42"},
//	})
package tunemesh
