package connmgr

import "github.com/tunemesh/go-tunemesh/pkg/types"

// validTransitions 连接状态机允许的转移
//
// 任何未列出的转移都是编程错误；状态只能前进，
// 终态（Closed/Failed）没有出边，重连意味着新的连接对象。
var validTransitions = map[types.ConnState][]types.ConnState{
	types.StateDiscovered: {
		types.StateDialing,
		types.StateEncrypting, // 入站连接跳过拨号
		types.StateFailed,
	},
	types.StateDialing: {
		types.StateEncrypting,
		types.StateFailed,
	},
	types.StateEncrypting: {
		types.StateNegotiating,
		types.StateFailed,
	},
	types.StateNegotiating: {
		types.StateConnected,
		types.StateFailed,
	},
	types.StateConnected: {
		types.StateClosing,
		types.StateFailed,
	},
	types.StateClosing: {
		types.StateClosed,
		types.StateFailed,
	},
}

// canTransition 判断状态转移是否合法
func canTransition(from, to types.ConnState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
