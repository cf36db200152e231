package tunemesh

import (
	"errors"

	"github.com/tunemesh/go-tunemesh/internal/core/connmgr"
	"github.com/tunemesh/go-tunemesh/internal/replication"
)

// 连接层错误按原样透出，调用方用 errors.Is 判别。
var (
	// ErrNotStarted 节点尚未启动
	ErrNotStarted = errors.New("tunemesh: node not started")

	// ErrNodeClosed 节点已关闭
	ErrNodeClosed = errors.New("tunemesh: node closed")

	// ErrSelfDial 不能连接自己
	ErrSelfDial = connmgr.ErrSelfDial

	// ErrCapacityExceeded 连接数已达上限
	ErrCapacityExceeded = connmgr.ErrCapacityExceeded

	// ErrPeerNotConnected 与对端没有活跃连接
	ErrPeerNotConnected = connmgr.ErrNotConnected

	// ErrPeerUnreachable 对端重拨耗尽，等待再次被发现
	ErrPeerUnreachable = connmgr.ErrUnreachable

	// ErrEmptyChange 本地变更为空
	ErrEmptyChange = replication.ErrEmptyChange
)
