package connmgr

import "errors"

var (
	// ErrClosed 管理器已关闭
	ErrClosed = errors.New("connmgr: manager closed")

	// ErrSelfDial 不能连接自己
	ErrSelfDial = errors.New("connmgr: cannot dial self")

	// ErrCapacityExceeded 连接数已达上限
	ErrCapacityExceeded = errors.New("connmgr: connection capacity exceeded")

	// ErrNotConnected 与对端没有处于 connected 状态的连接
	ErrNotConnected = errors.New("connmgr: peer not connected")

	// ErrNoAddresses 对端没有已知地址
	ErrNoAddresses = errors.New("connmgr: no known addresses for peer")

	// ErrUnreachable 对端重拨耗尽，等待再次被发现
	ErrUnreachable = errors.New("connmgr: peer marked unreachable")

	// ErrInvalidTransition 非法的连接状态转移
	ErrInvalidTransition = errors.New("connmgr: invalid state transition")

	// ErrHandshakeTimeout 协议握手未在期限内完成
	ErrHandshakeTimeout = errors.New("connmgr: handshake timed out")

	// ErrDuplicateConn 已存在与该对端的连接
	ErrDuplicateConn = errors.New("connmgr: duplicate connection")
)
