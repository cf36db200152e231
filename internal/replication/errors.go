package replication

import "errors"

var (
	// ErrBadPatch 补丁缺少必填字段
	ErrBadPatch = errors.New("replication: malformed patch")

	// ErrEmptyChange 本地变更为空或无实际效果
	ErrEmptyChange = errors.New("replication: empty change")

	// ErrClosed 引擎已停止
	ErrClosed = errors.New("replication: engine closed")

	// ErrQueueOverflow 对端活补丁队列溢出，需要重新同步
	ErrQueueOverflow = errors.New("replication: live queue overflow")
)
