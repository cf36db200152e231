// Package log 提供 tunemesh 统一日志接口
//
// 基于 Go 标准库 log/slog 封装，提供带作用域的日志 API。
// 直接使用，无需抽象接口。
package log

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// 日志级别常量（从 slog 导出，方便使用）
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	mu sync.RWMutex

	// level 全局日志级别（可动态调整）
	level = &slog.LevelVar{}

	// root 根 logger，所有作用域 logger 由此派生
	root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
)

// Logger 返回带作用域的 logger
//
// scope 使用 "层/包" 格式，如 "core/connmgr"、"protocol/presence"。
func Logger(scope string) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With("scope", scope)
}

// SetLevel 设置全局日志级别
func SetLevel(l slog.Level) {
	level.Set(l)
}

// SetOutput 重定向日志输出（主要用于测试）
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	root = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// TruncateID 安全截取 ID 用于日志显示
//
// PeerID 较长，日志中统一显示前 maxLen 个字符。
func TruncateID(id string, maxLen int) string {
	if len(id) <= maxLen {
		return id
	}
	return id[:maxLen]
}
