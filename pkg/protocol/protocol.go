// Package protocol 定义带版本的协议标识
//
// 协议 ID 是路径风格字符串：/tunemesh/<name>/<version>。
// 同名且主版本号相同的协议视为兼容；不兼容的协议在协商阶段
// 导致连接失败，在流打开阶段导致流被拒绝。
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ID 协议标识
type ID string

// 协议名称常量
const (
	NameHandshake = "handshake"
	NameReplicate = "replicate"
	NamePresence  = "presence"
)

// 当前版本
const Version = "1.0.0"

// 内置协议 ID
var (
	// Handshake 握手协议（Negotiating 阶段运行一次）
	Handshake = Build(NameHandshake, Version)

	// Replicate 复制协议（持续运行）
	Replicate = Build(NameReplicate, Version)

	// Presence 在线/心跳协议
	Presence = Build(NamePresence, Version)
)

// Build 构建协议 ID
func Build(name, version string) ID {
	return ID(fmt.Sprintf("/tunemesh/%s/%s", name, version))
}

// Parse 解析协议 ID
//
// 返回协议名与版本；格式非法时返回错误。
func Parse(id ID) (name, version string, err error) {
	parts := strings.Split(string(id), "/")
	// 期望: ["", "tunemesh", name, version]
	if len(parts) != 4 || parts[0] != "" || parts[1] != "tunemesh" || parts[2] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("malformed protocol id %q", id)
	}
	return parts[2], parts[3], nil
}

// Valid 判断协议 ID 格式是否合法
func Valid(id ID) bool {
	_, _, err := Parse(id)
	return err == nil
}

// Major 返回版本的主版本号
func Major(version string) (int, error) {
	dot := strings.IndexByte(version, '.')
	if dot < 0 {
		dot = len(version)
	}
	return strconv.Atoi(version[:dot])
}

// Compatible 判断两个协议 ID 是否兼容
//
// 兼容条件：同名且主版本号相同。
func Compatible(a, b ID) bool {
	an, av, err := Parse(a)
	if err != nil {
		return false
	}
	bn, bv, err := Parse(b)
	if err != nil {
		return false
	}
	if an != bn {
		return false
	}
	am, err := Major(av)
	if err != nil {
		return false
	}
	bm, err := Major(bv)
	if err != nil {
		return false
	}
	return am == bm
}

// CompatibleSet 在对端协议集合中寻找与 want 兼容的协议
func CompatibleSet(want ID, theirs []string) bool {
	for _, t := range theirs {
		if Compatible(want, ID(t)) {
			return true
		}
	}
	return false
}

// Core 返回本实现支持的全部协议 ID
func Core() []string {
	return []string{string(Handshake), string(Replicate), string(Presence)}
}
