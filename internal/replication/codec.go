package replication

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/tunemesh/go-tunemesh/internal/protocol/wire"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

// ============================================================================
//                           复制流消息编码
// ============================================================================
//
// 复制流是单工的：发起方先发一条 syncRequest 报告自己的检查点，
// 之后只收；响应方回放积压补丁后转为活推送。
// 补丁按批发送，批体 JSON 序列化后整体 flate 压缩，
// 再走统一的 varint 帧。补丁字段名高度重复，压缩收益可观。

// maxBatchPatches 单批补丁数上限
const maxBatchPatches = 128

// syncRequest 流发起方的首条消息
type syncRequest struct {
	// Want 发起方已应用的检查点向量
	Want types.CheckpointVector `json:"want"`
}

// batch 一批补丁（压缩前的形态）
type batch struct {
	Patches []types.Patch `json:"patches"`
}

func writeSync(w io.Writer, req syncRequest) error {
	return wire.WriteMessage(w, req)
}

func readSync(r io.Reader) (syncRequest, error) {
	var req syncRequest
	if err := wire.ReadMessage(r, &req); err != nil {
		return syncRequest{}, err
	}
	if req.Want == nil {
		req.Want = make(types.CheckpointVector)
	}
	return req, nil
}

func writeBatch(w io.Writer, patches []types.Patch) error {
	raw, err := json.Marshal(batch{Patches: patches})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return fmt.Errorf("flate writer: %w", err)
	}
	if _, err := fw.Write(raw); err != nil {
		return fmt.Errorf("compress batch: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("compress batch: %w", err)
	}
	return wire.WriteRaw(w, buf.Bytes())
}

func readBatch(r io.Reader) ([]types.Patch, error) {
	compressed, err := wire.ReadRaw(r)
	if err != nil {
		return nil, err
	}
	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()

	raw, err := io.ReadAll(io.LimitReader(fr, wire.MaxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("decompress batch: %w", err)
	}
	var b batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return b.Patches, nil
}
