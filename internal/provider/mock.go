// Package provider 测试用 Mock 提供商
package provider

import (
	"context"
	"sync"
	"time"
)

// MockProvider 脚本化的提供商，用于策略引擎测试
//
// Chunks 按调用次数分组：第 N 次 GenerateStream 回放 Chunks[N]。
// 超出脚本范围时回放最后一组。
type MockProvider struct {
	mu sync.Mutex

	// ProviderName 名称（默认 mock）
	ProviderName string

	// Chunks 每次流调用回放的块序列
	Chunks [][]*Chunk

	// StreamErrs 每次流调用结束时返回的错误（nil 正常结束）
	StreamErrs []error

	// Plans GeneratePlan 依次返回的计划
	Plans []*Plan

	// PlanErr GeneratePlan 的固定错误
	PlanErr error

	// Requests 记录收到的全部请求
	Requests []*Request

	streamCalls int
	planCalls   int
}

var _ Provider = (*MockProvider)(nil)

// Name 提供商标识
func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// GenerateStream 回放脚本块序列
func (m *MockProvider) GenerateStream(ctx context.Context, req *Request, handler StreamHandler) error {
	m.mu.Lock()
	call := m.streamCalls
	m.streamCalls++
	m.Requests = append(m.Requests, req)

	var chunks []*Chunk
	if len(m.Chunks) > 0 {
		if call >= len(m.Chunks) {
			call = len(m.Chunks) - 1
		}
		chunks = m.Chunks[call]
	}
	var streamErr error
	if m.streamCalls-1 < len(m.StreamErrs) {
		streamErr = m.StreamErrs[m.streamCalls-1]
	}
	m.mu.Unlock()

	for _, chunk := range chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if chunk.Timestamp.IsZero() {
			chunk.Timestamp = time.Now()
		}
		if err := handler(chunk); err != nil {
			return err
		}
	}
	return streamErr
}

// LastRequest 最近一次收到的请求（跨 goroutine 读取安全）
func (m *MockProvider) LastRequest() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return nil
	}
	return m.Requests[len(m.Requests)-1]
}

// GeneratePlan 依次返回脚本计划
func (m *MockProvider) GeneratePlan(ctx context.Context, req *Request) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.PlanErr != nil {
		return nil, m.PlanErr
	}
	if len(m.Plans) == 0 {
		return nil, nil
	}
	call := m.planCalls
	m.planCalls++
	if call >= len(m.Plans) {
		call = len(m.Plans) - 1
	}
	return m.Plans[call], nil
}

// TextStream 便捷构造：start → 文本块 → end 的标准序列
func TextStream(texts ...string) []*Chunk {
	chunks := []*Chunk{{Index: 0, Type: ChunkTypeStart}}
	for i, t := range texts {
		chunks = append(chunks, &Chunk{Index: i + 1, Type: ChunkTypeText, Text: t})
	}
	chunks = append(chunks, &Chunk{
		Index:      len(texts) + 1,
		Type:       ChunkTypeEnd,
		StopReason: StopReasonEndTurn,
		Usage:      &Usage{InputTokens: 10, OutputTokens: len(texts) * 5, TotalTokens: 10 + len(texts)*5},
	})
	return chunks
}

// ToolCallStream 便捷构造：文本 + 一次工具调用 + tool_use 结束
func ToolCallStream(text, callID, toolName, arguments string) []*Chunk {
	chunks := []*Chunk{{Index: 0, Type: ChunkTypeStart}}
	idx := 1
	if text != "" {
		chunks = append(chunks, &Chunk{Index: idx, Type: ChunkTypeText, Text: text})
		idx++
	}
	chunks = append(chunks,
		&Chunk{Index: idx, Type: ChunkTypeToolStart, ToolCall: &ToolCallChunk{ID: callID, Name: toolName}},
		&Chunk{Index: idx + 1, Type: ChunkTypeToolDelta, ToolCall: &ToolCallChunk{ID: callID, ArgumentsDelta: arguments}},
		&Chunk{Index: idx + 2, Type: ChunkTypeToolEnd, ToolCall: &ToolCallChunk{ID: callID}},
		&Chunk{
			Index:      idx + 3,
			Type:       ChunkTypeEnd,
			StopReason: StopReasonToolUse,
			Usage:      &Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	)
	return chunks
}
