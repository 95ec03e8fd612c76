// Package provider 模型提供商抽象
//
// 三个提供商家族（Anthropic / OpenAI / Gemini）统一收敛到 Provider 接口：
//   - GenerateStream：流式生成，逐块回调（文本增量 + 工具调用通告）
//   - GeneratePlan：结构化规划（plan→execute 策略的第一阶段）
//
// 上层策略引擎只依赖本接口，不感知各家 SDK 的线协议。
package provider

import (
	"context"
	"encoding/json"
	"time"

	"agents-exec/internal/shared/model"
)

// ============================================================================
// 会话消息
// ============================================================================

// Role 会话角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage 提供商无关的会话消息
type ChatMessage struct {
	// Role 消息角色
	Role Role `json:"role"`

	// Content 文本内容
	Content string `json:"content"`

	// ToolCallID 工具结果消息对应的调用 ID（Role=tool）
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls 助手消息携带的工具调用（Role=assistant）
	ToolCalls []model.ToolCall `json:"tool_calls,omitempty"`
}

// Request 一次生成请求
type Request struct {
	// Model 模型标识（空时使用提供商默认模型）
	Model string

	// SystemPrompt 系统指令
	SystemPrompt string

	// Messages 会话历史
	Messages []ChatMessage

	// Tools 本轮可用的工具
	Tools []model.MCPTool

	// MaxTokens 输出 token 上限
	MaxTokens int

	// Temperature 采样温度（nil 使用默认值）
	Temperature *float64
}

// ============================================================================
// 流式输出
// ============================================================================

// ChunkType 流块类型
type ChunkType string

const (
	ChunkTypeStart     ChunkType = "start"
	ChunkTypeText      ChunkType = "text"
	ChunkTypeToolStart ChunkType = "tool_start"
	ChunkTypeToolDelta ChunkType = "tool_delta"
	ChunkTypeToolEnd   ChunkType = "tool_end"
	ChunkTypeEnd       ChunkType = "end"
	ChunkTypeError     ChunkType = "error"
)

// StopReason 生成终止原因
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonError     StopReason = "error"
)

// Usage token 用量
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ToolCallChunk 工具调用流块
type ToolCallChunk struct {
	// ID 调用唯一标识
	ID string `json:"id"`

	// Name 工具名称（tool_start 时填充）
	Name string `json:"name,omitempty"`

	// ArgumentsDelta 参数 JSON 增量（tool_delta 时填充）
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

// Chunk 一个流块
type Chunk struct {
	// Index 块序号（单次流内递增）
	Index int `json:"index"`

	// Type 块类型
	Type ChunkType `json:"type"`

	// Text 文本增量（text/error）
	Text string `json:"text,omitempty"`

	// ToolCall 工具调用块（tool_*）
	ToolCall *ToolCallChunk `json:"tool_call,omitempty"`

	// StopReason 终止原因（end）
	StopReason StopReason `json:"stop_reason,omitempty"`

	// Usage token 用量（end）
	Usage *Usage `json:"usage,omitempty"`

	// Timestamp 产生时间
	Timestamp time.Time `json:"timestamp"`
}

// StreamHandler 流块回调；返回非 nil 错误时终止流
type StreamHandler func(*Chunk) error

// ============================================================================
// 结构化计划
// ============================================================================

// PlanStep 计划中的单个步骤
type PlanStep struct {
	// ID 步骤标识
	ID string `json:"id"`

	// Description 步骤描述
	Description string `json:"description"`

	// ToolName 要调用的工具（可为空：纯文本步骤）
	ToolName string `json:"tool_name,omitempty"`

	// Arguments 工具参数（JSON）
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// SkillID 关联的技能（可选）
	SkillID string `json:"skill_id,omitempty"`
}

// Plan 结构化执行计划
type Plan struct {
	// Understanding 对用户意图的理解摘要
	Understanding string `json:"understanding"`

	// Steps 按顺序执行的步骤
	Steps []PlanStep `json:"steps"`
}

// ============================================================================
// 提供商接口
// ============================================================================

// Provider 模型提供商接口
type Provider interface {
	// Name 提供商标识（anthropic/openai/gemini）
	Name() string

	// GenerateStream 流式生成
	//
	// 块序列约定：start → (text|tool_start|tool_delta|tool_end)* → end。
	// 流中断时在返回错误前发送一个 error 块。
	GenerateStream(ctx context.Context, req *Request, handler StreamHandler) error

	// GeneratePlan 生成结构化计划（非流式）
	GeneratePlan(ctx context.Context, req *Request) (*Plan, error)
}

// RateLimitError 限流错误，携带提供商建议的重试延迟
type RateLimitError struct {
	// RetryAfter 建议延迟；0 表示提供商未给出
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return e.Err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}
