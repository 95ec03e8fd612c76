// Package model 定义核心数据模型
//
// stream.go 包含流式事件相关的数据模型定义：
//   - StreamEvent：执行流事件（tagged union，按 Type 区分）
//   - StreamEventType：事件类型枚举
//
// 事件分两种粒度：
//   - AG-UI 细粒度：逐 token 增量、步骤更新（text_message_content 等）
//   - A2A 粗粒度：任务/产物生命周期（task_status_update、artifact_created 等）
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// StreamEventType - 事件类型
// ============================================================================

// StreamEventType 流事件类型
type StreamEventType string

const (
	// === A2A 粗粒度事件 ===

	// EventTaskStatusUpdate 任务状态变更
	EventTaskStatusUpdate StreamEventType = "task_status_update"

	// EventAgentMessage 完整助手消息
	EventAgentMessage StreamEventType = "agent_message"

	// EventArtifactCreated 产物发布
	EventArtifactCreated StreamEventType = "artifact_created"

	// EventArtifactUpdated 产物修订（新 ID + amend 记录）
	EventArtifactUpdated StreamEventType = "artifact_updated"

	// === AG-UI 细粒度事件 ===

	// EventTextMessageStart 助手消息开始
	EventTextMessageStart StreamEventType = "text_message_start"

	// EventTextMessageContent token 增量
	EventTextMessageContent StreamEventType = "text_message_content"

	// EventTextMessageEnd 助手消息结束
	EventTextMessageEnd StreamEventType = "text_message_end"

	// EventToolCallStart 工具调用开始
	EventToolCallStart StreamEventType = "tool_call_start"

	// EventToolCallArgs 工具参数增量
	EventToolCallArgs StreamEventType = "tool_call_args"

	// EventToolCallEnd 工具调用参数结束
	EventToolCallEnd StreamEventType = "tool_call_end"

	// EventToolCallResult 工具调用结果
	EventToolCallResult StreamEventType = "tool_call_result"

	// EventExecutionStepUpdate 执行步骤更新
	EventExecutionStepUpdate StreamEventType = "execution_step_update"

	// === 控制事件 ===

	// EventInputRequired 需要用户输入
	EventInputRequired StreamEventType = "input_required"

	// EventAuthRequired 需要授权
	EventAuthRequired StreamEventType = "auth_required"

	// EventRunError 执行错误
	EventRunError StreamEventType = "run_error"

	// EventCanceled 执行取消（终止事件，通道关闭前发送且仅发送一次）
	EventCanceled StreamEventType = "canceled"
)

// IsTerminalEvent 判断是否为终止事件（多消费者扇出时绝不丢弃）
func (t StreamEventType) IsTerminalEvent() bool {
	return t == EventCanceled || t == EventRunError
}

// ============================================================================
// StreamEvent - 流事件
// ============================================================================

// StreamEvent 执行流事件
//
// 单生产者（执行任务）按产生顺序写入，订阅者按 FIFO 顺序消费。
// UserID 用于广播层的跨用户隔离：订阅者绝不会收到
// user_id 与自身不符的事件。
type StreamEvent struct {
	// Type 事件类型
	Type StreamEventType `json:"type"`

	// TaskID 所属任务 ID
	TaskID string `json:"task_id,omitempty"`

	// ContextID 所属上下文 ID
	ContextID string `json:"context_id,omitempty"`

	// UserID 属主用户 ID
	UserID string `json:"user_id,omitempty"`

	// State 任务状态（task_status_update）
	State TaskState `json:"state,omitempty"`

	// MessageID 消息 ID（text_message_* / agent_message）
	MessageID string `json:"message_id,omitempty"`

	// Delta 增量片段：token（text_message_content）或
	// 参数 JSON 片段（tool_call_args，单个片段不保证是合法 JSON）
	Delta string `json:"delta,omitempty"`

	// Content 完整内容（agent_message）
	Content string `json:"content,omitempty"`

	// ToolCallID 工具调用 ID（tool_call_*）
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName 工具名称（tool_call_*）
	ToolName string `json:"tool_name,omitempty"`

	// Arguments 聚合后的完整工具参数（tool_call_end）
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Result 工具结果（tool_call_result）
	Result *ToolResult `json:"result,omitempty"`

	// Artifact 产物（artifact_created/updated）
	Artifact *Artifact `json:"artifact,omitempty"`

	// Step 执行步骤（execution_step_update）
	Step *ExecutionStep `json:"step,omitempty"`

	// Prompt 输入提示（input_required）
	Prompt string `json:"prompt,omitempty"`

	// AuthURL 授权地址（auth_required）
	AuthURL string `json:"auth_url,omitempty"`

	// Code 稳定错误码（run_error）
	Code string `json:"code,omitempty"`

	// Message 人类可读信息（task_status_update/run_error）
	Message string `json:"message,omitempty"`

	// Timestamp 事件时间
	Timestamp time.Time `json:"timestamp"`
}
