// Package model 定义核心数据模型
//
// context.go 包含上下文相关的数据模型定义：
//   - Context：长期会话（归属单个用户，持有零或多个任务）
//   - ContextStats：派生统计
//   - RequestContext：入站请求上下文（认证/追踪信息）
package model

import "time"

// ============================================================================
// Context - 会话上下文
// ============================================================================

// Context 表示用户的一个长期会话
//
// 不变式：
//   - Context 归属且仅归属一个用户
//   - 删除属主用户时级联删除其全部 Context（及其任务）
//   - 删除 Context 会取消其中仍在执行的任务
type Context struct {
	// ID 上下文唯一标识
	ID string `json:"id" db:"id"`

	// UserID 属主用户 ID
	UserID string `json:"user_id" db:"user_id"`

	// Name 展示名称
	Name string `json:"name" db:"name"`

	// Stats 派生统计（读取时计算，不持久化）
	Stats *ContextStats `json:"stats,omitempty" db:"-"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt 最后更新时间
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ContextStats 上下文派生统计
type ContextStats struct {
	// TaskCount 任务数量
	TaskCount int `json:"task_count"`

	// MessageCount 消息数量
	MessageCount int `json:"message_count"`
}

// ============================================================================
// RequestContext - 入站请求上下文
// ============================================================================

// RequestContext 携带一次入站请求的认证与追踪信息
//
// 各字段随工具调用以 Header 原样透传（trace/session/context/user/tool-call）。
type RequestContext struct {
	// UserID 认证用户 ID
	UserID string `json:"user_id"`

	// UserEmail 认证用户邮箱（来自令牌声明）
	UserEmail string `json:"user_email,omitempty"`

	// Role 用户角色（admin/user）
	Role UserRole `json:"role,omitempty"`

	// SessionID 会话 ID
	SessionID string `json:"session_id"`

	// TraceID 追踪 ID
	TraceID string `json:"trace_id"`

	// ContextID 上下文 ID
	ContextID string `json:"context_id"`

	// AgentName Agent 名称
	AgentName string `json:"agent_name"`

	// TaskID 任务 ID（可选，恢复已有任务时携带）
	TaskID string `json:"task_id,omitempty"`

	// AIToolCallID 上游工具调用 ID（可选）
	AIToolCallID string `json:"ai_tool_call_id,omitempty"`

	// AuthToken 认证令牌（原样携带，核心不解析其内容之外的语义）
	AuthToken string `json:"-"`
}
