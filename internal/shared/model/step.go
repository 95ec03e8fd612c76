// Package model 定义核心数据模型
//
// step.go 包含执行步骤相关的数据模型定义：
//   - ExecutionStep：执行步骤（任务内 append-only 日志）
//   - StepKind：步骤类型枚举
//   - StepStatus：步骤状态枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// StepKind - 步骤类型
// ============================================================================

// StepKind 执行步骤类型
type StepKind string

const (
	// StepKindUnderstanding 理解请求
	StepKindUnderstanding StepKind = "understanding"

	// StepKindPlanning 生成计划
	StepKindPlanning StepKind = "planning"

	// StepKindToolCall 工具调用
	StepKindToolCall StepKind = "tool-call"

	// StepKindCompletion 生成最终回答
	StepKindCompletion StepKind = "completion"
)

// ============================================================================
// StepStatus - 步骤状态
// ============================================================================

// StepStatus 执行步骤状态
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// ============================================================================
// ExecutionStep - 执行步骤
// ============================================================================

// ExecutionStep 表示任务执行过程中的一个阶段
//
// 步骤构成任务内有序的 append-only 日志：只追加，从不修改历史记录；
// 状态推进（running → completed/failed）通过按 ID 更新实现。
type ExecutionStep struct {
	// ID 步骤唯一标识
	ID string `json:"id" db:"id"`

	// TaskID 所属任务 ID
	TaskID string `json:"task_id" db:"task_id"`

	// Kind 步骤类型
	Kind StepKind `json:"kind" db:"kind"`

	// Status 步骤状态
	Status StepStatus `json:"status" db:"status"`

	// Input 输入载荷（可选）
	Input json.RawMessage `json:"input,omitempty" db:"input"`

	// Output 输出载荷（可选）
	Output json.RawMessage `json:"output,omitempty" db:"output"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt 最后更新时间
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
