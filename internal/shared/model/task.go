// Package model 定义核心数据模型
//
// task.go 包含任务相关的数据模型定义：
//   - Task：任务（一次请求/响应循环，执行与持久化的基本单元）
//   - TaskState：任务状态枚举（A2A 状态机）
//   - TaskMetadata：任务元数据
//
// 注意：Message/Part 已移至 message.go，Artifact 已移至 artifact.go
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// TaskState - 任务状态枚举
// ============================================================================

// TaskState 表示任务的 A2A 状态
//
// 状态机（仓储层强制校验合法迁移）：
//
//	submitted → working → completed | failed | canceled | rejected
//	                    → input-required ──(resume)──→ working
//	                    → auth-required  ──(resume)──→ working
//
// 终止状态（completed/failed/canceled/rejected）至多到达一次，
// 到达后任何追加消息或状态变更的公共操作都会被拒绝。
type TaskState string

const (
	// TaskStatePending 待处理：已创建但尚未提交
	TaskStatePending TaskState = "pending"

	// TaskStateSubmitted 已提交：等待执行引擎接管
	TaskStateSubmitted TaskState = "submitted"

	// TaskStateWorking 执行中：策略正在运行
	TaskStateWorking TaskState = "working"

	// TaskStateCompleted 已完成（终止态）
	TaskStateCompleted TaskState = "completed"

	// TaskStateFailed 已失败（终止态）
	TaskStateFailed TaskState = "failed"

	// TaskStateCanceled 已取消（终止态）
	TaskStateCanceled TaskState = "canceled"

	// TaskStateRejected 已拒绝（终止态）
	TaskStateRejected TaskState = "rejected"

	// TaskStateInputRequired 等待用户输入（可恢复）
	TaskStateInputRequired TaskState = "input-required"

	// TaskStateAuthRequired 等待授权（可恢复）
	TaskStateAuthRequired TaskState = "auth-required"

	// TaskStateUnknown 未知状态
	TaskStateUnknown TaskState = "unknown"
)

// IsTerminal 判断是否为终止状态
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled, TaskStateRejected:
		return true
	}
	return false
}

// legalTransitions 合法状态迁移表
var legalTransitions = map[TaskState][]TaskState{
	TaskStatePending:   {TaskStateSubmitted},
	TaskStateSubmitted: {TaskStateWorking, TaskStateCanceled, TaskStateRejected},
	TaskStateWorking: {
		TaskStateCompleted, TaskStateFailed, TaskStateCanceled,
		TaskStateRejected, TaskStateInputRequired, TaskStateAuthRequired,
	},
	TaskStateInputRequired: {TaskStateWorking, TaskStateCanceled},
	TaskStateAuthRequired:  {TaskStateWorking, TaskStateCanceled},
}

// CanTransitionTo 判断状态迁移是否合法
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ============================================================================
// Task - 任务
// ============================================================================

// Task 表示一个任务实例
//
// Task 是一次请求/响应循环，归属于某个 Context：
//   - Context 归属用户，Task 归属 Context
//   - Task 独占其 Message / ExecutionStep / Artifact
//   - 仓储层是 Task 及其附属实体的唯一写入者
//
// 字段说明：
//   - History：按 SequenceNumber 升序的消息列表（可选加载）
//   - Artifacts：任务产物列表（可选加载）
//   - Metadata：自由元数据（错误信息、累计文本等）
type Task struct {
	// ID 任务唯一标识
	ID string `json:"id" db:"id"`

	// ContextID 所属上下文 ID
	ContextID string `json:"context_id" db:"context_id"`

	// UserID 所属用户 ID（必须与 Context 的属主一致）
	UserID string `json:"user_id" db:"user_id"`

	// AgentName 执行本任务的 Agent 名称
	AgentName string `json:"agent_name" db:"agent_name"`

	// State 任务状态
	State TaskState `json:"state" db:"state"`

	// History 消息历史（按序号升序，可选加载）
	History []*Message `json:"history,omitempty" db:"-"`

	// Artifacts 任务产物（可选加载）
	Artifacts []*Artifact `json:"artifacts,omitempty" db:"-"`

	// Metadata 自由元数据
	Metadata map[string]any `json:"metadata,omitempty" db:"metadata"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt 最后更新时间
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// MetadataJSON 序列化元数据（用于持久化）
func (t *Task) MetadataJSON() json.RawMessage {
	if t.Metadata == nil {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(t.Metadata)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// SetMetadata 设置单个元数据键
func (t *Task) SetMetadata(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}
