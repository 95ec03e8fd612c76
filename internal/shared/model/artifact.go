// Package model 定义核心数据模型
//
// artifact.go 包含执行产物相关的数据模型定义：
//   - Artifact：执行产物（任务的结构化输出）
//   - ArtifactType：产物类型枚举
//   - ArtifactMetadata：产物元数据
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// ArtifactType - 产物类型枚举
// ============================================================================

// ArtifactType 产物类型
//
// 渲染层根据类型选择展示方式；核心不生成任何 UI 标记。
// 未知类型按自定义类型原样透传。
type ArtifactType string

const (
	ArtifactTypeText             ArtifactType = "text"
	ArtifactTypeTable            ArtifactType = "table"
	ArtifactTypeChart            ArtifactType = "chart"
	ArtifactTypeForm             ArtifactType = "form"
	ArtifactTypeDashboard        ArtifactType = "dashboard"
	ArtifactTypePresentationCard ArtifactType = "presentation-card"
	ArtifactTypeList             ArtifactType = "list"
	ArtifactTypeCopyPasteText    ArtifactType = "copy-paste-text"
	ArtifactTypeImage            ArtifactType = "image"
	ArtifactTypeVideo            ArtifactType = "video"
	ArtifactTypeAudio            ArtifactType = "audio"
)

// ============================================================================
// Artifact - 执行产物
// ============================================================================

// Artifact 表示任务产生的结构化输出
//
// 不变式：产物一经发布即不可变。对已发布产物的"更新"
// 以新 ID 发布修订产物，并在 Metadata.Amends 记录被修订产物的 ID。
// PublishArtifacts 以产物 ID 为幂等键：同一 ID 重复发布是空操作。
type Artifact struct {
	// ID 产物唯一标识
	ID string `json:"id" db:"id"`

	// TaskID 所属任务 ID
	TaskID string `json:"task_id" db:"task_id"`

	// ContextID 所属上下文 ID
	ContextID string `json:"context_id" db:"context_id"`

	// Type 产物类型
	Type ArtifactType `json:"type" db:"type"`

	// Parts 产物片段（按持久化顺序）
	Parts []Part `json:"parts"`

	// Metadata 产物元数据
	Metadata ArtifactMetadata `json:"metadata" db:"metadata"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ArtifactMetadata 产物元数据
type ArtifactMetadata struct {
	// SkillID 产生该产物的技能 ID
	SkillID string `json:"skill_id,omitempty"`

	// ExecutionID 关联的执行（步骤）ID
	ExecutionID string `json:"execution_id,omitempty"`

	// Amends 被修订产物的 ID（修订记录）
	Amends string `json:"amends,omitempty"`

	// Extra 其余自由字段
	Extra map[string]any `json:"extra,omitempty"`
}

// MetadataJSON 序列化元数据（用于持久化）
func (a *Artifact) MetadataJSON() json.RawMessage {
	b, err := json.Marshal(a.Metadata)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// Amend 基于已发布产物构造修订产物（新 ID，记录修订关系）
func (a *Artifact) Amend(newID string, parts ...Part) *Artifact {
	return &Artifact{
		ID:        newID,
		TaskID:    a.TaskID,
		ContextID: a.ContextID,
		Type:      a.Type,
		Parts:     parts,
		Metadata: ArtifactMetadata{
			SkillID:     a.Metadata.SkillID,
			ExecutionID: a.Metadata.ExecutionID,
			Amends:      a.ID,
		},
	}
}
