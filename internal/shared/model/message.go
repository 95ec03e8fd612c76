// Package model 定义核心数据模型
//
// message.go 包含消息相关的数据模型定义：
//   - Message：对话消息（任务内严格递增的序号）
//   - MessageRole：消息角色枚举
//   - Part：消息片段（tagged union：text/data/file）
//   - PartKind：片段类型枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// MessageRole - 消息角色
// ============================================================================

// MessageRole 消息角色
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ============================================================================
// PartKind / Part - 消息片段
// ============================================================================

// PartKind 片段类型
type PartKind string

const (
	// PartKindText 纯文本片段
	PartKindText PartKind = "text"

	// PartKindData 结构化数据片段
	PartKindData PartKind = "data"

	// PartKindFile 文件引用片段（对象存储 Key + MIME 类型）
	PartKindFile PartKind = "file"
)

// Part 消息/产物片段（tagged union）
//
// 同一结构承载三种变体，由 Kind 区分：
//   - text：Text 字段有效
//   - data：Data 字段有效（任意 JSON）
//   - file：FileID + MimeType 字段有效，FileID 指向对象存储中的 blob
type Part struct {
	// Kind 片段类型
	Kind PartKind `json:"kind"`

	// Text 文本内容（Kind=text）
	Text string `json:"text,omitempty"`

	// Data 结构化数据（Kind=data）
	Data json.RawMessage `json:"data,omitempty"`

	// FileID 对象存储 Key（Kind=file）
	FileID string `json:"file_id,omitempty"`

	// MimeType MIME 类型（Kind=file）
	MimeType string `json:"mime_type,omitempty"`
}

// TextPart 构造文本片段
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart 构造数据片段
func DataPart(data any) Part {
	b, _ := json.Marshal(data)
	return Part{Kind: PartKindData, Data: b}
}

// FilePart 构造文件引用片段
func FilePart(fileID, mimeType string) Part {
	return Part{Kind: PartKindFile, FileID: fileID, MimeType: mimeType}
}

// ============================================================================
// Message - 对话消息
// ============================================================================

// Message 对话消息
//
// 序号约束：
//   - SequenceNumber 在任务内严格递增、从 1 连续
//   - 序号在仓储层的行锁事务内分配，任何两次持久化
//     不会观察到相同的 (task_id, sequence_number)
type Message struct {
	// ID 消息唯一标识
	ID string `json:"id" db:"id"`

	// TaskID 所属任务 ID
	TaskID string `json:"task_id" db:"task_id"`

	// ContextID 所属上下文 ID
	ContextID string `json:"context_id" db:"context_id"`

	// Role 角色（user/assistant/system）
	Role MessageRole `json:"role" db:"role"`

	// SequenceNumber 任务内序号（从 1 连续递增）
	SequenceNumber int32 `json:"sequence_number" db:"sequence_number"`

	// Parts 消息片段（按持久化顺序）
	Parts []Part `json:"parts"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TextContent 拼接所有文本片段（便捷方法）
func (m *Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			out += p.Text
		}
	}
	return out
}

// NewUserMessage 构造用户消息（序号由仓储层分配）
func NewUserMessage(id string, parts ...Part) *Message {
	return &Message{ID: id, Role: RoleUser, Parts: parts}
}

// NewAssistantMessage 构造助手消息
func NewAssistantMessage(id string, parts ...Part) *Message {
	return &Message{ID: id, Role: RoleAssistant, Parts: parts}
}
