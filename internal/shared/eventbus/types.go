// Package eventbus 事件类型定义
package eventbus

import (
	"encoding/json"
	"time"
)

// ============================================================================
// 逻辑通道
// ============================================================================

// Channel 逻辑通道
type Channel string

const (
	// ChannelContext 上下文事件（created/updated/deleted/snapshot）
	ChannelContext Channel = "context"

	// ChannelA2A 任务/产物生命周期事件（粗粒度）
	ChannelA2A Channel = "a2a"

	// ChannelAGUI 逐 token/步骤事件（细粒度）
	ChannelAGUI Channel = "agui"

	// ChannelSystem 系统事件（服务状态、启动错误）
	ChannelSystem Channel = "system"
)

// ============================================================================
// 事件
// ============================================================================

// 上下文事件类型
const (
	EventContextCreated  = "context_created"
	EventContextUpdated  = "context_updated"
	EventContextDeleted  = "context_deleted"
	EventContextSnapshot = "context_snapshot"
)

// Event 总线事件
//
// UserID 是广播的隔离边界：订阅者只收到与自己 user_id 相符的事件。
type Event struct {
	// Channel 逻辑通道
	Channel Channel `json:"channel"`

	// Type 事件类型（流事件类型或上下文事件类型）
	Type string `json:"type"`

	// UserID 属主用户
	UserID string `json:"user_id"`

	// ContextID 相关上下文（可选）
	ContextID string `json:"context_id,omitempty"`

	// TaskID 相关任务（可选）
	TaskID string `json:"task_id,omitempty"`

	// Payload 事件负载（JSON）
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp 事件时间
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent 创建事件（负载序列化失败时负载为空）
func NewEvent(channel Channel, eventType, userID string, payload any) *Event {
	e := &Event{
		Channel:   channel,
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			e.Payload = b
		}
	}
	return e
}
