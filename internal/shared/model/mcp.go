// Package model 定义核心数据模型
//
// mcp.go 包含 Model Context Protocol（MCP）相关的数据模型定义：
//   - McpServer：MCP 服务端静态配置
//   - MCPTool：MCP 工具定义
//   - ToolCall / ToolResult：工具调用与结果
//   - ContentPart：MCP 响应内容片段（text/image/resource-link）
//   - Service / ServiceStatus：受管进程的运行态（数据库 services 表）
//
// 参考：https://modelcontextprotocol.io
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// McpServer - MCP 服务端静态配置
// ============================================================================

// McpServer MCP 服务端配置
//
// 进程生命周期：disabled → starting → running|crashed → stopping → stopped。
// 同一端口任一时刻至多被一个进程占有（生命周期管理器强制执行）。
type McpServer struct {
	// Name 服务名称（唯一）
	Name string `json:"name" yaml:"name"`

	// BinaryPath 可执行文件路径
	BinaryPath string `json:"binary_path" yaml:"binary_path"`

	// Args 启动参数
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Env 附加环境变量
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Port 监听端口
	Port int `json:"port" yaml:"port"`

	// Enabled 是否启用
	Enabled bool `json:"enabled" yaml:"enabled"`

	// OAuthScopes 所需 OAuth scope
	OAuthScopes []string `json:"oauth_scopes,omitempty" yaml:"oauth_scopes,omitempty"`

	// Schemas 声明的数据库 Schema 名（协调循环逐个校验）
	Schemas []string `json:"schemas,omitempty" yaml:"schemas,omitempty"`

	// Tools 声明的工具列表（可选，运行时以 tools/list 为准）
	Tools []MCPTool `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// ============================================================================
// MCPTool - 工具定义
// ============================================================================

// MCPTool MCP 工具定义
type MCPTool struct {
	// Name 工具名称
	Name string `json:"name" yaml:"name"`

	// Description 工具描述
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// InputSchema 入参 JSON Schema
	InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`

	// ServerName 所属服务名（列举可用工具时填充）
	ServerName string `json:"server_name,omitempty" yaml:"-"`

	// RequiredScopes 调用所需 OAuth scope
	RequiredScopes []string `json:"required_scopes,omitempty" yaml:"required_scopes,omitempty"`
}

// ============================================================================
// ToolCall / ToolResult - 工具调用与结果
// ============================================================================

// ToolCall 一次工具调用请求
//
// 由模型流式输出聚合而来，或由规划策略的计划步骤实例化。
type ToolCall struct {
	// ID 调用唯一标识
	ID string `json:"id"`

	// Name 工具名称
	Name string `json:"name"`

	// Arguments 调用参数（JSON）
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentPart MCP 响应内容片段
type ContentPart struct {
	// Type 片段类型（text/image/resource-link）
	Type string `json:"type"`

	// Text 文本内容（Type=text）
	Text string `json:"text,omitempty"`

	// Data Base64 数据（Type=image）
	Data string `json:"data,omitempty"`

	// MimeType MIME 类型（Type=image）
	MimeType string `json:"mimeType,omitempty"`

	// URI 资源链接（Type=resource-link）
	URI string `json:"uri,omitempty"`
}

// ToolResult 工具调用结果
type ToolResult struct {
	// ToolCallID 对应的调用 ID
	ToolCallID string `json:"tool_call_id"`

	// Name 工具名称
	Name string `json:"name"`

	// IsError 服务端是否报告错误
	IsError bool `json:"is_error"`

	// Content 内容片段列表
	Content []ContentPart `json:"content,omitempty"`

	// Meta 元数据（MCP _meta 字段）
	Meta map[string]any `json:"meta,omitempty"`
}

// InputPrompt 工具挂起等待用户补充输入时的提示语
//
// MCP 服务端通过 _meta.input_required 传递提示；未挂起时返回空串。
func (r *ToolResult) InputPrompt() string {
	if r == nil || r.Meta == nil {
		return ""
	}
	if prompt, ok := r.Meta["input_required"].(string); ok {
		return prompt
	}
	return ""
}

// TextContent 拼接所有文本片段（便捷方法）
func (r *ToolResult) TextContent() string {
	var out string
	for _, p := range r.Content {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// ============================================================================
// Service / ServiceStatus - 受管进程运行态
// ============================================================================

// ServiceKind 服务类别
type ServiceKind string

const (
	// ServiceKindMCP MCP 工具服务
	ServiceKindMCP ServiceKind = "mcp"

	// ServiceKindAgent Agent 工作进程
	ServiceKindAgent ServiceKind = "agent"
)

// ServiceStatus 受管进程状态
type ServiceStatus string

const (
	ServiceStatusDisabled ServiceStatus = "disabled"
	ServiceStatusStarting ServiceStatus = "starting"
	ServiceStatusRunning  ServiceStatus = "running"
	ServiceStatusCrashed  ServiceStatus = "crashed"
	ServiceStatusStopping ServiceStatus = "stopping"
	ServiceStatusStopped  ServiceStatus = "stopped"
)

// Service 受管进程的数据库行（services 表）
//
// 进程表单写多读：生命周期管理器是唯一写入者，
// 协调循环与调度器只读。
type Service struct {
	// Name 服务名称（主键）
	Name string `json:"name" db:"name"`

	// Kind 服务类别（mcp/agent）
	Kind ServiceKind `json:"kind" db:"kind"`

	// Port 监听端口
	Port int `json:"port" db:"port"`

	// PID 进程号（未运行时为空）
	PID *int `json:"pid,omitempty" db:"pid"`

	// Status 当前状态
	Status ServiceStatus `json:"status" db:"status"`

	// StartedAt 本次启动时间
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`

	// UpdatedAt 最后更新时间
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
