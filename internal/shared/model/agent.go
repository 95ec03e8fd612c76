// Package model 定义核心数据模型
//
// agent.go 包含智能体相关的数据模型定义：
//   - AgentRuntime：Agent 运行时快照（从配置加载后不可变）
//   - Skill：技能（可复用的指令模板）
//   - Playbook：剧本（预定义的多步流程模板）
//   - ModelOverride：按工具的模型覆盖
package model

// ============================================================================
// Skill - 技能
// ============================================================================

// Skill 可复用的指令模板
//
// Agent 引用技能获得领域能力；产物元数据记录产生它的技能 ID。
type Skill struct {
	// ID 技能唯一标识
	ID string `json:"id" yaml:"id"`

	// Name 技能名称
	Name string `json:"name" yaml:"name"`

	// Description 技能描述
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Instructions 指令模板
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`

	// ArtifactType 技能产物的默认类型
	ArtifactType ArtifactType `json:"artifact_type,omitempty" yaml:"artifact_type,omitempty"`
}

// ============================================================================
// Playbook - 剧本
// ============================================================================

// Playbook 预定义的多步流程模板
//
// 规划策略可引用剧本约束工具调用的顺序与参数模板。
type Playbook struct {
	// ID 剧本唯一标识
	ID string `json:"id" yaml:"id"`

	// Name 剧本名称
	Name string `json:"name" yaml:"name"`

	// Steps 步骤模板（工具名 + 参数模板）
	Steps []PlaybookStep `json:"steps" yaml:"steps"`

	// SummaryTemplate 总结模板
	SummaryTemplate string `json:"summary_template,omitempty" yaml:"summary_template,omitempty"`
}

// PlaybookStep 剧本步骤
type PlaybookStep struct {
	// Tool 工具名称
	Tool string `json:"tool" yaml:"tool"`

	// ArgsTemplate 参数模板（支持 {{variable}} 插值）
	ArgsTemplate map[string]string `json:"args_template,omitempty" yaml:"args_template,omitempty"`
}

// ============================================================================
// ModelOverride - 模型覆盖
// ============================================================================

// ModelOverride 按工具的模型覆盖
//
// 某些工具（如结构化抽取）需要特定的提供商/模型组合，
// 调度器在转发工具调用时按覆盖表替换默认模型。
type ModelOverride struct {
	// Provider 提供商名称（anthropic/openai/gemini）
	Provider string `json:"provider" yaml:"provider"`

	// Model 模型标识
	Model string `json:"model" yaml:"model"`
}

// ============================================================================
// AgentRuntime - Agent 运行时快照
// ============================================================================

// AgentRuntime Agent 运行时配置快照
//
// 从 YAML 配置加载后不可变；注册表重载时整体原子替换快照，
// 已经拿到旧快照的执行流程不受影响。
type AgentRuntime struct {
	// Name Agent 名称（注册表主键）
	Name string `json:"name" yaml:"name"`

	// Enabled 是否启用
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Provider 默认提供商（anthropic/openai/gemini）
	Provider string `json:"provider" yaml:"provider"`

	// Model 默认模型
	Model string `json:"model" yaml:"model"`

	// SystemInstructions 系统指令
	SystemInstructions string `json:"system_instructions,omitempty" yaml:"system_instructions,omitempty"`

	// Planning 是否启用规划策略（plan-then-execute）
	Planning bool `json:"planning" yaml:"planning"`

	// McpServers 依赖的 MCP 服务名列表
	McpServers []string `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`

	// Skills 技能列表
	Skills []Skill `json:"skills,omitempty" yaml:"skills,omitempty"`

	// Playbooks 剧本列表（规划策略可引用）
	Playbooks []Playbook `json:"playbooks,omitempty" yaml:"playbooks,omitempty"`

	// ModelOverrides 按工具的模型覆盖
	ModelOverrides map[string]ModelOverride `json:"model_overrides,omitempty" yaml:"model_overrides,omitempty"`

	// OAuthScopes 所需 OAuth scope 列表
	OAuthScopes []string `json:"oauth_scopes,omitempty" yaml:"oauth_scopes,omitempty"`

	// RequiresOAuth 是否需要 OAuth
	RequiresOAuth bool `json:"requires_oauth" yaml:"requires_oauth"`

	// Port Agent 工作进程监听端口（0 表示不启动独立进程）
	Port int `json:"port,omitempty" yaml:"port,omitempty"`
}

// SkillByID 按 ID 查找技能
func (a *AgentRuntime) SkillByID(id string) *Skill {
	for i := range a.Skills {
		if a.Skills[i].ID == id {
			return &a.Skills[i]
		}
	}
	return nil
}

// OverrideFor 查找工具的模型覆盖
func (a *AgentRuntime) OverrideFor(tool string) (ModelOverride, bool) {
	o, ok := a.ModelOverrides[tool]
	return o, ok
}
