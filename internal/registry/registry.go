// Package registry Agent 与 MCP 服务注册表
//
// 从 YAML 配置加载不可变的 AgentRuntime / McpServer 快照：
//   - 进程启动时立即加载，加载失败即启动失败
//   - 只在显式请求时重载（Reload），无文件监听热更新
//   - 重载原子替换整个快照，旧快照的持有者不受影响
package registry

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/model"
	"agents-exec/pkg/logging"
)

// agentsFile agents YAML 文件结构
type agentsFile struct {
	Agents []*model.AgentRuntime `yaml:"agents"`

	// DefaultAgent 默认 Agent 名称（空时取第一个启用的）
	DefaultAgent string `yaml:"default_agent"`
}

// mcpServersFile MCP 服务 YAML 文件结构
type mcpServersFile struct {
	Servers []*model.McpServer `yaml:"mcp_servers"`
}

// snapshot 一次加载产生的不可变快照
type snapshot struct {
	agents       map[string]*model.AgentRuntime
	enabled      []*model.AgentRuntime
	servers      map[string]*model.McpServer
	defaultAgent string
}

// Registry Agent/MCP 注册表
type Registry struct {
	agentsPath  string
	serversPath string
	snap        atomic.Pointer[snapshot]
	reloadMu    sync.Mutex
	logger      *logging.Logger

	// extensionDefaults 扩展注册的默认 Agent（代码内置，YAML 可覆盖同名项）
	extensionDefaults []*model.AgentRuntime
}

// Option 注册表选项
type Option func(*Registry)

// WithExtensionDefaults 注册代码内置的默认 Agent
func WithExtensionDefaults(agents ...*model.AgentRuntime) Option {
	return func(r *Registry) {
		r.extensionDefaults = append(r.extensionDefaults, agents...)
	}
}

// New 创建并立即加载注册表；加载或校验失败返回错误
func New(agentsPath, serversPath string, opts ...Option) (*Registry, error) {
	r := &Registry{
		agentsPath:  agentsPath,
		serversPath: serversPath,
		logger:      logging.Default("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload 重新加载配置并原子替换快照
func (r *Registry) Reload() error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	snap, err := r.load()
	if err != nil {
		return err
	}
	r.snap.Store(snap)
	r.logger.Info("registry loaded",
		"agents", len(snap.agents),
		"enabled", len(snap.enabled),
		"mcp_servers", len(snap.servers))
	return nil
}

// load 读取并校验两个 YAML 文件
func (r *Registry) load() (*snapshot, error) {
	af := &agentsFile{}
	data, err := os.ReadFile(r.agentsPath)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	if err := yaml.Unmarshal(data, af); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, apperr.CodeConfigMismatch,
			"agents file is not valid yaml", err)
	}

	sf := &mcpServersFile{}
	if r.serversPath != "" {
		data, err := os.ReadFile(r.serversPath)
		if err != nil {
			return nil, fmt.Errorf("read mcp servers file: %w", err)
		}
		if err := yaml.Unmarshal(data, sf); err != nil {
			return nil, apperr.Wrap(apperr.KindFatal, apperr.CodeConfigMismatch,
				"mcp servers file is not valid yaml", err)
		}
	}

	snap := &snapshot{
		agents:       make(map[string]*model.AgentRuntime),
		servers:      make(map[string]*model.McpServer),
		defaultAgent: af.DefaultAgent,
	}

	// 扩展默认项先注册，YAML 同名项覆盖
	for _, a := range r.extensionDefaults {
		snap.agents[a.Name] = a
	}
	for _, a := range af.Agents {
		snap.agents[a.Name] = a
	}
	for _, s := range sf.Servers {
		snap.servers[s.Name] = s
	}

	for _, a := range snap.agents {
		if a.Enabled {
			snap.enabled = append(snap.enabled, a)
		}
	}

	if err := validate(snap); err != nil {
		return nil, err
	}

	if snap.defaultAgent == "" && len(snap.enabled) > 0 {
		snap.defaultAgent = snap.enabled[0].Name
	}
	return snap, nil
}

// validate 快照校验
//
// 校验失败视为配置错误（fatal）：
//   - 启用的 Agent/MCP 服务端口冲突
//   - Agent 引用了不存在的 MCP 服务
//   - requires_oauth 为真但未声明任何 scope
func validate(snap *snapshot) error {
	portOwners := make(map[int]string)

	for _, a := range snap.enabled {
		if a.Name == "" {
			return apperr.New(apperr.KindFatal, apperr.CodeConfigMismatch, "agent with empty name")
		}
		if a.Port != 0 {
			if owner, taken := portOwners[a.Port]; taken {
				return apperr.New(apperr.KindFatal, apperr.CodeConfigMismatch,
					fmt.Sprintf("port %d declared by both %s and agent %s", a.Port, owner, a.Name))
			}
			portOwners[a.Port] = "agent " + a.Name
		}
		for _, ref := range a.McpServers {
			if _, ok := snap.servers[ref]; !ok {
				return apperr.New(apperr.KindFatal, apperr.CodeConfigMismatch,
					fmt.Sprintf("agent %s references unknown mcp server %s", a.Name, ref))
			}
		}
		if a.RequiresOAuth && len(a.OAuthScopes) == 0 {
			return apperr.New(apperr.KindFatal, apperr.CodeConfigMismatch,
				fmt.Sprintf("agent %s requires oauth but declares no scopes", a.Name))
		}
	}

	for _, s := range snap.servers {
		if !s.Enabled {
			continue
		}
		if owner, taken := portOwners[s.Port]; taken {
			return apperr.New(apperr.KindFatal, apperr.CodeConfigMismatch,
				fmt.Sprintf("port %d declared by both %s and mcp server %s", s.Port, owner, s.Name))
		}
		portOwners[s.Port] = "mcp server " + s.Name
	}
	return nil
}

// Get 按名称获取 Agent 快照
func (r *Registry) Get(name string) (*model.AgentRuntime, error) {
	snap := r.snap.Load()
	a, ok := snap.agents[name]
	if !ok {
		return nil, apperr.New(apperr.KindClient, apperr.CodeNotFound,
			fmt.Sprintf("agent %q not found", name))
	}
	return a, nil
}

// ListEnabled 列出全部启用的 Agent
func (r *Registry) ListEnabled() []*model.AgentRuntime {
	snap := r.snap.Load()
	out := make([]*model.AgentRuntime, len(snap.enabled))
	copy(out, snap.enabled)
	return out
}

// Default 默认 Agent
func (r *Registry) Default() (*model.AgentRuntime, error) {
	snap := r.snap.Load()
	if snap.defaultAgent == "" {
		return nil, apperr.New(apperr.KindClient, apperr.CodeNotFound, "no enabled agent configured")
	}
	return r.Get(snap.defaultAgent)
}

// McpServer 按名称获取 MCP 服务配置
func (r *Registry) McpServer(name string) (*model.McpServer, error) {
	snap := r.snap.Load()
	s, ok := snap.servers[name]
	if !ok {
		return nil, apperr.New(apperr.KindClient, apperr.CodeNotFound,
			fmt.Sprintf("mcp server %q not found", name))
	}
	return s, nil
}

// McpServers 列出全部 MCP 服务配置
func (r *Registry) McpServers() []*model.McpServer {
	snap := r.snap.Load()
	out := make([]*model.McpServer, 0, len(snap.servers))
	for _, s := range snap.servers {
		out = append(out, s)
	}
	return out
}

// McpServersFor 解析 Agent 依赖的 MCP 服务配置
func (r *Registry) McpServersFor(agent *model.AgentRuntime) []*model.McpServer {
	snap := r.snap.Load()
	out := make([]*model.McpServer, 0, len(agent.McpServers))
	for _, name := range agent.McpServers {
		if s, ok := snap.servers[name]; ok {
			out = append(out, s)
		}
	}
	return out
}
