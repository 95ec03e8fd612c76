package lifecycle

import (
	"agents-exec/internal/registry"
	"agents-exec/internal/shared/model"
)

// RegistrySpecs 把注册表快照适配为期望世界
//
// 受管对象：全部 MCP 服务，以及声明了端口的 Agent 工作进程
// （Agent 进程由外部二进制承载时 BinaryPath 为空，只纳入端口核对，
// 不由管理器拉起）。
type RegistrySpecs struct {
	reg *registry.Registry
}

// NewRegistrySpecs 创建注册表适配器
func NewRegistrySpecs(reg *registry.Registry) *RegistrySpecs {
	return &RegistrySpecs{reg: reg}
}

var _ SpecSource = (*RegistrySpecs)(nil)

// DesiredServices 展开当前快照为服务期望配置
func (r *RegistrySpecs) DesiredServices() []*ServiceSpec {
	var specs []*ServiceSpec
	for _, s := range r.reg.McpServers() {
		specs = append(specs, &ServiceSpec{
			Name:       s.Name,
			Kind:       model.ServiceKindMCP,
			BinaryPath: s.BinaryPath,
			Args:       s.Args,
			Env:        s.Env,
			Port:       s.Port,
			Schemas:    s.Schemas,
			Enabled:    s.Enabled,
		})
	}
	return specs
}
