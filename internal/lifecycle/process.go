// Package lifecycle MCP 与 Agent 进程的生命周期管理
//
// 管理器对 services 表单写多读，强制执行进程状态机：
//
//	disabled → starting → running|crashed → stopping → stopped
//
// process.go 定义进程运行器抽象与基于 os/exec 的默认实现；
// 测试用桩实现替换，不触碰真实进程。
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"agents-exec/internal/shared/model"
)

// ServiceSpec 一个受管进程的期望配置（来自注册表）
type ServiceSpec struct {
	// Name 服务名称（services 表主键）
	Name string

	// Kind 服务类别（mcp/agent）
	Kind model.ServiceKind

	// BinaryPath 可执行文件路径
	BinaryPath string

	// Args 启动参数
	Args []string

	// Env 附加环境变量
	Env map[string]string

	// Port 监听端口
	Port int

	// Schemas 声明的数据库 Schema（协调循环逐个校验）
	Schemas []string

	// Enabled 是否期望运行
	Enabled bool
}

// ProcessRunner 进程运行器抽象
type ProcessRunner interface {
	// Start 启动进程，返回 pid
	Start(ctx context.Context, spec *ServiceSpec) (int, error)

	// Terminate 发送优雅终止信号（TERM 等价）
	Terminate(pid int) error

	// Kill 强制终止
	Kill(pid int) error

	// Alive 进程是否存活
	Alive(pid int) bool

	// PortBound 端口是否被占用
	PortBound(port int) bool

	// KillByPort 终止占用端口的进程（端口回收）
	KillByPort(port int) error
}

// ============================================================================
// OSRunner - 默认实现
// ============================================================================

// OSRunner 基于 os/exec 的进程运行器
type OSRunner struct{}

var _ ProcessRunner = (*OSRunner)(nil)

// Start 启动进程并放入独立进程组，便于整组终止
func (OSRunner) Start(ctx context.Context, spec *ServiceSpec) (int, error) {
	cmd := exec.Command(spec.BinaryPath, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, fmt.Sprintf("PORT=%d", spec.Port))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	// 回收僵尸进程
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

func (OSRunner) Terminate(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func (OSRunner) Kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// Alive 用信号 0 探测进程存在性
func (OSRunner) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func (OSRunner) PortBound(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// KillByPort 终止占用端口的未知进程
func (OSRunner) KillByPort(port int) error {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		// lsof 无输出时退出码非零，视为端口无人占用
		return nil
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, convErr := strconv.Atoi(strings.TrimSpace(line))
		if convErr != nil || pid <= 0 {
			continue
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}
