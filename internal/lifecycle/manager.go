package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agents-exec/internal/config"
	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/model"
	"agents-exec/internal/shared/storage/repository"
	"agents-exec/pkg/logging"
)

// NotificationKind 生命周期通知类型
type NotificationKind string

const (
	// NotifyServiceStarted 服务已启动
	NotifyServiceStarted NotificationKind = "service_started"

	// NotifyServiceStopped 服务已停止
	NotifyServiceStopped NotificationKind = "service_stopped"

	// NotifyHealthCheckFailed 连续健康探测失败达到阈值
	NotifyHealthCheckFailed NotificationKind = "health_check_failed"

	// NotifyServiceRestartRequested 请求重启
	NotifyServiceRestartRequested NotificationKind = "service_restart_requested"
)

// Notification 生命周期通知（协调循环的触发源之一）
type Notification struct {
	Kind    NotificationKind
	Service string
	Reason  string
}

// SpecSource 期望世界的来源（注册表适配）
type SpecSource interface {
	// DesiredServices 全部受管服务的期望配置
	DesiredServices() []*ServiceSpec
}

// Manager 进程生命周期管理器
//
// services 表的唯一写入者。每个服务的操作串行化（按名加锁），
// 不同服务的操作可并发。每个操作只在观测状态（端口绑定 + pid +
// 数据库行）与期望一致、或尝试预算耗尽后返回。
type Manager struct {
	store  *repository.Store
	specs  SpecSource
	runner ProcessRunner
	cfg    config.LifecycleConfig
	logger *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	notifyCh chan Notification
}

// NewManager 创建生命周期管理器
func NewManager(store *repository.Store, specs SpecSource, runner ProcessRunner, cfg config.LifecycleConfig) *Manager {
	return &Manager{
		store:    store,
		specs:    specs,
		runner:   runner,
		cfg:      cfg,
		logger:   logging.Default("lifecycle"),
		locks:    make(map[string]*sync.Mutex),
		notifyCh: make(chan Notification, 64),
	}
}

// Notifications 生命周期通知通道（协调循环订阅）
func (m *Manager) Notifications() <-chan Notification {
	return m.notifyCh
}

// notify 非阻塞投递通知
func (m *Manager) notify(kind NotificationKind, service, reason string) {
	select {
	case m.notifyCh <- Notification{Kind: kind, Service: service, Reason: reason}:
	default:
	}
}

// serviceLock 按服务名的互斥锁
func (m *Manager) serviceLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// spec 查找期望配置
func (m *Manager) spec(name string) *ServiceSpec {
	for _, s := range m.specs.DesiredServices() {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ============================================================================
// 公开操作
// ============================================================================

// Start 启动服务
//
// 流程：端口回收 → 启动进程 → 等待端口绑定 → 写入 running 行。
// 已在运行且 pid 存活时为幂等空操作。
func (m *Manager) Start(ctx context.Context, name string) error {
	spec := m.spec(name)
	if spec == nil {
		return apperr.New(apperr.KindClient, apperr.CodeNotFound,
			fmt.Sprintf("service %q is not configured", name))
	}
	if !spec.Enabled {
		return apperr.New(apperr.KindLifecycle, apperr.CodeConfigMismatch,
			fmt.Sprintf("service %q is disabled", name))
	}

	lock := m.serviceLock(name)
	lock.Lock()
	defer lock.Unlock()
	log := m.logger.WithService(name)

	if row, err := m.store.GetService(ctx, name); err == nil &&
		row.Status == model.ServiceStatusRunning &&
		row.PID != nil && m.runner.Alive(*row.PID) && m.runner.PortBound(spec.Port) {
		return nil
	}

	if err := m.store.UpsertService(ctx, &model.Service{
		Name: name, Kind: spec.Kind, Port: spec.Port, Status: model.ServiceStatusStarting,
	}); err != nil {
		return err
	}

	// 端口回收：目标端口被未知进程占用时先清场
	if m.runner.PortBound(spec.Port) {
		log.Warn("port bound by unknown process, reclaiming", "port", spec.Port)
		if err := m.runner.KillByPort(spec.Port); err != nil {
			return apperr.Wrap(apperr.KindLifecycle, apperr.CodePortInUse,
				fmt.Sprintf("cannot reclaim port %d", spec.Port), err)
		}
		if !m.waitPort(ctx, spec.Port, false) {
			_ = m.store.UpdateServiceStatus(ctx, name, model.ServiceStatusCrashed, nil)
			return apperr.New(apperr.KindLifecycle, apperr.CodePortInUse,
				fmt.Sprintf("port %d not released after reclaim", spec.Port))
		}
	}

	pid, err := m.runner.Start(ctx, spec)
	if err != nil {
		_ = m.store.UpdateServiceStatus(ctx, name, model.ServiceStatusCrashed, nil)
		return apperr.Wrap(apperr.KindLifecycle, apperr.CodeInternal,
			fmt.Sprintf("failed to launch %s", name), err)
	}

	if !m.waitPort(ctx, spec.Port, true) {
		_ = m.runner.Kill(pid)
		_ = m.store.UpdateServiceStatus(ctx, name, model.ServiceStatusCrashed, nil)
		return apperr.New(apperr.KindLifecycle, apperr.CodeStartupTimeout,
			fmt.Sprintf("%s did not bind port %d in time", name, spec.Port))
	}

	if err := m.store.UpdateServiceStatus(ctx, name, model.ServiceStatusRunning, &pid); err != nil {
		return err
	}
	log.Info("service started", "pid", pid, "port", spec.Port)
	m.notify(NotifyServiceStarted, name, "")
	return nil
}

// Stop 停止服务
//
// 优雅路径：TERM → 等待 → 仍存活则 KILL → 等待端口释放 → 清空 pid。
// force 为真时跳过 TERM 直接 KILL。
func (m *Manager) Stop(ctx context.Context, name string, force bool) error {
	lock := m.serviceLock(name)
	lock.Lock()
	defer lock.Unlock()
	return m.stopLocked(ctx, name, force)
}

func (m *Manager) stopLocked(ctx context.Context, name string, force bool) error {
	log := m.logger.WithService(name)

	row, err := m.store.GetService(ctx, name)
	if err != nil {
		return err
	}
	if row.PID == nil {
		return m.store.UpdateServiceStatus(ctx, name, model.ServiceStatusStopped, nil)
	}
	pid := *row.PID

	if err := m.store.UpdateServiceStatus(ctx, name, model.ServiceStatusStopping, &pid); err != nil {
		return err
	}

	if m.runner.Alive(pid) {
		if !force {
			_ = m.runner.Terminate(pid)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.GracefulWait):
			}
		}
		if m.runner.Alive(pid) {
			log.Warn("process still alive after graceful wait, killing", "pid", pid)
			_ = m.runner.Kill(pid)
		}
	}

	if !m.waitPort(ctx, row.Port, false) {
		log.Warn("port not released after stop", "port", row.Port)
	}

	if err := m.store.UpdateServiceStatus(ctx, name, model.ServiceStatusStopped, nil); err != nil {
		return err
	}
	log.Info("service stopped", "pid", pid)
	m.notify(NotifyServiceStopped, name, "")
	return nil
}

// Restart 重启服务（reason 记入日志与通知）
func (m *Manager) Restart(ctx context.Context, name, reason string) error {
	m.logger.WithService(name).Info("restarting service", "reason", reason)
	m.notify(NotifyServiceRestartRequested, name, reason)
	if err := m.Stop(ctx, name, false); err != nil {
		return err
	}
	return m.Start(ctx, name)
}

// Disable 停止服务并置为 disabled
func (m *Manager) Disable(ctx context.Context, name string) error {
	if err := m.Stop(ctx, name, false); err != nil {
		return err
	}
	return m.store.UpdateServiceStatus(ctx, name, model.ServiceStatusDisabled, nil)
}

// Enable 把 disabled 的服务启动起来
func (m *Manager) Enable(ctx context.Context, name string) error {
	return m.Start(ctx, name)
}

// waitPort 有界等待端口达到期望的绑定状态
func (m *Manager) waitPort(ctx context.Context, port int, wantBound bool) bool {
	attempts := m.cfg.PortReleaseAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if m.runner.PortBound(port) == wantBound {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.cfg.PortReleaseDelay):
		}
	}
	return m.runner.PortBound(port) == wantBound
}
