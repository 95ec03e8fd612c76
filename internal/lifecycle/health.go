package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"agents-exec/internal/config"
	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/model"
	"agents-exec/internal/shared/storage/repository"
	"agents-exec/pkg/logging"
)

// SchemaValidator 按服务声明的 Schema 做数据库侧校验的钩子
//
// 校验错误视为致命：该服务的本轮协调中止，不启动也不重启。
type SchemaValidator interface {
	Validate(ctx context.Context, spec *ServiceSpec) error
}

// Prober 协议级健康探测
type Prober func(ctx context.Context, spec *ServiceSpec) error

// HealthLoop 健康/协调循环
//
// 三个触发源：守护进程启动、生命周期通知、周期定时器。
// 每轮协调把期望世界（注册表）与观测世界（进程表 + 数据库）对齐：
//  1. 清理 pid 已消失的 running 行
//  2. 删除已从配置移除的服务行
//  3. 启动未运行的启用服务（并发数有上限）
//  4. 探测 running 服务，连续失败达阈值则请求重启
//  5. 按服务声明逐个执行 Schema 校验，失败即中止该服务的协调
type HealthLoop struct {
	manager   *Manager
	store     *repository.Store
	specs     SpecSource
	runner    ProcessRunner
	cfg       config.LifecycleConfig
	validator SchemaValidator
	probe     Prober
	logger    *logging.Logger

	mu       sync.Mutex
	failures map[string]int
}

// HealthOption 协调循环选项
type HealthOption func(*HealthLoop)

// WithSchemaValidator 挂接 Schema 校验钩子
func WithSchemaValidator(v SchemaValidator) HealthOption {
	return func(h *HealthLoop) { h.validator = v }
}

// WithProber 替换默认探测实现（测试用）
func WithProber(p Prober) HealthOption {
	return func(h *HealthLoop) { h.probe = p }
}

// NewHealthLoop 创建协调循环
func NewHealthLoop(manager *Manager, store *repository.Store, specs SpecSource, runner ProcessRunner, cfg config.LifecycleConfig, opts ...HealthOption) *HealthLoop {
	h := &HealthLoop{
		manager:  manager,
		store:    store,
		specs:    specs,
		runner:   runner,
		cfg:      cfg,
		logger:   logging.Default("health"),
		failures: make(map[string]int),
	}
	h.probe = h.defaultProbe
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run 运行协调循环直至 ctx 取消
func (h *HealthLoop) Run(ctx context.Context) {
	// 启动即协调一轮
	h.ReconcileOnce(ctx)

	ticker := time.NewTicker(h.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ReconcileOnce(ctx)
		case n := <-h.manager.Notifications():
			if n.Kind == NotifyServiceStopped || n.Kind == NotifyServiceStarted {
				h.ReconcileOnce(ctx)
			}
		}
	}
}

// ReconcileOnce 执行一轮协调
func (h *HealthLoop) ReconcileOnce(ctx context.Context) {
	specs := h.specs.DesiredServices()
	configured := make(map[string]*ServiceSpec, len(specs))
	for _, s := range specs {
		configured[s.Name] = s
	}

	rows, err := h.store.ListServices(ctx, "")
	if err != nil {
		h.logger.WithError(err).Error("failed to list services")
		return
	}

	// 1. 清理 pid 已消失的 running 行
	for _, row := range rows {
		if row.Status != model.ServiceStatusRunning {
			continue
		}
		if row.PID == nil || !h.runner.Alive(*row.PID) {
			h.logger.WithService(row.Name).Warn("running row has stale pid, clearing")
			if err := h.store.UpdateServiceStatus(ctx, row.Name, model.ServiceStatusStopped, nil); err != nil {
				h.logger.WithService(row.Name).WithError(err).Error("failed to clear stale row")
			}
			row.Status = model.ServiceStatusStopped
		}
	}

	// 2. 删除已从配置移除的服务行
	for _, row := range rows {
		if _, ok := configured[row.Name]; !ok {
			h.logger.WithService(row.Name).Info("service removed from config, deleting row")
			if err := h.store.DeleteService(ctx, row.Name); err != nil {
				h.logger.WithService(row.Name).WithError(err).Error("failed to delete service row")
			}
		}
	}

	status := make(map[string]model.ServiceStatus, len(rows))
	for _, row := range rows {
		status[row.Name] = row.Status
	}

	// 3. 启动未运行的启用服务（并发上限）
	maxStarts := h.cfg.MaxConcurrentStarts
	if maxStarts <= 0 {
		maxStarts = 1
	}
	sem := make(chan struct{}, maxStarts)
	var wg sync.WaitGroup
	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}
		if status[spec.Name] == model.ServiceStatusDisabled {
			continue
		}
		if err := h.validateSchemas(ctx, spec); err != nil {
			// 致命：本服务的协调中止
			h.logger.WithService(spec.Name).WithError(err).Error("schema validation failed, aborting reconciliation for service")
			continue
		}
		if status[spec.Name] == model.ServiceStatusRunning {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(spec *ServiceSpec) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := h.manager.Start(ctx, spec.Name); err != nil {
				h.logger.WithService(spec.Name).WithError(err).Error("reconcile start failed")
			}
		}(spec)
	}
	wg.Wait()

	// 4. 探测 running 服务
	for _, spec := range specs {
		if !spec.Enabled || status[spec.Name] != model.ServiceStatusRunning {
			continue
		}
		h.probeService(ctx, spec)
	}
}

// validateSchemas 对声明了 Schema 的服务执行校验
func (h *HealthLoop) validateSchemas(ctx context.Context, spec *ServiceSpec) error {
	if h.validator == nil || len(spec.Schemas) == 0 {
		return nil
	}
	if err := h.validator.Validate(ctx, spec); err != nil {
		return apperr.Wrap(apperr.KindFatal, apperr.CodeSchemaValidation,
			fmt.Sprintf("schema validation failed for %s", spec.Name), err)
	}
	return nil
}

// probeService 探测单个服务，连续失败达阈值后请求重启
func (h *HealthLoop) probeService(ctx context.Context, spec *ServiceSpec) {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.HealthProbeTimeout)
	start := time.Now()
	err := h.probe(probeCtx, spec)
	cancel()
	h.logger.HealthProbeLog(spec.Name, string(model.ServiceStatusRunning), time.Since(start), err)

	h.mu.Lock()
	if err == nil {
		delete(h.failures, spec.Name)
		h.mu.Unlock()
		return
	}
	h.failures[spec.Name]++
	count := h.failures[spec.Name]
	threshold := h.cfg.HealthFailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	reached := count >= threshold
	if reached {
		delete(h.failures, spec.Name)
	}
	h.mu.Unlock()

	if !reached {
		return
	}
	h.logger.WithService(spec.Name).Error("health check failed repeatedly, requesting restart",
		"failures", count)
	h.manager.notify(NotifyHealthCheckFailed, spec.Name, "consecutive probe failures")
	if restartErr := h.manager.Restart(ctx, spec.Name, "health check failed"); restartErr != nil {
		h.logger.WithService(spec.Name).WithError(restartErr).Error("restart after health failure did not converge")
	}
}

// defaultProbe TCP 连接 + MCP 能力请求（tools/list）
func (h *HealthLoop) defaultProbe(ctx context.Context, spec *ServiceSpec) error {
	addr := fmt.Sprintf("127.0.0.1:%d", spec.Port)
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	_ = conn.Close()

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/mcp", addr), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("capability probe returned http %d", resp.StatusCode)
	}
	return nil
}
