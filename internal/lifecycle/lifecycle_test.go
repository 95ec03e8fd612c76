// Package lifecycle 生命周期管理器与协调循环测试
//
// 使用桩进程运行器模拟进程/端口世界，不触碰真实进程。
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agents-exec/internal/config"
	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/model"
	"agents-exec/internal/shared/storage/repository"
	sqlitedriver "agents-exec/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRunner 模拟进程与端口的桩运行器
type stubRunner struct {
	mu         sync.Mutex
	nextPID    int
	alive      map[int]bool
	ports      map[int]int // port → pid
	ignoreTerm bool        // 模拟不响应 TERM 的进程
	noBind     bool        // 模拟启动后不绑定端口的进程
	starts     []string
	killed     []int
	reclaimed  []int
}

func newStubRunner() *stubRunner {
	return &stubRunner{nextPID: 1000, alive: make(map[int]bool), ports: make(map[int]int)}
}

func (r *stubRunner) Start(ctx context.Context, spec *ServiceSpec) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPID++
	pid := r.nextPID
	r.alive[pid] = true
	if !r.noBind {
		r.ports[spec.Port] = pid
	}
	r.starts = append(r.starts, spec.Name)
	return pid, nil
}

func (r *stubRunner) Terminate(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ignoreTerm {
		return nil
	}
	r.reap(pid)
	return nil
}

func (r *stubRunner) Kill(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, pid)
	r.reap(pid)
	return nil
}

// reap 标记进程死亡并释放其端口（调用方持锁）
func (r *stubRunner) reap(pid int) {
	delete(r.alive, pid)
	for port, owner := range r.ports {
		if owner == pid {
			delete(r.ports, port)
		}
	}
}

func (r *stubRunner) Alive(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive[pid]
}

func (r *stubRunner) PortBound(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ports[port]
	return ok
}

func (r *stubRunner) KillByPort(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reclaimed = append(r.reclaimed, port)
	if pid, ok := r.ports[port]; ok {
		delete(r.ports, port)
		delete(r.alive, pid)
	}
	return nil
}

// markDead 模拟进程意外死亡
func (r *stubRunner) markDead(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reap(pid)
}

// fixedSpecs 固定的期望世界
type fixedSpecs struct{ specs []*ServiceSpec }

func (f *fixedSpecs) DesiredServices() []*ServiceSpec { return f.specs }

func testConfig() config.LifecycleConfig {
	return config.LifecycleConfig{
		ReconcileInterval:      50 * time.Millisecond,
		MaxConcurrentStarts:    2,
		GracefulWait:           10 * time.Millisecond,
		PortReleaseAttempts:    3,
		PortReleaseDelay:       5 * time.Millisecond,
		HealthProbeTimeout:     50 * time.Millisecond,
		HealthFailureThreshold: 3,
	}
}

func newLifecycleStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

func mcpSpec(name string, port int) *ServiceSpec {
	return &ServiceSpec{
		Name: name, Kind: model.ServiceKindMCP,
		BinaryPath: "/usr/local/bin/" + name, Port: port, Enabled: true,
	}
}

// ============================================================================
// Manager 测试
// ============================================================================

func TestManager_StartStop(t *testing.T) {
	store := newLifecycleStore(t)
	runner := newStubRunner()
	specs := &fixedSpecs{[]*ServiceSpec{mcpSpec("sales-mcp", 9301)}}
	m := NewManager(store, specs, runner, testConfig())
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "sales-mcp"))

	row, err := store.GetService(ctx, "sales-mcp")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusRunning, row.Status)
	require.NotNil(t, row.PID)
	assert.True(t, runner.Alive(*row.PID))
	assert.True(t, runner.PortBound(9301))

	require.NoError(t, m.Stop(ctx, "sales-mcp", false))
	row, err = store.GetService(ctx, "sales-mcp")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusStopped, row.Status)
	assert.Nil(t, row.PID)
	assert.False(t, runner.PortBound(9301))
}

func TestManager_StartIdempotent(t *testing.T) {
	store := newLifecycleStore(t)
	runner := newStubRunner()
	specs := &fixedSpecs{[]*ServiceSpec{mcpSpec("sales-mcp", 9301)}}
	m := NewManager(store, specs, runner, testConfig())
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "sales-mcp"))
	require.NoError(t, m.Start(ctx, "sales-mcp"))
	assert.Len(t, runner.starts, 1)
}

func TestManager_PortReclamation(t *testing.T) {
	store := newLifecycleStore(t)
	runner := newStubRunner()
	// 未知进程占着目标端口
	runner.ports[9301] = 1
	runner.alive[1] = true

	specs := &fixedSpecs{[]*ServiceSpec{mcpSpec("sales-mcp", 9301)}}
	m := NewManager(store, specs, runner, testConfig())

	require.NoError(t, m.Start(context.Background(), "sales-mcp"))
	assert.Contains(t, runner.reclaimed, 9301)

	row, err := store.GetService(context.Background(), "sales-mcp")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusRunning, row.Status)
}

func TestManager_StartupTimeout(t *testing.T) {
	store := newLifecycleStore(t)
	runner := newStubRunner()
	runner.noBind = true
	specs := &fixedSpecs{[]*ServiceSpec{mcpSpec("sales-mcp", 9301)}}
	m := NewManager(store, specs, runner, testConfig())

	err := m.Start(context.Background(), "sales-mcp")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeStartupTimeout, apperr.CodeOf(err))

	row, getErr := store.GetService(context.Background(), "sales-mcp")
	require.NoError(t, getErr)
	assert.Equal(t, model.ServiceStatusCrashed, row.Status)
	// 绑定失败的进程被强制回收
	assert.NotEmpty(t, runner.killed)
}

func TestManager_StubbornProcessKilled(t *testing.T) {
	store := newLifecycleStore(t)
	runner := newStubRunner()
	runner.ignoreTerm = true
	specs := &fixedSpecs{[]*ServiceSpec{mcpSpec("sales-mcp", 9301)}}
	m := NewManager(store, specs, runner, testConfig())
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "sales-mcp"))
	row, _ := store.GetService(ctx, "sales-mcp")
	pid := *row.PID

	require.NoError(t, m.Stop(ctx, "sales-mcp", false))
	assert.Contains(t, runner.killed, pid)
	assert.False(t, runner.Alive(pid))
}

func TestManager_DisabledRejected(t *testing.T) {
	store := newLifecycleStore(t)
	spec := mcpSpec("sales-mcp", 9301)
	spec.Enabled = false
	m := NewManager(store, &fixedSpecs{[]*ServiceSpec{spec}}, newStubRunner(), testConfig())

	err := m.Start(context.Background(), "sales-mcp")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConfigMismatch, apperr.CodeOf(err))
}

func TestManager_Restart(t *testing.T) {
	store := newLifecycleStore(t)
	runner := newStubRunner()
	specs := &fixedSpecs{[]*ServiceSpec{mcpSpec("sales-mcp", 9301)}}
	m := NewManager(store, specs, runner, testConfig())
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "sales-mcp"))
	firstPID := func() int {
		row, _ := store.GetService(ctx, "sales-mcp")
		return *row.PID
	}()

	require.NoError(t, m.Restart(ctx, "sales-mcp", "测试"))
	row, err := store.GetService(ctx, "sales-mcp")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusRunning, row.Status)
	assert.NotEqual(t, firstPID, *row.PID)
	assert.Len(t, runner.starts, 2)
}

// ============================================================================
// HealthLoop 测试
// ============================================================================

func TestHealth_StaleRowCleanupAndRestart(t *testing.T) {
	store := newLifecycleStore(t)
	runner := newStubRunner()
	specs := &fixedSpecs{[]*ServiceSpec{mcpSpec("sales-mcp", 9301)}}
	m := NewManager(store, specs, runner, testConfig())
	h := NewHealthLoop(m, store, specs, runner, testConfig(),
		WithProber(func(ctx context.Context, spec *ServiceSpec) error { return nil }))
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "sales-mcp"))
	row, _ := store.GetService(ctx, "sales-mcp")
	runner.markDead(*row.PID)

	h.ReconcileOnce(ctx)

	// 失效行被清理，随后服务被重新拉起
	row, err := store.GetService(ctx, "sales-mcp")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusRunning, row.Status)
	assert.Len(t, runner.starts, 2)
}

func TestHealth_RemovedServiceRowDeleted(t *testing.T) {
	store := newLifecycleStore(t)
	runner := newStubRunner()
	specs := &fixedSpecs{[]*ServiceSpec{}}
	m := NewManager(store, specs, runner, testConfig())
	h := NewHealthLoop(m, store, specs, runner, testConfig())
	ctx := context.Background()

	require.NoError(t, store.UpsertService(ctx, &model.Service{
		Name: "ghost-mcp", Kind: model.ServiceKindMCP, Port: 9399,
		Status: model.ServiceStatusStopped,
	}))

	h.ReconcileOnce(ctx)

	_, err := store.GetService(ctx, "ghost-mcp")
	assert.Error(t, err)
}

func TestHealth_StartsEnabledServices(t *testing.T) {
	store := newLifecycleStore(t)
	runner := newStubRunner()
	disabled := mcpSpec("off-mcp", 9304)
	disabled.Enabled = false
	specs := &fixedSpecs{[]*ServiceSpec{
		mcpSpec("a-mcp", 9301),
		mcpSpec("b-mcp", 9302),
		mcpSpec("c-mcp", 9303),
		disabled,
	}}
	m := NewManager(store, specs, runner, testConfig())
	h := NewHealthLoop(m, store, specs, runner, testConfig())

	h.ReconcileOnce(context.Background())

	assert.ElementsMatch(t, []string{"a-mcp", "b-mcp", "c-mcp"}, runner.starts)
	for _, name := range []string{"a-mcp", "b-mcp", "c-mcp"} {
		row, err := store.GetService(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, model.ServiceStatusRunning, row.Status)
	}
}

func TestHealth_ProbeFailureThresholdRestarts(t *testing.T) {
	store := newLifecycleStore(t)
	runner := newStubRunner()
	specs := &fixedSpecs{[]*ServiceSpec{mcpSpec("sales-mcp", 9301)}}
	m := NewManager(store, specs, runner, testConfig())

	probeErr := errors.New("connection refused")
	h := NewHealthLoop(m, store, specs, runner, testConfig(),
		WithProber(func(ctx context.Context, spec *ServiceSpec) error { return probeErr }))
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "sales-mcp"))

	// 阈值为 3：前两轮只计数，第三轮触发重启
	h.ReconcileOnce(ctx)
	h.ReconcileOnce(ctx)
	assert.Len(t, runner.starts, 1)
	h.ReconcileOnce(ctx)
	assert.Len(t, runner.starts, 2)

	row, err := store.GetService(ctx, "sales-mcp")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStatusRunning, row.Status)
}

func TestHealth_ProbeSuccessResetsCounter(t *testing.T) {
	store := newLifecycleStore(t)
	runner := newStubRunner()
	specs := &fixedSpecs{[]*ServiceSpec{mcpSpec("sales-mcp", 9301)}}
	m := NewManager(store, specs, runner, testConfig())

	var calls int
	h := NewHealthLoop(m, store, specs, runner, testConfig(),
		WithProber(func(ctx context.Context, spec *ServiceSpec) error {
			calls++
			if calls == 3 {
				return nil // 第三次成功，计数归零
			}
			return errors.New("timeout")
		}))
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "sales-mcp"))
	for i := 0; i < 4; i++ {
		h.ReconcileOnce(ctx)
	}
	// 从未连续失败 3 次，不应重启
	assert.Len(t, runner.starts, 1)
}

// failingValidator 对指定服务报错的 Schema 校验器
type failingValidator struct{ bad string }

func (v *failingValidator) Validate(ctx context.Context, spec *ServiceSpec) error {
	if spec.Name == v.bad {
		return errors.New("schema sales missing table fact_orders")
	}
	return nil
}

func TestHealth_SchemaValidationAbortsService(t *testing.T) {
	store := newLifecycleStore(t)
	runner := newStubRunner()
	bad := mcpSpec("bad-mcp", 9301)
	bad.Schemas = []string{"sales"}
	good := mcpSpec("good-mcp", 9302)
	good.Schemas = []string{"ops"}
	specs := &fixedSpecs{[]*ServiceSpec{bad, good}}

	m := NewManager(store, specs, runner, testConfig())
	h := NewHealthLoop(m, store, specs, runner, testConfig(),
		WithSchemaValidator(&failingValidator{bad: "bad-mcp"}))

	h.ReconcileOnce(context.Background())

	// 校验失败的服务被中止，其余服务正常协调
	assert.Equal(t, []string{"good-mcp"}, runner.starts)
}

func TestManager_Notifications(t *testing.T) {
	store := newLifecycleStore(t)
	runner := newStubRunner()
	specs := &fixedSpecs{[]*ServiceSpec{mcpSpec("sales-mcp", 9301)}}
	m := NewManager(store, specs, runner, testConfig())
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "sales-mcp"))
	require.NoError(t, m.Stop(ctx, "sales-mcp", false))

	var kinds []NotificationKind
	for {
		select {
		case n := <-m.Notifications():
			kinds = append(kinds, n.Kind)
			continue
		default:
		}
		break
	}
	assert.Equal(t, []NotificationKind{NotifyServiceStarted, NotifyServiceStopped}, kinds)
}
