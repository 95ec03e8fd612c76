// Package server HTTP 接入层测试
//
// 启动 httptest 服务端到端覆盖：鉴权、上下文 CRUD、任务提交与
// 流式订阅、取消、用户事件广播。提供商全部用脚本化 Mock。
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-exec/internal/config"
	"agents-exec/internal/dispatcher"
	"agents-exec/internal/engine"
	"agents-exec/internal/provider"
	"agents-exec/internal/registry"
	"agents-exec/internal/shared/eventbus"
	"agents-exec/internal/shared/model"
	sqlitedriver "agents-exec/internal/shared/storage/driver/sqlite"
	"agents-exec/internal/shared/storage/repository"
)

const testSecret = "unit-test-secret"

const testAgents = `
default_agent: echo
agents:
  - name: echo
    enabled: true
    provider: mock
    model: mock-1
    port: 9501
    system_instructions: 回显助手
  - name: dormant
    enabled: false
    provider: mock
`

const testServers = `
mcp_servers: []
`

// testEnv 一套完整的进程内服务栈
type testEnv struct {
	server      *httptest.Server
	store       *repository.Store
	broadcaster eventbus.Broadcaster
	mock        *provider.MockProvider
	token       string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	ap := filepath.Join(dir, "agents.yaml")
	sp := filepath.Join(dir, "mcp_servers.yaml")
	require.NoError(t, os.WriteFile(ap, []byte(testAgents), 0o644))
	require.NoError(t, os.WriteFile(sp, []byte(testServers), 0o644))
	reg, err := registry.New(ap, sp)
	require.NoError(t, err)

	mock := &provider.MockProvider{Chunks: [][]*provider.Chunk{provider.TextStream("你好，", "世界")}}
	providers := provider.NewRegistry()
	providers.Register(mock)

	broadcaster := eventbus.NewUserBroadcaster()
	replay := eventbus.NewMockReplayBus()
	disp := dispatcher.New(reg)
	eng := engine.New(store, disp,
		engine.WithBroadcaster(broadcaster), engine.WithReplayBus(replay))

	cfg := &config.Config{Env: config.EnvTest, JWTSecret: testSecret}
	srv := New(cfg, store, eng, providers, reg, disp, broadcaster)
	srv.SetReplayBus(replay)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	token, err := IssueToken(testSecret, "user-1", "u1@example.com", "user")
	require.NoError(t, err)

	return &testEnv{server: ts, store: store, broadcaster: broadcaster, mock: mock, token: token}
}

// do 发送带鉴权的 JSON 请求
func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// createContext 建一个上下文并返回其 ID
func (e *testEnv) createContext(t *testing.T, name string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/contexts", map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	c := decodeBody[model.Context](t, resp)
	return c.ID
}

// waitTaskState 轮询任务直到到达期望状态
func (e *testEnv) waitTaskState(t *testing.T, taskID string, want model.TaskState) *model.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := e.store.GetTask(context.Background(), taskID, "user-1")
		require.NoError(t, err)
		if task.State == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached state %s", taskID, want)
	return nil
}

func TestAuth_Rejections(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/v1/contexts")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/contexts", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err = env.server.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// 伪造密钥签发的令牌必须被拒
	forged, err := IssueToken("wrong-secret", "user-1", "", "")
	require.NoError(t, err)
	req, _ = http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/contexts", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	resp, err = env.server.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestContexts_CRUD(t *testing.T) {
	env := newTestEnv(t)

	id := env.createContext(t, "调研")

	resp := env.do(t, http.MethodGet, "/api/v1/contexts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeBody[map[string][]*model.Context](t, resp)
	require.Len(t, listed["contexts"], 1)
	assert.Equal(t, "调研", listed["contexts"][0].Name)

	resp = env.do(t, http.MethodPatch, "/api/v1/contexts/"+id, map[string]string{"name": "市场调研"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/v1/contexts/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[model.Context](t, resp)
	assert.Equal(t, "市场调研", got.Name)

	resp = env.do(t, http.MethodDelete, "/api/v1/contexts/"+id, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/v1/contexts/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestContexts_RenameRequiresName(t *testing.T) {
	env := newTestEnv(t)
	id := env.createContext(t, "临时")

	resp := env.do(t, http.MethodPatch, "/api/v1/contexts/"+id, map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSubmitTask_CompletesAndPersists(t *testing.T) {
	env := newTestEnv(t)
	ctxID := env.createContext(t, "对话")

	resp := env.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]string{"context_id": ctxID, "text": "你好"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decodeBody[model.Task](t, resp)
	assert.Equal(t, "echo", submitted.AgentName)

	env.waitTaskState(t, submitted.ID, model.TaskStateCompleted)

	resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+submitted.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeBody[struct {
		Task  *model.Task   `json:"task"`
		Steps []*model.ExecutionStep `json:"steps"`
	}](t, resp)

	require.Len(t, detail.Task.History, 2)
	assert.Equal(t, model.RoleUser, detail.Task.History[0].Role)
	assert.Equal(t, model.RoleAssistant, detail.Task.History[1].Role)
	assert.Equal(t, "你好，世界", detail.Task.History[1].TextContent())
	assert.NotEmpty(t, detail.Steps)

	resp = env.do(t, http.MethodGet, "/api/v1/contexts/"+ctxID+"/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tasks := decodeBody[map[string][]*model.Task](t, resp)
	require.Len(t, tasks["tasks"], 1)
}

func TestSubmitTask_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctxID := env.createContext(t, "对话")

	resp := env.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"text": "你好"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"context_id": ctxID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]string{"context_id": ctxID, "text": "hi", "agent_name": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]string{"context_id": ctxID, "text": "hi", "agent_name": "dormant"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestTaskStream_TerminalSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctxID := env.createContext(t, "对话")

	resp := env.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]string{"context_id": ctxID, "text": "你好"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decodeBody[model.Task](t, resp)
	env.waitTaskState(t, submitted.ID, model.TaskStateCompleted)

	resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+submitted.ID+"/stream", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: "+string(model.EventTaskStatusUpdate))
	assert.Contains(t, string(body), string(model.TaskStateCompleted))
}

// blockingProvider 挂起直到上下文取消，用于取消路径测试
type blockingProvider struct{}

func (blockingProvider) Name() string { return "mock" }

func (blockingProvider) GenerateStream(ctx context.Context, req *provider.Request, handler provider.StreamHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingProvider) GeneratePlan(ctx context.Context, req *provider.Request) (*provider.Plan, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// newBlockingEnv 换上阻塞提供商的独立服务栈，用于取消/打断路径测试
func newBlockingEnv(t *testing.T) *testEnv {
	t.Helper()

	providers := provider.NewRegistry()
	providers.Register(blockingProvider{})

	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	ap := filepath.Join(dir, "agents.yaml")
	sp := filepath.Join(dir, "mcp_servers.yaml")
	require.NoError(t, os.WriteFile(ap, []byte(testAgents), 0o644))
	require.NoError(t, os.WriteFile(sp, []byte(testServers), 0o644))
	reg, err := registry.New(ap, sp)
	require.NoError(t, err)

	disp := dispatcher.New(reg)
	eng := engine.New(store, disp)
	cfg := &config.Config{Env: config.EnvTest, JWTSecret: testSecret}
	ts := httptest.NewServer(New(cfg, store, eng, providers, reg, disp, nil).Handler())
	t.Cleanup(ts.Close)

	token, err := IssueToken(testSecret, "user-1", "u1@example.com", "user")
	require.NoError(t, err)
	return &testEnv{server: ts, store: store, token: token}
}

func TestCancelTask(t *testing.T) {
	blockedEnv := newBlockingEnv(t)

	ctxID := blockedEnv.createContext(t, "对话")
	resp := blockedEnv.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]string{"context_id": ctxID, "text": "挂起"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decodeBody[model.Task](t, resp)
	blockedEnv.waitTaskState(t, submitted.ID, model.TaskStateWorking)

	resp = blockedEnv.do(t, http.MethodPost, "/api/v1/tasks/"+submitted.ID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	blockedEnv.waitTaskState(t, submitted.ID, model.TaskStateCanceled)

	// 已终止的任务再取消返回冲突
	resp = blockedEnv.do(t, http.MethodPost, "/api/v1/tasks/"+submitted.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

// TestDeleteContext_ForeignUserCannotInterrupt 跨用户删除先被归属校验拦下
//
// 归属校验必须先于取消执行，否则任何用户都能借删除接口打断他人任务。
func TestDeleteContext_ForeignUserCannotInterrupt(t *testing.T) {
	env := newBlockingEnv(t)

	ctxID := env.createContext(t, "对话")
	resp := env.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]string{"context_id": ctxID, "text": "挂起"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decodeBody[model.Task](t, resp)
	env.waitTaskState(t, submitted.ID, model.TaskStateWorking)

	otherToken, err := IssueToken(testSecret, "user-2", "", "")
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/api/v1/contexts/"+ctxID, nil)
	req.Header.Set("Authorization", "Bearer "+otherToken)
	resp, err = env.server.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// 属主的任务没有被打断
	time.Sleep(50 * time.Millisecond)
	task, err := env.store.GetTask(context.Background(), submitted.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateWorking, task.State)

	// 属主删除仍然取消并级联清理
	resp = env.do(t, http.MethodDelete, "/api/v1/contexts/"+ctxID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

// TestResumeTask_InputRequired 携带 task_id 的提交恢复挂起任务
func TestResumeTask_InputRequired(t *testing.T) {
	env := newTestEnv(t)
	ctxID := env.createContext(t, "对话")

	// 直接落一个挂起在 input-required 的任务
	task := &model.Task{
		ID:        uuid.NewString(),
		ContextID: ctxID,
		UserID:    "user-1",
		AgentName: "echo",
		History:   []*model.Message{model.NewUserMessage(uuid.NewString(), model.TextPart("帮我订机票"))},
	}
	require.NoError(t, env.store.SubmitTask(context.Background(), task))
	require.NoError(t, env.store.UpdateTaskState(context.Background(), task.ID, model.TaskStateWorking))
	require.NoError(t, env.store.UpdateTaskState(context.Background(), task.ID, model.TaskStateInputRequired))

	resp := env.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]string{"task_id": task.ID, "text": "明天上午出发"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resumed := decodeBody[model.Task](t, resp)
	assert.Equal(t, task.ID, resumed.ID)
	assert.Equal(t, model.TaskStateWorking, resumed.State)

	env.waitTaskState(t, task.ID, model.TaskStateCompleted)

	got, err := env.store.GetTask(context.Background(), task.ID, "user-1")
	require.NoError(t, err)
	require.Len(t, got.History, 3)
	assert.Equal(t, model.RoleUser, got.History[1].Role)
	assert.Equal(t, "明天上午出发", got.History[1].TextContent())
	assert.Equal(t, model.RoleAssistant, got.History[2].Role)
	assert.Equal(t, "你好，世界", got.History[2].TextContent())

	// 恢复轮带上了任务的全部历史
	lastReq := env.mock.LastRequest()
	require.NotNil(t, lastReq)
	require.Len(t, lastReq.Messages, 2)
	assert.Equal(t, "帮我订机票", lastReq.Messages[0].Content)
	assert.Equal(t, "明天上午出发", lastReq.Messages[1].Content)

	// 非挂起态不可恢复
	resp = env.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]string{"task_id": task.ID, "text": "再来一次"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// 他人不能恢复别人的任务
	otherToken, err := IssueToken(testSecret, "user-2", "", "")
	require.NoError(t, err)
	body, _ := json.Marshal(map[string]string{"task_id": task.ID, "text": "劫持"})
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+otherToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err = env.server.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestListAgents_OnlyEnabled(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agents := decodeBody[map[string][]*model.AgentRuntime](t, resp)
	require.Len(t, agents["agents"], 1)
	assert.Equal(t, "echo", agents["agents"][0].Name)
}

func TestUserEvents_SSE(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet,
		env.server.URL+"/api/v1/events?channels=context&token="+env.token, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := env.server.Client().Do(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// 订阅建立后再触发事件
	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	require.Eventually(t, func() bool {
		return env.broadcaster.SubscriberCount("user-1") > 0
	}, 2*time.Second, 10*time.Millisecond)

	env.createContext(t, "广播")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, open := <-lines:
			require.True(t, open, "stream closed before event arrived")
			if strings.HasPrefix(line, "event: ") {
				assert.Equal(t, fmt.Sprintf("event: %s", eventbus.EventContextCreated), line)
				return
			}
		case <-deadline:
			t.Fatal("context_created event never arrived")
		}
	}
}

func TestTaskEvents_Replay(t *testing.T) {
	env := newTestEnv(t)
	ctxID := env.createContext(t, "对话")

	resp := env.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]string{"context_id": ctxID, "text": "你好"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decodeBody[model.Task](t, resp)
	env.waitTaskState(t, submitted.ID, model.TaskStateCompleted)

	resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+submitted.ID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	replayed := decodeBody[map[string][]*eventbus.Event](t, resp)
	events := replayed["events"]
	require.NotEmpty(t, events)

	var types []string
	for _, ev := range events {
		assert.Equal(t, submitted.ID, ev.TaskID)
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, string(model.EventTaskStatusUpdate))
	assert.Contains(t, types, string(model.EventAgentMessage))
}

func TestMe(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decodeBody[model.User](t, resp)
	assert.Equal(t, "user-1", me.ID)
	assert.Equal(t, "u1@example.com", me.Email)
	assert.Equal(t, model.UserRoleUser, me.Role)
}

func TestAdmin_RegistryReload(t *testing.T) {
	env := newTestEnv(t)

	// 普通成员被拒
	resp := env.do(t, http.MethodPost, "/api/v1/admin/registry/reload", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	adminToken, err := IssueToken(testSecret, "admin-1", "ops@example.com", string(model.UserRoleAdmin))
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/admin/registry/reload", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err = env.server.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := decodeBody[map[string]int](t, resp)
	assert.Equal(t, 1, counts["agents"])
}

func TestOtherUserCannotSeeTask(t *testing.T) {
	env := newTestEnv(t)
	ctxID := env.createContext(t, "私密")

	resp := env.do(t, http.MethodPost, "/api/v1/tasks",
		map[string]string{"context_id": ctxID, "text": "你好"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decodeBody[model.Task](t, resp)
	env.waitTaskState(t, submitted.ID, model.TaskStateCompleted)

	otherToken, err := IssueToken(testSecret, "user-2", "", "")
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/tasks/"+submitted.ID, nil)
	req.Header.Set("Authorization", "Bearer "+otherToken)
	resp, err = env.server.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}
