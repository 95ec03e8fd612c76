// Package engine 策略引擎测试
//
// 使用 SQLite 内存库 + 脚本化提供商 + 假调度器覆盖端到端场景：
// 标准对话、规划工具调用、工具失败恢复、取消、授权缺失、限流重试。
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"agents-exec/internal/provider"
	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/eventbus"
	"agents-exec/internal/shared/model"
	"agents-exec/internal/shared/storage/repository"
	sqlitedriver "agents-exec/internal/shared/storage/driver/sqlite"
	"agents-exec/internal/stream"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher 脚本化的工具调度器
type fakeDispatcher struct {
	tools   []model.MCPTool
	results map[string]*model.ToolResult
	errs    map[string]error
	calls   []model.ToolCall
}

func (f *fakeDispatcher) ListAvailableTools(ctx context.Context, agentName string, reqCtx *model.RequestContext) ([]model.MCPTool, error) {
	return f.tools, nil
}

func (f *fakeDispatcher) ExecuteTool(ctx context.Context, call *model.ToolCall, tools []model.MCPTool, reqCtx *model.RequestContext, overrides map[string]model.ModelOverride) (*model.ToolResult, error) {
	f.calls = append(f.calls, *call)
	if err, ok := f.errs[call.Name]; ok {
		return nil, err
	}
	if r, ok := f.results[call.Name]; ok {
		out := *r
		out.ToolCallID = call.ID
		return &out, nil
	}
	return &model.ToolResult{ToolCallID: call.ID, Name: call.Name,
		Content: []model.ContentPart{{Type: "text", Text: "ok"}}}, nil
}

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// submitTask 创建上下文并提交带一条用户消息的任务
func submitTask(t *testing.T, store *repository.Store, userID, text string) *model.Task {
	t.Helper()
	ctxID := uuid.NewString()
	require.NoError(t, store.CreateContext(context.Background(), &model.Context{
		ID: ctxID, UserID: userID, Name: "测试上下文",
	}))
	task := &model.Task{
		ID:        uuid.NewString(),
		ContextID: ctxID,
		UserID:    userID,
		AgentName: "echo",
		History:   []*model.Message{model.NewUserMessage(uuid.NewString(), model.TextPart(text))},
	}
	require.NoError(t, store.SubmitTask(context.Background(), task))
	return task
}

// runTask 组装 ExecutionContext 并执行，返回流上收到的全部事件
func runTask(t *testing.T, e *Engine, p provider.Provider, agent *model.AgentRuntime, task *model.Task) (*ExecutionResult, []*model.StreamEvent, error) {
	t.Helper()
	s := stream.NewStream(task.ID, task.ContextID, task.UserID)
	ch := s.Subscribe(context.Background())
	collected := make(chan []*model.StreamEvent, 1)
	go func() {
		var events []*model.StreamEvent
		for ev := range ch {
			events = append(events, ev)
		}
		collected <- events
	}()

	ec := &ExecutionContext{
		Provider:  p,
		Agent:     agent,
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Request:   &model.RequestContext{UserID: task.UserID, ContextID: task.ContextID, TaskID: task.ID},
		Stream:    s,
	}
	result, err := e.Run(context.Background(),
		ec, []provider.ChatMessage{{Role: provider.RoleUser, Content: task.History[0].TextContent()}})
	s.Close()

	select {
	case events := <-collected:
		return result, events, err
	case <-time.After(2 * time.Second):
		t.Fatal("stream not drained")
		return nil, nil, nil
	}
}

func eventTypes(events []*model.StreamEvent) []model.StreamEventType {
	out := make([]model.StreamEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// TestRun_StandardChat 标准对话：submitted → working → completed，两条消息
func TestRun_StandardChat(t *testing.T) {
	store := newTestStore(t)
	task := submitTask(t, store, "u1", "Hello")
	e := New(store, &fakeDispatcher{})

	p := &provider.MockProvider{Chunks: [][]*provider.Chunk{provider.TextStream("你好", "！")}}
	agent := &model.AgentRuntime{Name: "echo", Enabled: true}

	result, events, err := runTask(t, e, p, agent, task)
	require.NoError(t, err)
	assert.Equal(t, "你好！", result.Text)
	assert.Equal(t, 1, result.Iterations)

	types := eventTypes(events)
	assert.Contains(t, types, model.EventTaskStatusUpdate)
	assert.Contains(t, types, model.EventTextMessageContent)
	assert.Contains(t, types, model.EventAgentMessage)

	got, err := store.GetTask(context.Background(), task.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, got.State)
	require.Len(t, got.History, 2)
	assert.Equal(t, model.RoleUser, got.History[0].Role)
	assert.Equal(t, int32(1), got.History[0].SequenceNumber)
	assert.Equal(t, model.RoleAssistant, got.History[1].Role)
	assert.Equal(t, int32(2), got.History[1].SequenceNumber)
	assert.Equal(t, "你好！", got.History[1].TextContent())

	steps, err := store.ListSteps(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.StepKindUnderstanding, steps[0].Kind)
	assert.Equal(t, model.StepKindCompletion, steps[1].Kind)
}

// TestRun_PlannedToolUse 规划策略：计划 → 工具调用 → 总结
func TestRun_PlannedToolUse(t *testing.T) {
	store := newTestStore(t)
	task := submitTask(t, store, "u1", "what is 2+2")

	d := &fakeDispatcher{
		tools: []model.MCPTool{{Name: "sum", ServerName: "math-mcp"}},
		results: map[string]*model.ToolResult{
			"sum": {Name: "sum", Content: []model.ContentPart{{Type: "text", Text: "4"}}},
		},
	}
	e := New(store, d)

	p := &provider.MockProvider{
		Plans: []*provider.Plan{{
			Understanding: "计算 2+2",
			Steps: []provider.PlanStep{{
				ID: "step-1", Description: "求和", ToolName: "sum",
				Arguments: json.RawMessage(`{"a":2,"b":2}`),
			}},
		}},
		Chunks: [][]*provider.Chunk{provider.TextStream("答案是 4")},
	}
	agent := &model.AgentRuntime{Name: "researcher", Enabled: true, Planning: true}

	result, events, err := runTask(t, e, p, agent, task)
	require.NoError(t, err)
	assert.Equal(t, "答案是 4", result.Text)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "sum", result.ToolCalls[0].Name)
	require.Len(t, result.ToolResults, 1)
	assert.Equal(t, "4", result.ToolResults[0].TextContent())

	types := eventTypes(events)
	assert.Contains(t, types, model.EventExecutionStepUpdate)
	assert.Contains(t, types, model.EventToolCallStart)
	assert.Contains(t, types, model.EventToolCallResult)
	assert.Contains(t, types, model.EventTextMessageContent)

	// 总结轮收到了工具结果
	lastReq := p.Requests[len(p.Requests)-1]
	var sawToolMsg bool
	for _, m := range lastReq.Messages {
		if m.Role == provider.RoleTool && m.Content == "4" {
			sawToolMsg = true
		}
	}
	assert.True(t, sawToolMsg)

	steps, err := store.ListSteps(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, model.StepKindPlanning, steps[0].Kind)
	assert.Equal(t, model.StepKindToolCall, steps[1].Kind)
	assert.Equal(t, model.StepStatusCompleted, steps[1].Status)
	assert.Equal(t, model.StepKindCompletion, steps[2].Kind)

	got, err := store.GetTask(context.Background(), task.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, got.State)
	assert.Len(t, got.History, 2)
}

// TestRun_PlannedDegradesWithoutTools 无工具时规划降级为标准策略
func TestRun_PlannedDegradesWithoutTools(t *testing.T) {
	store := newTestStore(t)
	task := submitTask(t, store, "u1", "hi")
	e := New(store, &fakeDispatcher{})

	p := &provider.MockProvider{Chunks: [][]*provider.Chunk{provider.TextStream("hello")}}
	agent := &model.AgentRuntime{Name: "researcher", Enabled: true, Planning: true}

	result, _, err := runTask(t, e, p, agent, task)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text)

	steps, err := store.ListSteps(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.StepKindUnderstanding, steps[0].Kind)
}

// TestRun_ToolFailureRecovery 工具业务失败回馈模型，任务仍完成
func TestRun_ToolFailureRecovery(t *testing.T) {
	store := newTestStore(t)
	task := submitTask(t, store, "u1", "查一下")

	d := &fakeDispatcher{
		tools: []model.MCPTool{{Name: "flaky", ServerName: "flaky-mcp"}},
		results: map[string]*model.ToolResult{
			"flaky": {Name: "flaky", IsError: true,
				Content: []model.ContentPart{{Type: "text", Text: "backend exploded"}}},
		},
	}
	e := New(store, d)

	p := &provider.MockProvider{
		Plans: []*provider.Plan{{Understanding: "查询", Steps: []provider.PlanStep{
			{ID: "s1", Description: "调用", ToolName: "flaky"},
		}}},
		Chunks: [][]*provider.Chunk{provider.TextStream("工具出错了，无法获取数据")},
	}
	agent := &model.AgentRuntime{Name: "researcher", Enabled: true, Planning: true}

	result, _, err := runTask(t, e, p, agent, task)
	require.NoError(t, err)
	assert.Contains(t, result.Text, "出错")

	// 恢复轮的会话里带着错误文本
	lastReq := p.Requests[len(p.Requests)-1]
	var sawError bool
	for _, m := range lastReq.Messages {
		if m.Role == provider.RoleTool && m.Content == "backend exploded" {
			sawError = true
		}
	}
	assert.True(t, sawError)

	steps, err := store.ListSteps(context.Background(), task.ID)
	require.NoError(t, err)
	var toolStep *model.ExecutionStep
	for _, s := range steps {
		if s.Kind == model.StepKindToolCall {
			toolStep = s
		}
	}
	require.NotNil(t, toolStep)
	assert.Equal(t, model.StepStatusFailed, toolStep.Status)

	got, err := store.GetTask(context.Background(), task.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, got.State)
}

// TestRun_TransientToolError 传输层工具错误同样回馈模型继续执行
func TestRun_TransientToolError(t *testing.T) {
	store := newTestStore(t)
	task := submitTask(t, store, "u1", "查一下")

	d := &fakeDispatcher{
		tools: []model.MCPTool{{Name: "sum", ServerName: "math-mcp"}},
		errs: map[string]error{
			"sum": apperr.New(apperr.KindTool, apperr.CodeTransientTool, "mcp server math-mcp unreachable"),
		},
	}
	e := New(store, d)

	p := &provider.MockProvider{
		Plans: []*provider.Plan{{Understanding: "x", Steps: []provider.PlanStep{
			{ID: "s1", Description: "求和", ToolName: "sum"},
		}}},
		Chunks: [][]*provider.Chunk{provider.TextStream("计算服务暂时不可用")},
	}
	agent := &model.AgentRuntime{Name: "researcher", Enabled: true, Planning: true}

	result, _, err := runTask(t, e, p, agent, task)
	require.NoError(t, err)
	assert.Contains(t, result.Text, "不可用")
	require.Len(t, result.ToolResults, 1)
	assert.True(t, result.ToolResults[0].IsError)
}

// TestRun_AuthRequired 授权缺失：任务置为 auth-required 并发布事件
func TestRun_AuthRequired(t *testing.T) {
	store := newTestStore(t)
	task := submitTask(t, store, "u1", "查 CRM")

	authErr := apperr.New(apperr.KindTool, apperr.CodeToolAuthRequired, "mcp server crm-mcp requires authorization")
	authErr.AuthURL = "https://auth.example.com/authorize"
	d := &fakeDispatcher{
		tools: []model.MCPTool{{Name: "lookup", ServerName: "crm-mcp"}},
		errs:  map[string]error{"lookup": authErr},
	}
	e := New(store, d)

	p := &provider.MockProvider{
		Plans: []*provider.Plan{{Understanding: "x", Steps: []provider.PlanStep{
			{ID: "s1", Description: "查", ToolName: "lookup"},
		}}},
	}
	agent := &model.AgentRuntime{Name: "researcher", Enabled: true, Planning: true}

	_, events, err := runTask(t, e, p, agent, task)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeToolAuthRequired, apperr.CodeOf(err))

	got, err := store.GetTask(context.Background(), task.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateAuthRequired, got.State)

	var authEvent *model.StreamEvent
	for _, ev := range events {
		if ev.Type == model.EventAuthRequired {
			authEvent = ev
		}
	}
	require.NotNil(t, authEvent)
	// 工具服务端给出的授权入口随事件下发
	assert.Equal(t, "https://auth.example.com/authorize", authEvent.AuthURL)
}

// TestRun_InputRequired 工具声明等待输入：任务挂起为 input-required，可恢复
func TestRun_InputRequired(t *testing.T) {
	store := newTestStore(t)
	task := submitTask(t, store, "u1", "帮我订机票")

	d := &fakeDispatcher{
		tools: []model.MCPTool{{Name: "book_flight", ServerName: "travel-mcp"}},
		results: map[string]*model.ToolResult{
			"book_flight": {Name: "book_flight",
				Content: []model.ContentPart{{Type: "text", Text: "需要补充信息"}},
				Meta:    map[string]any{"input_required": "请提供出行日期"}},
		},
	}
	e := New(store, d)

	p := &provider.MockProvider{
		Plans: []*provider.Plan{{Understanding: "订票", Steps: []provider.PlanStep{
			{ID: "s1", Description: "预订", ToolName: "book_flight"},
		}}},
	}
	agent := &model.AgentRuntime{Name: "booker", Enabled: true, Planning: true}

	_, events, err := runTask(t, e, p, agent, task)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeToolInputRequired, apperr.CodeOf(err))

	got, err := store.GetTask(context.Background(), task.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateInputRequired, got.State)

	var inputEvent *model.StreamEvent
	for _, ev := range events {
		if ev.Type == model.EventInputRequired {
			inputEvent = ev
		}
	}
	require.NotNil(t, inputEvent)
	assert.Equal(t, "请提供出行日期", inputEvent.Prompt)
	// 工具结果事件先于挂起事件发出
	assert.Contains(t, eventTypes(events), model.EventToolCallResult)

	// 挂起态可以重新进入执行
	require.NoError(t, store.UpdateTaskState(context.Background(), task.ID, model.TaskStateWorking))
}

// TestRun_ToolArgumentDeltas 参数增量走 delta 字段，每条事件可序列化
func TestRun_ToolArgumentDeltas(t *testing.T) {
	store := newTestStore(t)
	task := submitTask(t, store, "u1", "查北京天气")
	e := New(store, &fakeDispatcher{})

	// 参数按 JSON 片段分两块流出，单块不是合法 JSON
	p := &provider.MockProvider{Chunks: [][]*provider.Chunk{{
		{Index: 0, Type: provider.ChunkTypeStart},
		{Index: 1, Type: provider.ChunkTypeToolStart, ToolCall: &provider.ToolCallChunk{ID: "c1", Name: "weather"}},
		{Index: 2, Type: provider.ChunkTypeToolDelta, ToolCall: &provider.ToolCallChunk{ID: "c1", ArgumentsDelta: `{"city":`}},
		{Index: 3, Type: provider.ChunkTypeToolDelta, ToolCall: &provider.ToolCallChunk{ID: "c1", ArgumentsDelta: `"北京"}`}},
		{Index: 4, Type: provider.ChunkTypeToolEnd, ToolCall: &provider.ToolCallChunk{ID: "c1"}},
		{Index: 5, Type: provider.ChunkTypeEnd, StopReason: provider.StopReasonToolUse},
	}}}
	agent := &model.AgentRuntime{Name: "echo", Enabled: true}

	result, events, err := runTask(t, e, p, agent, task)
	require.NoError(t, err)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, json.RawMessage(`{"city":"北京"}`), result.ToolCalls[0].Arguments)

	var deltas []string
	for _, ev := range events {
		// 每条事件都必须能序列化，否则 SSE 层会丢弃
		_, merr := json.Marshal(ev)
		require.NoError(t, merr)
		if ev.Type == model.EventToolCallArgs {
			deltas = append(deltas, ev.Delta)
			assert.Empty(t, ev.Arguments)
		}
		if ev.Type == model.EventToolCallEnd {
			assert.Equal(t, json.RawMessage(`{"city":"北京"}`), ev.Arguments)
		}
	}
	assert.Equal(t, []string{`{"city":`, `"北京"}`}, deltas)
}

// TestRun_MidStreamFailure 流中途失败：任务 failed，已累积文本保留在元数据
func TestRun_MidStreamFailure(t *testing.T) {
	store := newTestStore(t)
	task := submitTask(t, store, "u1", "hi")
	e := New(store, &fakeDispatcher{})

	streamErr := apperr.New(apperr.KindProvider, apperr.CodeProviderStreamFailed, "stream interrupted")
	p := &provider.MockProvider{
		Chunks: [][]*provider.Chunk{{
			{Index: 0, Type: provider.ChunkTypeStart},
			{Index: 1, Type: provider.ChunkTypeText, Text: "写了一半"},
		}},
		StreamErrs: []error{streamErr},
	}
	agent := &model.AgentRuntime{Name: "echo", Enabled: true}

	result, events, err := runTask(t, e, p, agent, task)
	require.Error(t, err)
	assert.Equal(t, "写了一半", result.Text)

	got, err := store.GetTask(context.Background(), task.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateFailed, got.State)
	assert.Equal(t, "写了一半", got.Metadata["partial_text"])
	assert.Equal(t, "provider_stream_failed", got.Metadata["error_code"])
	// 失败不追加助手消息
	assert.Len(t, got.History, 1)

	assert.Contains(t, eventTypes(events), model.EventRunError)
}

// TestRun_ZeroTokens 零 token 且无工具调用：告警但仍完成
func TestRun_ZeroTokens(t *testing.T) {
	store := newTestStore(t)
	task := submitTask(t, store, "u1", "hi")
	e := New(store, &fakeDispatcher{})

	p := &provider.MockProvider{
		Chunks: [][]*provider.Chunk{{
			{Index: 0, Type: provider.ChunkTypeStart},
			{Index: 1, Type: provider.ChunkTypeEnd, StopReason: provider.StopReasonEndTurn},
		}},
	}
	agent := &model.AgentRuntime{Name: "echo", Enabled: true}

	result, _, err := runTask(t, e, p, agent, task)
	require.NoError(t, err)
	assert.Empty(t, result.Text)

	got, err := store.GetTask(context.Background(), task.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, got.State)
	require.Len(t, got.History, 2)
	assert.Empty(t, got.History[1].TextContent())
}

// TestRun_RateLimitRetry 限流重试一次后成功
func TestRun_RateLimitRetry(t *testing.T) {
	store := newTestStore(t)
	task := submitTask(t, store, "u1", "hi")
	e := New(store, &fakeDispatcher{})

	rle := &provider.RateLimitError{
		RetryAfter: 10 * time.Millisecond,
		Err:        apperr.New(apperr.KindProvider, apperr.CodeProviderRateLimited, "rate limited"),
	}
	p := &provider.MockProvider{
		Chunks: [][]*provider.Chunk{
			{{Index: 0, Type: provider.ChunkTypeStart}},
			provider.TextStream("第二次成功"),
		},
		StreamErrs: []error{rle, nil},
	}
	agent := &model.AgentRuntime{Name: "echo", Enabled: true}

	result, _, err := runTask(t, e, p, agent, task)
	require.NoError(t, err)
	assert.Equal(t, "第二次成功", result.Text)
	// 两次流调用：限流 + 重试
	assert.Len(t, p.Requests, 2)
}

// slowProvider 以固定节奏产出文本块直至取消
type slowProvider struct{}

func (slowProvider) Name() string { return "slow" }

func (slowProvider) GenerateStream(ctx context.Context, req *provider.Request, handler provider.StreamHandler) error {
	_ = handler(&provider.Chunk{Index: 0, Type: provider.ChunkTypeStart, Timestamp: time.Now()})
	for i := 1; ; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
			if err := handler(&provider.Chunk{
				Index: i, Type: provider.ChunkTypeText,
				Text: fmt.Sprintf("t%d", i), Timestamp: time.Now(),
			}); err != nil {
				return err
			}
		}
	}
}

func (slowProvider) GeneratePlan(ctx context.Context, req *provider.Request) (*provider.Plan, error) {
	return nil, nil
}

// TestRun_Cancellation 取消：恰好一条 canceled 事件，终态 canceled，不再追加消息
func TestRun_Cancellation(t *testing.T) {
	store := newTestStore(t)
	task := submitTask(t, store, "u1", "长任务")
	e := New(store, &fakeDispatcher{})

	s := stream.NewStream(task.ID, task.ContextID, "u1")
	ch := s.Subscribe(context.Background())
	collected := make(chan []*model.StreamEvent, 1)
	go func() {
		var events []*model.StreamEvent
		for ev := range ch {
			events = append(events, ev)
		}
		collected <- events
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	ec := &ExecutionContext{
		Provider:  slowProvider{},
		Agent:     &model.AgentRuntime{Name: "echo", Enabled: true},
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Request:   &model.RequestContext{UserID: "u1"},
		Stream:    s,
	}
	_, err := e.Run(ctx, ec, []provider.ChatMessage{{Role: provider.RoleUser, Content: "长任务"}})
	require.Error(t, err)

	var events []*model.StreamEvent
	select {
	case events = <-collected:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not drained")
	}

	var canceledCount int
	for _, ev := range events {
		if ev.Type == model.EventCanceled {
			canceledCount++
		}
	}
	assert.Equal(t, 1, canceledCount)
	assert.Equal(t, model.EventCanceled, events[len(events)-1].Type)

	got, err := store.GetTask(context.Background(), task.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCanceled, got.State)
	assert.Len(t, got.History, 1)
}

// TestRun_CrossUserIsolation 广播镜像严格按用户隔离
func TestRun_CrossUserIsolation(t *testing.T) {
	store := newTestStore(t)
	b := eventbus.NewUserBroadcaster()
	e := New(store, &fakeDispatcher{}, WithBroadcaster(b))

	ch1, cancel1 := b.Subscribe("u1", "conn-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("u2", "conn-2")
	defer cancel2()

	agent := &model.AgentRuntime{Name: "echo", Enabled: true}
	for _, user := range []string{"u1", "u2"} {
		task := submitTask(t, store, user, "hello")
		p := &provider.MockProvider{Chunks: [][]*provider.Chunk{provider.TextStream("hi " + user)}}
		_, _, err := runTask(t, e, p, agent, task)
		require.NoError(t, err)
	}

	drain := func(ch <-chan *eventbus.Event) []*eventbus.Event {
		var out []*eventbus.Event
		for {
			select {
			case ev := <-ch:
				out = append(out, ev)
			case <-time.After(100 * time.Millisecond):
				return out
			}
		}
	}

	for ch, user := range map[<-chan *eventbus.Event]string{ch1: "u1", ch2: "u2"} {
		events := drain(ch)
		require.NotEmpty(t, events)
		for _, ev := range events {
			assert.Equal(t, user, ev.UserID)
		}
	}
}
