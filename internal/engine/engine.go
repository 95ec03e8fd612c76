// Package engine 执行策略引擎
//
// 负责把一个任务从 submitted 驱动到终止状态：
//   - 标准策略：理解 → 无工具流式对话 → 完成
//   - 规划策略：生成计划 → 按序调度工具 → 流式总结 → 完成
//
// 只有引擎发起任务状态迁移；迁移合法性由仓储层强制执行。
// 取消是协作式的：每次提供商调用和工具调用之前检查取消信号。
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"agents-exec/internal/provider"
	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/eventbus"
	"agents-exec/internal/shared/model"
	"agents-exec/internal/shared/storage/repository"
	"agents-exec/internal/stream"
	"agents-exec/pkg/logging"
)

// defaultRateLimitDelay 提供商未给出建议延迟时的限流重试等待
const defaultRateLimitDelay = 2 * time.Second

// ToolDispatcher 引擎需要的工具调度视图
type ToolDispatcher interface {
	ListAvailableTools(ctx context.Context, agentName string, reqCtx *model.RequestContext) ([]model.MCPTool, error)
	ExecuteTool(ctx context.Context, call *model.ToolCall, tools []model.MCPTool, reqCtx *model.RequestContext, overrides map[string]model.ModelOverride) (*model.ToolResult, error)
}

// ExecutionContext 一次任务执行的全部依赖
type ExecutionContext struct {
	// Provider 模型提供商句柄
	Provider provider.Provider

	// Agent Agent 运行时快照
	Agent *model.AgentRuntime

	// TaskID 任务 ID
	TaskID string

	// ContextID 上下文 ID
	ContextID string

	// Request 入站请求上下文（认证/追踪）
	Request *model.RequestContext

	// Stream 出站事件流
	Stream *stream.Stream
}

// ExecutionResult 一次策略执行的结果
type ExecutionResult struct {
	// Text 累积的助手文本
	Text string

	// ToolCalls 按执行顺序的工具调用
	ToolCalls []model.ToolCall

	// ToolResults 按执行顺序的工具结果
	ToolResults []model.ToolResult

	// Tools 实际暴露给模型的工具
	Tools []model.MCPTool

	// Iterations 迭代次数
	Iterations int
}

// Engine 执行策略引擎
type Engine struct {
	store      *repository.Store
	dispatcher ToolDispatcher
	events     eventbus.Broadcaster
	replay     eventbus.ReplayBus
	logger     *logging.Logger
}

// Option 引擎选项
type Option func(*Engine)

// WithBroadcaster 接入进程内广播器（粗粒度 A2A 事件镜像）
func WithBroadcaster(b eventbus.Broadcaster) Option {
	return func(e *Engine) { e.events = b }
}

// WithReplayBus 接入事件回放流（断线补发）
func WithReplayBus(r eventbus.ReplayBus) Option {
	return func(e *Engine) { e.replay = r }
}

// New 创建执行引擎
func New(store *repository.Store, dispatcher ToolDispatcher, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		dispatcher: dispatcher,
		logger:     logging.Default("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run 执行一个任务直至终止状态
//
// msgs 是发给提供商的完整会话（既有历史 + 触发本次执行的用户消息）；
// 用户消息本身已在任务提交时由仓储层持久化。
// 终止语义：
//   - 成功：助手消息在状态迁移的同一事务内持久化，任务 completed
//   - 取消：任务 canceled，不再追加消息，流以 canceled 事件收尾
//   - 授权缺失：任务 auth-required（可恢复），发布 AuthRequired 事件
//   - 等待输入：任务 input-required（可恢复），发布 InputRequired 事件，
//     由携带 task_id 的再次提交恢复执行
//   - 其余错误：任务 failed，已累积的文本保留在任务元数据中
func (e *Engine) Run(ctx context.Context, ec *ExecutionContext, msgs []provider.ChatMessage) (*ExecutionResult, error) {
	log := e.logger.WithTaskID(ec.TaskID).WithContextID(ec.ContextID)

	if err := e.store.UpdateTaskState(ctx, ec.TaskID, model.TaskStateWorking); err != nil {
		return nil, err
	}
	e.publishStatus(ec, model.TaskStateWorking, "")

	result, runErr := e.runStrategy(ctx, ec, msgs)

	switch {
	case runErr == nil:
		if result.Text == "" && len(result.ToolCalls) == 0 {
			log.Warn("provider returned no tokens and no tool calls")
		}
		assistant := model.NewAssistantMessage(uuid.NewString(), model.TextPart(result.Text))
		assistant.TaskID = ec.TaskID
		assistant.ContextID = ec.ContextID
		if err := e.store.UpdateTaskAndSaveMessages(ctx, ec.TaskID, model.TaskStateCompleted,
			[]*model.Message{assistant}, nil); err != nil {
			return nil, err
		}
		e.sendAndMirror(ec, &model.StreamEvent{
			Type:      model.EventAgentMessage,
			MessageID: assistant.ID,
			Content:   result.Text,
		})
		e.publishStatus(ec, model.TaskStateCompleted, "")
		ec.Stream.Close()
		return result, nil

	case errors.Is(runErr, context.Canceled) || ctx.Err() != nil:
		// 终态写入不能复用已取消的 ctx
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.UpdateTaskState(cancelCtx, ec.TaskID, model.TaskStateCanceled); err != nil {
			log.WithError(err).Error("failed to persist canceled state")
		}
		e.mirrorCoarse(ec, &model.StreamEvent{
			Type:  model.EventTaskStatusUpdate,
			State: model.TaskStateCanceled,
		})
		ec.Stream.Cancel("task canceled")
		return result, runErr

	case apperr.CodeOf(runErr) == apperr.CodeToolAuthRequired:
		if err := e.store.UpdateTaskState(ctx, ec.TaskID, model.TaskStateAuthRequired); err != nil {
			log.WithError(err).Error("failed to persist auth-required state")
		}
		e.sendAndMirror(ec, &model.StreamEvent{
			Type:    model.EventAuthRequired,
			AuthURL: apperr.AuthURLOf(runErr),
			Message: apperr.UserMessageOf(runErr),
		})
		e.publishStatus(ec, model.TaskStateAuthRequired, apperr.UserMessageOf(runErr))
		ec.Stream.Close()
		return result, runErr

	case apperr.CodeOf(runErr) == apperr.CodeToolInputRequired:
		if err := e.store.UpdateTaskState(ctx, ec.TaskID, model.TaskStateInputRequired); err != nil {
			log.WithError(err).Error("failed to persist input-required state")
		}
		e.sendAndMirror(ec, &model.StreamEvent{
			Type:   model.EventInputRequired,
			Prompt: apperr.UserMessageOf(runErr),
		})
		e.publishStatus(ec, model.TaskStateInputRequired, apperr.UserMessageOf(runErr))
		ec.Stream.Close()
		return result, runErr

	default:
		meta := map[string]any{
			"error_code":    string(apperr.CodeOf(runErr)),
			"error_message": apperr.UserMessageOf(runErr),
		}
		if result != nil && result.Text != "" {
			meta["partial_text"] = result.Text
		}
		if err := e.store.UpdateTaskAndSaveMessages(ctx, ec.TaskID, model.TaskStateFailed, nil, meta); err != nil {
			log.WithError(err).Error("failed to persist failed state")
		}
		e.sendAndMirror(ec, &model.StreamEvent{
			Type:    model.EventRunError,
			Code:    string(apperr.CodeOf(runErr)),
			Message: apperr.UserMessageOf(runErr),
		})
		e.publishStatus(ec, model.TaskStateFailed, apperr.UserMessageOf(runErr))
		ec.Stream.Close()
		return result, runErr
	}
}

// runStrategy 选择并运行策略
//
// 规划策略要求 Agent 启用规划且至少有一个可用工具，否则降级到标准策略。
func (e *Engine) runStrategy(ctx context.Context, ec *ExecutionContext, msgs []provider.ChatMessage) (*ExecutionResult, error) {
	if ec.Agent.Planning {
		tools, err := e.dispatcher.ListAvailableTools(ctx, ec.Agent.Name, ec.Request)
		if err != nil {
			return nil, err
		}
		if len(tools) > 0 {
			return e.runPlanned(ctx, ec, msgs, tools)
		}
		e.logger.WithTaskID(ec.TaskID).Info("no tools available, degrading to standard strategy",
			"agent", ec.Agent.Name)
	}
	return e.runStandard(ctx, ec, msgs)
}

// ============================================================================
// 流式生成
// ============================================================================

// streamResult 一次流式生成的聚合结果
type streamResult struct {
	text      string
	toolCalls []model.ToolCall
	stop      provider.StopReason
	usage     *provider.Usage
}

// generateWithRetry 流式生成，限流时最多重试一次
//
// 只在尚未产出任何文本时重试，避免向订阅者重复投递增量；
// 等待时长取提供商建议值，未给出时用默认值。
func (e *Engine) generateWithRetry(ctx context.Context, ec *ExecutionContext, req *provider.Request) (*streamResult, error) {
	res, err := e.runStream(ctx, ec, req)
	var rle *provider.RateLimitError
	if err != nil && errors.As(err, &rle) && res.text == "" {
		delay := rle.RetryAfter
		if delay <= 0 {
			delay = defaultRateLimitDelay
		}
		e.logger.WithTaskID(ec.TaskID).Warn("provider rate limited, retrying once",
			"delay", delay.String())
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(delay):
		}
		res, err = e.runStream(ctx, ec, req)
	}
	return res, err
}

// runStream 执行一次流式生成并把块转换为流事件
func (e *Engine) runStream(ctx context.Context, ec *ExecutionContext, req *provider.Request) (*streamResult, error) {
	res := &streamResult{}
	messageID := uuid.NewString()
	started := false
	argBuilders := make(map[string]*struct {
		name string
		args string
	})
	var order []string

	err := ec.Provider.GenerateStream(ctx, req, func(chunk *provider.Chunk) error {
		switch chunk.Type {
		case provider.ChunkTypeText:
			if !started {
				started = true
				ec.Stream.Send(&model.StreamEvent{Type: model.EventTextMessageStart, MessageID: messageID})
			}
			res.text += chunk.Text
			ec.Stream.Send(&model.StreamEvent{
				Type:      model.EventTextMessageContent,
				MessageID: messageID,
				Delta:     chunk.Text,
			})
		case provider.ChunkTypeToolStart:
			argBuilders[chunk.ToolCall.ID] = &struct {
				name string
				args string
			}{name: chunk.ToolCall.Name}
			order = append(order, chunk.ToolCall.ID)
			ec.Stream.Send(&model.StreamEvent{
				Type:       model.EventToolCallStart,
				ToolCallID: chunk.ToolCall.ID,
				ToolName:   chunk.ToolCall.Name,
			})
		case provider.ChunkTypeToolDelta:
			if b, ok := argBuilders[chunk.ToolCall.ID]; ok {
				b.args += chunk.ToolCall.ArgumentsDelta
			}
			// 参数增量是 JSON 片段，只有聚合后的 tool_call_end 才是合法 JSON
			ec.Stream.Send(&model.StreamEvent{
				Type:       model.EventToolCallArgs,
				ToolCallID: chunk.ToolCall.ID,
				Delta:      chunk.ToolCall.ArgumentsDelta,
			})
		case provider.ChunkTypeToolEnd:
			if b, ok := argBuilders[chunk.ToolCall.ID]; ok {
				ec.Stream.Send(&model.StreamEvent{
					Type:       model.EventToolCallEnd,
					ToolCallID: chunk.ToolCall.ID,
					ToolName:   b.name,
					Arguments:  json.RawMessage(b.args),
				})
			}
		case provider.ChunkTypeEnd:
			res.stop = chunk.StopReason
			res.usage = chunk.Usage
			if started {
				ec.Stream.Send(&model.StreamEvent{Type: model.EventTextMessageEnd, MessageID: messageID})
			}
		}
		return nil
	})

	for _, id := range order {
		b := argBuilders[id]
		args := b.args
		if args == "" {
			args = "{}"
		}
		res.toolCalls = append(res.toolCalls, model.ToolCall{
			ID:        id,
			Name:      b.name,
			Arguments: json.RawMessage(args),
		})
	}
	return res, err
}

// ============================================================================
// 执行步骤记录
// ============================================================================

// beginStep 创建 running 状态的执行步骤并发布更新事件
func (e *Engine) beginStep(ctx context.Context, ec *ExecutionContext, kind model.StepKind, input any) (*model.ExecutionStep, error) {
	step := &model.ExecutionStep{
		ID:     uuid.NewString(),
		TaskID: ec.TaskID,
		Kind:   kind,
		Status: model.StepStatusRunning,
	}
	if input != nil {
		step.Input, _ = json.Marshal(input)
	}
	if err := e.store.CreateStep(ctx, step); err != nil {
		return nil, err
	}
	ec.Stream.Send(&model.StreamEvent{Type: model.EventExecutionStepUpdate, Step: step})
	return step, nil
}

// finishStep 推进步骤状态并发布更新事件
func (e *Engine) finishStep(ctx context.Context, ec *ExecutionContext, step *model.ExecutionStep, status model.StepStatus, output any) {
	var raw []byte
	if output != nil {
		raw, _ = json.Marshal(output)
	}
	if err := e.store.UpdateStep(ctx, step.ID, status, raw); err != nil {
		e.logger.WithTaskID(ec.TaskID).WithError(err).Error("failed to update execution step",
			"step", step.ID, "kind", string(step.Kind))
	}
	step.Status = status
	step.Output = raw
	ec.Stream.Send(&model.StreamEvent{Type: model.EventExecutionStepUpdate, Step: step})
}

// ============================================================================
// 事件发布
// ============================================================================

// publishStatus 发布任务状态变更（流 + 广播镜像）
func (e *Engine) publishStatus(ec *ExecutionContext, state model.TaskState, message string) {
	e.sendAndMirror(ec, &model.StreamEvent{
		Type:    model.EventTaskStatusUpdate,
		State:   state,
		Message: message,
	})
}

// sendAndMirror 投递到任务流并镜像到 A2A 广播
func (e *Engine) sendAndMirror(ec *ExecutionContext, ev *model.StreamEvent) {
	ec.Stream.Send(ev)
	e.mirrorCoarse(ec, ev)
}

// mirrorCoarse 把粗粒度事件镜像到进程内广播与回放流
func (e *Engine) mirrorCoarse(ec *ExecutionContext, ev *model.StreamEvent) {
	if ev.TaskID == "" {
		ev.TaskID = ec.TaskID
	}
	if ev.ContextID == "" {
		ev.ContextID = ec.ContextID
	}
	if ev.UserID == "" && ec.Request != nil {
		ev.UserID = ec.Request.UserID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	busEvent := eventbus.NewEvent(eventbus.ChannelA2A, string(ev.Type), ev.UserID, ev)
	busEvent.ContextID = ec.ContextID
	busEvent.TaskID = ec.TaskID

	if e.events != nil {
		e.events.Publish(busEvent)
	}
	if e.replay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.replay.Append(ctx, ec.TaskID, busEvent); err != nil {
			e.logger.WithTaskID(ec.TaskID).WithError(err).Warn("failed to append replay event")
		}
	}
}
