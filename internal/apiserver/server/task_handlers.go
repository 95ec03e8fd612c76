package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"agents-exec/internal/engine"
	"agents-exec/internal/provider"
	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/model"
	"agents-exec/internal/stream"
)

// submitTaskRequest 任务提交请求
//
// TaskID 非空时为恢复请求：把新输入追加到挂起的任务并继续执行，
// 此时 context_id 取任务自身的值，请求体里的忽略。
type submitTaskRequest struct {
	ContextID string       `json:"context_id"`
	TaskID    string       `json:"task_id,omitempty"`
	AgentName string       `json:"agent_name,omitempty"`
	Text      string       `json:"text,omitempty"`
	Parts     []model.Part `json:"parts,omitempty"`
}

// handleSubmitTask 提交任务并异步执行
//
// 返回 202 与任务快照；执行进度通过 /tasks/{id}/stream 订阅。
// 执行用独立于 HTTP 请求的可取消上下文，连接断开不影响执行，
// 取消只经由显式的 cancel 接口或上下文删除。
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	var req submitTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	parts := req.Parts
	if len(parts) == 0 {
		if req.Text == "" {
			writeError(w, apperr.New(apperr.KindClient, apperr.CodeValidationFailed, "text or parts is required"))
			return
		}
		parts = []model.Part{model.TextPart(req.Text)}
	}
	if req.TaskID != "" {
		s.resumeTask(w, r, rc, req.TaskID, parts)
		return
	}
	if req.ContextID == "" {
		writeError(w, apperr.New(apperr.KindClient, apperr.CodeValidationFailed, "context_id is required"))
		return
	}

	agent, err := s.resolveAgent(req.AgentName)
	if err != nil {
		writeError(w, err)
		return
	}
	prov, err := s.resolveProvider(agent)
	if err != nil {
		writeError(w, err)
		return
	}

	userMsg := model.NewUserMessage(uuid.NewString(), parts...)
	task := &model.Task{
		ID:        uuid.NewString(),
		ContextID: req.ContextID,
		UserID:    rc.UserID,
		AgentName: agent.Name,
		History:   []*model.Message{userMsg},
	}
	if err := s.store.SubmitTask(r.Context(), task); err != nil {
		writeError(w, err)
		return
	}

	rc.ContextID = req.ContextID
	rc.TaskID = task.ID
	rc.AgentName = agent.Name

	msgs := []provider.ChatMessage{{Role: provider.RoleUser, Content: userMsg.TextContent()}}
	s.startRun(task, agent, prov, rc, msgs)
	writeJSON(w, http.StatusAccepted, task)
}

// resumeTask 用新的用户输入恢复挂起的任务
//
// 只有 input-required / auth-required 状态可恢复；恢复消息与
// working 迁移在同一事务内持久化，然后取任务全部历史重建会话，
// 按提交路径重新进入引擎。
func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request, rc *model.RequestContext, taskID string, parts []model.Part) {
	task, err := s.store.GetTask(r.Context(), taskID, rc.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.State != model.TaskStateInputRequired && task.State != model.TaskStateAuthRequired {
		writeError(w, apperr.New(apperr.KindClient, apperr.CodeDbConflict,
			"task is not awaiting user input"))
		return
	}
	if _, running := s.runs.get(task.ID); running {
		writeError(w, apperr.New(apperr.KindClient, apperr.CodeDbConflict,
			"task is already running"))
		return
	}

	agent, err := s.resolveAgent(task.AgentName)
	if err != nil {
		writeError(w, err)
		return
	}
	prov, err := s.resolveProvider(agent)
	if err != nil {
		writeError(w, err)
		return
	}

	userMsg := model.NewUserMessage(uuid.NewString(), parts...)
	userMsg.TaskID = task.ID
	userMsg.ContextID = task.ContextID
	if err := s.store.UpdateTaskAndSaveMessages(r.Context(), task.ID, model.TaskStateWorking,
		[]*model.Message{userMsg}, nil); err != nil {
		writeError(w, err)
		return
	}
	task.State = model.TaskStateWorking
	task.History = append(task.History, userMsg)

	rc.ContextID = task.ContextID
	rc.TaskID = task.ID
	rc.AgentName = agent.Name

	msgs := make([]provider.ChatMessage, 0, len(task.History))
	for _, m := range task.History {
		role := provider.RoleUser
		if m.Role == model.RoleAssistant {
			role = provider.RoleAssistant
		}
		msgs = append(msgs, provider.ChatMessage{Role: role, Content: m.TextContent()})
	}

	s.startRun(task, agent, prov, rc, msgs)
	writeJSON(w, http.StatusAccepted, task)
}

// startRun 登记执行表并异步驱动引擎
func (s *Server) startRun(task *model.Task, agent *model.AgentRuntime, prov provider.Provider, rc *model.RequestContext, msgs []provider.ChatMessage) {
	taskStream := stream.NewStream(task.ID, task.ContextID, rc.UserID)
	runCtx, cancel := context.WithCancel(context.Background())
	s.runs.put(task.ID, &run{contextID: task.ContextID, stream: taskStream, cancel: cancel})

	ec := &engine.ExecutionContext{
		Provider:  prov,
		Agent:     agent,
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Request:   rc,
		Stream:    taskStream,
	}

	go func() {
		defer cancel()
		defer s.runs.remove(task.ID)
		if _, err := s.engine.Run(runCtx, ec, msgs); err != nil {
			s.logger.WithTaskID(task.ID).WithError(err).Warn("task run finished with error")
		}
	}()
}

// resolveAgent 解析目标 Agent（缺省取注册表默认项）
func (s *Server) resolveAgent(name string) (*model.AgentRuntime, error) {
	if name == "" {
		return s.registry.Default()
	}
	agent, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if !agent.Enabled {
		return nil, apperr.New(apperr.KindClient, apperr.CodeBadRequest,
			"agent "+name+" is disabled")
	}
	return agent, nil
}

// resolveProvider 解析 Agent 的提供商（缺省取注册表默认项）
func (s *Server) resolveProvider(agent *model.AgentRuntime) (provider.Provider, error) {
	if agent.Provider == "" {
		return s.providers.Default()
	}
	return s.providers.Get(agent.Provider)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"), rc.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	steps, err := s.store.ListSteps(r.Context(), task.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "steps": steps})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	limit, offset := pagination(r)
	tasks, err := s.store.ListTasksByContext(r.Context(), r.PathValue("id"), rc.UserID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleTaskStream 任务事件 SSE
//
// 迟到的订阅者收不到历史事件；打开订阅时先投递一条来自仓储的
// 状态快照事件，再衔接实时流。任务已终止时只发快照即返回。
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"), rc.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	snapshot := &model.StreamEvent{
		Type:      model.EventTaskStatusUpdate,
		TaskID:    task.ID,
		ContextID: task.ContextID,
		UserID:    rc.UserID,
		State:     task.State,
		Timestamp: time.Now(),
	}

	events := make(chan *model.StreamEvent, 1)
	events <- snapshot

	active, ok := s.runs.get(task.ID)
	if !ok || task.State.IsTerminal() {
		close(events)
		_ = stream.ServeSSE(w, r, events)
		return
	}

	live := active.stream.Subscribe(r.Context())
	go func() {
		defer close(events)
		for ev := range live {
			select {
			case events <- ev:
			case <-r.Context().Done():
				return
			}
		}
	}()
	_ = stream.ServeSSE(w, r, events)
}

// handleTaskEvents 回放任务的粗粒度事件历史
//
// 数据来自事件回放流（Redis Streams），供断线客户端补齐进度；
// 细粒度的 token 级事件不入流，只能实时订阅。
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	if s.replay == nil {
		writeError(w, apperr.New(apperr.KindClient, apperr.CodeNotFound, "event replay is not enabled"))
		return
	}
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"), rc.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	fromID := r.URL.Query().Get("from")
	limit, _ := pagination(r)
	events, err := s.replay.Range(r.Context(), task.ID, fromID, int64(limit))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindTransient, apperr.CodeDbUnavailable, "event replay read failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleCancelTask 取消进行中的任务
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	// 先做归属校验，再查执行表
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"), rc.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.State.IsTerminal() {
		writeError(w, apperr.New(apperr.KindClient, apperr.CodeDbConflict,
			"task already reached a terminal state"))
		return
	}

	active, ok := s.runs.get(task.ID)
	if !ok {
		writeError(w, apperr.New(apperr.KindClient, apperr.CodeNotFound, "task is not running"))
		return
	}
	active.cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": task.ID, "state": "canceling"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.registry.ListEnabled()})
}
