package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/eventbus"
	"agents-exec/internal/shared/model"
)

// pagination 解析 limit/offset 查询参数
func pagination(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		req.Name = "新对话"
	}

	c := &model.Context{ID: uuid.NewString(), UserID: rc.UserID, Name: req.Name}
	if err := s.store.CreateContext(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	s.publishContextEvent(eventbus.EventContextCreated, rc.UserID, c)
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	limit, offset := pagination(r)
	contexts, err := s.store.ListContexts(r.Context(), rc.UserID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": contexts})
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	c, err := s.store.GetContext(r.Context(), r.PathValue("id"), rc.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRenameContext(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apperr.New(apperr.KindClient, apperr.CodeValidationFailed, "name is required"))
		return
	}

	id := r.PathValue("id")
	if err := s.store.RenameContext(r.Context(), id, rc.UserID, req.Name); err != nil {
		writeError(w, err)
		return
	}
	s.publishContextEvent(eventbus.EventContextUpdated, rc.UserID,
		map[string]string{"id": id, "name": req.Name})
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "name": req.Name})
}

// handleDeleteContext 删除上下文
//
// 归属校验通过后先取消其中仍在执行的任务，再级联删除全部任务数据。
// 校验必须先于取消：否则任何用户都能借删除接口打断他人的执行。
func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	id := r.PathValue("id")
	if _, err := s.store.GetContext(r.Context(), id, rc.UserID); err != nil {
		writeError(w, err)
		return
	}
	s.cancelRunsInContext(id)

	if err := s.store.DeleteContext(r.Context(), id, rc.UserID); err != nil {
		writeError(w, err)
		return
	}
	s.publishContextEvent(eventbus.EventContextDeleted, rc.UserID, map[string]string{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

// cancelRunsInContext 取消指定上下文内所有进行中的执行
func (s *Server) cancelRunsInContext(contextID string) {
	s.runs.mu.RLock()
	var cancels []context.CancelFunc
	for _, r := range s.runs.runs {
		if r.contextID == contextID {
			cancels = append(cancels, r.cancel)
		}
	}
	s.runs.mu.RUnlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// publishContextEvent 发布上下文事件到广播器
func (s *Server) publishContextEvent(eventType, userID string, payload any) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(eventbus.NewEvent(eventbus.ChannelContext, eventType, userID, payload))
}
