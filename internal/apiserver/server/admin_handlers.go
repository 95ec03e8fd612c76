package server

import (
	"net/http"

	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/model"
)

// handleMe 返回当前令牌对应的用户信息
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	role := rc.Role
	if role == "" {
		role = model.UserRoleUser
	}
	writeJSON(w, http.StatusOK, &model.User{
		ID:     rc.UserID,
		Email:  rc.UserEmail,
		Role:   role,
		Status: model.UserStatusActive,
	})
}

// requireAdmin 管理接口的角色门槛
func requireAdmin(next authedHandler) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
		if rc.Role != model.UserRoleAdmin {
			writeError(w, apperr.New(apperr.KindClient, apperr.CodeForbidden, "admin role required"))
			return
		}
		next(w, r, rc)
	}
}

// handleReloadRegistry 重载 Agent/MCP 注册表
//
// 原子替换快照；进行中的执行继续使用旧快照，不受影响。
func (s *Server) handleReloadRegistry(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	if err := s.registry.Reload(); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("registry reloaded", "by", rc.UserID)
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":      len(s.registry.ListEnabled()),
		"mcp_servers": len(s.registry.McpServers()),
	})
}
