package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/storage"
)

// errorBody 统一错误响应体
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON 写 JSON 响应
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误分类映射 HTTP 状态码
//
// 内部细节绝不进响应体；未分类错误一律 500 internal。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrNotOwned):
		status = http.StatusForbidden
	case errors.Is(err, storage.ErrTaskTerminal), errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrDuplicate):
		status = http.StatusConflict
	default:
		switch apperr.CodeOf(err) {
		case apperr.CodeUnauthorized:
			status = http.StatusUnauthorized
		case apperr.CodeForbidden:
			status = http.StatusForbidden
		case apperr.CodeNotFound:
			status = http.StatusNotFound
		case apperr.CodeBadRequest, apperr.CodeValidationFailed:
			status = http.StatusBadRequest
		case apperr.CodeDbConflict:
			status = http.StatusConflict
		case apperr.CodeToolAuthRequired:
			status = http.StatusUnauthorized
		case apperr.CodeProviderRateLimited:
			status = http.StatusTooManyRequests
		}
	}

	code := string(apperr.CodeOf(err))
	message := apperr.UserMessageOf(err)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		code, message = string(apperr.CodeNotFound), "resource not found"
	case errors.Is(err, storage.ErrNotOwned):
		code, message = string(apperr.CodeForbidden), "resource belongs to another user"
	case errors.Is(err, storage.ErrTaskTerminal):
		code, message = string(apperr.CodeDbConflict), "task already reached a terminal state"
	case errors.Is(err, storage.ErrConflict):
		code, message = string(apperr.CodeDbConflict), "illegal state transition"
	}

	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// decodeJSON 解析请求体
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.KindClient, apperr.CodeBadRequest, "invalid request body", err)
	}
	return nil
}
