// Package apperr 统一错误分类
//
// 核心子系统边界只允许五类错误穿越：
//   - 客户端错误（KindClient）：直接返回调用方，不重试
//   - 瞬时基础设施错误（KindTransient）：仓储层有界退避重试
//   - 模型提供商错误（KindProvider）：限流最多重试一次，其余终止执行
//   - 工具错误（KindTool）：回馈给模型（auth-required 除外）
//   - 生命周期错误（KindLifecycle）：触发退避重启
//
// 致命错误（Fatal）单独标记：Schema 校验失败、配置冲突等，
// 中止对应服务的协调流程。
package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind string

const (
	KindClient    Kind = "client"
	KindTransient Kind = "transient"
	KindProvider  Kind = "provider"
	KindTool      Kind = "tool"
	KindLifecycle Kind = "lifecycle"
	KindFatal     Kind = "fatal"
)

// Code 稳定错误码（用于 RunError 流事件，集合保持小而稳定）
type Code string

const (
	// === 客户端错误 ===
	CodeBadRequest       Code = "bad_request"
	CodeNotFound         Code = "not_found"
	CodeForbidden        Code = "forbidden"
	CodeUnauthorized     Code = "unauthorized"
	CodeValidationFailed Code = "validation_failed"

	// === 瞬时基础设施错误 ===
	CodeDbConflict     Code = "db_conflict"
	CodeDbUnavailable  Code = "db_unavailable"
	CodeNetworkTimeout Code = "network_timeout"

	// === 提供商错误 ===
	CodeProviderRateLimited    Code = "provider_rate_limited"
	CodeProviderInvalidOutput  Code = "provider_invalid_response"
	CodeProviderStreamFailed   Code = "provider_stream_failed"

	// === 工具错误 ===
	CodeToolNotFound      Code = "tool_not_found"
	CodeToolReturnedError Code = "tool_returned_error"
	CodeToolAuthRequired  Code = "tool_auth_required"
	CodeToolInputRequired Code = "tool_input_required"
	CodeTransientTool     Code = "transient_tool_error"

	// === 生命周期错误 ===
	CodePortInUse           Code = "port_in_use"
	CodeStartupTimeout      Code = "startup_timeout"
	CodeHealthCheckExceeded Code = "health_check_exceeded"

	// === 致命错误 ===
	CodeSchemaValidation Code = "schema_validation_failed"
	CodeConfigMismatch   Code = "config_mismatch"

	CodeInternal Code = "internal"
)

// Error 携带分类和稳定码的错误
//
// Message 面向用户，保持简短可读；内部细节通过 %w 包装保留在 err 链上，
// 记录日志但不对外泄漏。
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Fatal   bool

	// AuthURL 授权入口地址（tool_auth_required 时由工具服务端给出）
	AuthURL string

	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// UserMessage 面向用户的简短描述（绝不包含堆栈）
func (e *Error) UserMessage() string { return e.Message }

// New 创建分类错误
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Fatal: kind == KindFatal}
}

// Wrap 包装底层错误
func Wrap(kind Kind, code Code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Fatal: kind == KindFatal, err: err}
}

// KindOf 提取错误分类；未分类的一律按 internal 处理
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// CodeOf 提取稳定错误码
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable 瞬时错误可以重试
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient
	}
	return false
}

// IsFatal 致命错误中止所在服务的协调流程
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal
	}
	return false
}

// UserMessageOf 提取面向用户的错误描述
func UserMessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// AuthURLOf 提取授权入口地址；错误未携带时返回空串
func AuthURLOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.AuthURL
	}
	return ""
}
