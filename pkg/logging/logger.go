// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	SessionIDKey ContextKey = "session_id"
	UserIDKey    ContextKey = "user_id"
	ContextIDKey ContextKey = "context_id"
	TaskIDKey    ContextKey = "task_id"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level"`
	Format    string `json:"format"` // json or text
	Output    string `json:"output"` // stdout, stderr, or file path
	Component string `json:"component"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler),
		component: cfg.Component,
	}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// WithContext 从上下文提取追踪信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	attrs := []any{slog.String("component", l.component)}

	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok && sessionID != "" {
		attrs = append(attrs, slog.String("session_id", sessionID))
	}
	if userID, ok := ctx.Value(UserIDKey).(string); ok && userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	if contextID, ok := ctx.Value(ContextIDKey).(string); ok && contextID != "" {
		attrs = append(attrs, slog.String("context_id", contextID))
	}
	if taskID, ok := ctx.Value(TaskIDKey).(string); ok && taskID != "" {
		attrs = append(attrs, slog.String("task_id", taskID))
	}

	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// WithTaskID 添加 Task ID
func (l *Logger) WithTaskID(taskID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("task_id", taskID)),
		component: l.component,
	}
}

// WithContextID 添加 Context ID
func (l *Logger) WithContextID(contextID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("context_id", contextID)),
		component: l.component,
	}
}

// WithService 添加服务名（MCP/Agent 进程）
func (l *Logger) WithService(name string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("service", name)),
		component: l.component,
	}
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		component: l.component,
	}
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Float64("duration_ms", float64(d.Milliseconds()))),
		component: l.component,
	}
}

// TaskLog 任务日志
func (l *Logger) TaskLog(action, contextID, taskID string, extra ...any) {
	attrs := []any{
		slog.String("action", action),
		slog.String("context_id", contextID),
		slog.String("task_id", taskID),
	}
	attrs = append(attrs, extra...)
	l.Logger.Info("Task event", attrs...)
}

// ToolCallLog 工具调用日志
func (l *Logger) ToolCallLog(tool, server string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("tool", tool),
		slog.String("server", server),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Tool call failed", attrs...)
	} else {
		l.Logger.Debug("Tool call", attrs...)
	}
}

// HealthProbeLog 健康探测日志
func (l *Logger) HealthProbeLog(service, status string, latency time.Duration, err error) {
	attrs := []any{
		slog.String("service", service),
		slog.String("status", status),
		slog.Float64("latency_ms", float64(latency.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Health probe failed", attrs...)
	} else {
		l.Logger.Debug("Health probe ok", attrs...)
	}
}
