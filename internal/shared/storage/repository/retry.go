// Package repository 瞬态错误重试
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"agents-exec/internal/shared/storage"
)

const (
	// maxRetryAttempts 瞬态错误的最大重试次数
	maxRetryAttempts = 6

	// baseRetryDelay 首次重试延迟，之后指数递增
	baseRetryDelay = 50 * time.Millisecond
)

// isTransient 判断底层数据库错误是否值得重试
//
// 覆盖 SQLite 的 busy/locked 和 PostgreSQL 的序列化失败/死锁。
// 领域错误（ErrNotFound 等）永不重试。
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrNotOwned) ||
		errors.Is(err, storage.ErrDuplicate) ||
		errors.Is(err, storage.ErrTaskTerminal) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"serialization failure",
		"deadlock detected",
		"connection refused",
		"connection reset",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// withRetry 对瞬态错误执行有界指数退避重试
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := baseRetryDelay
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == maxRetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
