// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// 各驱动实现负责将底层错误转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突（状态迁移被拒绝或乐观锁失败）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")

	// ErrNotOwned 跨用户访问：实体不属于请求用户
	ErrNotOwned = errors.New("entity not owned by requesting user")

	// ErrTaskTerminal 任务已处于终止态，不允许进一步迁移
	ErrTaskTerminal = errors.New("task already in terminal state")
)
