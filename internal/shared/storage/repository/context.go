// Package repository Context 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"agents-exec/internal/shared/model"
	"agents-exec/internal/shared/storage"
)

// CreateContext 创建上下文
func (s *Store) CreateContext(ctx context.Context, c *model.Context) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	query := s.rebind(`
		INSERT INTO contexts (id, user_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`)
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, c.ID, c.UserID, c.Name, c.CreatedAt, c.UpdatedAt)
		return err
	})
}

// GetContext 获取上下文（含派生统计）
//
// userID 非空时执行属主校验，跨用户访问返回 ErrNotOwned。
func (s *Store) GetContext(ctx context.Context, id, userID string) (*model.Context, error) {
	query := s.rebind(`SELECT id, user_id, name, created_at, updated_at FROM contexts WHERE id = $1`)
	c := &model.Context{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.UserID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID != "" && c.UserID != userID {
		return nil, storage.ErrNotOwned
	}

	stats, err := s.contextStats(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Stats = stats
	return c, nil
}

// contextStats 计算派生统计（任务数、消息数）
func (s *Store) contextStats(ctx context.Context, contextID string) (*model.ContextStats, error) {
	stats := &model.ContextStats{}
	taskQ := s.rebind(`SELECT COUNT(*) FROM tasks WHERE context_id = $1`)
	if err := s.db.QueryRowContext(ctx, taskQ, contextID).Scan(&stats.TaskCount); err != nil {
		return nil, err
	}
	msgQ := s.rebind(`SELECT COUNT(*) FROM messages WHERE context_id = $1`)
	if err := s.db.QueryRowContext(ctx, msgQ, contextID).Scan(&stats.MessageCount); err != nil {
		return nil, err
	}
	return stats, nil
}

// ListContexts 按更新时间倒序列出用户的上下文
func (s *Store) ListContexts(ctx context.Context, userID string, limit, offset int) ([]*model.Context, error) {
	query := s.rebind(`
		SELECT id, user_id, name, created_at, updated_at
		FROM contexts WHERE user_id = $1
		ORDER BY updated_at DESC LIMIT $2 OFFSET $3
	`)
	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contexts []*model.Context
	for rows.Next() {
		c := &model.Context{}
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		contexts = append(contexts, c)
	}
	return contexts, rows.Err()
}

// RenameContext 修改上下文显示名
func (s *Store) RenameContext(ctx context.Context, id, userID, name string) error {
	query := s.rebind(`UPDATE contexts SET name = $1, updated_at = $2 WHERE id = $3 AND user_id = $4`)
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, name, time.Now().UTC(), id, userID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// DeleteContext 删除上下文及其全部附属实体
//
// 显式级联删除：SQLite 外键可能未启用级联（历史数据库），
// 在事务内逐层清理，保证与 PostgreSQL 行为一致。
func (s *Store) DeleteContext(ctx context.Context, id, userID string) error {
	return withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var ownerID string
			err := tx.QueryRow(s.rebind(`SELECT user_id FROM contexts WHERE id = $1`), id).Scan(&ownerID)
			if err == sql.ErrNoRows {
				return storage.ErrNotFound
			}
			if err != nil {
				return err
			}
			if userID != "" && ownerID != userID {
				return storage.ErrNotOwned
			}

			statements := []string{
				`DELETE FROM message_parts WHERE message_id IN (SELECT id FROM messages WHERE context_id = $1)`,
				`DELETE FROM messages WHERE context_id = $1`,
				`DELETE FROM artifact_parts WHERE artifact_id IN (SELECT id FROM artifacts WHERE context_id = $1)`,
				`DELETE FROM artifacts WHERE context_id = $1`,
				`DELETE FROM execution_steps WHERE task_id IN (SELECT id FROM tasks WHERE context_id = $1)`,
				`DELETE FROM tasks WHERE context_id = $1`,
				`DELETE FROM contexts WHERE id = $1`,
			}
			for _, stmt := range statements {
				if _, err := tx.Exec(s.rebind(stmt), id); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// DeleteContextsByUser 删除用户的全部上下文（用户删除时级联）
func (s *Store) DeleteContextsByUser(ctx context.Context, userID string) error {
	contexts, err := s.ListContexts(ctx, userID, 10000, 0)
	if err != nil {
		return err
	}
	for _, c := range contexts {
		if err := s.DeleteContext(ctx, c.ID, userID); err != nil {
			return err
		}
	}
	return nil
}
