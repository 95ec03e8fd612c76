// Package repository Task 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"agents-exec/internal/shared/model"
	"agents-exec/internal/shared/storage"
)

// SubmitTask 提交新任务
//
// 在单个事务内：
//  1. 校验上下文存在且属主与任务一致（跨用户提交被拒绝）
//  2. 插入任务行（状态 submitted）
//  3. 插入初始用户消息（序号从 1 开始）
func (s *Store) SubmitTask(ctx context.Context, task *model.Task) error {
	return withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var ownerID string
			query := s.rebind(`SELECT user_id FROM contexts WHERE id = $1`)
			err := tx.QueryRow(query, task.ContextID).Scan(&ownerID)
			if err == sql.ErrNoRows {
				return storage.ErrNotFound
			}
			if err != nil {
				return err
			}
			if ownerID != task.UserID {
				return storage.ErrNotOwned
			}

			now := time.Now().UTC()
			task.State = model.TaskStateSubmitted
			task.CreatedAt = now
			task.UpdatedAt = now

			insert := s.rebind(`
				INSERT INTO tasks (id, context_id, user_id, agent_name, state, metadata, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`)
			if _, err := tx.Exec(insert, task.ID, task.ContextID, task.UserID, task.AgentName,
				task.State, []byte(task.MetadataJSON()), task.CreatedAt, task.UpdatedAt); err != nil {
				return err
			}

			for _, msg := range task.History {
				msg.TaskID = task.ID
				msg.ContextID = task.ContextID
				if msg.CreatedAt.IsZero() {
					msg.CreatedAt = now
				}
				if err := s.insertMessageTx(tx, msg); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// GetTask 获取任务（含消息历史与产物）
//
// userID 非空时执行属主校验，跨用户访问返回 ErrNotOwned。
func (s *Store) GetTask(ctx context.Context, id, userID string) (*model.Task, error) {
	query := s.rebind(`
		SELECT id, context_id, user_id, agent_name, state, metadata, created_at, updated_at
		FROM tasks WHERE id = $1
	`)
	task := &model.Task{}
	var metadataJSON []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&task.ID, &task.ContextID, &task.UserID, &task.AgentName, &task.State,
		&metadataJSON, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID != "" && task.UserID != userID {
		return nil, storage.ErrNotOwned
	}
	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		json.Unmarshal(metadataJSON, &task.Metadata)
	}

	if task.History, err = s.ListMessages(ctx, task.ID); err != nil {
		return nil, err
	}
	if task.Artifacts, err = s.ListArtifacts(ctx, task.ID); err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasksByContext 按更新时间倒序列出上下文内的任务（不加载附属实体）
func (s *Store) ListTasksByContext(ctx context.Context, contextID, userID string, limit, offset int) ([]*model.Task, error) {
	query := s.rebind(`
		SELECT id, context_id, user_id, agent_name, state, metadata, created_at, updated_at
		FROM tasks WHERE context_id = $1 AND user_id = $2
		ORDER BY updated_at DESC LIMIT $3 OFFSET $4
	`)
	rows, err := s.db.QueryContext(ctx, query, contextID, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task := &model.Task{}
		var metadataJSON []byte
		if err := rows.Scan(&task.ID, &task.ContextID, &task.UserID, &task.AgentName,
			&task.State, &metadataJSON, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
			json.Unmarshal(metadataJSON, &task.Metadata)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// lockTaskStateTx 在事务内读取任务当前状态（PostgreSQL 下加行锁）
func (s *Store) lockTaskStateTx(tx *sql.Tx, taskID string) (model.TaskState, error) {
	query := `SELECT state FROM tasks WHERE id = $1`
	if s.dialect.SupportsRowLock() {
		query += ` FOR UPDATE`
	}
	var state model.TaskState
	err := tx.QueryRow(s.rebind(query), taskID).Scan(&state)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	return state, err
}

// validateTransitionTx 校验状态迁移合法性
//
// 终止态只能到达一次：已终止的任务拒绝任何迁移（ErrTaskTerminal）；
// 其余非法迁移返回 ErrConflict。
func validateTransitionTx(current, next model.TaskState) error {
	if current == next {
		return nil
	}
	if current.IsTerminal() {
		return storage.ErrTaskTerminal
	}
	if !current.CanTransitionTo(next) {
		return storage.ErrConflict
	}
	return nil
}

// UpdateTaskState 更新任务状态（带迁移校验）
func (s *Store) UpdateTaskState(ctx context.Context, taskID string, state model.TaskState) error {
	return withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			current, err := s.lockTaskStateTx(tx, taskID)
			if err != nil {
				return err
			}
			if err := validateTransitionTx(current, state); err != nil {
				return err
			}
			query := s.rebind(`UPDATE tasks SET state = $1, updated_at = $2 WHERE id = $3`)
			_, err = tx.Exec(query, state, time.Now().UTC(), taskID)
			return err
		})
	})
}

// UpdateTaskAndSaveMessages 原子落库：状态迁移 + 追加消息 + 元数据
//
// 执行引擎在任务完成/失败/暂停时调用，保证状态与消息历史
// 在同一事务内一致可见。metadata 为 nil 时保留原值。
func (s *Store) UpdateTaskAndSaveMessages(ctx context.Context, taskID string, state model.TaskState, messages []*model.Message, metadata map[string]any) error {
	return withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			current, err := s.lockTaskStateTx(tx, taskID)
			if err != nil {
				return err
			}
			if err := validateTransitionTx(current, state); err != nil {
				return err
			}

			var taskContextID string
			if err := tx.QueryRow(s.rebind(`SELECT context_id FROM tasks WHERE id = $1`), taskID).Scan(&taskContextID); err != nil {
				return err
			}

			now := time.Now().UTC()
			for _, msg := range messages {
				msg.TaskID = taskID
				if msg.ContextID == "" {
					msg.ContextID = taskContextID
				}
				if msg.CreatedAt.IsZero() {
					msg.CreatedAt = now
				}
				if err := s.insertMessageTx(tx, msg); err != nil {
					return err
				}
			}

			if metadata != nil {
				metadataJSON, _ := json.Marshal(metadata)
				query := s.rebind(`UPDATE tasks SET state = $1, metadata = $2, updated_at = $3 WHERE id = $4`)
				_, err = tx.Exec(query, state, metadataJSON, now, taskID)
				return err
			}
			query := s.rebind(`UPDATE tasks SET state = $1, updated_at = $2 WHERE id = $3`)
			_, err = tx.Exec(query, state, now, taskID)
			return err
		})
	})
}

// MarkTaskFailed 将任务标记为失败并记录错误信息
//
// 任务已处于终止态时为幂等空操作（终止态只到达一次）。
func (s *Store) MarkTaskFailed(ctx context.Context, taskID, code, message string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.lockTaskStateTx(tx, taskID)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			return storage.ErrTaskTerminal
		}

		var metadataJSON []byte
		if err := tx.QueryRow(s.rebind(`SELECT metadata FROM tasks WHERE id = $1`), taskID).Scan(&metadataJSON); err != nil {
			return err
		}
		metadata := map[string]any{}
		if len(metadataJSON) > 0 {
			json.Unmarshal(metadataJSON, &metadata)
		}
		metadata["error_code"] = code
		metadata["error_message"] = message
		updated, _ := json.Marshal(metadata)

		query := s.rebind(`UPDATE tasks SET state = $1, metadata = $2, updated_at = $3 WHERE id = $4`)
		_, err = tx.Exec(query, model.TaskStateFailed, updated, time.Now().UTC(), taskID)
		return err
	})
	if errors.Is(err, storage.ErrTaskTerminal) {
		return nil
	}
	return err
}
