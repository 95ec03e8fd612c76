// Package repository ExecutionStep 相关的存储操作
package repository

import (
	"context"
	"time"

	"agents-exec/internal/shared/model"
	"agents-exec/internal/shared/storage"
)

// CreateStep 追加执行步骤（按任务维度追加式日志）
func (s *Store) CreateStep(ctx context.Context, step *model.ExecutionStep) error {
	now := time.Now().UTC()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	step.UpdatedAt = now

	var input, output any
	if len(step.Input) > 0 {
		input = []byte(step.Input)
	}
	if len(step.Output) > 0 {
		output = []byte(step.Output)
	}

	query := s.rebind(`
		INSERT INTO execution_steps (id, task_id, kind, status, input, output, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, step.ID, step.TaskID, step.Kind, step.Status,
			input, output, step.CreatedAt, step.UpdatedAt)
		return err
	})
}

// UpdateStep 更新步骤状态与输出
func (s *Store) UpdateStep(ctx context.Context, stepID string, status model.StepStatus, output []byte) error {
	var out any
	if len(output) > 0 {
		out = output
	}
	query := s.rebind(`UPDATE execution_steps SET status = $1, output = $2, updated_at = $3 WHERE id = $4`)
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, status, out, time.Now().UTC(), stepID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// ListSteps 按创建顺序列出任务的执行步骤
func (s *Store) ListSteps(ctx context.Context, taskID string) ([]*model.ExecutionStep, error) {
	query := s.rebind(`
		SELECT id, task_id, kind, status, input, output, created_at, updated_at
		FROM execution_steps WHERE task_id = $1 ORDER BY created_at, id
	`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*model.ExecutionStep
	for rows.Next() {
		step := &model.ExecutionStep{}
		var input, output []byte
		if err := rows.Scan(&step.ID, &step.TaskID, &step.Kind, &step.Status,
			&input, &output, &step.CreatedAt, &step.UpdatedAt); err != nil {
			return nil, err
		}
		if len(input) > 0 {
			step.Input = input
		}
		if len(output) > 0 {
			step.Output = output
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
