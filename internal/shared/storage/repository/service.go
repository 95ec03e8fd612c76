// Package repository Service（受管进程）相关的存储操作
//
// services 表单写多读：生命周期管理器是唯一写入者。
package repository

import (
	"context"
	"database/sql"
	"time"

	"agents-exec/internal/shared/model"
	"agents-exec/internal/shared/storage"
)

// UpsertService 创建或更新受管进程行
func (s *Store) UpsertService(ctx context.Context, svc *model.Service) error {
	svc.UpdatedAt = time.Now().UTC()
	query := s.rebind(`
		INSERT INTO services (name, kind, port, pid, status, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		` + s.dialect.UpsertConflict("name", []string{
		"kind = EXCLUDED.kind",
		"port = EXCLUDED.port",
		"pid = EXCLUDED.pid",
		"status = EXCLUDED.status",
		"started_at = EXCLUDED.started_at",
		"updated_at = EXCLUDED.updated_at",
	}))
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, svc.Name, svc.Kind, svc.Port, svc.PID,
			svc.Status, svc.StartedAt, svc.UpdatedAt)
		return err
	})
}

// GetService 获取受管进程行
func (s *Store) GetService(ctx context.Context, name string) (*model.Service, error) {
	query := s.rebind(`SELECT name, kind, port, pid, status, started_at, updated_at FROM services WHERE name = $1`)
	svc := &model.Service{}
	var pid sql.NullInt64
	var startedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&svc.Name, &svc.Kind, &svc.Port, &pid, &svc.Status, &startedAt, &svc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pid.Valid {
		p := int(pid.Int64)
		svc.PID = &p
	}
	if startedAt.Valid {
		t := startedAt.Time
		svc.StartedAt = &t
	}
	return svc, nil
}

// ListServices 列出全部受管进程；status 非空时按状态过滤
func (s *Store) ListServices(ctx context.Context, status model.ServiceStatus) ([]*model.Service, error) {
	var query string
	var args []any
	if status != "" {
		query = s.rebind(`SELECT name, kind, port, pid, status, started_at, updated_at FROM services WHERE status = $1 ORDER BY name`)
		args = []any{status}
	} else {
		query = s.rebind(`SELECT name, kind, port, pid, status, started_at, updated_at FROM services ORDER BY name`)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []*model.Service
	for rows.Next() {
		svc := &model.Service{}
		var pid sql.NullInt64
		var startedAt sql.NullTime
		if err := rows.Scan(&svc.Name, &svc.Kind, &svc.Port, &pid, &svc.Status, &startedAt, &svc.UpdatedAt); err != nil {
			return nil, err
		}
		if pid.Valid {
			p := int(pid.Int64)
			svc.PID = &p
		}
		if startedAt.Valid {
			t := startedAt.Time
			svc.StartedAt = &t
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// UpdateServiceStatus 更新进程状态与 PID
//
// pid 为 nil 时清除 PID 列（进程已退出）。
func (s *Store) UpdateServiceStatus(ctx context.Context, name string, status model.ServiceStatus, pid *int) error {
	now := time.Now().UTC()
	var query string
	var args []any
	if status == model.ServiceStatusRunning {
		query = s.rebind(`UPDATE services SET status = $1, pid = $2, started_at = $3, updated_at = $4 WHERE name = $5`)
		args = []any{status, pid, now, now, name}
	} else {
		query = s.rebind(`UPDATE services SET status = $1, pid = $2, updated_at = $3 WHERE name = $4`)
		args = []any{status, pid, now, name}
	}
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// DeleteService 删除进程行（配置中已移除的服务）
func (s *Store) DeleteService(ctx context.Context, name string) error {
	query := s.rebind(`DELETE FROM services WHERE name = $1`)
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, name)
		return err
	})
}
