// Package repository Artifact 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"agents-exec/internal/shared/model"
	"agents-exec/internal/shared/storage"
)

// PublishArtifacts 发布任务产物（幂等）
//
// 产物按 ID 不可变：同 ID 重复发布被静默忽略（ON CONFLICT DO NOTHING），
// 修订产物由调用方以新 ID + Metadata.Amends 提交。
func (s *Store) PublishArtifacts(ctx context.Context, artifacts []*model.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			insert := s.rebind(`
				INSERT INTO artifacts (id, task_id, context_id, type, metadata, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (id) DO NOTHING
			`)
			for _, art := range artifacts {
				if art.CreatedAt.IsZero() {
					art.CreatedAt = time.Now().UTC()
				}
				res, err := tx.Exec(insert, art.ID, art.TaskID, art.ContextID, art.Type,
					[]byte(art.MetadataJSON()), art.CreatedAt)
				if err != nil {
					return err
				}
				// 冲突即已存在：不可变，跳过片段写入
				if n, err := res.RowsAffected(); err == nil && n == 0 {
					continue
				}
				if err := s.insertPartsTx(tx, "artifact_parts", "artifact_id", art.ID, art.Parts); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// GetArtifact 获取单个产物
func (s *Store) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	query := s.rebind(`
		SELECT id, task_id, context_id, type, metadata, created_at
		FROM artifacts WHERE id = $1
	`)
	art := &model.Artifact{}
	var metadataJSON []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&art.ID, &art.TaskID, &art.ContextID, &art.Type, &metadataJSON, &art.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		json.Unmarshal(metadataJSON, &art.Metadata)
	}
	if art.Parts, err = s.loadParts(ctx, "artifact_parts", "artifact_id", art.ID); err != nil {
		return nil, err
	}
	return art, nil
}

// ListArtifacts 按创建时间顺序列出任务的全部产物
func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]*model.Artifact, error) {
	query := s.rebind(`
		SELECT id, task_id, context_id, type, metadata, created_at
		FROM artifacts WHERE task_id = $1 ORDER BY created_at, id
	`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*model.Artifact
	for rows.Next() {
		art := &model.Artifact{}
		var metadataJSON []byte
		if err := rows.Scan(&art.ID, &art.TaskID, &art.ContextID, &art.Type, &metadataJSON, &art.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
			json.Unmarshal(metadataJSON, &art.Metadata)
		}
		artifacts = append(artifacts, art)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, art := range artifacts {
		if art.Parts, err = s.loadParts(ctx, "artifact_parts", "artifact_id", art.ID); err != nil {
			return nil, err
		}
	}
	return artifacts, nil
}
