// Package repository Message 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"agents-exec/internal/shared/model"
)

// nextSequenceNumberTx 在事务内分配下一个消息序号
//
// 序号从 1 起严格递增且连续。PostgreSQL 下对任务行加 FOR UPDATE 锁
// 串行化并发分配；SQLite 的写事务本身互斥，无需行锁。
func (s *Store) nextSequenceNumberTx(tx *sql.Tx, taskID string) (int32, error) {
	if s.dialect.SupportsRowLock() {
		var id string
		lock := s.rebind(`SELECT id FROM tasks WHERE id = $1 FOR UPDATE`)
		if err := tx.QueryRow(lock, taskID).Scan(&id); err != nil {
			return 0, err
		}
	}

	var maxSeq int32
	query := s.rebind(`SELECT COALESCE(MAX(sequence_number), 0) FROM messages WHERE task_id = $1`)
	if err := tx.QueryRow(query, taskID).Scan(&maxSeq); err != nil {
		return 0, err
	}
	return maxSeq + 1, nil
}

// insertMessageTx 在事务内插入消息及其片段，序号由事务内分配
func (s *Store) insertMessageTx(tx *sql.Tx, msg *model.Message) error {
	seq, err := s.nextSequenceNumberTx(tx, msg.TaskID)
	if err != nil {
		return err
	}
	msg.SequenceNumber = seq

	query := s.rebind(`
		INSERT INTO messages (id, task_id, context_id, role, sequence_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if _, err := tx.Exec(query, msg.ID, msg.TaskID, msg.ContextID, msg.Role, msg.SequenceNumber, msg.CreatedAt); err != nil {
		return err
	}
	return s.insertPartsTx(tx, "message_parts", "message_id", msg.ID, msg.Parts)
}

// insertPartsTx 插入片段列表（messages 和 artifacts 共用）
func (s *Store) insertPartsTx(tx *sql.Tx, table, fkColumn, ownerID string, parts []model.Part) error {
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO %s (%s, idx, kind, text, data, file_id, mime_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, table, fkColumn))
	for i, p := range parts {
		var data any
		if len(p.Data) > 0 {
			data = []byte(p.Data)
		}
		if _, err := tx.Exec(query, ownerID, i, p.Kind, nullString(p.Text), data,
			nullString(p.FileID), nullString(p.MimeType)); err != nil {
			return err
		}
	}
	return nil
}

// loadParts 按 idx 顺序加载片段列表
func (s *Store) loadParts(ctx context.Context, table, fkColumn, ownerID string) ([]model.Part, error) {
	query := s.rebind(fmt.Sprintf(`
		SELECT kind, text, data, file_id, mime_type FROM %s WHERE %s = $1 ORDER BY idx
	`, table, fkColumn))
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []model.Part
	for rows.Next() {
		var p model.Part
		var text, fileID, mimeType sql.NullString
		var data []byte
		if err := rows.Scan(&p.Kind, &text, &data, &fileID, &mimeType); err != nil {
			return nil, err
		}
		p.Text = text.String
		p.FileID = fileID.String
		p.MimeType = mimeType.String
		if len(data) > 0 {
			p.Data = data
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// ListMessages 按序号顺序列出任务的全部消息
func (s *Store) ListMessages(ctx context.Context, taskID string) ([]*model.Message, error) {
	query := s.rebind(`
		SELECT id, task_id, context_id, role, sequence_number, created_at
		FROM messages WHERE task_id = $1 ORDER BY sequence_number
	`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		msg := &model.Message{}
		if err := rows.Scan(&msg.ID, &msg.TaskID, &msg.ContextID, &msg.Role, &msg.SequenceNumber, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, msg := range messages {
		parts, err := s.loadParts(ctx, "message_parts", "message_id", msg.ID)
		if err != nil {
			return nil, err
		}
		msg.Parts = parts
	}
	return messages, nil
}
