// Package postgres PostgreSQL 数据库驱动
//
// 提供 PostgreSQL 连接管理和方言实现。
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"agents-exec/internal/shared/storage/dbutil"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect PostgreSQL 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverPostgres
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.RebindToPositional(query)
}

func (d *Dialect) CurrentTimestamp() string {
	return "NOW()"
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	result := fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET ", conflictColumn)
	for i, expr := range updateExprs {
		if i > 0 {
			result += ", "
		}
		result += expr
	}
	return result
}

func (d *Dialect) SupportsRowLock() bool {
	return true
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

// Open 创建 PostgreSQL 数据库连接
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// NewDialect 创建 PostgreSQL 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schemaStatements PostgreSQL 完整建表语句（与 SQLite schema 等价）
//
// pgx 的 database/sql 适配默认用扩展协议，一条 Exec 只接受一个语句，
// 因此按语句拆分逐条执行。
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS contexts (
	    id VARCHAR(64) PRIMARY KEY,
	    user_id VARCHAR(64) NOT NULL,
	    name VARCHAR(200),
	    created_at TIMESTAMPTZ DEFAULT NOW(),
	    updated_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contexts_user ON contexts(user_id)`,

	`CREATE TABLE IF NOT EXISTS tasks (
	    id VARCHAR(64) PRIMARY KEY,
	    context_id VARCHAR(64) NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
	    user_id VARCHAR(64) NOT NULL,
	    agent_name VARCHAR(200),
	    state VARCHAR(32) DEFAULT 'pending',
	    metadata JSONB DEFAULT '{}',
	    created_at TIMESTAMPTZ DEFAULT NOW(),
	    updated_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_context_updated ON tasks(context_id, updated_at)`,

	`CREATE TABLE IF NOT EXISTS messages (
	    id VARCHAR(64) PRIMARY KEY,
	    task_id VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	    context_id VARCHAR(64) NOT NULL,
	    role VARCHAR(16) NOT NULL,
	    sequence_number INTEGER NOT NULL,
	    created_at TIMESTAMPTZ DEFAULT NOW(),
	    UNIQUE (task_id, sequence_number)
	)`,

	`CREATE TABLE IF NOT EXISTS message_parts (
	    id BIGSERIAL PRIMARY KEY,
	    message_id VARCHAR(64) NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	    idx INTEGER NOT NULL,
	    kind VARCHAR(16) NOT NULL,
	    text TEXT,
	    data TEXT,
	    file_id VARCHAR(200),
	    mime_type VARCHAR(100)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_parts_message ON message_parts(message_id, idx)`,

	`CREATE TABLE IF NOT EXISTS artifacts (
	    id VARCHAR(64) PRIMARY KEY,
	    task_id VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	    context_id VARCHAR(64) NOT NULL,
	    type VARCHAR(32) NOT NULL,
	    metadata JSONB DEFAULT '{}',
	    created_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id)`,

	`CREATE TABLE IF NOT EXISTS artifact_parts (
	    id BIGSERIAL PRIMARY KEY,
	    artifact_id VARCHAR(64) NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
	    idx INTEGER NOT NULL,
	    kind VARCHAR(16) NOT NULL,
	    text TEXT,
	    data TEXT,
	    file_id VARCHAR(200),
	    mime_type VARCHAR(100)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifact_parts_artifact ON artifact_parts(artifact_id, idx)`,

	`CREATE TABLE IF NOT EXISTS execution_steps (
	    id VARCHAR(64) PRIMARY KEY,
	    task_id VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	    kind VARCHAR(32) NOT NULL,
	    status VARCHAR(16) DEFAULT 'pending',
	    input TEXT,
	    output TEXT,
	    created_at TIMESTAMPTZ DEFAULT NOW(),
	    updated_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_steps_task ON execution_steps(task_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS services (
	    name VARCHAR(200) PRIMARY KEY,
	    kind VARCHAR(16) NOT NULL,
	    port INTEGER NOT NULL,
	    pid INTEGER,
	    status VARCHAR(16) DEFAULT 'stopped',
	    started_at TIMESTAMPTZ,
	    updated_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_services_status ON services(status)`,
}
