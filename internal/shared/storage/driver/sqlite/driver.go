// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和轻量级部署场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"agents-exec/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
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
	return false
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:agents.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（等价于 PostgreSQL 迁移文件）
const schema = `
-- contexts
CREATE TABLE IF NOT EXISTS contexts (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    name VARCHAR(200),
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_contexts_user ON contexts(user_id);

-- tasks
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(64) PRIMARY KEY,
    context_id VARCHAR(64) NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
    user_id VARCHAR(64) NOT NULL,
    agent_name VARCHAR(200),
    state VARCHAR(32) DEFAULT 'pending',
    metadata TEXT DEFAULT '{}',
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tasks_context_updated ON tasks(context_id, updated_at);

-- messages
CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    context_id VARCHAR(64) NOT NULL,
    role VARCHAR(16) NOT NULL,
    sequence_number INTEGER NOT NULL,
    created_at DATETIME DEFAULT (datetime('now')),
    UNIQUE (task_id, sequence_number)
);

-- message_parts
CREATE TABLE IF NOT EXISTS message_parts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id VARCHAR(64) NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    idx INTEGER NOT NULL,
    kind VARCHAR(16) NOT NULL,
    text TEXT,
    data TEXT,
    file_id VARCHAR(200),
    mime_type VARCHAR(100)
);

CREATE INDEX IF NOT EXISTS idx_message_parts_message ON message_parts(message_id, idx);

-- artifacts
CREATE TABLE IF NOT EXISTS artifacts (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    context_id VARCHAR(64) NOT NULL,
    type VARCHAR(32) NOT NULL,
    metadata TEXT DEFAULT '{}',
    created_at DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id);

-- artifact_parts
CREATE TABLE IF NOT EXISTS artifact_parts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    artifact_id VARCHAR(64) NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
    idx INTEGER NOT NULL,
    kind VARCHAR(16) NOT NULL,
    text TEXT,
    data TEXT,
    file_id VARCHAR(200),
    mime_type VARCHAR(100)
);

CREATE INDEX IF NOT EXISTS idx_artifact_parts_artifact ON artifact_parts(artifact_id, idx);

-- execution_steps
CREATE TABLE IF NOT EXISTS execution_steps (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    kind VARCHAR(32) NOT NULL,
    status VARCHAR(16) DEFAULT 'pending',
    input TEXT,
    output TEXT,
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_execution_steps_task ON execution_steps(task_id, created_at);

-- services
CREATE TABLE IF NOT EXISTS services (
    name VARCHAR(200) PRIMARY KEY,
    kind VARCHAR(16) NOT NULL,
    port INTEGER NOT NULL,
    pid INTEGER,
    status VARCHAR(16) DEFAULT 'stopped',
    started_at DATETIME,
    updated_at DATETIME DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_services_status ON services(status);
`
