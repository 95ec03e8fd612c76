package postgres

import (
	"strings"
	"testing"

	"agents-exec/internal/shared/storage/dbutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialect_Properties(t *testing.T) {
	d := NewDialect()
	assert.Equal(t, dbutil.DriverPostgres, d.DriverType())
	assert.True(t, d.SupportsRowLock())
	assert.Equal(t, "NOW()", d.CurrentTimestamp())
}

// TestAutoMigrate_SchemaCoversRepositoryTables 建表语句覆盖仓储层全部表
func TestAutoMigrate_SchemaCoversRepositoryTables(t *testing.T) {
	ddl := strings.Join(schemaStatements, "\n")
	for _, table := range []string{
		"contexts", "tasks", "messages", "message_parts",
		"artifacts", "artifact_parts", "execution_steps", "services",
	} {
		assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS "+table+" ",
			"missing table %s", table)
	}
	// 消息顺序唯一约束与仓储层的冲突语义绑定
	require.Contains(t, ddl, "UNIQUE (task_id, sequence_number)")
}
