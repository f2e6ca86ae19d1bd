package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator 把内嵌的 SQL 脚本依次灌进检查库。
// 001_init.sql 建立全部基线表（users/targets/sessions/images/verdicts/
// verifications/audit_logs/reports/system_config）；后续脚本只允许追加，
// schema_meta 里的 schema_version 随脚本一起更新。
type Migrator struct {
	db *sql.DB
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Up 按文件名字典序执行 migrations 下的 .sql 文件（001_xxx.sql → 002_xxx.sql）。
// 脚本整体要求可重复执行（CREATE ... IF NOT EXISTS / ON CONFLICT），
// 所以这里不单独记录已执行清单。
func (m *Migrator) Up(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := migrationFS.ReadFile(filepath.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := m.db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	return nil
}
