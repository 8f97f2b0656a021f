package tasks

import (
	"context"
	"fmt"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS upload_tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    release_id TEXT NOT NULL UNIQUE,
    title TEXT,
    media_type TEXT NOT NULL,
    share_mode TEXT NOT NULL,
    expected_count INTEGER NOT NULL,
    status TEXT NOT NULL,
    uploading_files TEXT NOT NULL DEFAULT '[]',
    completed_files TEXT NOT NULL DEFAULT '[]',
    failed_files TEXT NOT NULL DEFAULT '[]',
    retry_count INTEGER NOT NULL DEFAULT 0,
    share_attempts INTEGER NOT NULL DEFAULT 0,
    share_history TEXT NOT NULL DEFAULT '[]',
    share_url TEXT,
    share_code TEXT,
    receive_code TEXT,
    last_error TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`

var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_upload_tasks_status ON upload_tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_upload_tasks_created_at ON upload_tasks(created_at)`,
}

// migrationColumns lists columns added after the initial schema so older
// databases upgrade in place.
var migrationColumns = map[string]string{
	"failed_files": `ALTER TABLE upload_tasks ADD COLUMN failed_files TEXT NOT NULL DEFAULT '[]'`,
	"last_error":   `ALTER TABLE upload_tasks ADD COLUMN last_error TEXT`,
	"receive_code": `ALTER TABLE upload_tasks ADD COLUMN receive_code TEXT`,
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create upload_tasks table: %w", err)
	}
	if err := s.migrateColumns(ctx); err != nil {
		return err
	}
	for _, stmt := range schemaIndexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (s *Store) migrateColumns(ctx context.Context) error {
	existing, err := s.tableColumns(ctx, "upload_tasks")
	if err != nil {
		return err
	}
	for column, stmt := range migrationColumns {
		if _, ok := existing[column]; ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s: %w", column, err)
		}
	}
	return nil
}

func (s *Store) tableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]struct{})
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	return columns, rows.Err()
}
