package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"skylift/internal/config"
)

// Store is the SQLite-backed record store.
type Store struct {
	db   *sql.DB
	path string
}

var _ RecordStore = (*Store)(nil)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS transfer_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    release_id TEXT NOT NULL,
    source_path TEXT NOT NULL,
    origin_path TEXT NOT NULL DEFAULT '',
    dest_path TEXT NOT NULL,
    dest_storage TEXT NOT NULL,
    status TEXT NOT NULL,
    remote_id TEXT NOT NULL DEFAULT '',
    retrieval_code TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`

var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_transfer_records_release ON transfer_records(release_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_records_source ON transfer_records(source_path, dest_storage)`,
}

// Open initializes or connects to the record database under the data dir.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.DataDir, "records.db"))
}

// OpenPath opens a record database at an explicit path.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if _, err := db.Exec(createTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create transfer_records table: %w", err)
	}
	if err := store.migrateColumns(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, stmt := range schemaIndexes {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}
	return store, nil
}

// migrationColumns lists columns added after the initial schema so older
// databases upgrade in place.
var migrationColumns = map[string]string{
	"origin_path": `ALTER TABLE transfer_records ADD COLUMN origin_path TEXT NOT NULL DEFAULT ''`,
}

func (s *Store) migrateColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(transfer_records)")
	if err != nil {
		return fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]struct{})
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
			return fmt.Errorf("scan table info: %w", err)
		}
		existing[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
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

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordColumns = "id, release_id, source_path, origin_path, dest_path, dest_storage, status, remote_id, retrieval_code, size, error_message, created_at, updated_at"

// Insert adds a transfer record and returns its identifier.
func (s *Store) Insert(ctx context.Context, record *TransferRecord) (int64, error) {
	if record == nil {
		return 0, errors.New("record is nil")
	}
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	status := record.Status
	if status == "" {
		status = RecordPending
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO transfer_records (
            release_id, source_path, origin_path, dest_path, dest_storage, status,
            remote_id, retrieval_code, size, error_message, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ReleaseID,
		record.SourcePath,
		record.OriginPath,
		record.DestPath,
		string(record.DestStorage),
		string(status),
		record.RemoteID,
		record.RetrievalCode,
		record.Size,
		record.ErrorMessage,
		timestamp,
		timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	record.ID = id
	record.Status = status
	record.CreatedAt = now
	record.UpdatedAt = now
	return id, nil
}

// ListByReleaseID returns every record for a release ordered by creation.
func (s *Store) ListByReleaseID(ctx context.Context, releaseID string) ([]*TransferRecord, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM transfer_records WHERE release_id = ? ORDER BY created_at, id`, releaseID)
}

// GetBySourcePath returns the most recent record for a source path in the
// given storage, or (nil, nil) when none exists.
func (s *Store) GetBySourcePath(ctx context.Context, sourcePath string, storage Storage) (*TransferRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+recordColumns+` FROM transfer_records WHERE source_path = ? AND dest_storage = ? ORDER BY id DESC LIMIT 1`,
		sourcePath,
		string(storage),
	)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record by source path: %w", err)
	}
	return record, nil
}

// UpdateBySourcePath applies the non-nil fields of update to every record
// matching the source path. Records are always addressed by source path, not
// by release id, because a release spans many files.
func (s *Store) UpdateBySourcePath(ctx context.Context, sourcePath string, update RecordUpdate) error {
	var (
		sets []string
		args []any
	)
	if update.DestPath != nil {
		sets = append(sets, "dest_path = ?")
		args = append(args, *update.DestPath)
	}
	if update.DestStorage != nil {
		sets = append(sets, "dest_storage = ?")
		args = append(args, string(*update.DestStorage))
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.RemoteID != nil {
		sets = append(sets, "remote_id = ?")
		args = append(args, *update.RemoteID)
	}
	if update.RetrievalCode != nil {
		sets = append(sets, "retrieval_code = ?")
		args = append(args, *update.RetrievalCode)
	}
	if update.Size != nil {
		sets = append(sets, "size = ?")
		args = append(args, *update.Size)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	args = append(args, sourcePath)

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE transfer_records SET `+strings.Join(sets, ", ")+` WHERE source_path = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update record by source path: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no record for source path %s", sourcePath)
	}
	return nil
}

// Delete removes a record by identifier.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transfer_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// CountRemote counts confirmed remote uploads for a release: remote storage,
// success status, and a non-empty remote handle.
func (s *Store) CountRemote(ctx context.Context, releaseID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM transfer_records
         WHERE release_id = ? AND dest_storage = ? AND status = ? AND remote_id != ''`,
		releaseID,
		string(StorageRemote),
		string(RecordSuccess),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count remote records: %w", err)
	}
	return count, nil
}

// ListDirty returns records claiming remote storage without a remote handle.
func (s *Store) ListDirty(ctx context.Context, releaseID string) ([]*TransferRecord, error) {
	return s.list(
		ctx,
		`SELECT `+recordColumns+` FROM transfer_records
         WHERE release_id = ? AND dest_storage = ? AND remote_id = '' ORDER BY created_at, id`,
		releaseID,
		string(StorageRemote),
	)
}

// ListByDestDir returns records whose destination path sits directly in the
// given remote directory. Used for superseded-version detection.
func (s *Store) ListByDestDir(ctx context.Context, destDir string) ([]*TransferRecord, error) {
	prefix := strings.TrimSuffix(destDir, "/") + "/"
	recs, err := s.list(
		ctx,
		`SELECT `+recordColumns+` FROM transfer_records WHERE dest_path LIKE ? ORDER BY created_at, id`,
		prefix+"%",
	)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		rest := strings.TrimPrefix(rec.DestPath, prefix)
		if rest != "" && !strings.Contains(rest, "/") {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ListFailed returns failed records for a release.
func (s *Store) ListFailed(ctx context.Context, releaseID string) ([]*TransferRecord, error) {
	return s.list(
		ctx,
		`SELECT `+recordColumns+` FROM transfer_records WHERE release_id = ? AND status = ? ORDER BY created_at, id`,
		releaseID,
		string(RecordFailed),
	)
}

// ListBySourceDir returns records whose source path sits under the given
// local directory. Used to recover a missing release id from siblings.
func (s *Store) ListBySourceDir(ctx context.Context, sourceDir string) ([]*TransferRecord, error) {
	prefix := strings.TrimSuffix(sourceDir, string(filepath.Separator)) + string(filepath.Separator)
	return s.list(
		ctx,
		`SELECT `+recordColumns+` FROM transfer_records WHERE source_path LIKE ? ORDER BY created_at, id`,
		prefix+"%",
	)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*TransferRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*TransferRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*TransferRecord, error) {
	var (
		record     TransferRecord
		storage    string
		status     string
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(
		&record.ID,
		&record.ReleaseID,
		&record.SourcePath,
		&record.OriginPath,
		&record.DestPath,
		&storage,
		&status,
		&record.RemoteID,
		&record.RetrievalCode,
		&record.Size,
		&record.ErrorMessage,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	record.DestStorage = Storage(storage)
	record.Status = RecordStatus(status)
	if created, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		record.CreatedAt = created
	}
	if updated, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
		record.UpdatedAt = updated
	}
	return &record, nil
}
