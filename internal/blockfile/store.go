// Package blockfile watches the drive's system messages for share-violation
// notices, correlates them to the share log, and keeps a persisted blacklist
// of releases that must not be shared again.
package blockfile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"skylift/internal/config"
)

// Blacklist strategies.
const (
	StrategySkipShare    = "skip_share"
	StrategyDelayedShare = "delayed_share"
)

// Entry is one blacklisted release.
type Entry struct {
	ReleaseID  string
	Title      string
	Reason     string
	Strategy   string
	BlockedAt  time.Time
	RetryAfter time.Time // zero for skip_share
}

// ShareLogEntry records one created share for later violation correlation.
type ShareLogEntry struct {
	ReleaseID string
	Title     string
	FileName  string
	SharedAt  time.Time
}

// Store persists the share log, the blacklist, and the set of processed
// message ids.
type Store struct {
	db   *sql.DB
	path string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS share_log (
        shared_at INTEGER NOT NULL,
        release_id TEXT NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        file_name TEXT NOT NULL DEFAULT ''
    )`,
	`CREATE INDEX IF NOT EXISTS idx_share_log_time ON share_log(shared_at)`,
	`CREATE TABLE IF NOT EXISTS blacklist (
        release_id TEXT PRIMARY KEY,
        title TEXT NOT NULL DEFAULT '',
        reason TEXT NOT NULL DEFAULT '',
        strategy TEXT NOT NULL,
        blocked_at TEXT NOT NULL,
        retry_after TEXT
    )`,
	`CREATE TABLE IF NOT EXISTS processed_messages (
        msg_id TEXT PRIMARY KEY,
        seen_at TEXT NOT NULL
    )`,
}

// Open initializes or connects to the violation state database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.DataDir, "violations.db"))
}

// OpenPath opens the state database at an explicit path.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return &Store{db: db, path: dbPath}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordShare logs a created share for violation correlation.
func (s *Store) RecordShare(ctx context.Context, entry ShareLogEntry) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO share_log (shared_at, release_id, title, file_name) VALUES (?, ?, ?, ?)`,
		entry.SharedAt.UTC().Unix(),
		entry.ReleaseID,
		entry.Title,
		entry.FileName,
	)
	if err != nil {
		return fmt.Errorf("record share: %w", err)
	}
	return nil
}

// LogShare records a share created now for a release.
func (s *Store) LogShare(ctx context.Context, releaseID, title string, at time.Time) error {
	return s.RecordShare(ctx, ShareLogEntry{
		ReleaseID: releaseID,
		Title:     title,
		SharedAt:  at,
	})
}

// FindShareByTime correlates a violation timestamp to a logged share. An
// exact timestamp match wins; otherwise the nearest share within the window
// is returned. No match returns (nil, nil).
func (s *Store) FindShareByTime(ctx context.Context, at time.Time, window time.Duration) (*ShareLogEntry, error) {
	target := at.UTC().Unix()

	if entry, err := s.shareAt(ctx, `shared_at = ?`, target); err != nil || entry != nil {
		return entry, err
	}

	lo := target - int64(window.Seconds())
	hi := target + int64(window.Seconds())
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT shared_at, release_id, title, file_name FROM share_log WHERE shared_at BETWEEN ? AND ?`,
		lo, hi,
	)
	if err != nil {
		return nil, fmt.Errorf("query share window: %w", err)
	}
	defer rows.Close()

	var (
		best      *ShareLogEntry
		bestDelta int64
	)
	for rows.Next() {
		var (
			ts    int64
			entry ShareLogEntry
		)
		if err := rows.Scan(&ts, &entry.ReleaseID, &entry.Title, &entry.FileName); err != nil {
			return nil, fmt.Errorf("scan share log: %w", err)
		}
		entry.SharedAt = time.Unix(ts, 0).UTC()
		delta := ts - target
		if delta < 0 {
			delta = -delta
		}
		if best == nil || delta < bestDelta {
			e := entry
			best = &e
			bestDelta = delta
		}
	}
	return best, rows.Err()
}

func (s *Store) shareAt(ctx context.Context, where string, args ...any) (*ShareLogEntry, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT shared_at, release_id, title, file_name FROM share_log WHERE `+where+` LIMIT 1`,
		args...,
	)
	var (
		ts    int64
		entry ShareLogEntry
	)
	err := row.Scan(&ts, &entry.ReleaseID, &entry.Title, &entry.FileName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan share log: %w", err)
	}
	entry.SharedAt = time.Unix(ts, 0).UTC()
	return &entry, nil
}

// Block adds or replaces a blacklist entry.
func (s *Store) Block(ctx context.Context, entry Entry) error {
	var retryAfter any
	if !entry.RetryAfter.IsZero() {
		retryAfter = entry.RetryAfter.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO blacklist (release_id, title, reason, strategy, blocked_at, retry_after)
         VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ReleaseID,
		entry.Title,
		entry.Reason,
		entry.Strategy,
		time.Now().UTC().Format(time.RFC3339Nano),
		retryAfter,
	)
	if err != nil {
		return fmt.Errorf("block release: %w", err)
	}
	return nil
}

// Unblock removes a blacklist entry.
func (s *Store) Unblock(ctx context.Context, releaseID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blacklist WHERE release_id = ?`, releaseID); err != nil {
		return fmt.Errorf("unblock release: %w", err)
	}
	return nil
}

// IsBlocked reports whether a release must not be shared, with the reason.
// A delayed_share entry unblocks itself once its retry time passes.
func (s *Store) IsBlocked(ctx context.Context, releaseID string) (bool, string, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT reason, strategy, retry_after FROM blacklist WHERE release_id = ?`,
		releaseID,
	)
	var (
		reason     string
		strategy   string
		retryAfter sql.NullString
	)
	err := row.Scan(&reason, &strategy, &retryAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("query blacklist: %w", err)
	}

	if strategy == StrategyDelayedShare && retryAfter.Valid {
		after, parseErr := time.Parse(time.RFC3339Nano, retryAfter.String)
		if parseErr == nil && time.Now().UTC().After(after) {
			if err := s.Unblock(ctx, releaseID); err != nil {
				return false, "", err
			}
			return false, "", nil
		}
	}
	return true, reason, nil
}

// List returns all blacklist entries.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT release_id, title, reason, strategy, blocked_at, retry_after FROM blacklist ORDER BY blocked_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry      Entry
			blockedRaw string
			retryRaw   sql.NullString
		)
		if err := rows.Scan(&entry.ReleaseID, &entry.Title, &entry.Reason, &entry.Strategy, &blockedRaw, &retryRaw); err != nil {
			return nil, fmt.Errorf("scan blacklist: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, blockedRaw); err == nil {
			entry.BlockedAt = t
		}
		if retryRaw.Valid {
			if t, err := time.Parse(time.RFC3339Nano, retryRaw.String); err == nil {
				entry.RetryAfter = t
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// MarkProcessed records a handled message id. It returns false when the id
// was already processed.
func (s *Store) MarkProcessed(ctx context.Context, msgID string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO processed_messages (msg_id, seen_at) VALUES (?, ?)`,
		msgID,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}
