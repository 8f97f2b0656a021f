package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"skylift/internal/release"
)

const taskColumns = "id, release_id, title, media_type, share_mode, expected_count, status, uploading_files, completed_files, failed_files, retry_count, share_attempts, share_history, share_url, share_code, receive_code, last_error, created_at, updated_at"

// Create inserts a task for a release. It returns false without error when a
// task for the release already exists, so concurrent creators never duplicate.
func (s *Store) Create(ctx context.Context, nt NewTask) (bool, error) {
	if nt.ReleaseID == "" {
		return false, errors.New("release id is empty")
	}
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.execWithRetry(
		ctx,
		`INSERT OR IGNORE INTO upload_tasks (
            release_id, title, media_type, share_mode, expected_count, status,
            uploading_files, completed_files, failed_files, share_history,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, '[]', '[]', '[]', '[]', ?, ?)`,
		nt.ReleaseID,
		nullableString(nt.Title),
		string(nt.MediaType),
		string(nt.ShareMode),
		nt.ExpectedCount,
		StatusPending,
		timestamp,
		timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Get fetches a task by release identifier. Missing tasks return (nil, nil).
func (s *Store) Get(ctx context.Context, releaseID string) (*Task, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+taskColumns+` FROM upload_tasks WHERE release_id = ?`, releaseID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// Update persists the task's mutable fields.
func (s *Store) Update(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	task.UpdatedAt = time.Now().UTC()

	uploading, err := marshalStrings(task.UploadingFiles)
	if err != nil {
		return err
	}
	completed, err := marshalStrings(task.CompletedFiles)
	if err != nil {
		return err
	}
	failed, err := marshalStrings(task.FailedFiles)
	if err != nil {
		return err
	}
	history, err := marshalHistory(task.ShareHistory)
	if err != nil {
		return err
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE upload_tasks
         SET title = ?, media_type = ?, share_mode = ?, expected_count = ?,
             status = ?, uploading_files = ?, completed_files = ?, failed_files = ?,
             retry_count = ?, share_attempts = ?, share_history = ?,
             share_url = ?, share_code = ?, receive_code = ?, last_error = ?,
             updated_at = ?
         WHERE release_id = ?`,
		nullableString(task.Title),
		string(task.MediaType),
		string(task.ShareMode),
		task.ExpectedCount,
		task.Status,
		uploading,
		completed,
		failed,
		task.RetryCount,
		task.ShareAttempts,
		history,
		nullableString(task.ShareURL),
		nullableString(task.ShareCode),
		nullableString(task.ReceiveCode),
		nullableString(task.LastError),
		task.UpdatedAt.Format(time.RFC3339Nano),
		task.ReleaseID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s not found", task.ReleaseID)
	}
	return nil
}

// Remove deletes a task by release identifier.
func (s *Store) Remove(ctx context.Context, releaseID string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM upload_tasks WHERE release_id = ?`, releaseID)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// List returns tasks filtered by status (or all tasks when none given).
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Task, error) {
	ctx = ensureContext(ctx)
	var (
		rows *sql.Rows
		err  error
	)
	baseQuery := `SELECT ` + taskColumns + ` FROM upload_tasks`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// ListPending returns pending tasks ordered by creation time.
func (s *Store) ListPending(ctx context.Context) ([]*Task, error) {
	return s.List(ctx, StatusPending)
}

// MarkUploading adds a source path to the task's uploading set.
func (s *Store) MarkUploading(ctx context.Context, releaseID, path string) error {
	return s.mutateSets(ctx, releaseID, func(t *Task) {
		if !t.HasUploading(path) && !t.HasCompleted(path) {
			t.UploadingFiles = append(t.UploadingFiles, path)
		}
	})
}

// MarkCompleted moves a source path from the uploading set to completed.
func (s *Store) MarkCompleted(ctx context.Context, releaseID, path string) error {
	return s.mutateSets(ctx, releaseID, func(t *Task) {
		t.UploadingFiles = removeString(t.UploadingFiles, path)
		t.FailedFiles = removeString(t.FailedFiles, path)
		if !t.HasCompleted(path) {
			t.CompletedFiles = append(t.CompletedFiles, path)
		}
	})
}

// MarkUploadFailed moves a source path from the uploading set to failed.
func (s *Store) MarkUploadFailed(ctx context.Context, releaseID, path string) error {
	return s.mutateSets(ctx, releaseID, func(t *Task) {
		t.UploadingFiles = removeString(t.UploadingFiles, path)
		if !containsString(t.FailedFiles, path) {
			t.FailedFiles = append(t.FailedFiles, path)
		}
	})
}

func (s *Store) mutateSets(ctx context.Context, releaseID string, mutate func(*Task)) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ensureContext(ctx), `SELECT `+taskColumns+` FROM upload_tasks WHERE release_id = ?`, releaseID)
		task, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s not found", releaseID)
		}
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}

		mutate(task)

		uploading, err := marshalStrings(task.UploadingFiles)
		if err != nil {
			return err
		}
		completed, err := marshalStrings(task.CompletedFiles)
		if err != nil {
			return err
		}
		failed, err := marshalStrings(task.FailedFiles)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ensureContext(ctx),
			`UPDATE upload_tasks SET uploading_files = ?, completed_files = ?, failed_files = ?, updated_at = ? WHERE release_id = ?`,
			uploading,
			completed,
			failed,
			time.Now().UTC().Format(time.RFC3339Nano),
			releaseID,
		)
		if err != nil {
			return fmt.Errorf("update task sets: %w", err)
		}
		return nil
	})
}

// IncrementRetry bumps a task's retry counter and returns the new value.
func (s *Store) IncrementRetry(ctx context.Context, releaseID string) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ensureContext(ctx),
			`UPDATE upload_tasks SET retry_count = retry_count + 1, updated_at = ? WHERE release_id = ?`,
			time.Now().UTC().Format(time.RFC3339Nano),
			releaseID,
		)
		if err != nil {
			return fmt.Errorf("increment retry: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("task %s not found", releaseID)
		}
		return tx.QueryRowContext(ensureContext(ctx), `SELECT retry_count FROM upload_tasks WHERE release_id = ?`, releaseID).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RecordShareAttempt appends to the task's share history and bumps the
// attempt counter. Failed attempts keep the reason.
func (s *Store) RecordShareAttempt(ctx context.Context, releaseID string, ok bool, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ensureContext(ctx), `SELECT `+taskColumns+` FROM upload_tasks WHERE release_id = ?`, releaseID)
		task, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s not found", releaseID)
		}
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}

		task.ShareHistory = append(task.ShareHistory, ShareAttempt{
			At:     time.Now().UTC(),
			OK:     ok,
			Reason: reason,
		})
		history, err := marshalHistory(task.ShareHistory)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ensureContext(ctx),
			`UPDATE upload_tasks SET share_attempts = share_attempts + 1, share_history = ?, last_error = ?, updated_at = ? WHERE release_id = ?`,
			history,
			nullableString(reason),
			time.Now().UTC().Format(time.RFC3339Nano),
			releaseID,
		)
		if err != nil {
			return fmt.Errorf("record share attempt: %w", err)
		}
		return nil
	})
}

// TransitionStatus atomically moves a task from one status to another. It
// returns false when the task is no longer in the from status, which is how
// at-most-one concurrent share attempt is enforced.
func (s *Store) TransitionStatus(ctx context.Context, releaseID string, from, to Status) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE upload_tasks SET status = ?, updated_at = ? WHERE release_id = ? AND status = ?`,
		to,
		time.Now().UTC().Format(time.RFC3339Nano),
		releaseID,
		from,
	)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearUploadingOnStartup wipes every task's uploading set. Run once at
// daemon start so uploads interrupted by a crash are not treated as
// in flight.
func (s *Store) ClearUploadingOnStartup(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE upload_tasks SET uploading_files = '[]', updated_at = ? WHERE uploading_files != '[]'`,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("clear uploading sets: %w", err)
	}
	return res.RowsAffected()
}

// RemoveExpired deletes unshared tasks older than maxAge.
func (s *Store) RemoveExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM upload_tasks WHERE status != ? AND created_at <= ?`,
		StatusShared,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("remove expired tasks: %w", err)
	}
	return res.RowsAffected()
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		id            int64
		releaseID     string
		title         sql.NullString
		mediaType     string
		shareMode     string
		expectedCount int
		statusStr     string
		uploadingRaw  sql.NullString
		completedRaw  sql.NullString
		failedRaw     sql.NullString
		retryCount    int
		shareAttempts int
		historyRaw    sql.NullString
		shareURL      sql.NullString
		shareCode     sql.NullString
		receiveCode   sql.NullString
		lastError     sql.NullString
		createdRaw    sql.NullString
		updatedRaw    sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&releaseID,
		&title,
		&mediaType,
		&shareMode,
		&expectedCount,
		&statusStr,
		&uploadingRaw,
		&completedRaw,
		&failedRaw,
		&retryCount,
		&shareAttempts,
		&historyRaw,
		&shareURL,
		&shareCode,
		&receiveCode,
		&lastError,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	task := &Task{
		ID:            id,
		ReleaseID:     releaseID,
		Title:         title.String,
		MediaType:     release.MediaType(mediaType),
		ShareMode:     release.ShareMode(shareMode),
		ExpectedCount: expectedCount,
		Status:        Status(statusStr),
		RetryCount:    retryCount,
		ShareAttempts: shareAttempts,
		ShareURL:      shareURL.String,
		ShareCode:     shareCode.String,
		ReceiveCode:   receiveCode.String,
		LastError:     lastError.String,
	}

	var err error
	if task.UploadingFiles, err = unmarshalStrings(uploadingRaw.String); err != nil {
		return nil, fmt.Errorf("decode uploading set: %w", err)
	}
	if task.CompletedFiles, err = unmarshalStrings(completedRaw.String); err != nil {
		return nil, fmt.Errorf("decode completed set: %w", err)
	}
	if task.FailedFiles, err = unmarshalStrings(failedRaw.String); err != nil {
		return nil, fmt.Errorf("decode failed set: %w", err)
	}
	if task.ShareHistory, err = unmarshalHistory(historyRaw.String); err != nil {
		return nil, fmt.Errorf("decode share history: %w", err)
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		task.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		task.UpdatedAt = updated
	}
	return task, nil
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal string set: %w", err)
	}
	return string(raw), nil
}

func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

func marshalHistory(history []ShareAttempt) (string, error) {
	if history == nil {
		history = []ShareAttempt{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("marshal share history: %w", err)
	}
	return string(raw), nil
}

func unmarshalHistory(raw string) ([]ShareAttempt, error) {
	if raw == "" {
		return nil, nil
	}
	var history []ShareAttempt
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	return history, nil
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
