// Package sharer creates the public share for a completed upload task and
// applies the configured access policy.
package sharer

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"skylift/internal/config"
	"skylift/internal/drive"
	"skylift/internal/logging"
	"skylift/internal/records"
	"skylift/internal/release"
	"skylift/internal/tasks"
)

// Blocklist reports whether a release must not be shared. Implemented by the
// violation blacklist; a nil Blocklist never blocks.
type Blocklist interface {
	IsBlocked(ctx context.Context, releaseID string) (bool, string, error)
}

// Outcome is the result of a successful share creation.
type Outcome struct {
	ShareURL    string
	ShareCode   string
	ReceiveCode string
}

// ErrSkipped is returned when sharing is disabled or blocked for the
// release. It is not retryable.
var ErrSkipped = fmt.Errorf("share skipped")

// Sharer builds shares from completed tasks.
type Sharer struct {
	client    drive.Client
	records   records.RecordStore
	blocklist Blocklist
	cfg       config.Share
	logger    *slog.Logger
}

// New constructs a Sharer. blocklist may be nil.
func New(client drive.Client, recordStore records.RecordStore, blocklist Blocklist, cfg config.Share, logger *slog.Logger) *Sharer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sharer{
		client:    client,
		records:   recordStore,
		blocklist: blocklist,
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "sharer"),
	}
}

// Share creates the share for a task. Callers must already hold the
// pending-to-sharing transition; Share never checks task status itself.
// Errors other than ErrSkipped are retryable.
func (s *Sharer) Share(ctx context.Context, task *tasks.Task) (Outcome, error) {
	if !s.cfg.Enabled {
		return Outcome{}, fmt.Errorf("%w: sharing disabled", ErrSkipped)
	}
	if s.blocklist != nil {
		blocked, reason, err := s.blocklist.IsBlocked(ctx, task.ReleaseID)
		if err != nil {
			return Outcome{}, fmt.Errorf("check blocklist: %w", err)
		}
		if blocked {
			s.logger.Info("share blocked for release",
				logging.String(logging.FieldReleaseID, task.ReleaseID),
				logging.String("reason", reason))
			return Outcome{}, fmt.Errorf("%w: %s", ErrSkipped, reason)
		}
	}

	recs, err := s.records.ListByReleaseID(ctx, task.ReleaseID)
	if err != nil {
		return Outcome{}, fmt.Errorf("list records: %w", err)
	}

	var result drive.ShareResult
	switch task.ShareMode {
	case release.ShareWhole:
		result, err = s.shareFolder(ctx, task, recs)
	default:
		result, err = s.shareFiles(ctx, task, recs)
	}
	if err != nil {
		return Outcome{}, err
	}

	receiveCode, err := s.applyPolicy(ctx, result, task.ShareMode)
	if err != nil {
		return Outcome{}, err
	}

	s.logger.Info("share created",
		logging.String(logging.FieldReleaseID, task.ReleaseID),
		logging.String("share_code", result.ShareCode),
		logging.String("mode", string(task.ShareMode)))

	return Outcome{
		ShareURL:    result.ShareURL,
		ShareCode:   result.ShareCode,
		ReceiveCode: receiveCode,
	}, nil
}

// shareFolder shares the destination folder that holds the release. The
// folder name comes from the first confirmed record's destination path and
// is resolved under the media-type root folder.
func (s *Sharer) shareFolder(ctx context.Context, task *tasks.Task, recs []*records.TransferRecord) (drive.ShareResult, error) {
	var destPath string
	for _, rec := range recs {
		if rec.IsRemoteConfirmed() {
			destPath = rec.DestPath
			break
		}
	}
	if destPath == "" {
		return drive.ShareResult{}, fmt.Errorf("no confirmed remote record for %s", task.ReleaseID)
	}

	rootID := s.cfg.TVRootFolderID
	if task.MediaType == release.MediaMovie {
		rootID = s.cfg.MovieRootFolderID
	}
	if rootID == "" {
		return drive.ShareResult{}, fmt.Errorf("%w: no root folder configured for %s", ErrSkipped, task.MediaType)
	}

	folderName := path.Base(path.Dir(destPath))
	folderID, err := s.client.FindFolder(ctx, rootID, folderName)
	if err != nil {
		return drive.ShareResult{}, fmt.Errorf("find folder %q: %w", folderName, err)
	}
	return s.client.CreateFolderShare(ctx, folderID)
}

// shareFiles packages the release's confirmed remote files into one share.
func (s *Sharer) shareFiles(ctx context.Context, task *tasks.Task, recs []*records.TransferRecord) (drive.ShareResult, error) {
	var fileIDs []string
	for _, rec := range recs {
		if rec.IsRemoteConfirmed() {
			fileIDs = append(fileIDs, rec.RemoteID)
		}
	}
	if len(fileIDs) == 0 {
		return drive.ShareResult{}, fmt.Errorf("no remote file handles for %s", task.ReleaseID)
	}
	return s.client.CreateFileShare(ctx, fileIDs)
}

// applyPolicy updates the fresh share with password, validity duration, and
// access limits. It returns the effective receive code.
func (s *Sharer) applyPolicy(ctx context.Context, result drive.ShareResult, mode release.ShareMode) (string, error) {
	code, override, err := resolvePassword(s.cfg.PasswordStrategy, s.cfg.PasswordValue, s.cfg.PasswordList, result.ReceiveCode)
	if err != nil {
		return "", fmt.Errorf("resolve password: %w", err)
	}

	duration := s.cfg.FolderDurationDays
	if mode != release.ShareWhole {
		duration = s.cfg.FileDurationDays
	}

	needsUpdate := override || duration > 0 || s.cfg.ReceiveLimit > 0 || s.cfg.LoginFreeDownload || len(s.cfg.AllowedRecipients) > 0
	if !needsUpdate {
		return code, nil
	}

	opts := drive.UpdateShareOptions{
		DurationDays:      duration,
		ReceiveLimit:      s.cfg.ReceiveLimit,
		LoginFreeDownload: s.cfg.LoginFreeDownload,
		TrafficCapBytes:   int64(s.cfg.TrafficCapGiB) << 30,
		AllowedRecipients: s.cfg.AllowedRecipients,
	}
	if override {
		opts.ReceiveCode = code
	} else {
		opts.ReceiveCode = result.ReceiveCode
	}
	if err := s.client.UpdateShare(ctx, result.ShareCode, opts); err != nil {
		return "", fmt.Errorf("update share: %w", err)
	}
	return code, nil
}
