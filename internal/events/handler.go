package events

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"skylift/internal/config"
	"skylift/internal/logging"
	"skylift/internal/pathmap"
	"skylift/internal/records"
	"skylift/internal/release"
	"skylift/internal/tasks"
	"skylift/internal/uploader"
)

// Enqueuer submits upload jobs. Satisfied by *uploader.Pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, job uploader.Job) error
}

// Handler turns host events into tasks and upload jobs.
type Handler struct {
	tasks    *tasks.Store
	records  records.RecordStore
	queue    Enqueuer
	mappings []config.PathMapping
	logger   *slog.Logger
}

// NewHandler constructs the event handler.
func NewHandler(taskStore *tasks.Store, recordStore records.RecordStore, queue Enqueuer, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		tasks:    taskStore,
		records:  recordStore,
		queue:    queue,
		mappings: cfg.Upload.Mappings,
		logger:   logging.NewComponentLogger(logger, "events"),
	}
}

// HandleDownloadAdded analyzes the release and creates its task. An
// undecidable release is skipped, never guessed.
func (h *Handler) HandleDownloadAdded(ctx context.Context, ev DownloadAdded) error {
	if ev.ReleaseID == "" {
		return fmt.Errorf("download added without release id")
	}

	decision, ok := release.Analyze(ev.Meta)
	if !ok {
		h.logger.Debug("release undecidable, skipping",
			logging.String(logging.FieldReleaseID, ev.ReleaseID))
		return nil
	}

	created, err := h.tasks.Create(ctx, tasks.NewTask{
		ReleaseID:     ev.ReleaseID,
		Title:         ev.Title,
		MediaType:     ev.Meta.MediaType,
		ShareMode:     decision.Mode,
		ExpectedCount: decision.ExpectedCount,
	})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if created {
		h.logger.Info("task created",
			logging.String(logging.FieldReleaseID, ev.ReleaseID),
			logging.String("mode", string(decision.Mode)),
			logging.Int("expected", decision.ExpectedCount))
	}
	return nil
}

// HandleFileOrganized maps the organized file to its remote destination,
// records the transfer claim, and enqueues the upload.
func (h *Handler) HandleFileOrganized(ctx context.Context, ev FileOrganized) error {
	if ev.DestStorage != records.StorageLocal {
		// The host organized straight to another storage; nothing to upload.
		return nil
	}

	localPath := ev.DestPath
	remotePath, ok := pathmap.Map(localPath, h.mappings)
	if !ok {
		h.logger.Debug("path outside mappings, skipping",
			logging.String(logging.FieldSourcePath, localPath))
		return nil
	}

	releaseID := ev.ReleaseID
	if releaseID == "" {
		releaseID, ok = h.recoverReleaseID(ctx, localPath)
		if !ok {
			h.logger.Warn("cannot recover release id, dropping file",
				logging.String(logging.FieldSourcePath, localPath))
			return nil
		}
	}

	existing, err := h.records.GetBySourcePath(ctx, localPath, records.StorageRemote)
	if err != nil {
		return fmt.Errorf("check existing record: %w", err)
	}
	if existing == nil {
		_, err = h.records.Insert(ctx, &records.TransferRecord{
			ReleaseID:   releaseID,
			SourcePath:  localPath,
			OriginPath:  ev.SourcePath,
			DestPath:    remotePath,
			DestStorage: records.StorageRemote,
			Status:      records.RecordPending,
			Size:        ev.Size,
		})
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	} else if existing.IsRemoteConfirmed() {
		h.logger.Debug("file already confirmed remote, skipping",
			logging.String(logging.FieldSourcePath, localPath))
		return nil
	}

	err = h.queue.Enqueue(ctx, uploader.Job{
		ReleaseID:  releaseID,
		LocalPath:  localPath,
		RemotePath: remotePath,
	})
	if err != nil {
		return fmt.Errorf("enqueue upload: %w", err)
	}
	return nil
}

// recoverReleaseID finds the release for a file whose event carried no id:
// first by an existing record for the same path, then by matching the
// file's episode slot against records from the same directory.
func (h *Handler) recoverReleaseID(ctx context.Context, localPath string) (string, bool) {
	if rec, err := h.records.GetBySourcePath(ctx, localPath, records.StorageRemote); err == nil && rec != nil && rec.ReleaseID != "" {
		return rec.ReleaseID, true
	}

	siblings, err := h.records.ListBySourceDir(ctx, filepath.Dir(localPath))
	if err != nil || len(siblings) == 0 {
		return "", false
	}

	slot, hasSlot := release.EpisodeSlot(filepath.Base(localPath))
	var fallback string
	for _, rec := range siblings {
		if rec.ReleaseID == "" {
			continue
		}
		if fallback == "" {
			fallback = rec.ReleaseID
		}
		if !hasSlot {
			continue
		}
		// A prior version of the same episode slot pins the release.
		if recSlot, ok := release.EpisodeSlot(filepath.Base(rec.SourcePath)); ok && recSlot == slot {
			return rec.ReleaseID, true
		}
	}
	if fallback != "" {
		return fallback, true
	}
	return "", false
}
