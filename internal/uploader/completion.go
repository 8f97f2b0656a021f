package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"skylift/internal/logging"
	"skylift/internal/metrics"
	"skylift/internal/notify"
	"skylift/internal/records"
	"skylift/internal/sharer"
	"skylift/internal/tasks"
)

// ShareRunner creates the share for a completed task. Satisfied by
// *sharer.Sharer.
type ShareRunner interface {
	Share(ctx context.Context, task *tasks.Task) (sharer.Outcome, error)
}

// ShareLogger records created shares so the violation monitor can correlate
// notices back to a release. Satisfied by *blockfile.Store.
type ShareLogger interface {
	LogShare(ctx context.Context, releaseID, title string, at time.Time) error
}

// Completer drives a task from complete-upload state to shared. Both the
// worker pool and the reconciler funnel through it, so the
// pending-to-sharing transition is taken in exactly one place.
type Completer struct {
	tasks    *tasks.Store
	records  records.RecordStore
	sharer   ShareRunner
	notifier notify.Notifier
	shareLog ShareLogger
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// SetShareLogger attaches a share log. Shares created before it is attached
// are simply not logged.
func (c *Completer) SetShareLogger(l ShareLogger) {
	c.shareLog = l
}

// NewCompleter wires the share path. notifier and m may be nil.
func NewCompleter(taskStore *tasks.Store, recordStore records.RecordStore, shareRunner ShareRunner, notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Completer {
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notify.NewNop()
	}
	return &Completer{
		tasks:    taskStore,
		records:  recordStore,
		sharer:   shareRunner,
		notifier: notifier,
		metrics:  m,
		logger:   logging.NewComponentLogger(logger, "completer"),
	}
}

// TryShare shares the release if, and only if, the durable record count has
// reached the expected count and the task is still pending. Losing the
// pending-to-sharing race is a silent no-op.
func (c *Completer) TryShare(ctx context.Context, releaseID string) error {
	task, err := c.tasks.Get(ctx, releaseID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task == nil || task.Status != tasks.StatusPending {
		return nil
	}

	count, err := c.records.CountRemote(ctx, releaseID)
	if err != nil {
		return fmt.Errorf("count remote records: %w", err)
	}
	if count < task.ExpectedCount {
		c.logger.Debug("task not yet complete",
			logging.String(logging.FieldReleaseID, releaseID),
			logging.Int("confirmed", count),
			logging.Int("expected", task.ExpectedCount))
		return nil
	}

	won, err := c.tasks.TransitionStatus(ctx, releaseID, tasks.StatusPending, tasks.StatusSharing)
	if err != nil {
		return fmt.Errorf("claim share: %w", err)
	}
	if !won {
		c.logger.Debug("share already claimed elsewhere",
			logging.String(logging.FieldReleaseID, releaseID))
		return nil
	}

	outcome, shareErr := c.sharer.Share(ctx, task)
	if shareErr != nil {
		return c.handleShareFailure(ctx, releaseID, shareErr)
	}

	if err := c.tasks.RecordShareAttempt(ctx, releaseID, true, ""); err != nil {
		c.logger.Warn("record share attempt", logging.Error(err))
	}
	c.countShare("success")

	if c.shareLog != nil {
		if err := c.shareLog.LogShare(ctx, releaseID, task.Title, time.Now()); err != nil {
			c.logger.Warn("record share log", logging.Error(err))
		}
	}

	task.ShareURL = outcome.ShareURL
	task.ShareCode = outcome.ShareCode
	task.ReceiveCode = outcome.ReceiveCode
	task.Status = tasks.StatusShared
	if err := c.tasks.Update(ctx, task); err != nil {
		c.logger.Warn("persist share result", logging.Error(err))
	}

	c.notifyShared(ctx, task, outcome)

	// The task's job is done; the audit trail lives in the log and the
	// notification.
	if _, err := c.tasks.Remove(ctx, releaseID); err != nil {
		c.logger.Warn("remove shared task", logging.Error(err))
	}

	c.logger.Info("release shared",
		logging.String(logging.FieldReleaseID, releaseID),
		logging.String("share_url", outcome.ShareURL))
	return nil
}

func (c *Completer) handleShareFailure(ctx context.Context, releaseID string, shareErr error) error {
	reason := shareErr.Error()
	if err := c.tasks.RecordShareAttempt(ctx, releaseID, false, reason); err != nil {
		c.logger.Warn("record share attempt", logging.Error(err))
	}

	// Flip back to pending so a later pass retries without re-uploading.
	if _, err := c.tasks.TransitionStatus(ctx, releaseID, tasks.StatusSharing, tasks.StatusPending); err != nil {
		c.logger.Warn("release share claim", logging.Error(err))
	}

	if errors.Is(shareErr, sharer.ErrSkipped) {
		c.countShare("skipped")
		c.logger.Info("share skipped",
			logging.String(logging.FieldReleaseID, releaseID),
			logging.String("reason", reason))
		return nil
	}

	c.countShare("failure")
	c.logger.Error("share failed, will retry",
		logging.String(logging.FieldReleaseID, releaseID),
		logging.Error(shareErr))
	return shareErr
}

func (c *Completer) notifyShared(ctx context.Context, task *tasks.Task, outcome sharer.Outcome) {
	summary := notify.TaskSummary{
		ReleaseID: task.ReleaseID,
		Title:     task.Title,
		MediaType: task.MediaType,
	}
	if recs, err := c.records.ListByReleaseID(ctx, task.ReleaseID); err == nil {
		for _, rec := range recs {
			if rec.IsRemoteConfirmed() {
				summary.FileCount++
				summary.TotalBytes += rec.Size
			}
		}
	}
	err := c.notifier.NotifyShareCreated(ctx, summary, notify.ShareInfo{
		ShareURL:    outcome.ShareURL,
		ReceiveCode: outcome.ReceiveCode,
	})
	if err != nil {
		c.logger.Warn("share notification failed", logging.Error(err))
	}
}

func (c *Completer) countShare(result string) {
	if c.metrics != nil {
		c.metrics.SharesTotal.WithLabelValues(result).Inc()
	}
}
