// Package reconciler runs the periodic self-healing sweep: re-checking
// pending tasks against durable records, re-enqueueing transfers the event
// path lost, retrying failed organizes within a budget, and expiring stale
// tasks.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"skylift/internal/config"
	"skylift/internal/events"
	"skylift/internal/logging"
	"skylift/internal/metrics"
	"skylift/internal/notify"
	"skylift/internal/pathmap"
	"skylift/internal/records"
	"skylift/internal/tasks"
	"skylift/internal/uploader"
)

// Enqueuer submits upload jobs. Satisfied by *uploader.Pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, job uploader.Job) error
}

// ShareTrier re-runs the completion check for a release. Satisfied by
// *uploader.Completer.
type ShareTrier interface {
	TryShare(ctx context.Context, releaseID string) error
}

// FileSink replays a discovered file through the same handling path a live
// organize event takes. Satisfied by *events.Handler.
type FileSink interface {
	HandleFileOrganized(ctx context.Context, ev events.FileOrganized) error
}

// OrganizeHost asks the host application to strip its "organized" marker for
// a release so the files flow through organization again.
type OrganizeHost interface {
	ResetOrganized(ctx context.Context, releaseID string) error
}

// Reconciler is the periodic sweep.
type Reconciler struct {
	tasks     *tasks.Store
	records   records.RecordStore
	queue     Enqueuer
	completer ShareTrier
	sink      FileSink
	notifier  notify.Notifier
	host      OrganizeHost
	metrics   *metrics.Metrics
	logger    *slog.Logger

	cfg               config.Reconciler
	mappings          []config.PathMapping
	mediaRoot         string
	deleteAfterUpload bool
}

// New constructs the reconciler. sink, host, notifier, and m may be nil;
// absent collaborators disable the step that needs them.
func New(cfg *config.Config, taskStore *tasks.Store, recordStore records.RecordStore, queue Enqueuer, completer ShareTrier, sink FileSink, notifier notify.Notifier, host OrganizeHost, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notify.NewNop()
	}
	return &Reconciler{
		tasks:             taskStore,
		records:           recordStore,
		queue:             queue,
		completer:         completer,
		sink:              sink,
		notifier:          notifier,
		host:              host,
		metrics:           m,
		logger:            logging.NewComponentLogger(logger, "reconciler"),
		cfg:               cfg.Reconciler,
		mappings:          cfg.Upload.Mappings,
		mediaRoot:         cfg.Paths.MediaRoot,
		deleteAfterUpload: cfg.Upload.DeleteAfterUpload,
	}
}

// SetOrganizeHost attaches the host collaborator after construction. Without
// one the organize-retry step only deletes failed records.
func (r *Reconciler) SetOrganizeHost(host OrganizeHost) {
	r.host = host
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	interval := time.Duration(r.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", logging.Error(err))
			}
		}
	}
}

// Sweep runs one full reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if r.metrics != nil {
		r.metrics.ReconcileRuns.Inc()
	}

	pending, err := r.tasks.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}
	if r.metrics != nil {
		r.metrics.TasksPending.Set(float64(len(pending)))
	}

	for _, task := range pending {
		r.reconcileTask(ctx, task)
	}

	if r.cfg.RescueScan {
		if err := r.rescueScan(ctx); err != nil {
			r.logger.Error("rescue scan failed", logging.Error(err))
		}
	}

	if r.cfg.TaskTimeoutHrs > 0 {
		maxAge := time.Duration(r.cfg.TaskTimeoutHrs) * time.Hour
		removed, err := r.tasks.RemoveExpired(ctx, maxAge)
		if err != nil {
			r.logger.Error("expire stale tasks", logging.Error(err))
		} else if removed > 0 {
			r.logger.Info("stale tasks removed", logging.Int64("count", removed))
		}
	}
	return nil
}

func (r *Reconciler) reconcileTask(ctx context.Context, task *tasks.Task) {
	logger := r.logger.With(logging.String(logging.FieldReleaseID, task.ReleaseID))

	r.requeueDirty(ctx, logger, task)
	r.retryFailed(ctx, logger, task)

	if err := r.completer.TryShare(ctx, task.ReleaseID); err != nil {
		logger.Error("completion check", logging.Error(err))
	}
}

// requeueDirty re-submits records that claim remote storage without a remote
// handle. The claim was written before an upload that never confirmed; the
// local file is the recovery source.
func (r *Reconciler) requeueDirty(ctx context.Context, logger *slog.Logger, task *tasks.Task) {
	dirty, err := r.records.ListDirty(ctx, task.ReleaseID)
	if err != nil {
		logger.Error("list dirty records", logging.Error(err))
		return
	}

	for _, rec := range dirty {
		if _, err := os.Stat(rec.SourcePath); err != nil {
			logger.Warn("dirty record has no local file",
				logging.String(logging.FieldSourcePath, rec.SourcePath))
			continue
		}

		remotePath := rec.DestPath
		if remotePath == "" {
			mapped, ok := pathmap.Map(rec.SourcePath, r.mappings)
			if !ok {
				logger.Warn("dirty record outside mappings",
					logging.String(logging.FieldSourcePath, rec.SourcePath))
				continue
			}
			remotePath = mapped
		}

		err := r.queue.Enqueue(ctx, uploader.Job{
			ReleaseID:  task.ReleaseID,
			LocalPath:  rec.SourcePath,
			RemotePath: remotePath,
		})
		if err != nil {
			logger.Error("re-enqueue dirty record", logging.Error(err))
			continue
		}
		r.countRescued()
		logger.Info("dirty record re-enqueued",
			logging.String(logging.FieldSourcePath, rec.SourcePath))
	}
}

// retryFailed clears a release's permanently failed records and strips the
// host's organized marker so the files are organized and uploaded again.
// Past the retry budget the task is abandoned instead.
func (r *Reconciler) retryFailed(ctx context.Context, logger *slog.Logger, task *tasks.Task) {
	failed, err := r.records.ListFailed(ctx, task.ReleaseID)
	if err != nil {
		logger.Error("list failed records", logging.Error(err))
		return
	}
	if len(failed) == 0 {
		return
	}

	retries, err := r.tasks.IncrementRetry(ctx, task.ReleaseID)
	if err != nil {
		logger.Error("increment retry count", logging.Error(err))
		return
	}
	if r.cfg.MaxRetries > 0 && retries > r.cfg.MaxRetries {
		r.abandon(ctx, logger, task, fmt.Sprintf("%d failed transfers after %d retries", len(failed), retries-1))
		return
	}

	for _, rec := range failed {
		if err := r.records.Delete(ctx, rec.ID); err != nil {
			logger.Error("delete failed record", logging.Error(err))
		}
	}

	if r.cfg.OrganizedMarker && r.host != nil {
		if err := r.host.ResetOrganized(ctx, task.ReleaseID); err != nil {
			logger.Error("reset organized marker", logging.Error(err))
			return
		}
	}

	logger.Info("failed transfers cleared for retry",
		logging.Int("failed", len(failed)),
		logging.Int("attempt", retries))
}

func (r *Reconciler) abandon(ctx context.Context, logger *slog.Logger, task *tasks.Task, reason string) {
	won, err := r.tasks.TransitionStatus(ctx, task.ReleaseID, tasks.StatusPending, tasks.StatusFailed)
	if err != nil {
		logger.Error("mark task failed", logging.Error(err))
		return
	}
	if !won {
		return
	}

	task.Status = tasks.StatusFailed
	task.LastError = reason
	if err := r.tasks.Update(ctx, task); err != nil {
		logger.Warn("persist abandon reason", logging.Error(err))
	}

	summary := notify.TaskSummary{
		ReleaseID: task.ReleaseID,
		Title:     task.Title,
		MediaType: task.MediaType,
		FileCount: len(task.FailedFiles),
	}
	if err := r.notifier.NotifyTaskAbandoned(ctx, summary, reason); err != nil {
		logger.Warn("abandon notification failed", logging.Error(err))
	}

	logger.Error("task abandoned, operator attention needed",
		logging.String("reason", reason))
}

func (r *Reconciler) countRescued() {
	if r.metrics != nil {
		r.metrics.RescuedFiles.Inc()
	}
}
