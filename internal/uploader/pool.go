// Package uploader runs the bounded upload queue and worker pool, and owns
// the completion path that turns a fully uploaded release into a share.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"skylift/internal/config"
	"skylift/internal/drive"
	"skylift/internal/logging"
	"skylift/internal/metrics"
	"skylift/internal/records"
	"skylift/internal/tasks"
)

// Job is one file upload: a local organized file and its remote destination.
type Job struct {
	ReleaseID  string
	LocalPath  string
	RemotePath string
	RequestID  string
}

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("upload queue closed")

// Pool is the fixed-size worker pool drawing from a single bounded queue.
type Pool struct {
	queue     chan Job
	done      chan struct{}
	workers   int
	drive     drive.Client
	records   records.RecordStore
	tasks     *tasks.Store
	completer *Completer
	metrics   *metrics.Metrics
	logger    *slog.Logger

	deleteAfterUpload bool

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool constructs the pool. Queue capacity and worker count come from the
// upload config section; m may be nil.
func NewPool(cfg config.Upload, client drive.Client, recordStore records.RecordStore, taskStore *tasks.Store, completer *Completer, m *metrics.Metrics, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 3
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Pool{
		queue:             make(chan Job, queueSize),
		done:              make(chan struct{}),
		workers:           workers,
		drive:             client,
		records:           recordStore,
		tasks:             taskStore,
		completer:         completer,
		metrics:           m,
		logger:            logging.NewComponentLogger(logger, "uploader"),
		deleteAfterUpload: cfg.DeleteAfterUpload,
	}
}

// Start launches the workers. They exit when ctx is cancelled and the queue
// is drained, or immediately on cancellation when idle.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.run(ctx, worker)
		}(i)
	}
}

func (p *Pool) run(ctx context.Context, worker int) {
	logger := p.logger.With(logging.Int("worker", worker))
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			p.drain(ctx, logger)
			return
		case job := <-p.queue:
			p.gaugeDepth()
			p.process(ctx, logger, job)
		}
	}
}

// drain works off whatever Close left in the queue, then exits.
func (p *Pool) drain(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			p.gaugeDepth()
			p.process(ctx, logger, job)
		default:
			return
		}
	}
}

// Enqueue submits a job, blocking while the queue is full. Callers observe
// context cancellation and pool shutdown. The queue channel itself is never
// closed, so a blocked Enqueue races Close safely.
func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	if job.RequestID == "" {
		job.RequestID = uuid.NewString()
	}
	select {
	case <-p.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrQueueClosed
	case p.queue <- job:
		p.gaugeDepth()
		return nil
	}
}

// Close stops accepting jobs, lets the workers drain the queue, and waits
// for in-flight uploads to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
}

// Depth reports the number of queued jobs.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// process runs one job end to end. Failures mark the file failed and drop
// the job; the rescue scan recreates it from durable state.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, job Job) {
	logger = logger.With(
		logging.String(logging.FieldReleaseID, job.ReleaseID),
		logging.String(logging.FieldSourcePath, job.LocalPath),
		logging.String(logging.FieldRequestID, job.RequestID),
	)

	task, err := p.tasks.Get(ctx, job.ReleaseID)
	if err != nil {
		logger.Error("load task", logging.Error(err))
		return
	}
	if task == nil {
		logger.Warn("no task for release, dropping job")
		return
	}
	if task.HasCompleted(job.LocalPath) {
		logger.Debug("file already completed, skipping")
		return
	}
	if task.HasUploading(job.LocalPath) {
		logger.Debug("file already uploading, skipping")
		return
	}

	if err := p.tasks.MarkUploading(ctx, job.ReleaseID, job.LocalPath); err != nil {
		logger.Error("mark uploading", logging.Error(err))
		return
	}

	superseded, err := p.findSuperseded(ctx, task, job)
	if err != nil {
		logger.Warn("superseded-version lookup failed", logging.Error(err))
	}

	handle, err := p.drive.Upload(ctx, job.LocalPath, job.RemotePath)
	if err != nil {
		p.countUpload("failure")
		logger.Error("upload failed", logging.Error(err))
		if markErr := p.tasks.MarkUploadFailed(ctx, job.ReleaseID, job.LocalPath); markErr != nil {
			logger.Error("mark upload failed", logging.Error(markErr))
		}
		p.recordFailure(ctx, logger, job, err)
		return
	}
	p.countUpload("success")
	if handle.Instant && p.metrics != nil {
		p.metrics.InstantUploads.Inc()
	}
	if p.metrics != nil {
		p.metrics.UploadedBytes.Add(float64(handle.Size))
	}

	if err := p.confirmRecord(ctx, job, handle); err != nil {
		logger.Error("update record", logging.Error(err))
		return
	}

	if err := p.tasks.MarkCompleted(ctx, job.ReleaseID, job.LocalPath); err != nil {
		logger.Error("mark completed", logging.Error(err))
	}

	// Only now that the new version is confirmed may the old one go.
	if superseded != nil {
		p.deleteSuperseded(ctx, logger, superseded)
	}

	if p.deleteAfterUpload {
		if err := os.Remove(job.LocalPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("delete local file", logging.Error(err))
		}
	}

	logger.Info("file uploaded",
		logging.String(logging.FieldRemotePath, job.RemotePath),
		logging.Int64("size", handle.Size),
		logging.Bool("instant", handle.Instant))

	if err := p.completer.TryShare(ctx, job.ReleaseID); err != nil {
		logger.Error("completion check", logging.Error(err))
	}
}

// confirmRecord flips the file's transfer record to confirmed remote state,
// matched by source path. Missing records are inserted so the rescue path
// and the event path converge on the same durable truth.
func (p *Pool) confirmRecord(ctx context.Context, job Job, handle drive.FileHandle) error {
	status := records.RecordSuccess
	storage := records.StorageRemote
	update := records.RecordUpdate{
		DestPath:      &job.RemotePath,
		DestStorage:   &storage,
		Status:        &status,
		RemoteID:      &handle.ID,
		RetrievalCode: &handle.RetrievalCode,
		Size:          &handle.Size,
	}
	err := p.records.UpdateBySourcePath(ctx, job.LocalPath, update)
	if err == nil {
		return nil
	}

	_, insErr := p.records.Insert(ctx, &records.TransferRecord{
		ReleaseID:     job.ReleaseID,
		SourcePath:    job.LocalPath,
		DestPath:      job.RemotePath,
		DestStorage:   records.StorageRemote,
		Status:        records.RecordSuccess,
		RemoteID:      handle.ID,
		RetrievalCode: handle.RetrievalCode,
		Size:          handle.Size,
	})
	if insErr != nil {
		return fmt.Errorf("update failed (%v), insert failed: %w", err, insErr)
	}
	return nil
}

func (p *Pool) recordFailure(ctx context.Context, logger *slog.Logger, job Job, cause error) {
	status := records.RecordFailed
	msg := cause.Error()
	err := p.records.UpdateBySourcePath(ctx, job.LocalPath, records.RecordUpdate{
		Status:       &status,
		ErrorMessage: &msg,
	})
	if err != nil {
		logger.Debug("no record to mark failed", logging.Error(err))
	}
}

func (p *Pool) deleteSuperseded(ctx context.Context, logger *slog.Logger, old *records.TransferRecord) {
	if err := p.drive.Delete(ctx, old.RemoteID); err != nil {
		logger.Warn("delete superseded remote file",
			logging.String(logging.FieldRemotePath, old.DestPath),
			logging.Error(err))
		return
	}
	if err := p.records.Delete(ctx, old.ID); err != nil {
		logger.Warn("delete superseded record", logging.Error(err))
		return
	}
	logger.Info("superseded version removed",
		logging.String(logging.FieldRemotePath, old.DestPath))
}

func (p *Pool) countUpload(result string) {
	if p.metrics != nil {
		p.metrics.UploadsTotal.WithLabelValues(result).Inc()
	}
}

func (p *Pool) gaugeDepth() {
	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(len(p.queue)))
	}
}
