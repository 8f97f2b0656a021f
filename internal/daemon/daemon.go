// Package daemon wires the upload pipeline together and enforces
// single-instance execution: stores, drive client, worker pool, event loop,
// reconciler, violation monitor, and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"skylift/internal/blockfile"
	"skylift/internal/config"
	"skylift/internal/drive"
	"skylift/internal/events"
	"skylift/internal/logging"
	"skylift/internal/metrics"
	"skylift/internal/notify"
	"skylift/internal/reconciler"
	"skylift/internal/records"
	"skylift/internal/sharer"
	"skylift/internal/tasks"
	"skylift/internal/uploader"
)

// Daemon owns the background services and their shared stores.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	tasks      *tasks.Store
	records    *records.Store
	violations *blockfile.Store
	drive      drive.Client
	pool       *uploader.Pool
	completer  *uploader.Completer
	handler    *events.Handler
	bus        *events.Bus
	reconciler *reconciler.Reconciler
	monitor    *blockfile.Monitor
	metrics    *metrics.Metrics
	api        *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status is the daemon's runtime snapshot served on the API.
type Status struct {
	Running      bool   `json:"running"`
	PID          int    `json:"pid"`
	QueueDepth   int    `json:"queue_depth"`
	PendingTasks int    `json:"pending_tasks"`
	DataDir      string `json:"data_dir"`
	LockFilePath string `json:"lock_file"`
}

// New constructs the daemon and all of its services. No goroutines start
// until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	taskStore, err := tasks.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	recordStore, err := records.Open(cfg)
	if err != nil {
		taskStore.Close()
		return nil, fmt.Errorf("open record store: %w", err)
	}
	violationStore, err := blockfile.Open(cfg)
	if err != nil {
		taskStore.Close()
		recordStore.Close()
		return nil, fmt.Errorf("open violation store: %w", err)
	}

	m := metrics.New()
	client := drive.NewFromConfig(cfg, logger)
	notifier := notify.NewNotifier(cfg)

	shareRunner := sharer.New(client, recordStore, violationStore, cfg.Share, logger)
	completer := uploader.NewCompleter(taskStore, recordStore, shareRunner, notifier, m, logger)
	completer.SetShareLogger(violationStore)

	pool := uploader.NewPool(cfg.Upload, client, recordStore, taskStore, completer, m, logger)
	handler := events.NewHandler(taskStore, recordStore, pool, cfg, logger)
	bus := events.NewBus(cfg.Upload.QueueSize, logger)

	rec := reconciler.New(cfg, taskStore, recordStore, pool, completer, handler, notifier, nil, m, logger)
	monitor := blockfile.NewMonitor(client, violationStore, cfg.Violations, m, logger, nil)

	lockPath := filepath.Join(cfg.Paths.LogDir, "skyliftd.lock")
	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		tasks:      taskStore,
		records:    recordStore,
		violations: violationStore,
		drive:      client,
		pool:       pool,
		completer:  completer,
		handler:    handler,
		bus:        bus,
		reconciler: rec,
		monitor:    monitor,
		metrics:    m,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the instance lock, clears stale uploading sets, and launches
// the background services.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another skylift daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	// In-flight markers from a previous run are meaningless after restart;
	// durable records decide what is actually uploaded.
	cleared, err := d.tasks.ClearUploadingOnStartup(runCtx)
	if err != nil {
		_ = d.lock.Unlock()
		cancel()
		return fmt.Errorf("clear uploading sets: %w", err)
	}
	if cleared > 0 {
		d.logger.Info("stale uploading sets cleared", logging.Int64("tasks", cleared))
	}

	d.pool.Start(runCtx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.bus.Run(runCtx, d.handler)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.reconciler.Run(runCtx)
	}()

	if d.cfg.Violations.Enabled {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.monitor.Run(runCtx)
		}()
	}

	if d.api != nil {
		if err := d.api.start(runCtx); err != nil {
			d.Stop()
			return err
		}
	}

	d.running.Store(true)
	d.logger.Info("skylift daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("workers", d.cfg.Upload.Workers))
	return nil
}

// Stop shuts the daemon down in intake-first order: the API stops accepting
// events, the pool drains and lets in-flight uploads finish on the still-live
// context, and only then are the remaining services cancelled.
func (d *Daemon) Stop() {
	if d.api != nil {
		d.api.stop()
	}
	d.pool.Close()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", logging.Error(err))
	}
	if d.running.Swap(false) {
		d.logger.Info("skylift daemon stopped")
	}
}

// Close stops the daemon and closes the stores.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	if err := d.tasks.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.records.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.violations.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Publish feeds a host event into the processing loop.
func (d *Daemon) Publish(ctx context.Context, ev any) error {
	return d.bus.Publish(ctx, ev)
}

// SetOrganizeHost attaches the host collaborator the reconciler uses to strip
// organized markers. Must be called before Start.
func (d *Daemon) SetOrganizeHost(host reconciler.OrganizeHost) {
	d.reconciler.SetOrganizeHost(host)
}

// Status reports the runtime snapshot.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		QueueDepth:   d.pool.Depth(),
		DataDir:      d.cfg.Paths.DataDir,
		LockFilePath: d.lockPath,
	}
	if pending, err := d.tasks.ListPending(ctx); err == nil {
		status.PendingTasks = len(pending)
	}
	return status
}

// ListTasks returns tasks filtered by optional statuses.
func (d *Daemon) ListTasks(ctx context.Context, statuses ...tasks.Status) ([]*tasks.Task, error) {
	return d.tasks.List(ctx, statuses...)
}

// Resync runs a full reconciliation sweep immediately.
func (d *Daemon) Resync(ctx context.Context) error {
	return d.reconciler.Sweep(ctx)
}
