package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"skylift/internal/config"
	"skylift/internal/events"
	"skylift/internal/notify"
	"skylift/internal/records"
	"skylift/internal/release"
	"skylift/internal/tasks"
	"skylift/internal/testsupport"
	"skylift/internal/uploader"
)

type captureQueue struct {
	mu   sync.Mutex
	jobs []uploader.Job
}

func (q *captureQueue) Enqueue(ctx context.Context, job uploader.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureQueue) list() []uploader.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uploader.Job(nil), q.jobs...)
}

type countingTrier struct {
	mu       sync.Mutex
	releases []string
}

func (c *countingTrier) TryShare(ctx context.Context, releaseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases = append(c.releases, releaseID)
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	events []events.FileOrganized
}

func (s *captureSink) HandleFileOrganized(ctx context.Context, ev events.FileOrganized) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type captureNotifier struct {
	abandoned []string
	reasons   []string
}

func (n *captureNotifier) NotifyShareCreated(context.Context, notify.TaskSummary, notify.ShareInfo) error {
	return nil
}

func (n *captureNotifier) NotifyTaskAbandoned(_ context.Context, summary notify.TaskSummary, reason string) error {
	n.abandoned = append(n.abandoned, summary.ReleaseID)
	n.reasons = append(n.reasons, reason)
	return nil
}

func (n *captureNotifier) Test(context.Context) error { return nil }

type captureHost struct {
	resets []string
}

func (h *captureHost) ResetOrganized(ctx context.Context, releaseID string) error {
	h.resets = append(h.resets, releaseID)
	return nil
}

type fixture struct {
	cfg      *config.Config
	tasks    *tasks.Store
	records  *records.Store
	queue    *captureQueue
	trier    *countingTrier
	sink     *captureSink
	notifier *captureNotifier
	host     *captureHost
	rec      *Reconciler
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	f := &fixture{
		cfg:      cfg,
		tasks:    testsupport.MustOpenTaskStore(t, cfg),
		records:  testsupport.MustOpenRecordStore(t, cfg),
		queue:    &captureQueue{},
		trier:    &countingTrier{},
		sink:     &captureSink{},
		notifier: &captureNotifier{},
		host:     &captureHost{},
	}
	f.rec = New(cfg, f.tasks, f.records, f.queue, f.trier, f.sink, f.notifier, f.host, nil, nil)
	// Each test opts in to the sweep steps it exercises.
	f.rec.cfg = config.Reconciler{MaxRetries: 3}
	return f
}

func (f *fixture) createTask(t *testing.T, releaseID string, expected int) {
	t.Helper()
	created, err := f.tasks.Create(context.Background(), tasks.NewTask{
		ReleaseID:     releaseID,
		Title:         "Test Release",
		MediaType:     release.MediaSeries,
		ShareMode:     release.ShareWhole,
		ExpectedCount: expected,
	})
	if err != nil || !created {
		t.Fatalf("create task: created=%v err=%v", created, err)
	}
}

func TestSweepRetriesShareForPendingTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createTask(t, "rel-1", 2)
	f.createTask(t, "rel-2", 1)

	if err := f.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(f.trier.releases) != 2 {
		t.Fatalf("expected 2 share attempts, got %v", f.trier.releases)
	}
}

func TestSweepRequeuesDirtyRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createTask(t, "rel-1", 1)
	local := filepath.Join(f.cfg.Paths.MediaRoot, "TV", "Show", "Show.S01E01.mkv")
	testsupport.WriteFile(t, local, 64)

	// Remote claim without a remote handle: the upload never confirmed.
	_, err := f.records.Insert(ctx, &records.TransferRecord{
		ReleaseID:   "rel-1",
		SourcePath:  local,
		DestPath:    "/Media/TV/Show/Show.S01E01.mkv",
		DestStorage: records.StorageRemote,
		Status:      records.RecordPending,
	})
	if err != nil {
		t.Fatalf("insert dirty record: %v", err)
	}

	if err := f.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	jobs := f.queue.list()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 requeued job, got %d", len(jobs))
	}
	if jobs[0].LocalPath != local || jobs[0].RemotePath != "/Media/TV/Show/Show.S01E01.mkv" {
		t.Fatalf("unexpected job %+v", jobs[0])
	}
}

func TestSweepSkipsDirtyRecordWithoutLocalFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createTask(t, "rel-1", 1)
	_, err := f.records.Insert(ctx, &records.TransferRecord{
		ReleaseID:   "rel-1",
		SourcePath:  filepath.Join(f.cfg.Paths.MediaRoot, "gone.mkv"),
		DestPath:    "/Media/gone.mkv",
		DestStorage: records.StorageRemote,
		Status:      records.RecordPending,
	})
	if err != nil {
		t.Fatalf("insert dirty record: %v", err)
	}

	if err := f.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if jobs := f.queue.list(); len(jobs) != 0 {
		t.Fatalf("expected no jobs for missing local file, got %+v", jobs)
	}
}

func TestSweepClearsFailedRecordsAndResetsHost(t *testing.T) {
	f := newFixture(t)
	f.rec.cfg.MaxRetries = 3
	f.rec.cfg.OrganizedMarker = true
	ctx := context.Background()

	f.createTask(t, "rel-1", 1)
	local := filepath.Join(f.cfg.Paths.MediaRoot, "bad.mkv")
	id, err := f.records.Insert(ctx, &records.TransferRecord{
		ReleaseID:    "rel-1",
		SourcePath:   local,
		DestPath:     "/Media/bad.mkv",
		DestStorage:  records.StorageRemote,
		Status:       records.RecordFailed,
		ErrorMessage: "upload failed",
	})
	if err != nil {
		t.Fatalf("insert failed record: %v", err)
	}

	if err := f.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(f.host.resets) != 1 || f.host.resets[0] != "rel-1" {
		t.Fatalf("expected organized marker reset for rel-1, got %v", f.host.resets)
	}
	failed, err := f.records.ListFailed(ctx, "rel-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("failed record %d not deleted", id)
	}
	task, err := f.tasks.Get(ctx, "rel-1")
	if err != nil || task == nil {
		t.Fatalf("get task: %v", err)
	}
	if task.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", task.RetryCount)
	}
	if task.Status != tasks.StatusPending {
		t.Fatalf("status = %q, want pending", task.Status)
	}
}

func TestSweepAbandonsTaskPastRetryBudget(t *testing.T) {
	f := newFixture(t)
	f.rec.cfg.MaxRetries = 1
	ctx := context.Background()

	f.createTask(t, "rel-1", 1)
	if _, err := f.tasks.IncrementRetry(ctx, "rel-1"); err != nil {
		t.Fatalf("seed retry count: %v", err)
	}
	_, err := f.records.Insert(ctx, &records.TransferRecord{
		ReleaseID:   "rel-1",
		SourcePath:  filepath.Join(f.cfg.Paths.MediaRoot, "bad.mkv"),
		DestStorage: records.StorageRemote,
		Status:      records.RecordFailed,
	})
	if err != nil {
		t.Fatalf("insert failed record: %v", err)
	}

	if err := f.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	task, err := f.tasks.Get(ctx, "rel-1")
	if err != nil || task == nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != tasks.StatusFailed {
		t.Fatalf("status = %q, want failed", task.Status)
	}
	if task.LastError == "" {
		t.Fatal("expected abandon reason recorded")
	}
	if len(f.notifier.abandoned) != 1 || f.notifier.abandoned[0] != "rel-1" {
		t.Fatalf("expected abandon notification for rel-1, got %v", f.notifier.abandoned)
	}
	if len(f.host.resets) != 0 {
		t.Fatalf("abandoned task must not reset organized marker, got %v", f.host.resets)
	}
}

func TestRescueScanReplaysUnknownFiles(t *testing.T) {
	f := newFixture(t)
	f.rec.cfg.RescueScan = true
	ctx := context.Background()

	stray := filepath.Join(f.cfg.Paths.MediaRoot, "TV", "Show", "Show.S01E02.mkv")
	testsupport.WriteFile(t, stray, 128)
	// Non-media files are never rescued.
	testsupport.WriteFile(t, filepath.Join(f.cfg.Paths.MediaRoot, "TV", "Show", "notes.txt"), 16)

	if err := f.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(f.sink.events) != 1 {
		t.Fatalf("expected 1 replayed file, got %d", len(f.sink.events))
	}
	ev := f.sink.events[0]
	if ev.DestPath != stray || ev.DestStorage != records.StorageLocal {
		t.Fatalf("unexpected replay event %+v", ev)
	}
	if ev.Size != 128 {
		t.Fatalf("size = %d, want 128", ev.Size)
	}
}

func TestRescueScanCarriesReleaseIDFromDirtyRecord(t *testing.T) {
	f := newFixture(t)
	f.rec.cfg.RescueScan = true
	ctx := context.Background()

	local := filepath.Join(f.cfg.Paths.MediaRoot, "Movies", "Film", "Film.2024.mkv")
	testsupport.WriteFile(t, local, 64)
	_, err := f.records.Insert(ctx, &records.TransferRecord{
		ReleaseID:   "rel-9",
		SourcePath:  local,
		DestPath:    "/Media/Movies/Film/Film.2024.mkv",
		DestStorage: records.StorageRemote,
		Status:      records.RecordPending,
	})
	if err != nil {
		t.Fatalf("insert dirty record: %v", err)
	}

	if err := f.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(f.sink.events) != 1 {
		t.Fatalf("expected 1 replayed file, got %d", len(f.sink.events))
	}
	if f.sink.events[0].ReleaseID != "rel-9" {
		t.Fatalf("release id = %q, want rel-9", f.sink.events[0].ReleaseID)
	}
}

func TestRescueScanRemovesUploadedLocalFiles(t *testing.T) {
	f := newFixture(t)
	f.rec.cfg.RescueScan = true
	f.rec.deleteAfterUpload = true
	ctx := context.Background()

	local := filepath.Join(f.cfg.Paths.MediaRoot, "Movies", "Done", "Done.2023.mkv")
	testsupport.WriteFile(t, local, 64)
	_, err := f.records.Insert(ctx, &records.TransferRecord{
		ReleaseID:   "rel-5",
		SourcePath:  local,
		DestPath:    "/Media/Movies/Done/Done.2023.mkv",
		DestStorage: records.StorageRemote,
		Status:      records.RecordSuccess,
		RemoteID:    "fid-1",
	})
	if err != nil {
		t.Fatalf("insert confirmed record: %v", err)
	}

	if err := f.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(f.sink.events) != 0 {
		t.Fatalf("confirmed file must not be replayed, got %+v", f.sink.events)
	}
	if _, err := os.Stat(local); err == nil {
		t.Fatal("expected uploaded local file to be removed")
	}
}

func TestSweepExpiresStaleTasks(t *testing.T) {
	f := newFixture(t)
	f.rec.cfg.TaskTimeoutHrs = 1
	ctx := context.Background()

	f.createTask(t, "rel-fresh", 1)

	if err := f.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// A just-created task is inside the timeout and must survive.
	task, err := f.tasks.Get(ctx, "rel-fresh")
	if err != nil || task == nil {
		t.Fatalf("fresh task missing after sweep: task=%v err=%v", task, err)
	}
}
