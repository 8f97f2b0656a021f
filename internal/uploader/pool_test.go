package uploader

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"skylift/internal/drive"
	"skylift/internal/logging"
	"skylift/internal/records"
	"skylift/internal/release"
	"skylift/internal/sharer"
	"skylift/internal/tasks"
	"skylift/internal/testsupport"
)

type fakeDrive struct {
	uploadErr error
	instant   bool
	delay     time.Duration
	uploads   int32
	deleted   []string
}

func (f *fakeDrive) Upload(ctx context.Context, localPath, remotePath string) (drive.FileHandle, error) {
	atomic.AddInt32(&f.uploads, 1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return drive.FileHandle{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.uploadErr != nil {
		return drive.FileHandle{}, f.uploadErr
	}
	return drive.FileHandle{
		ID:            "remote-" + filepath.Base(localPath),
		RetrievalCode: "pick-" + filepath.Base(localPath),
		Size:          1024,
		Instant:       f.instant,
	}, nil
}

func (f *fakeDrive) Delete(ctx context.Context, fileID string) error {
	f.deleted = append(f.deleted, fileID)
	return nil
}

func (f *fakeDrive) EnsureDirectory(ctx context.Context, remotePath string) (string, error) {
	return "dir", nil
}

func (f *fakeDrive) FindFolder(ctx context.Context, parentID, name string) (string, error) {
	return "", drive.ErrNotFound
}

func (f *fakeDrive) CreateFolderShare(ctx context.Context, folderID string) (drive.ShareResult, error) {
	return drive.ShareResult{}, errors.New("not implemented")
}

func (f *fakeDrive) CreateFileShare(ctx context.Context, fileIDs []string) (drive.ShareResult, error) {
	return drive.ShareResult{}, errors.New("not implemented")
}

func (f *fakeDrive) UpdateShare(ctx context.Context, shareCode string, opts drive.UpdateShareOptions) error {
	return nil
}

func (f *fakeDrive) ListSystemMessages(ctx context.Context, limit int) ([]drive.SystemMessage, error) {
	return nil, nil
}

type fakeSharer struct {
	err   error
	calls int32
}

func (f *fakeSharer) Share(ctx context.Context, task *tasks.Task) (sharer.Outcome, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return sharer.Outcome{}, f.err
	}
	return sharer.Outcome{ShareURL: "https://example.com/s/x", ShareCode: "x"}, nil
}

type fixture struct {
	pool    *Pool
	drive   *fakeDrive
	sharer  *fakeSharer
	tasks   *tasks.Store
	records *records.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	taskStore := testsupport.MustOpenTaskStore(t, cfg)
	recordStore := testsupport.MustOpenRecordStore(t, cfg)

	fd := &fakeDrive{}
	fs := &fakeSharer{}
	completer := NewCompleter(taskStore, recordStore, fs, nil, nil, logging.NewNop())
	pool := NewPool(cfg.Upload, fd, recordStore, taskStore, completer, nil, logging.NewNop())
	return &fixture{pool: pool, drive: fd, sharer: fs, tasks: taskStore, records: recordStore}
}

func createTask(t *testing.T, store *tasks.Store, releaseID string, expected int) {
	t.Helper()
	created, err := store.Create(context.Background(), tasks.NewTask{
		ReleaseID:     releaseID,
		Title:         "Some Show S01",
		MediaType:     release.MediaSeries,
		ShareMode:     release.SharePartial,
		ExpectedCount: expected,
	})
	if err != nil || !created {
		t.Fatalf("create task: created=%v err=%v", created, err)
	}
}

func seedPendingRecord(t *testing.T, store *records.Store, releaseID, src, dest string) {
	t.Helper()
	rec := records.TransferRecord{
		ReleaseID:   releaseID,
		SourcePath:  src,
		DestPath:    dest,
		DestStorage: records.StorageRemote,
		Status:      records.RecordPending,
	}
	if _, err := store.Insert(context.Background(), &rec); err != nil {
		t.Fatalf("insert record: %v", err)
	}
}

func runJob(f *fixture, job Job) {
	f.pool.process(context.Background(), logging.NewNop(), job)
}

func TestWorkerUploadsConfirmsAndShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createTask(t, f.tasks, "rel-1", 2)

	for _, name := range []string{"S01E01", "S01E02"} {
		src := "/media/TV/Show/" + name + ".mkv"
		dest := "/Remote/TV/Show/" + name + ".mkv"
		seedPendingRecord(t, f.records, "rel-1", src, dest)
		runJob(f, Job{ReleaseID: "rel-1", LocalPath: src, RemotePath: dest, RequestID: name})
	}

	count, err := f.records.CountRemote(ctx, "rel-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 confirmed records, got %d", count)
	}
	if got := atomic.LoadInt32(&f.sharer.calls); got != 1 {
		t.Fatalf("expected exactly one share call, got %d", got)
	}
	// Shared tasks are removed.
	task, err := f.tasks.Get(ctx, "rel-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task != nil {
		t.Fatalf("expected task removed after share, got %+v", task)
	}
}

func TestWorkerDoesNotShareBeforeExpectedCount(t *testing.T) {
	f := newFixture(t)
	createTask(t, f.tasks, "rel-1", 3)

	src := "/media/TV/Show/S01E01.mkv"
	seedPendingRecord(t, f.records, "rel-1", src, "/Remote/TV/Show/S01E01.mkv")
	runJob(f, Job{ReleaseID: "rel-1", LocalPath: src, RemotePath: "/Remote/TV/Show/S01E01.mkv"})

	if got := atomic.LoadInt32(&f.sharer.calls); got != 0 {
		t.Fatalf("expected no share calls, got %d", got)
	}
	task, _ := f.tasks.Get(context.Background(), "rel-1")
	if task == nil || task.Status != tasks.StatusPending {
		t.Fatalf("expected task still pending, got %+v", task)
	}
}

func TestWorkerSkipsCompletedFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createTask(t, f.tasks, "rel-1", 5)

	const src = "/media/TV/Show/S01E01.mkv"
	if err := f.tasks.MarkUploading(ctx, "rel-1", src); err != nil {
		t.Fatalf("mark uploading: %v", err)
	}
	if err := f.tasks.MarkCompleted(ctx, "rel-1", src); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	runJob(f, Job{ReleaseID: "rel-1", LocalPath: src, RemotePath: "/Remote/TV/Show/S01E01.mkv"})

	if got := atomic.LoadInt32(&f.drive.uploads); got != 0 {
		t.Fatalf("completed file must not re-upload, got %d uploads", got)
	}
}

func TestWorkerFailureMarksFileAndRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createTask(t, f.tasks, "rel-1", 1)
	f.drive.uploadErr = errors.New("network timeout")

	const src = "/media/TV/Show/S01E01.mkv"
	seedPendingRecord(t, f.records, "rel-1", src, "/Remote/TV/Show/S01E01.mkv")
	runJob(f, Job{ReleaseID: "rel-1", LocalPath: src, RemotePath: "/Remote/TV/Show/S01E01.mkv"})

	task, err := f.tasks.Get(ctx, "rel-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if len(task.FailedFiles) != 1 {
		t.Fatalf("expected file in failed set, got %+v", task)
	}
	if len(task.UploadingFiles) != 0 {
		t.Fatalf("uploading set must be cleared on failure, got %v", task.UploadingFiles)
	}

	rec, err := f.records.GetBySourcePath(ctx, src, records.StorageRemote)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != records.RecordFailed {
		t.Fatalf("expected failed record, got %s", rec.Status)
	}
	if got := atomic.LoadInt32(&f.sharer.calls); got != 0 {
		t.Fatalf("failed upload must not share, got %d", got)
	}
}

func TestSupersededVersionDeletedAfterSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createTask(t, f.tasks, "rel-2", 1)

	// Prior confirmed version of the same episode slot.
	old := records.TransferRecord{
		ReleaseID:   "rel-1",
		SourcePath:  "/media/TV/Show/Show.S01E01.720p.mkv",
		DestPath:    "/Remote/TV/Show/Show.S01E01.720p.mkv",
		DestStorage: records.StorageRemote,
		Status:      records.RecordSuccess,
		RemoteID:    "old-remote",
	}
	if _, err := f.records.Insert(ctx, &old); err != nil {
		t.Fatalf("insert old: %v", err)
	}

	src := "/media/TV/Show/Show.S01E01.1080p.mkv"
	dest := "/Remote/TV/Show/Show.S01E01.1080p.mkv"
	seedPendingRecord(t, f.records, "rel-2", src, dest)
	runJob(f, Job{ReleaseID: "rel-2", LocalPath: src, RemotePath: dest})

	if len(f.drive.deleted) != 1 || f.drive.deleted[0] != "old-remote" {
		t.Fatalf("expected old remote file deleted, got %v", f.drive.deleted)
	}
	recs, err := f.records.ListByReleaseID(ctx, "rel-1")
	if err != nil {
		t.Fatalf("list old release: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected superseded record removed, got %d", len(recs))
	}
}

func TestSupersededVersionKeptOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createTask(t, f.tasks, "rel-2", 1)
	f.drive.uploadErr = errors.New("quota exceeded")

	old := records.TransferRecord{
		ReleaseID:   "rel-1",
		SourcePath:  "/media/TV/Show/Show.S01E01.720p.mkv",
		DestPath:    "/Remote/TV/Show/Show.S01E01.720p.mkv",
		DestStorage: records.StorageRemote,
		Status:      records.RecordSuccess,
		RemoteID:    "old-remote",
	}
	if _, err := f.records.Insert(ctx, &old); err != nil {
		t.Fatalf("insert old: %v", err)
	}

	src := "/media/TV/Show/Show.S01E01.1080p.mkv"
	dest := "/Remote/TV/Show/Show.S01E01.1080p.mkv"
	seedPendingRecord(t, f.records, "rel-2", src, dest)
	runJob(f, Job{ReleaseID: "rel-2", LocalPath: src, RemotePath: dest})

	if len(f.drive.deleted) != 0 {
		t.Fatalf("old version must survive a failed upload, got deletions %v", f.drive.deleted)
	}
}

func TestShareFailureLeavesTaskRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createTask(t, f.tasks, "rel-1", 1)
	f.sharer.err = errors.New("api error")

	src := "/media/TV/Show/S01E01.mkv"
	seedPendingRecord(t, f.records, "rel-1", src, "/Remote/TV/Show/S01E01.mkv")
	runJob(f, Job{ReleaseID: "rel-1", LocalPath: src, RemotePath: "/Remote/TV/Show/S01E01.mkv"})

	task, err := f.tasks.Get(ctx, "rel-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task == nil || task.Status != tasks.StatusPending {
		t.Fatalf("expected task back to pending, got %+v", task)
	}
	if task.ShareAttempts != 1 {
		t.Fatalf("expected 1 recorded attempt, got %d", task.ShareAttempts)
	}

	// A later pass retries the share without re-uploading.
	f.sharer.err = nil
	if err := f.pool.completer.TryShare(ctx, "rel-1"); err != nil {
		t.Fatalf("retry share: %v", err)
	}
	if got := atomic.LoadInt32(&f.sharer.calls); got != 2 {
		t.Fatalf("expected second share call, got %d", got)
	}
	if got := atomic.LoadInt32(&f.drive.uploads); got != 1 {
		t.Fatalf("retry must not re-upload, got %d uploads", got)
	}
}

func TestShareSkippedIsNotRetryableError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createTask(t, f.tasks, "rel-1", 1)
	f.sharer.err = sharer.ErrSkipped

	src := "/media/TV/Show/S01E01.mkv"
	seedPendingRecord(t, f.records, "rel-1", src, "/Remote/TV/Show/S01E01.mkv")

	// Confirm the record directly and drive the completion path.
	status := records.RecordSuccess
	remoteID := "f1"
	if err := f.records.UpdateBySourcePath(ctx, src, records.RecordUpdate{Status: &status, RemoteID: &remoteID}); err != nil {
		t.Fatalf("confirm record: %v", err)
	}
	if err := f.pool.completer.TryShare(ctx, "rel-1"); err != nil {
		t.Fatalf("skip must not surface as error: %v", err)
	}

	task, _ := f.tasks.Get(ctx, "rel-1")
	if task == nil || task.Status != tasks.StatusPending {
		t.Fatalf("expected blocked task to stay pending, got %+v", task)
	}
}

func TestEnqueueObservesShutdown(t *testing.T) {
	f := newFixture(t)
	f.pool.Close()
	err := f.pool.Enqueue(context.Background(), Job{ReleaseID: "rel-1"})
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestCloseWaitsForInFlightUpload(t *testing.T) {
	f := newFixture(t)
	f.drive.delay = 200 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	createTask(t, f.tasks, "rel-1", 1)

	src := "/media/TV/Show/S01E01.mkv"
	dest := "/Remote/TV/Show/S01E01.mkv"
	seedPendingRecord(t, f.records, "rel-1", src, dest)

	f.pool.Start(ctx)
	if err := f.pool.Enqueue(ctx, Job{ReleaseID: "rel-1", LocalPath: src, RemotePath: dest}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Close must wait out the slow upload; cancelling afterwards must not
	// have touched it.
	f.pool.Close()
	cancel()

	rec, err := f.records.GetBySourcePath(context.Background(), src, records.StorageRemote)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if rec == nil || !rec.IsRemoteConfirmed() {
		t.Fatalf("expected upload confirmed despite shutdown, got %+v", rec)
	}
}

func TestCloseUnblocksFullQueueEnqueue(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Upload.QueueSize = 1
	taskStore := testsupport.MustOpenTaskStore(t, cfg)
	recordStore := testsupport.MustOpenRecordStore(t, cfg)
	completer := NewCompleter(taskStore, recordStore, &fakeSharer{}, nil, nil, logging.NewNop())
	pool := NewPool(cfg.Upload, &fakeDrive{}, recordStore, taskStore, completer, nil, logging.NewNop())

	// No workers started: the first job fills the buffer, the second blocks.
	if err := pool.Enqueue(context.Background(), Job{ReleaseID: "rel-1"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Enqueue(context.Background(), Job{ReleaseID: "rel-1"})
	}()
	time.Sleep(50 * time.Millisecond)

	pool.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked enqueue did not observe shutdown")
	}
}

func TestPoolEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	createTask(t, f.tasks, "rel-1", 2)

	f.pool.Start(ctx)
	for _, name := range []string{"S01E01", "S01E02"} {
		src := "/media/TV/Show/" + name + ".mkv"
		dest := "/Remote/TV/Show/" + name + ".mkv"
		seedPendingRecord(t, f.records, "rel-1", src, dest)
		if err := f.pool.Enqueue(ctx, Job{ReleaseID: "rel-1", LocalPath: src, RemotePath: dest}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	f.pool.Close()

	if got := atomic.LoadInt32(&f.sharer.calls); got != 1 {
		t.Fatalf("expected exactly one share call, got %d", got)
	}
}
