package events

import (
	"context"
	"testing"

	"skylift/internal/records"
	"skylift/internal/release"
	"skylift/internal/tasks"
	"skylift/internal/testsupport"
	"skylift/internal/uploader"
)

type captureQueue struct {
	jobs []uploader.Job
}

func (q *captureQueue) Enqueue(ctx context.Context, job uploader.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type handlerFixture struct {
	handler *Handler
	queue   *captureQueue
	tasks   *tasks.Store
	records *records.Store
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Upload.Mappings[0].Local = "/media"
	taskStore := testsupport.MustOpenTaskStore(t, cfg)
	recordStore := testsupport.MustOpenRecordStore(t, cfg)
	queue := &captureQueue{}
	return &handlerFixture{
		handler: NewHandler(taskStore, recordStore, queue, cfg, nil),
		queue:   queue,
		tasks:   taskStore,
		records: recordStore,
	}
}

func TestDownloadAddedCreatesTask(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	ev := DownloadAdded{
		ReleaseID: "rel-1",
		Title:     "Some Show S01",
		Meta: release.Meta{
			MediaType:   release.MediaSeries,
			Episodes:    "E01-E12",
			Description: "全12集",
		},
	}
	if err := f.handler.HandleDownloadAdded(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}

	task, err := f.tasks.Get(ctx, "rel-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task == nil {
		t.Fatal("expected task created")
	}
	if task.ShareMode != release.ShareWhole || task.ExpectedCount != 12 {
		t.Fatalf("unexpected task: %+v", task)
	}

	// Replayed event is a no-op.
	if err := f.handler.HandleDownloadAdded(ctx, ev); err != nil {
		t.Fatalf("replay: %v", err)
	}
	all, _ := f.tasks.List(ctx)
	if len(all) != 1 {
		t.Fatalf("expected 1 task after replay, got %d", len(all))
	}
}

func TestDownloadAddedUndecidableSkips(t *testing.T) {
	f := newHandlerFixture(t)

	ev := DownloadAdded{
		ReleaseID: "rel-1",
		Meta:      release.Meta{MediaType: "music"},
	}
	if err := f.handler.HandleDownloadAdded(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	task, _ := f.tasks.Get(context.Background(), "rel-1")
	if task != nil {
		t.Fatal("undecidable release must not create a task")
	}
}

func TestFileOrganizedEnqueuesMappedUpload(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	ev := FileOrganized{
		ReleaseID:   "rel-1",
		SourcePath:  "/downloads/show/S01E01.mkv",
		DestPath:    "/media/TV/Show/S01E01.mkv",
		DestStorage: records.StorageLocal,
		Size:        2048,
	}
	if err := f.handler.HandleFileOrganized(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(f.queue.jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(f.queue.jobs))
	}
	job := f.queue.jobs[0]
	if job.RemotePath != "/Media/TV/Show/S01E01.mkv" {
		t.Fatalf("unexpected remote path %s", job.RemotePath)
	}
	if job.LocalPath != "/media/TV/Show/S01E01.mkv" {
		t.Fatalf("unexpected local path %s", job.LocalPath)
	}

	rec, err := f.records.GetBySourcePath(ctx, ev.DestPath, records.StorageRemote)
	if err != nil || rec == nil {
		t.Fatalf("expected pending record, got %v err=%v", rec, err)
	}
	if rec.Status != records.RecordPending || rec.Size != 2048 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.OriginPath != "/downloads/show/S01E01.mkv" {
		t.Fatalf("expected download origin on record, got %q", rec.OriginPath)
	}
}

func TestFileOrganizedOutsideMappingsSkips(t *testing.T) {
	f := newHandlerFixture(t)

	ev := FileOrganized{
		ReleaseID:   "rel-1",
		DestPath:    "/other/TV/Show/S01E01.mkv",
		DestStorage: records.StorageLocal,
	}
	if err := f.handler.HandleFileOrganized(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatalf("unmapped path must not enqueue, got %v", f.queue.jobs)
	}
}

func TestFileOrganizedNonLocalStorageSkips(t *testing.T) {
	f := newHandlerFixture(t)

	ev := FileOrganized{
		ReleaseID:   "rel-1",
		DestPath:    "/media/TV/Show/S01E01.mkv",
		DestStorage: records.StorageRemote,
	}
	if err := f.handler.HandleFileOrganized(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatal("non-local organize must not enqueue")
	}
}

func TestFileOrganizedConfirmedRemoteSkips(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	rec := records.TransferRecord{
		ReleaseID:   "rel-1",
		SourcePath:  "/media/TV/Show/S01E01.mkv",
		DestPath:    "/Media/TV/Show/S01E01.mkv",
		DestStorage: records.StorageRemote,
		Status:      records.RecordSuccess,
		RemoteID:    "f1",
	}
	if _, err := f.records.Insert(ctx, &rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ev := FileOrganized{
		ReleaseID:   "rel-1",
		DestPath:    "/media/TV/Show/S01E01.mkv",
		DestStorage: records.StorageLocal,
	}
	if err := f.handler.HandleFileOrganized(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatal("confirmed file must not re-enqueue")
	}
}

func TestRecoverReleaseIDFromSiblingSlot(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	// A prior version of the same episode from the same directory.
	rec := records.TransferRecord{
		ReleaseID:   "rel-42",
		SourcePath:  "/media/TV/Show/Show.S01E03.720p.mkv",
		DestPath:    "/Media/TV/Show/Show.S01E03.720p.mkv",
		DestStorage: records.StorageRemote,
		Status:      records.RecordSuccess,
		RemoteID:    "f3",
	}
	if _, err := f.records.Insert(ctx, &rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ev := FileOrganized{
		DestPath:    "/media/TV/Show/Show.S01E03.1080p.mkv",
		DestStorage: records.StorageLocal,
	}
	if err := f.handler.HandleFileOrganized(ctx, ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.queue.jobs) != 1 {
		t.Fatalf("expected job after recovery, got %d", len(f.queue.jobs))
	}
	if f.queue.jobs[0].ReleaseID != "rel-42" {
		t.Fatalf("expected recovered release rel-42, got %s", f.queue.jobs[0].ReleaseID)
	}
}

func TestUnrecoverableReleaseIDDropsFile(t *testing.T) {
	f := newHandlerFixture(t)

	ev := FileOrganized{
		DestPath:    "/media/TV/Unknown/S01E01.mkv",
		DestStorage: records.StorageLocal,
	}
	if err := f.handler.HandleFileOrganized(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatal("file without recoverable release id must be dropped")
	}
}
