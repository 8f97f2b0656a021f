package sharer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"skylift/internal/config"
	"skylift/internal/drive"
	"skylift/internal/records"
	"skylift/internal/release"
	"skylift/internal/tasks"
	"skylift/internal/testsupport"
)

type fakeDrive struct {
	findFolder  func(parentID, name string) (string, error)
	folderShare func(folderID string) (drive.ShareResult, error)
	fileShare   func(fileIDs []string) (drive.ShareResult, error)
	updateShare func(shareCode string, opts drive.UpdateShareOptions) error

	updates []drive.UpdateShareOptions
}

func (f *fakeDrive) Upload(ctx context.Context, localPath, remotePath string) (drive.FileHandle, error) {
	return drive.FileHandle{}, errors.New("not implemented")
}

func (f *fakeDrive) Delete(ctx context.Context, fileID string) error { return nil }

func (f *fakeDrive) EnsureDirectory(ctx context.Context, remotePath string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeDrive) FindFolder(ctx context.Context, parentID, name string) (string, error) {
	if f.findFolder == nil {
		return "", drive.ErrNotFound
	}
	return f.findFolder(parentID, name)
}

func (f *fakeDrive) CreateFolderShare(ctx context.Context, folderID string) (drive.ShareResult, error) {
	if f.folderShare == nil {
		return drive.ShareResult{}, errors.New("unexpected folder share")
	}
	return f.folderShare(folderID)
}

func (f *fakeDrive) CreateFileShare(ctx context.Context, fileIDs []string) (drive.ShareResult, error) {
	if f.fileShare == nil {
		return drive.ShareResult{}, errors.New("unexpected file share")
	}
	return f.fileShare(fileIDs)
}

func (f *fakeDrive) UpdateShare(ctx context.Context, shareCode string, opts drive.UpdateShareOptions) error {
	f.updates = append(f.updates, opts)
	if f.updateShare == nil {
		return nil
	}
	return f.updateShare(shareCode, opts)
}

func (f *fakeDrive) ListSystemMessages(ctx context.Context, limit int) ([]drive.SystemMessage, error) {
	return nil, nil
}

func shareConfig() config.Share {
	return config.Share{
		Enabled:           true,
		MovieRootFolderID: "movie-root",
		TVRootFolderID:    "tv-root",
		PasswordStrategy:  PasswordKeepInitial,
	}
}

func seedRecords(t *testing.T, store *records.Store, releaseID string, confirmed int) {
	t.Helper()
	for i := 0; i < confirmed; i++ {
		rec := records.TransferRecord{
			ReleaseID:   releaseID,
			SourcePath:  "/media/TV/Show/S01E0" + string(rune('1'+i)) + ".mkv",
			DestPath:    "/Remote/TV/Show (2024)/S01E0" + string(rune('1'+i)) + ".mkv",
			DestStorage: records.StorageRemote,
			Status:      records.RecordSuccess,
			RemoteID:    "f" + string(rune('1'+i)),
		}
		if _, err := store.Insert(context.Background(), &rec); err != nil {
			t.Fatalf("insert record: %v", err)
		}
	}
}

func seriesTask(mode release.ShareMode) *tasks.Task {
	return &tasks.Task{
		ReleaseID: "rel-1",
		MediaType: release.MediaSeries,
		ShareMode: mode,
	}
}

func TestShareFolderMode(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRecordStore(t, cfg)
	seedRecords(t, store, "rel-1", 2)

	fake := &fakeDrive{
		findFolder: func(parentID, name string) (string, error) {
			if parentID != "tv-root" {
				t.Fatalf("expected tv root, got %s", parentID)
			}
			if name != "Show (2024)" {
				t.Fatalf("expected folder name from dest path, got %q", name)
			}
			return "dir-9", nil
		},
		folderShare: func(folderID string) (drive.ShareResult, error) {
			if folderID != "dir-9" {
				t.Fatalf("unexpected folder id %s", folderID)
			}
			return drive.ShareResult{ShareURL: "https://example.com/s/a", ShareCode: "a", ReceiveCode: "init"}, nil
		},
	}

	s := New(fake, store, nil, shareConfig(), nil)
	outcome, err := s.Share(context.Background(), seriesTask(release.ShareWhole))
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if outcome.ShareCode != "a" || outcome.ReceiveCode != "init" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	// keep_initial with no duration or limits needs no share update.
	if len(fake.updates) != 0 {
		t.Fatalf("expected no share updates, got %d", len(fake.updates))
	}
}

func TestShareFileMode(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRecordStore(t, cfg)
	seedRecords(t, store, "rel-1", 3)

	fake := &fakeDrive{
		fileShare: func(fileIDs []string) (drive.ShareResult, error) {
			if len(fileIDs) != 3 {
				t.Fatalf("expected 3 file ids, got %v", fileIDs)
			}
			return drive.ShareResult{ShareURL: "https://example.com/s/b", ShareCode: "b"}, nil
		},
	}

	s := New(fake, store, nil, shareConfig(), nil)
	outcome, err := s.Share(context.Background(), seriesTask(release.SharePartial))
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if outcome.ShareCode != "b" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestShareAppliesFixedPasswordAndDuration(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRecordStore(t, cfg)
	seedRecords(t, store, "rel-1", 1)

	shareCfg := shareConfig()
	shareCfg.PasswordStrategy = PasswordFixed
	shareCfg.PasswordValue = "ab12"
	shareCfg.FileDurationDays = 7
	shareCfg.ReceiveLimit = 50

	fake := &fakeDrive{
		fileShare: func(fileIDs []string) (drive.ShareResult, error) {
			return drive.ShareResult{ShareCode: "c", ReceiveCode: "init"}, nil
		},
	}

	s := New(fake, store, nil, shareCfg, nil)
	outcome, err := s.Share(context.Background(), seriesTask(release.SharePartial))
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if outcome.ReceiveCode != "ab12" {
		t.Fatalf("expected fixed receive code, got %q", outcome.ReceiveCode)
	}
	if len(fake.updates) != 1 {
		t.Fatalf("expected 1 share update, got %d", len(fake.updates))
	}
	update := fake.updates[0]
	if update.ReceiveCode != "ab12" || update.DurationDays != 7 || update.ReceiveLimit != 50 {
		t.Fatalf("unexpected update: %+v", update)
	}
}

func TestShareFolderNotFoundIsRetryable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRecordStore(t, cfg)
	seedRecords(t, store, "rel-1", 1)

	s := New(&fakeDrive{}, store, nil, shareConfig(), nil)
	_, err := s.Share(context.Background(), seriesTask(release.ShareWhole))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrSkipped) {
		t.Fatal("folder not found must be retryable, not a skip")
	}
}

func TestShareNoHandlesFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRecordStore(t, cfg)

	s := New(&fakeDrive{}, store, nil, shareConfig(), nil)
	_, err := s.Share(context.Background(), seriesTask(release.SharePartial))
	if err == nil || !strings.Contains(err.Error(), "no remote file handles") {
		t.Fatalf("expected no-handles error, got %v", err)
	}
}

type staticBlocklist struct {
	blocked bool
	reason  string
}

func (b staticBlocklist) IsBlocked(ctx context.Context, releaseID string) (bool, string, error) {
	return b.blocked, b.reason, nil
}

func TestShareBlockedRelease(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRecordStore(t, cfg)
	seedRecords(t, store, "rel-1", 1)

	s := New(&fakeDrive{}, store, staticBlocklist{blocked: true, reason: "violation"}, shareConfig(), nil)
	_, err := s.Share(context.Background(), seriesTask(release.SharePartial))
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("expected ErrSkipped, got %v", err)
	}
}

func TestShareDisabled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenRecordStore(t, cfg)

	shareCfg := shareConfig()
	shareCfg.Enabled = false
	s := New(&fakeDrive{}, store, nil, shareCfg, nil)
	_, err := s.Share(context.Background(), seriesTask(release.SharePartial))
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("expected ErrSkipped, got %v", err)
	}
}

func TestResolvePasswordStrategies(t *testing.T) {
	code, override, err := resolvePassword(PasswordKeepInitial, "", nil, "init")
	if err != nil || override || code != "init" {
		t.Fatalf("keep_initial: code=%q override=%v err=%v", code, override, err)
	}

	code, override, err = resolvePassword(PasswordEmpty, "", nil, "init")
	if err != nil || !override || code != "" {
		t.Fatalf("empty: code=%q override=%v err=%v", code, override, err)
	}

	code, override, err = resolvePassword(PasswordRandomList, "", []string{"toolong1", "zx9k"}, "")
	if err != nil || !override || code != "zx9k" {
		t.Fatalf("random_list: code=%q override=%v err=%v", code, override, err)
	}

	code, _, err = resolvePassword(PasswordRandom, "", nil, "")
	if err != nil || len(code) != 4 {
		t.Fatalf("random_generate: code=%q err=%v", code, err)
	}
	for _, r := range code {
		if !strings.ContainsRune(passwordAlphabet, r) {
			t.Fatalf("random code %q has character outside alphabet", code)
		}
	}

	if _, _, err = resolvePassword(PasswordFixed, "abc", nil, ""); err == nil {
		t.Fatal("fixed password shorter than 4 characters must error")
	}
	if _, _, err = resolvePassword("bogus", "", nil, ""); err == nil {
		t.Fatal("unknown strategy must error")
	}
}
