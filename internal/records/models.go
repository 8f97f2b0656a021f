// Package records mirrors the host's transfer history: one record per file
// the host organized, tracking where the file landed and the remote handle
// once uploaded. The record store is the durable source of truth for
// completion counting.
package records

import (
	"context"
	"time"
)

// Storage identifies where a transferred file lives.
type Storage string

const (
	StorageLocal  Storage = "local"
	StorageRemote Storage = "remote"
)

// RecordStatus is the transfer outcome recorded for a file.
type RecordStatus string

const (
	RecordPending RecordStatus = "pending"
	RecordSuccess RecordStatus = "success"
	RecordFailed  RecordStatus = "failed"
)

// TransferRecord is one organized file's durable transfer state. SourcePath
// is the organized library file the upload reads from; OriginPath is where
// the host downloaded it before organizing, kept for traceability.
type TransferRecord struct {
	ID            int64
	ReleaseID     string
	SourcePath    string
	OriginPath    string
	DestPath      string
	DestStorage   Storage
	Status        RecordStatus
	RemoteID      string
	RetrievalCode string
	Size          int64
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsRemoteConfirmed reports whether the record proves a completed remote
// upload: remote storage, success status, and a remote handle present.
func (r *TransferRecord) IsRemoteConfirmed() bool {
	return r.DestStorage == StorageRemote && r.Status == RecordSuccess && r.RemoteID != ""
}

// IsDirty reports whether the record claims remote storage without a remote
// handle. Dirty records are re-enqueued by the reconciler and never counted
// toward completion.
func (r *TransferRecord) IsDirty() bool {
	return r.DestStorage == StorageRemote && r.RemoteID == ""
}

// RecordUpdate carries optional field changes for UpdateBySourcePath. Nil
// pointers leave the column untouched.
type RecordUpdate struct {
	DestPath      *string
	DestStorage   *Storage
	Status        *RecordStatus
	RemoteID      *string
	RetrievalCode *string
	Size          *int64
	ErrorMessage  *string
}

// RecordStore is the read/write surface the upload pipeline depends on.
type RecordStore interface {
	Insert(ctx context.Context, record *TransferRecord) (int64, error)
	ListByReleaseID(ctx context.Context, releaseID string) ([]*TransferRecord, error)
	GetBySourcePath(ctx context.Context, sourcePath string, storage Storage) (*TransferRecord, error)
	UpdateBySourcePath(ctx context.Context, sourcePath string, update RecordUpdate) error
	Delete(ctx context.Context, id int64) error
	CountRemote(ctx context.Context, releaseID string) (int, error)
	ListDirty(ctx context.Context, releaseID string) ([]*TransferRecord, error)
	ListByDestDir(ctx context.Context, destDir string) ([]*TransferRecord, error)
	ListFailed(ctx context.Context, releaseID string) ([]*TransferRecord, error)
	ListBySourceDir(ctx context.Context, sourceDir string) ([]*TransferRecord, error)
}
