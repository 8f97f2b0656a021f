// Package drive talks to the remote cloud drive: content-addressed uploads,
// directory management, share creation, and system-message listing.
package drive

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// FileHandle identifies an uploaded file on the remote drive.
type FileHandle struct {
	ID            string
	RetrievalCode string
	Size          int64
	// Instant reports whether the drive matched the content hash and
	// skipped the byte transfer.
	Instant bool
}

// ShareResult is the outcome of a successful share creation.
type ShareResult struct {
	ShareURL    string
	ShareCode   string
	ReceiveCode string
}

// UpdateShareOptions adjusts an existing share's access policy. Zero values
// leave the drive defaults in place.
type UpdateShareOptions struct {
	ReceiveCode       string
	DurationDays      int
	ReceiveLimit      int
	LoginFreeDownload bool
	TrafficCapBytes   int64
	AllowedRecipients []string
}

// SystemMessage is one entry from the drive's system-message feed, used to
// detect share-violation notices.
type SystemMessage struct {
	ID       string
	Type     string
	Content  string
	SharedAt time.Time
}

// Client is the remote drive surface the upload pipeline depends on.
type Client interface {
	Upload(ctx context.Context, localPath, remotePath string) (FileHandle, error)
	Delete(ctx context.Context, fileID string) error
	EnsureDirectory(ctx context.Context, remotePath string) (string, error)
	FindFolder(ctx context.Context, parentID, name string) (string, error)
	CreateFolderShare(ctx context.Context, folderID string) (ShareResult, error)
	CreateFileShare(ctx context.Context, fileIDs []string) (ShareResult, error)
	UpdateShare(ctx context.Context, shareCode string, opts UpdateShareOptions) error
	ListSystemMessages(ctx context.Context, limit int) ([]SystemMessage, error)
}

// ErrNotFound marks lookups that returned no match.
var ErrNotFound = errors.New("drive: not found")

// ErrRateLimited marks responses throttled by the drive.
var ErrRateLimited = errors.New("drive: rate limited")
