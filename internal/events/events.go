// Package events consumes the host's pipeline events: a download being
// added (creates the upload task) and a file being organized into the
// library (enqueues the upload). Handlers are idempotent, so duplicate or
// replayed events are safe.
package events

import (
	"skylift/internal/records"
	"skylift/internal/release"
)

// DownloadAdded announces a new release entering the pipeline.
type DownloadAdded struct {
	ReleaseID string
	Title     string
	Meta      release.Meta
}

// FileOrganized announces one file the host placed into the library.
// SourcePath is the host's pre-organize download location and is persisted
// on the transfer record; DestPath is the organized file uploads read from.
// ReleaseID may be empty; the handler recovers it from durable records.
type FileOrganized struct {
	ReleaseID   string
	SourcePath  string
	DestPath    string
	DestStorage records.Storage
	Size        int64
}
