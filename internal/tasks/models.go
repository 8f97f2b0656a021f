package tasks

import (
	"time"

	"skylift/internal/release"
)

// Status represents the lifecycle of an upload task.
type Status string

const (
	StatusPending Status = "pending"
	StatusSharing Status = "sharing"
	StatusShared  Status = "shared"
	StatusFailed  Status = "failed"
)

var allStatuses = []Status{StatusPending, StatusSharing, StatusShared, StatusFailed}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// IsValid reports whether the status is a known lifecycle state.
func (s Status) IsValid() bool {
	_, ok := statusSet[s]
	return ok
}

// ShareAttempt records one attempt to create a share for a task.
type ShareAttempt struct {
	At     time.Time `json:"at"`
	OK     bool      `json:"ok"`
	Reason string    `json:"reason,omitempty"`
}

// Task is an upload task persisted in SQLite. The file sets hold local
// source paths; they are advisory working state, while the durable record
// store remains the source of truth for completion counting.
type Task struct {
	ID            int64
	ReleaseID     string
	Title         string
	MediaType     release.MediaType
	ShareMode     release.ShareMode
	ExpectedCount int
	Status        Status

	UploadingFiles []string
	CompletedFiles []string
	FailedFiles    []string

	RetryCount    int
	ShareAttempts int
	ShareHistory  []ShareAttempt

	ShareURL    string
	ShareCode   string
	ReceiveCode string
	LastError   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTask carries the fields required to create a task.
type NewTask struct {
	ReleaseID     string
	Title         string
	MediaType     release.MediaType
	ShareMode     release.ShareMode
	ExpectedCount int
}

// HasCompleted reports whether path is already in the completed set.
func (t *Task) HasCompleted(path string) bool {
	return containsString(t.CompletedFiles, path)
}

// HasUploading reports whether path is currently in the uploading set.
func (t *Task) HasUploading(path string) bool {
	return containsString(t.UploadingFiles, path)
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
