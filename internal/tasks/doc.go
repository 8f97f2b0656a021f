// Package tasks persists upload tasks in SQLite. A task tracks one release
// (a download the host organized into the library) from its first uploaded
// file through share creation.
package tasks
