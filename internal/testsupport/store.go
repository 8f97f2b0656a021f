package testsupport

import (
	"testing"

	"skylift/internal/config"
	"skylift/internal/records"
	"skylift/internal/tasks"
)

// MustOpenTaskStore opens a tasks.Store for tests and registers cleanup.
func MustOpenTaskStore(t testing.TB, cfg *config.Config) *tasks.Store {
	t.Helper()

	store, err := tasks.Open(cfg)
	if err != nil {
		t.Fatalf("tasks.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenRecordStore opens a records.Store for tests and registers cleanup.
func MustOpenRecordStore(t testing.TB, cfg *config.Config) *records.Store {
	t.Helper()

	store, err := records.Open(cfg)
	if err != nil {
		t.Fatalf("records.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
