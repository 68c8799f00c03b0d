package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

// newTestStore creates a file-backed store in a temp directory. File-backed
// rather than :memory: so tests exercise the same WAL and busy-retry paths
// the CLI does.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close test store: %v", err)
		}
	})
	return s
}
