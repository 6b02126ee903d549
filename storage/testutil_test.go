package storage

import (
	"testing"

	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreWith(t, Options{})
}

func newTestStoreWith(t *testing.T, opts Options) *Store {
	t.Helper()

	opts.Logger = zaptest.NewLogger(t)
	store, _, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}
