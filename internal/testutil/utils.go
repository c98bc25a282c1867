package testutil

import (
	"log/slog"
	"sync"
	"testing"
)

type testWriter struct {
	mu   sync.Mutex
	t    *testing.T
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// background goroutines may outlive the test
	if !w.done {
		w.t.Log(string(p))
	}
	return len(p), nil
}

// TestLogger returns a logger that writes through t.Log so output is only
// shown for failing or verbose tests.
func TestLogger(t *testing.T) *slog.Logger {
	w := &testWriter{t: t}
	t.Cleanup(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
	})
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
