package ctxloop_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/accelsess/rpcsession/internal/ctxloop"
)

func TestPostExecutesOnLoop(t *testing.T) {
	t.Parallel()

	c, err := ctxloop.New(1, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(runCtx) }()

	var n atomic.Int32
	done := make(chan struct{})
	for range 50 {
		c.Post(func() { n.Add(1) })
	}
	c.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posted work never ran")
	}

	if got := n.Load(); got != 50 {
		t.Fatalf("ran %d callbacks, want 50", got)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after cancel")
	}
}
