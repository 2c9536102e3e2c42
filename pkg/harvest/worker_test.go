package harvest

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitForCause(t *testing.T, ctx context.Context) error {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context should have been cancelled")
	}
	return context.Cause(ctx)
}

func TestJobContextPoolShutdownCause(t *testing.T) {
	poolCtx, cancelPool := context.WithCancel(context.Background())

	jobCtx, cancel, stop := jobContext(poolCtx)
	defer stop()
	defer cancel(nil)

	cancelPool()

	if cause := waitForCause(t, jobCtx); !errors.Is(cause, errShutdown) {
		t.Fatalf("pool shutdown must surface as errShutdown, got %v", cause)
	}
}

func TestJobContextExplicitCauseWins(t *testing.T) {
	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()

	jobCtx, cancel, stop := jobContext(poolCtx)
	defer stop()

	lockLost := errors.New("job lock lost")
	cancel(lockLost)
	cancelPool()

	if cause := waitForCause(t, jobCtx); !errors.Is(cause, lockLost) {
		t.Fatalf("first cause must stick, got %v", cause)
	}
}

func TestJobContextStopDetaches(t *testing.T) {
	poolCtx, cancelPool := context.WithCancel(context.Background())

	jobCtx, cancel, stop := jobContext(poolCtx)
	defer cancel(nil)

	stop()
	cancelPool()

	select {
	case <-jobCtx.Done():
		t.Fatal("job context must outlive the pool once the relay is released")
	case <-time.After(50 * time.Millisecond):
	}
}
