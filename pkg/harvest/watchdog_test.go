package harvest

import (
	"context"
	"testing"
	"time"
)

func TestWatchdogExpires(t *testing.T) {
	ctx, _, stop := NewWatchdog(context.Background(), 20*time.Millisecond)
	defer stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
	if cause := context.Cause(ctx); cause != ErrInactive {
		t.Fatalf("expected ErrInactive cause, got %v", cause)
	}
}

func TestWatchdogResetKeepsAlive(t *testing.T) {
	ctx, w, stop := NewWatchdog(context.Background(), 60*time.Millisecond)
	defer stop()

	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		w.Reset()
		if ctx.Err() != nil {
			t.Fatalf("watchdog fired despite progress at step %d", i)
		}
	}
}

func TestWatchdogStopPreventsExpiry(t *testing.T) {
	ctx, _, stop := NewWatchdog(context.Background(), 20*time.Millisecond)
	stop()

	time.Sleep(50 * time.Millisecond)
	if cause := context.Cause(ctx); cause == ErrInactive {
		t.Fatal("stopped watchdog must not report inactivity")
	}
}

func TestWatchdogParentCancelWins(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, _, stop := NewWatchdog(parent, time.Hour)
	defer stop()

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("parent cancellation did not propagate")
	}
	if cause := context.Cause(ctx); cause == ErrInactive {
		t.Fatal("parent cancellation must not look like inactivity")
	}
}
