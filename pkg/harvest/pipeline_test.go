package harvest

import (
	"context"
	"testing"
	"time"

	"github.com/counterhive/harvester/pkg/common/models"
)

func newTestPipeline(store *fakeStore, queue *fakeQueue, cfg PipelineConfig) *Pipeline {
	return NewPipeline(store, queue, nil, nil, nil, nil, nil, cfg)
}

func TestDeferralBackoff(t *testing.T) {
	base := 5 * time.Minute

	cases := []struct {
		timesDelayed int
		want         time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{5, time.Hour},
		{10, time.Hour},
	}
	for _, tc := range cases {
		if got := deferralBackoff(base, tc.timesDelayed); got != tc.want {
			t.Fatalf("backoff(%d) = %v, want %v", tc.timesDelayed, got, tc.want)
		}
	}
}

func TestDeferJobSchedulesWithBackoff(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	p := newTestPipeline(store, queue, PipelineConfig{MaxDeferrals: 3, DeferralBackoff: 5 * time.Minute})

	job := &JobModel{ID: "j1", SessionID: "s1", CredentialsID: "c1", Status: models.JobStatusRunning}
	store.jobs[job.ID] = job

	before := time.Now()
	if err := p.deferJob(context.Background(), job, true, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != models.JobStatusDelayed {
		t.Fatalf("expected delayed, got %s", job.Status)
	}
	if job.TimesDelayed != 1 {
		t.Fatalf("expected one consumed deferral, got %d", job.TimesDelayed)
	}

	at, ok := queue.scheduledAt("j1")
	if !ok {
		t.Fatal("deferred job must be rescheduled in the queue")
	}
	want := before.Add(5 * time.Minute)
	if at.Before(want.Add(-time.Minute)) || at.After(want.Add(time.Minute)) {
		t.Fatalf("due at %v, want about %v", at, want)
	}
}

func TestDeferJobFailsAfterMaxDeferrals(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	p := newTestPipeline(store, queue, PipelineConfig{MaxDeferrals: 2, DeferralBackoff: 5 * time.Minute})

	job := &JobModel{ID: "j1", SessionID: "s1", CredentialsID: "c1", Status: models.JobStatusRunning, TimesDelayed: 2}
	store.jobs[job.ID] = job

	if err := p.deferJob(context.Background(), job, true, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != models.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.ErrorCode != models.ErrCodeMaxDeferralsExceeded {
		t.Fatalf("expected %s, got %s", models.ErrCodeMaxDeferralsExceeded, job.ErrorCode)
	}
	if _, ok := queue.scheduledAt("j1"); ok {
		t.Fatal("an exhausted job must not go back into the queue")
	}
}

func TestDeferJobEndpointCooldownKeepsCount(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	p := newTestPipeline(store, queue, PipelineConfig{MaxDeferrals: 2, DeferralBackoff: 5 * time.Minute})

	job := &JobModel{ID: "j1", SessionID: "s1", CredentialsID: "c1", Status: models.JobStatusRunning}
	store.jobs[job.ID] = job

	if err := p.deferJob(context.Background(), job, false, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.TimesDelayed != 0 {
		t.Fatalf("cooldown deferral must not consume the count, got %d", job.TimesDelayed)
	}
	if job.Status != models.JobStatusDelayed {
		t.Fatalf("expected delayed, got %s", job.Status)
	}
	if _, ok := queue.scheduledAt("j1"); !ok {
		t.Fatal("deferred job must be rescheduled in the queue")
	}
}

func TestCheckCancellationTimeoutFailsJob(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	p := newTestPipeline(store, queue, PipelineConfig{})

	job := &JobModel{ID: "j1", SessionID: "s1", Status: models.JobStatusRunning}
	store.jobs[job.ID] = job

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrInactive)

	settled, err := p.checkCancellation(ctx, job)
	if err != nil || !settled {
		t.Fatalf("expected settled without error, got %v %v", settled, err)
	}
	if job.Status != models.JobStatusFailed || job.ErrorCode != models.ErrCodeTimeout {
		t.Fatalf("expected failed/timeout, got %s/%s", job.Status, job.ErrorCode)
	}
}

func TestCheckCancellationShutdownInterruptsAndRequeues(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	p := newTestPipeline(store, queue, PipelineConfig{})

	job := &JobModel{ID: "j1", SessionID: "s1", Status: models.JobStatusRunning}
	store.jobs[job.ID] = job

	poolCtx, cancelPool := context.WithCancel(context.Background())
	jobCtx, cancel, stop := jobContext(poolCtx)
	defer stop()
	defer cancel(nil)

	cancelPool()
	waitForCause(t, jobCtx)

	settled, err := p.checkCancellation(jobCtx, job)
	if err != nil || !settled {
		t.Fatalf("expected settled without error, got %v %v", settled, err)
	}
	if job.Status != models.JobStatusInterrupted {
		t.Fatalf("pool shutdown must interrupt, got %s", job.Status)
	}
	ids := queue.enqueuedIDs()
	if len(ids) != 1 || ids[0] != "j1" {
		t.Fatalf("interrupted job must be requeued, got %v", ids)
	}
}

func TestCheckCancellationDefaultCancels(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	p := newTestPipeline(store, queue, PipelineConfig{})

	job := &JobModel{ID: "j1", SessionID: "s1", Status: models.JobStatusRunning}
	store.jobs[job.ID] = job

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	settled, err := p.checkCancellation(ctx, job)
	if err != nil || !settled {
		t.Fatalf("expected settled without error, got %v %v", settled, err)
	}
	if job.Status != models.JobStatusCancelled || job.ErrorCode != models.ErrCodeCancelled {
		t.Fatalf("expected cancelled, got %s/%s", job.Status, job.ErrorCode)
	}
}

func TestCapMessages(t *testing.T) {
	messages := []string{"a", "b", "c"}
	if got := capMessages(messages, 10); len(got) != 3 {
		t.Fatalf("short list must pass through, got %v", got)
	}
	if got := capMessages(messages, 2); len(got) != 2 || got[1] != "b" {
		t.Fatalf("unexpected cap result: %v", got)
	}
}

func TestSortedKeys(t *testing.T) {
	months := map[string]struct{}{
		"2022-03": {},
		"2022-01": {},
		"2022-02": {},
	}
	got := sortedKeys(months)
	if len(got) != 3 || got[0] != "2022-01" || got[2] != "2022-03" {
		t.Fatalf("keys must come back sorted, got %v", got)
	}
	if sortedKeys(nil) != nil {
		t.Fatal("empty set must yield nil")
	}
}
