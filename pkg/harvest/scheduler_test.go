package harvest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/counterhive/harvester/pkg/common/models"
	"github.com/counterhive/harvester/pkg/period"
)

func mustPeriod(t *testing.T, begin, end string) period.Period {
	t.Helper()
	p, err := period.Parse(begin, end)
	if err != nil {
		t.Fatalf("bad period %s..%s: %v", begin, end, err)
	}
	return p
}

func mustMonth(t *testing.T, s string) period.Month {
	t.Helper()
	m, err := period.ParseMonth(s)
	if err != nil {
		t.Fatalf("bad month %s: %v", s, err)
	}
	return m
}

func TestSplitPeriodByVersions(t *testing.T) {
	p := mustPeriod(t, "2021-06", "2022-03")
	first := map[string]period.Month{
		"5.1": mustMonth(t, "2022-01"),
	}

	splits := SplitPeriodByVersions([]string{"5", "5.1"}, first, p)
	if len(splits) != 2 {
		t.Fatalf("expected 2 splits, got %d: %+v", len(splits), splits)
	}

	if splits[0].Version != "5.1" || splits[0].Period.String() != "2022-01..2022-03" {
		t.Fatalf("unexpected first split: %+v", splits[0])
	}
	if splits[1].Version != "5" || splits[1].Period.String() != "2021-06..2021-12" {
		t.Fatalf("unexpected second split: %+v", splits[1])
	}

	// Adjacent sub-periods, no gap and no overlap.
	if !splits[1].Period.End.Next().Equal(splits[0].Period.Begin) {
		t.Fatalf("splits must tile the period: %+v", splits)
	}
}

func TestSplitPeriodNoAvailability(t *testing.T) {
	p := mustPeriod(t, "2021-06", "2022-03")

	splits := SplitPeriodByVersions([]string{"5", "5.1"}, nil, p)
	if len(splits) != 1 {
		t.Fatalf("expected the newest version to claim everything, got %+v", splits)
	}
	if splits[0].Version != "5.1" || !splits[0].Period.Begin.Equal(p.Begin) || !splits[0].Period.End.Equal(p.End) {
		t.Fatalf("unexpected split: %+v", splits[0])
	}
}

func TestSplitPeriodNewestCoversAll(t *testing.T) {
	p := mustPeriod(t, "2022-02", "2022-05")
	first := map[string]period.Month{
		"5.1": mustMonth(t, "2022-01"),
	}

	splits := SplitPeriodByVersions([]string{"5", "5.1"}, first, p)
	if len(splits) != 1 {
		t.Fatalf("expected only 5.1, got %+v", splits)
	}
	if splits[0].Version != "5.1" || splits[0].Period.String() != "2022-02..2022-05" {
		t.Fatalf("unexpected split: %+v", splits[0])
	}
}

func TestSplitPeriodNewVersionNotYetAvailable(t *testing.T) {
	p := mustPeriod(t, "2020-01", "2020-06")
	first := map[string]period.Month{
		"5.1": mustMonth(t, "2022-01"),
	}

	splits := SplitPeriodByVersions([]string{"5", "5.1"}, first, p)
	if len(splits) != 1 {
		t.Fatalf("expected only version 5, got %+v", splits)
	}
	if splits[0].Version != "5" || splits[0].Period.String() != "2020-01..2020-06" {
		t.Fatalf("unexpected split: %+v", splits[0])
	}
}

func TestSplitPeriodEmptyVersions(t *testing.T) {
	p := mustPeriod(t, "2022-01", "2022-03")
	if splits := SplitPeriodByVersions(nil, nil, p); len(splits) != 0 {
		t.Fatalf("expected no splits without versions, got %+v", splits)
	}
}

func TestClipToReportWindow(t *testing.T) {
	p := mustPeriod(t, "2021-06", "2022-03")

	unsupported := false
	if _, skip := clipToReportWindow(p, models.ReportAvailability{Supported: &unsupported}, true); !skip {
		t.Fatal("unsupported report must be skipped")
	}

	clipped, skip := clipToReportWindow(p, models.ReportAvailability{
		FirstMonthAvailable: "2021-09",
		LastMonthAvailable:  "2022-01",
	}, true)
	if skip {
		t.Fatal("overlapping window must not be skipped")
	}
	if clipped.String() != "2021-09..2022-01" {
		t.Fatalf("unexpected clip: %s", clipped)
	}

	if _, skip := clipToReportWindow(p, models.ReportAvailability{FirstMonthAvailable: "2023-01"}, true); !skip {
		t.Fatal("window after the period must be skipped")
	}

	same, skip := clipToReportWindow(p, models.ReportAvailability{}, false)
	if skip || same != p {
		t.Fatalf("undeclared availability must pass the period through, got %v skip=%v", same, skip)
	}
}

func TestExpandReportTypes(t *testing.T) {
	defaults := []string{"dr", "ir", "pr", "tr"}

	got := expandReportTypes([]string{"TR", "pr", "tr"}, defaults)
	if len(got) != 2 || got[0] != "tr" || got[1] != "pr" {
		t.Fatalf("unexpected expansion: %v", got)
	}

	got = expandReportTypes([]string{"all"}, defaults)
	if len(got) != 4 {
		t.Fatalf("all must expand to the defaults, got %v", got)
	}

	got = expandReportTypes([]string{"tr", "all"}, defaults)
	if len(got) != 4 || got[0] != "tr" {
		t.Fatalf("all must not duplicate explicit types, got %v", got)
	}
}

func newSchedulerFixture() (*fakeStore, *fakeQueue, *Scheduler) {
	store := newFakeStore()
	store.sessions["s1"] = &SessionModel{
		ID:              "s1",
		BeginDate:       "2022-01",
		EndDate:         "2022-02",
		ReportTypes:     encodeJSON([]string{"tr"}),
		AllowedVersions: encodeJSON([]string{"5"}),
		Status:          models.SessionStatusPending,
	}
	store.credentials["c1"] = &CredentialModel{
		ID:            "c1",
		InstitutionID: "i1",
		EndpointID:    "e1",
		Enabled:       true,
	}
	store.endpoints["e1"] = &EndpointModel{
		ID:                "e1",
		SushiURL:          "https://sushi.example.com",
		SupportedVersions: encodeJSON([]string{"5"}),
	}
	store.institutions["i1"] = &InstitutionModel{
		ID:           "i1",
		IndexPattern: "counter-i1",
	}

	queue := newFakeQueue()
	scheduler := NewScheduler(store, queue, nil, []string{"tr"}, time.Minute, 10, 0)
	return store, queue, scheduler
}

func TestStartReschedulesDeferredDuplicate(t *testing.T) {
	store, queue, scheduler := newSchedulerFixture()

	// A leftover deferral parked this job far in the future.
	notBefore := time.Now().Add(40 * time.Minute)
	store.jobs["j1"] = &JobModel{
		ID:            "j1",
		SessionID:     "s1",
		CredentialsID: "c1",
		InstitutionID: "i1",
		EndpointID:    "e1",
		ReportType:    "tr",
		BeginDate:     "2022-01",
		EndDate:       "2022-02",
		Version:       "5",
		Status:        models.JobStatusDelayed,
		TimesDelayed:  3,
		NotBefore:     &notBefore,
	}

	if err := scheduler.Start(context.Background(), "s1", models.StartOptions{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	at, ok := queue.scheduledAt("j1")
	if !ok {
		t.Fatal("restart must reschedule the existing job with an overriding due time")
	}
	if at.After(time.Now().Add(time.Minute)) {
		t.Fatalf("restarted job must be due now, got %v", at)
	}
	if ids := queue.enqueuedIDs(); len(ids) != 0 {
		t.Fatalf("restart must not fall back to Enqueue, got %v", ids)
	}
	if store.jobs["j1"].Status != models.JobStatusWaiting {
		t.Fatalf("expected waiting, got %s", store.jobs["j1"].Status)
	}
	if store.sessions["s1"].Status != models.SessionStatusRunning {
		t.Fatalf("expected running session, got %s", store.sessions["s1"].Status)
	}
}

func TestStartRestoresStatusOnSeedFailure(t *testing.T) {
	store, _, scheduler := newSchedulerFixture()
	delete(store.institutions, "i1")

	err := scheduler.Start(context.Background(), "s1", models.StartOptions{}, nil)
	if !errors.Is(err, ErrNoHarvestTarget) {
		t.Fatalf("expected ErrNoHarvestTarget, got %v", err)
	}
	if got := store.sessions["s1"].Status; got != models.SessionStatusPending {
		t.Fatalf("a failed start must not leave the session starting, got %s", got)
	}
}

func TestStartClosesSessionWithoutJobs(t *testing.T) {
	store, _, scheduler := newSchedulerFixture()
	delete(store.credentials, "c1")

	if err := scheduler.Start(context.Background(), "s1", models.StartOptions{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.sessions["s1"].Status; got != models.SessionStatusStopped {
		t.Fatalf("a session that seeds nothing must close, got %s", got)
	}
}
