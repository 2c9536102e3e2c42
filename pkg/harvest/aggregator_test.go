package harvest

import (
	"testing"

	"github.com/counterhive/harvester/pkg/common/models"
)

func TestHarvestStatusForFinishedJob(t *testing.T) {
	covered := map[string]struct{}{
		"2022-01": {},
		"2022-02": {},
	}

	status, errCode := harvestStatusFor(models.JobStatusFinished, "", covered, "2022-01")
	if status != models.HarvestStatusFinished || errCode != "" {
		t.Fatalf("covered month must be finished, got %s/%s", status, errCode)
	}

	status, errCode = harvestStatusFor(models.JobStatusFinished, "", covered, "2022-03")
	if status != models.HarvestStatusMissing {
		t.Fatalf("uncovered month must be missing, got %s", status)
	}
	if errCode != models.ErrCodeUnavailablePeriod {
		t.Fatalf("uncovered month must carry the unavailable-period code, got %s", errCode)
	}
}

func TestHarvestStatusForFailedJob(t *testing.T) {
	status, errCode := harvestStatusFor(models.JobStatusFailed, models.ErrCodeUnavailablePeriod, nil, "2022-01")
	if status != models.HarvestStatusMissing {
		t.Fatalf("unavailable-period failure must be missing, got %s", status)
	}
	if errCode != models.ErrCodeUnavailablePeriod {
		t.Fatalf("unexpected error code %s", errCode)
	}

	status, errCode = harvestStatusFor(models.JobStatusFailed, models.ErrCodeSushiUnauthorized, nil, "2022-01")
	if status != models.HarvestStatusFailed || errCode != models.ErrCodeSushiUnauthorized {
		t.Fatalf("unexpected outcome %s/%s", status, errCode)
	}
}

func TestOwningJob(t *testing.T) {
	job := &JobModel{CredentialsID: "cred-1", ReportType: "tr"}
	siblings := []JobModel{
		{ID: "old", CredentialsID: "cred-1", ReportType: "tr", Version: "5", BeginDate: "2021-06", EndDate: "2021-12"},
		{ID: "new", CredentialsID: "cred-1", ReportType: "tr", Version: "5.1", BeginDate: "2022-01", EndDate: "2022-03"},
		{ID: "other", CredentialsID: "cred-2", ReportType: "tr", BeginDate: "2021-06", EndDate: "2022-03"},
	}

	a := &Aggregator{}
	if got := a.owningJob(job, siblings, "2021-08"); got == nil || got.ID != "old" {
		t.Fatalf("2021-08 must belong to the version 5 job, got %+v", got)
	}
	if got := a.owningJob(job, siblings, "2022-02"); got == nil || got.ID != "new" {
		t.Fatalf("2022-02 must belong to the version 5.1 job, got %+v", got)
	}
	if got := a.owningJob(job, siblings, "2021-05"); got != nil {
		t.Fatalf("unclaimed month must have no owner, got %+v", got)
	}
}

func TestHarvestStatusForAbortedJob(t *testing.T) {
	for _, jobStatus := range []string{models.JobStatusCancelled, models.JobStatusInterrupted} {
		status, _ := harvestStatusFor(jobStatus, "", nil, "2022-01")
		if status != models.HarvestStatusInterrupted {
			t.Fatalf("%s job must leave interrupted months, got %s", jobStatus, status)
		}
	}
}
