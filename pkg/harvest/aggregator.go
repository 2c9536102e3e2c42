package harvest

import (
	"context"
	"errors"
	"time"

	"github.com/counterhive/harvester/pkg/common/kafka"
	"github.com/counterhive/harvester/pkg/common/logger"
	"github.com/counterhive/harvester/pkg/common/models"
	"github.com/counterhive/harvester/pkg/period"
)

// Aggregator folds terminal job events into the per-month harvest ledger
// and closes the session once its last job settles.
type Aggregator struct {
	repo     *Repository
	notifier *kafka.Producer
}

func NewAggregator(repo *Repository, notifier *kafka.Producer) *Aggregator {
	return &Aggregator{repo: repo, notifier: notifier}
}

// Run consumes job events until ctx ends.
func (a *Aggregator) Run(ctx context.Context, consumer *kafka.Consumer) error {
	return consumer.Consume(ctx, a.Handle)
}

// Handle processes one job event. Non-terminal updates are ignored; the
// ledger only records outcomes.
func (a *Aggregator) Handle(ctx context.Context, event models.Event) error {
	if event.Type != models.EventJobUpdated {
		return nil
	}
	jobID, _ := event.Data["job_id"].(string)
	if jobID == "" {
		return nil
	}

	job, err := a.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil
		}
		return err
	}
	if !models.IsJobTerminal(job.Status) || job.Status == models.JobStatusInterrupted {
		// Interrupted jobs are requeued; their ledger rows are written
		// when they finally settle.
		return nil
	}

	if err := a.writeLedger(ctx, job); err != nil {
		return err
	}
	return a.maybeCloseSession(ctx, job.SessionID)
}

// writeLedger covers every month of the session period for the event
// job's (credential, report) pair. Months belonging to a sibling job of
// another protocol version are judged by that job; months no job claims
// were clipped away by availability and go down as missing.
func (a *Aggregator) writeLedger(ctx context.Context, job *JobModel) error {
	session, err := a.repo.GetSession(ctx, job.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	sessionPeriod, err := session.Period()
	if err != nil {
		logger.Log.WithError(err).WithField("session_id", session.ID).Error("session has unparseable period")
		return nil
	}

	siblings, err := a.repo.ListSessionJobs(ctx, session.ID)
	if err != nil {
		return err
	}

	harvestedAt := time.Now().UTC()

	for _, month := range sessionPeriod.Months() {
		owner := a.owningJob(job, siblings, month.String())
		if owner == nil {
			row := &HarvestModel{
				CredentialsID: job.CredentialsID,
				ReportID:      job.ReportType,
				Period:        month.String(),
				Status:        models.HarvestStatusMissing,
				HarvestedAt:   harvestedAt,
				ErrorCode:     models.ErrCodeUnavailablePeriod,
			}
			if err := a.repo.UpsertHarvest(ctx, row); err != nil {
				return err
			}
			continue
		}
		if !models.IsJobTerminal(owner.Status) || owner.Status == models.JobStatusInterrupted {
			// The sibling writes its own months when it settles.
			continue
		}

		covered := make(map[string]struct{})
		result := owner.DecodedResult()
		if result != nil {
			for _, m := range result.CoveredPeriods {
				covered[m] = struct{}{}
			}
		}
		status, errCode := harvestStatusFor(owner.Status, owner.ErrorCode, covered, month.String())

		row := &HarvestModel{
			CredentialsID:   owner.CredentialsID,
			ReportID:        owner.ReportType,
			Period:          month.String(),
			Status:          status,
			HarvestedAt:     harvestedAt,
			ErrorCode:       errCode,
			SushiExceptions: owner.SushiExceptions,
		}
		// Item counts are only meaningful per month when the job spanned
		// exactly one.
		if status == models.HarvestStatusFinished && result != nil {
			if p, err := owner.Period(); err == nil && p.Len() == 1 {
				row.InsertedItems = result.Inserted
				row.UpdatedItems = result.Updated
				row.FailedItems = result.Failed
			}
		}
		if err := a.repo.UpsertHarvest(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// owningJob finds the session job for the same (credential, report) pair
// whose period contains the month. Version-split jobs tile the session
// period, so at most one matches.
func (a *Aggregator) owningJob(job *JobModel, siblings []JobModel, month string) *JobModel {
	parsed, err := period.ParseMonth(month)
	if err != nil {
		return nil
	}
	for i := range siblings {
		sibling := &siblings[i]
		if sibling.CredentialsID != job.CredentialsID || sibling.ReportType != job.ReportType {
			continue
		}
		p, err := sibling.Period()
		if err != nil {
			continue
		}
		if p.Contains(parsed) {
			return sibling
		}
	}
	return nil
}

// harvestStatusFor derives the ledger status of one month from the job
// outcome and the months that actually yielded data.
func harvestStatusFor(jobStatus, errorCode string, covered map[string]struct{}, month string) (string, string) {
	switch jobStatus {
	case models.JobStatusFinished:
		if _, ok := covered[month]; ok {
			return models.HarvestStatusFinished, ""
		}
		// The endpoint answered but had nothing for this month.
		return models.HarvestStatusMissing, models.ErrCodeUnavailablePeriod
	case models.JobStatusFailed:
		if errorCode == models.ErrCodeUnavailablePeriod {
			return models.HarvestStatusMissing, errorCode
		}
		return models.HarvestStatusFailed, errorCode
	default:
		return models.HarvestStatusInterrupted, errorCode
	}
}

// maybeCloseSession stops the session once no runnable jobs remain.
func (a *Aggregator) maybeCloseSession(ctx context.Context, sessionID string) error {
	session, err := a.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if session.Status != models.SessionStatusRunning && session.Status != models.SessionStatusStopping {
		return nil
	}

	active, err := a.repo.CountActiveSessionJobs(ctx, sessionID)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}

	if err := a.repo.UpdateSessionStatus(ctx, sessionID, models.SessionStatusStopped); err != nil {
		return err
	}
	logger.Log.WithField("session_id", sessionID).Info("harvest session ended")

	if a.notifier != nil {
		err := a.notifier.PublishEvent(ctx, models.EventSessionEnded, "harvest-aggregator", map[string]interface{}{
			"session_id": sessionID,
		})
		if err != nil {
			logger.Log.WithError(err).WithField("session_id", sessionID).Error("failed to publish session end")
		}
	}
	return nil
}
