package harvest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/counterhive/harvester/pkg/common/kafka"
	"github.com/counterhive/harvester/pkg/common/logger"
	"github.com/counterhive/harvester/pkg/common/models"
	"github.com/counterhive/harvester/pkg/counter"
	"github.com/counterhive/harvester/pkg/period"
	"github.com/counterhive/harvester/pkg/search"
)

// Enqueuer is the slice of the queue the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, delay time.Duration) error
	Schedule(ctx context.Context, jobID string, at time.Time) error
	Cancel(ctx context.Context, jobID string) error
}

// schedulerStore is the slice of the repository the scheduler needs.
type schedulerStore interface {
	GetSession(ctx context.Context, id string) (*SessionModel, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	ListSessionJobs(ctx context.Context, sessionID string) ([]JobModel, error)
	ListActiveSessionJobs(ctx context.Context, sessionID string) ([]JobModel, error)
	CountActiveSessionJobs(ctx context.Context, sessionID string) (int64, error)
	ListHarvestableCredentials(ctx context.Context, allowFaulty bool, allowedVersions []string) ([]CredentialModel, error)
	ListCredentialsByIDs(ctx context.Context, ids []string) ([]CredentialModel, error)
	EndpointMap(ctx context.Context) (map[string]*EndpointModel, error)
	GetInstitution(ctx context.Context, id string) (*InstitutionModel, error)
	FindDuplicateJob(ctx context.Context, sessionID, credentialsID, reportType, version, beginDate, endDate string) (*JobModel, error)
	CreateJob(ctx context.Context, job *JobModel) error
	UpdateJob(ctx context.Context, id string, fields map[string]interface{}) error
}

// Scheduler turns a session into a concrete set of harvest jobs and tears
// them down again on stop.
type Scheduler struct {
	repo     schedulerStore
	queue    Enqueuer
	notifier *kafka.Producer

	defaultReportTypes []string
	defaultTimeout     time.Duration
	batchSize          int
	batchPause         time.Duration
}

func NewScheduler(repo schedulerStore, queue Enqueuer, notifier *kafka.Producer, defaultReportTypes []string, defaultTimeout time.Duration, batchSize int, batchPause time.Duration) *Scheduler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scheduler{
		repo:               repo,
		queue:              queue,
		notifier:           notifier,
		defaultReportTypes: defaultReportTypes,
		defaultTimeout:     defaultTimeout,
		batchSize:          batchSize,
		batchPause:         batchPause,
	}
}

// VersionPeriod assigns one protocol version the sub-range of the session
// period it should harvest.
type VersionPeriod struct {
	Version string
	Period  period.Period
}

// SplitPeriodByVersions walks the versions newest first. Each version
// claims the portion of the requested period not yet taken by a newer
// version, clipped to its first available month when the endpoint
// declares one. An endpoint without availability metadata hands the whole
// period to the newest version.
func SplitPeriodByVersions(versions []string, firstAvailable map[string]period.Month, p period.Period) []VersionPeriod {
	sorted := counter.SortVersionsDesc(versions)

	var out []VersionPeriod
	remainingEnd := p.End
	for _, version := range sorted {
		if remainingEnd.Before(p.Begin) {
			break
		}
		begin := p.Begin
		if first, ok := firstAvailable[version]; ok && first.After(begin) {
			begin = first
		}
		if begin.After(remainingEnd) {
			continue
		}
		out = append(out, VersionPeriod{
			Version: version,
			Period:  period.Period{Begin: begin, End: remainingEnd},
		})
		remainingEnd = begin.Prev()
	}
	return out
}

// clipToReportWindow applies the endpoint's per-report availability
// declaration. skip means the report cannot be harvested for this period
// at all.
func clipToReportWindow(p period.Period, availability models.ReportAvailability, declared bool) (period.Period, bool) {
	if !declared {
		return p, false
	}
	if availability.Supported != nil && !*availability.Supported {
		return period.Period{}, true
	}

	var first, last period.Month
	if availability.FirstMonthAvailable != "" {
		if m, err := period.ParseMonth(availability.FirstMonthAvailable); err == nil {
			first = m
		}
	}
	if availability.LastMonthAvailable != "" {
		if m, err := period.ParseMonth(availability.LastMonthAvailable); err == nil {
			last = m
		}
	}

	clipped, err := p.Clip(first, last)
	if err != nil {
		return period.Period{}, true
	}
	return clipped, false
}

// jobSeed is one job-creation request before persistence.
type jobSeed struct {
	credential CredentialModel
	version    string
	period     period.Period
	reportType string
	index      string
}

// Start resolves the session into jobs. Every created or reset job is
// passed to emit as it is persisted. With DryRun set, nothing is written
// or enqueued; emit receives the jobs that would exist.
func (s *Scheduler) Start(ctx context.Context, sessionID string, opts models.StartOptions, emit func(*JobModel)) error {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	sessionPeriod, err := session.Period()
	if err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}

	if opts.DryRun {
		_, err := s.seedSession(ctx, session, sessionPeriod, opts, emit)
		return err
	}

	prior := session.Status
	if err := s.repo.UpdateSessionStatus(ctx, sessionID, models.SessionStatusStarting); err != nil {
		return err
	}

	seeded, err := s.seedSession(ctx, session, sessionPeriod, opts, emit)
	if err != nil {
		// A half-seeded session must not sit in starting forever; put it
		// back where it was so it can be started again.
		restoreCtx := context.WithoutCancel(ctx)
		if restoreErr := s.repo.UpdateSessionStatus(restoreCtx, sessionID, prior); restoreErr != nil {
			logger.Log.WithError(restoreErr).WithField("session_id", sessionID).Error("failed to restore session status")
		}
		return err
	}

	if err := s.repo.UpdateSessionStatus(ctx, sessionID, models.SessionStatusRunning); err != nil {
		return err
	}
	s.notify(ctx, models.EventSessionStarted, sessionID, seeded)

	return s.closeIfSettled(ctx, sessionID)
}

// seedSession resolves the credential population and persists one job per
// (credential, version split, report type). It returns how many seeds the
// resolution produced.
func (s *Scheduler) seedSession(ctx context.Context, session *SessionModel, sessionPeriod period.Period, opts models.StartOptions, emit func(*JobModel)) (int, error) {
	credentials, err := s.resolveCredentials(ctx, session, opts)
	if err != nil {
		return 0, err
	}

	logger.Log.WithFields(map[string]interface{}{
		"session_id":  session.ID,
		"credentials": len(credentials),
		"period":      sessionPeriod.String(),
	}).Info("starting harvest session")

	endpoints, err := s.repo.EndpointMap(ctx)
	if err != nil {
		return 0, err
	}

	reportTypes := expandReportTypes(session.ReportTypeList(), s.defaultReportTypes)

	var seeds []jobSeed
	indexByInstitution := make(map[string]string)

	for _, cred := range credentials {
		endpoint, ok := endpoints[cred.EndpointID]
		if !ok {
			logger.Log.WithFields(map[string]interface{}{
				"credentials_id": cred.ID,
				"endpoint_id":    cred.EndpointID,
			}).Warn("skipping credentials: endpoint not found")
			continue
		}

		versions := intersectVersions(session.AllowedVersionList(), endpoint.SupportedVersionList())
		splits := SplitPeriodByVersions(versions, endpoint.VersionFirstMonths(), sessionPeriod)
		if len(splits) == 0 {
			continue
		}

		baseIndex, ok := indexByInstitution[cred.InstitutionID]
		if !ok {
			institution, err := s.repo.GetInstitution(ctx, cred.InstitutionID)
			if err != nil {
				return 0, err
			}
			if institution == nil || institution.IndexPattern == "" {
				return 0, fmt.Errorf("%w: institution %s", ErrNoHarvestTarget, cred.InstitutionID)
			}
			baseIndex = institution.IndexPattern
			indexByInstitution[cred.InstitutionID] = baseIndex
		}

		for _, split := range splits {
			for _, reportType := range reportTypes {
				jobPeriod := split.Period
				// ForceRefreshSupported distrusts the stored availability
				// declarations and lets the endpoint answer for itself.
				if !session.DownloadUnsupported && !opts.ForceRefreshSupported {
					availability, declared := endpoint.ReportAvailability(split.Version, reportType)
					clipped, skip := clipToReportWindow(jobPeriod, availability, declared)
					if skip {
						continue
					}
					jobPeriod = clipped
				}
				seeds = append(seeds, jobSeed{
					credential: cred,
					version:    split.Version,
					period:     jobPeriod,
					reportType: reportType,
					index:      search.IndexName(baseIndex, split.Version),
				})
			}
		}
	}

	if err := s.persistSeeds(ctx, session, seeds, opts, emit); err != nil {
		return 0, err
	}
	return len(seeds), nil
}

// closeIfSettled stops a session whose jobs all settled, or that seeded
// none at all. The aggregator ignores job events while the session is
// still starting, so this final check is what closes such a session.
func (s *Scheduler) closeIfSettled(ctx context.Context, sessionID string) error {
	active, err := s.repo.CountActiveSessionJobs(ctx, sessionID)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}
	if err := s.repo.UpdateSessionStatus(ctx, sessionID, models.SessionStatusStopped); err != nil {
		return err
	}
	logger.Log.WithField("session_id", sessionID).Info("harvest session ended")
	s.notify(ctx, models.EventSessionEnded, sessionID, 0)
	return nil
}

// resolveCredentials reuses the credential set of existing session jobs,
// or resolves a fresh harvestable population on a first start.
func (s *Scheduler) resolveCredentials(ctx context.Context, session *SessionModel, opts models.StartOptions) ([]CredentialModel, error) {
	existing, err := s.repo.ListSessionJobs(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	if len(existing) == 0 {
		return s.repo.ListHarvestableCredentials(ctx, session.AllowFaulty, session.AllowedVersionList())
	}

	finished := make(map[string]bool)
	unfinished := make(map[string]bool)
	for _, job := range existing {
		if job.Status == models.JobStatusFinished {
			finished[job.CredentialsID] = true
		} else {
			unfinished[job.CredentialsID] = true
		}
	}

	var ids []string
	for id := range finished {
		if opts.RestartAll || unfinished[id] {
			ids = append(ids, id)
		}
	}
	for id := range unfinished {
		if !finished[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.repo.ListCredentialsByIDs(ctx, ids)
}

// persistSeeds writes job rows in fixed-size batches with a pause between
// them, so one big session does not starve the connection pool. A
// non-finished job with identical keys is moved back to waiting instead
// of duplicated.
func (s *Scheduler) persistSeeds(ctx context.Context, session *SessionModel, seeds []jobSeed, opts models.StartOptions, emit func(*JobModel)) error {
	for batchStart := 0; batchStart < len(seeds); batchStart += s.batchSize {
		batchEnd := batchStart + s.batchSize
		if batchEnd > len(seeds) {
			batchEnd = len(seeds)
		}

		for _, seed := range seeds[batchStart:batchEnd] {
			job, err := s.persistSeed(ctx, session, seed, opts)
			if err != nil {
				return err
			}
			if job != nil && emit != nil {
				emit(job)
			}
		}

		if batchEnd < len(seeds) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.batchPause):
			}
		}
	}
	return nil
}

func (s *Scheduler) persistSeed(ctx context.Context, session *SessionModel, seed jobSeed, opts models.StartOptions) (*JobModel, error) {
	begin := seed.period.Begin.String()
	end := seed.period.End.String()

	if opts.DryRun {
		return &JobModel{
			ID:            uuid.New().String(),
			SessionID:     session.ID,
			CredentialsID: seed.credential.ID,
			InstitutionID: seed.credential.InstitutionID,
			EndpointID:    seed.credential.EndpointID,
			ReportType:    strings.ToLower(seed.reportType),
			BeginDate:     begin,
			EndDate:       end,
			Version:       seed.version,
			Index:         seed.index,
			Status:        models.JobStatusWaiting,
		}, nil
	}

	existing, err := s.repo.FindDuplicateJob(ctx, session.ID, seed.credential.ID, strings.ToLower(seed.reportType), seed.version, begin, end)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.Status == models.JobStatusFinished && !opts.RestartAll {
			return nil, nil
		}
		err := s.repo.UpdateJob(ctx, existing.ID, map[string]interface{}{
			"status":        models.JobStatusWaiting,
			"error_code":    "",
			"not_before":    nil,
			"times_delayed": 0,
			"worker_id":     "",
		})
		if err != nil {
			return nil, err
		}
		// Schedule, not Enqueue: a job parked by a deferral still has its
		// far-future due time in the queue, and Enqueue would keep it.
		if err := s.queue.Schedule(ctx, existing.ID, time.Now()); err != nil {
			return nil, err
		}
		existing.Status = models.JobStatusWaiting
		return existing, nil
	}

	job := &JobModel{
		ID:             uuid.New().String(),
		SessionID:      session.ID,
		CredentialsID:  seed.credential.ID,
		InstitutionID:  seed.credential.InstitutionID,
		EndpointID:     seed.credential.EndpointID,
		ReportType:     strings.ToLower(seed.reportType),
		BeginDate:      begin,
		EndDate:        end,
		Version:        seed.version,
		Index:          seed.index,
		Status:         models.JobStatusWaiting,
		TimeoutSeconds: int64(s.defaultTimeout / time.Second),
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, job.ID, 0); err != nil {
		return nil, err
	}
	return job, nil
}

// Stop cancels every non-terminal job of the session in throttled
// batches.
func (s *Scheduler) Stop(ctx context.Context, sessionID string) error {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return err
	}

	if err := s.repo.UpdateSessionStatus(ctx, sessionID, models.SessionStatusStopping); err != nil {
		return err
	}

	jobs, err := s.repo.ListActiveSessionJobs(ctx, sessionID)
	if err != nil {
		return err
	}

	logger.Log.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"jobs":       len(jobs),
	}).Info("stopping harvest session")

	for batchStart := 0; batchStart < len(jobs); batchStart += s.batchSize {
		batchEnd := batchStart + s.batchSize
		if batchEnd > len(jobs) {
			batchEnd = len(jobs)
		}
		for _, job := range jobs[batchStart:batchEnd] {
			if err := s.queue.Cancel(ctx, job.ID); err != nil {
				logger.Log.WithError(err).WithField("job_id", job.ID).Error("failed to cancel job")
			}
		}
		if batchEnd < len(jobs) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.batchPause):
			}
		}
	}

	// With nothing left to cancel there are no job events to move the
	// session along, so it is closed here.
	if len(jobs) == 0 {
		if err := s.repo.UpdateSessionStatus(ctx, sessionID, models.SessionStatusStopped); err != nil {
			return err
		}
	}

	s.notify(ctx, models.EventSessionStopped, sessionID, len(jobs))
	return nil
}

func (s *Scheduler) notify(ctx context.Context, eventType, sessionID string, jobCount int) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.PublishEvent(ctx, eventType, "harvest-scheduler", map[string]interface{}{
		"session_id": sessionID,
		"jobs":       jobCount,
	})
	if err != nil {
		logger.Log.WithError(err).WithField("session_id", sessionID).Error("failed to publish session notification")
	}
}

func expandReportTypes(requested, defaults []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, reportType := range requested {
		normalized := strings.ToLower(strings.TrimSpace(reportType))
		if normalized == ReportTypeAll {
			for _, d := range defaults {
				d = strings.ToLower(d)
				if _, ok := seen[d]; !ok {
					seen[d] = struct{}{}
					out = append(out, d)
				}
			}
			continue
		}
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; !ok {
			seen[normalized] = struct{}{}
			out = append(out, normalized)
		}
	}
	return out
}
