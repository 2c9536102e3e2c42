package harvest

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/counterhive/harvester/pkg/common/kafka"
	"github.com/counterhive/harvester/pkg/common/logger"
	"github.com/counterhive/harvester/pkg/common/models"
	"github.com/counterhive/harvester/pkg/counter"
	"github.com/counterhive/harvester/pkg/search"
	"github.com/counterhive/harvester/pkg/sushi"
)

const maxDeferralBackoff = time.Hour

// PipelineConfig carries the tuning knobs of the per-job pipeline.
type PipelineConfig struct {
	MaxDeferrals     int
	DeferralBackoff  time.Duration
	BusyCooldown     time.Duration
	BulkBatchSize    int
	ProgressInterval time.Duration
	DefaultTimeout   time.Duration
}

// pipelineStore is the slice of the repository the pipeline needs.
type pipelineStore interface {
	GetJob(ctx context.Context, id string) (*JobModel, error)
	GetSession(ctx context.Context, id string) (*SessionModel, error)
	GetCredential(ctx context.Context, id string) (*CredentialModel, error)
	GetEndpoint(ctx context.Context, id string) (*EndpointModel, error)
	UpdateJob(ctx context.Context, id string, fields map[string]interface{}) error
	SetEndpointDisabledUntil(ctx context.Context, id string, until *time.Time) error
}

// jobQueue is the slice of the queue the pipeline needs.
type jobQueue interface {
	Enqueue(ctx context.Context, jobID string, delay time.Duration) error
	Schedule(ctx context.Context, jobID string, at time.Time) error
}

// Pipeline executes one harvest job end to end: download, header
// inspection, schema validation, index preparation, scoped cleanup and
// bulk insertion. Every outcome lands on the job row and is announced on
// the job events topic.
type Pipeline struct {
	repo      pipelineStore
	queue     jobQueue
	client    *sushi.Client
	cache     *sushi.Cache
	validator *counter.Validator
	search    *search.Client
	events    *kafka.Producer
	cfg       PipelineConfig
}

func NewPipeline(repo pipelineStore, queue jobQueue, client *sushi.Client, cache *sushi.Cache, validator *counter.Validator, searchClient *search.Client, events *kafka.Producer, cfg PipelineConfig) *Pipeline {
	if cfg.MaxDeferrals <= 0 {
		cfg.MaxDeferrals = 5
	}
	if cfg.DeferralBackoff <= 0 {
		cfg.DeferralBackoff = 5 * time.Minute
	}
	if cfg.BusyCooldown <= 0 {
		cfg.BusyCooldown = 10 * time.Minute
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	return &Pipeline{
		repo:      repo,
		queue:     queue,
		client:    client,
		cache:     cache,
		validator: validator,
		search:    searchClient,
		events:    events,
		cfg:       cfg,
	}
}

// Run executes the job under the given worker identity. The returned
// error only signals infrastructure trouble; harvest failures are
// recorded on the job and return nil.
func (p *Pipeline) Run(ctx context.Context, jobID, workerID string) error {
	job, err := p.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			logger.Log.WithField("job_id", jobID).Warn("claimed job no longer exists")
			return nil
		}
		return err
	}
	if models.IsJobTerminal(job.Status) {
		return nil
	}

	session, err := p.repo.GetSession(ctx, job.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return p.failJob(ctx, job, models.ErrCodeSessionNotFound, nil, nil)
		}
		return err
	}

	credential, err := p.repo.GetCredential(ctx, job.CredentialsID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return p.failJob(ctx, job, models.ErrCodeCredentialNotFound, nil, nil)
		}
		return err
	}

	endpoint, err := p.repo.GetEndpoint(ctx, job.EndpointID)
	if err != nil {
		return err
	}
	if endpoint == nil {
		return p.failJob(ctx, job, models.ErrCodeSushiError, nil, nil)
	}

	// Circuit breaker: a cooling-down endpoint defers the job without
	// consuming one of its deferrals.
	now := time.Now().UTC()
	if endpoint.Disabled(now) {
		return p.deferJobUntil(ctx, job, *endpoint.DisabledUntil, false, nil)
	}

	startedAt := now
	job.Attempts++
	err = p.repo.UpdateJob(ctx, job.ID, map[string]interface{}{
		"status":     models.JobStatusRunning,
		"worker_id":  workerID,
		"started_at": startedAt,
		"attempts":   job.Attempts,
	})
	if err != nil {
		return err
	}
	job.Status = models.JobStatusRunning
	job.StartedAt = &startedAt
	p.publishJob(ctx, job)

	timeout := p.cfg.DefaultTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	jobCtx, watchdog, stop := NewWatchdog(ctx, timeout)
	defer stop()

	return p.execute(jobCtx, job, session, credential, endpoint, watchdog, startedAt)
}

func (p *Pipeline) execute(ctx context.Context, job *JobModel, session *SessionModel, credential *CredentialModel, endpoint *EndpointModel, watchdog *Watchdog, startedAt time.Time) error {
	jobPeriod, err := job.Period()
	if err != nil {
		return p.failJob(ctx, job, models.ErrCodeUnreadableReport, nil, nil)
	}

	target := sushi.Target{
		InstitutionID: job.InstitutionID,
		EndpointID:    job.EndpointID,
		CredentialsID: job.CredentialsID,
		SushiURL:      endpoint.SushiURL,
		CustomerID:    credential.CustomerID,
		RequestorID:   credential.RequestorID,
		APIKey:        credential.APIKey,
		ReportID:      job.ReportType,
		Version:       job.Version,
		Period:        jobPeriod,
	}

	download, err := p.client.Fetch(ctx, target, session.ForceDownload)
	if err != nil {
		return p.handleFetchError(ctx, job, err)
	}
	watchdog.Reset()

	report, err := counter.ParseReport(download.Data)
	if err != nil {
		return p.failJob(ctx, job, models.ErrCodeUnreadableReport, nil, nil)
	}

	exceptions := report.Header.Exceptions
	if len(exceptions) > 0 {
		if done, err := p.handleHeaderExceptions(ctx, job, target, exceptions); done {
			return err
		}
	}

	if !session.ValidationIgnored() && !endpoint.IgnoreReportValidation {
		messages, err := p.validator.Validate(job.Version, job.ReportType, download.Data)
		if err != nil {
			result := &models.JobResult{Errors: capMessages(messages, 10)}
			return p.failJob(ctx, job, models.ErrCodeInvalidReport, counter.ToModels(exceptions), result)
		}
	}

	created, err := p.search.EnsureIndex(ctx, job.Index, job.Version)
	if err != nil {
		return p.failJob(ctx, job, models.ErrCodeIndexingFailed, counter.ToModels(exceptions), nil)
	}
	watchdog.Reset()

	// A pre-existing index may hold documents from an earlier harvest of
	// this scope. They are removed first so deleted upstream data does
	// not linger.
	if !created {
		query := search.ScopeQuery(job.CredentialsID, job.ReportType, job.BeginDate, job.EndDate)
		if err := p.search.DeleteByQuery(ctx, job.Index, query, watchdog.Reset); err != nil {
			if cancelled, failErr := p.checkCancellation(ctx, job); cancelled {
				return failErr
			}
			logger.Log.WithError(err).WithField("job_id", job.ID).Error("scoped delete failed")
			return p.failJob(ctx, job, models.ErrCodeIndexingFailed, counter.ToModels(exceptions), nil)
		}
	}

	result, err := p.insert(ctx, job, credential, report, watchdog)
	if err != nil {
		if cancelled, failErr := p.checkCancellation(ctx, job); cancelled {
			return failErr
		}
		logger.Log.WithError(err).WithField("job_id", job.ID).Error("bulk insertion failed")
		return p.failJob(ctx, job, models.ErrCodeIndexingFailed, counter.ToModels(exceptions), result)
	}

	return p.finishJob(ctx, job, counter.ToModels(exceptions), result, startedAt)
}

// insert streams the report through the record reader into bulk
// requests, tracking which months actually produced data.
func (p *Pipeline) insert(ctx context.Context, job *JobModel, credential *CredentialModel, report *counter.RawReport, watchdog *Watchdog) (*models.JobResult, error) {
	jobPeriod, _ := job.Period()
	reader := counter.NewRecordReader(job.Version, report)
	bulker := p.search.NewBulkInserter(job.Index, p.cfg.BulkBatchSize)

	covered := make(map[string]struct{})
	harvestedAt := time.Now().UTC().Format(time.RFC3339)
	lastPersist := time.Now()

	for {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		var recErr *counter.RecordError
		if errors.As(err, &recErr) {
			bulker.RecordFailure(recErr.Error())
			continue
		}
		if err != nil {
			stats := bulker.Stats()
			return &stats, err
		}

		doc := map[string]interface{}{
			search.FieldSushiID:       job.CredentialsID,
			search.FieldInstitutionID: job.InstitutionID,
			search.FieldEndpointID:    job.EndpointID,
			search.FieldSessionID:     job.SessionID,
			search.FieldJobID:         job.ID,
			search.FieldHarvestedAt:   harvestedAt,
			search.FieldDateMonth:     rec.Month.String(),
			search.FieldReportID:      rec.ReportID,
			"Metric_Type":             rec.MetricType,
			"Count":                   rec.Count,
		}
		if rec.Title != "" {
			doc["Title"] = rec.Title
		}
		if rec.Platform != "" {
			doc["Platform"] = rec.Platform
		}
		if rec.Publisher != "" {
			doc["Publisher"] = rec.Publisher
		}
		if len(rec.ItemIDs) > 0 {
			doc["Item_IDs"] = rec.ItemIDs
		}
		if len(rec.Attributes) > 0 {
			doc["Attributes"] = rec.Attributes
		}
		if tags := credential.TagList(); len(tags) > 0 {
			doc[search.FieldTags] = tags
		}
		if packages := credential.PackageList(); len(packages) > 0 {
			doc[search.FieldPackages] = packages
		}

		flushed, err := bulker.Add(ctx, counter.RecordID(job.CredentialsID, rec), doc)
		if err != nil {
			stats := bulker.Stats()
			return &stats, err
		}
		if jobPeriod.Contains(rec.Month) {
			covered[rec.Month.String()] = struct{}{}
		}

		if flushed {
			watchdog.Reset()
			if p.cfg.ProgressInterval > 0 && time.Since(lastPersist) >= p.cfg.ProgressInterval {
				stats := bulker.Stats()
				p.persistProgress(ctx, job, &stats)
				lastPersist = time.Now()
			}
		}
	}

	if err := bulker.Flush(ctx); err != nil {
		stats := bulker.Stats()
		return &stats, err
	}
	watchdog.Reset()

	stats := bulker.Stats()
	stats.CoveredPeriods = sortedKeys(covered)
	return &stats, nil
}

// handleFetchError classifies a download failure and settles the job
// accordingly.
func (p *Pipeline) handleFetchError(ctx context.Context, job *JobModel, err error) error {
	if cancelled, failErr := p.checkCancellation(ctx, job); cancelled {
		return failErr
	}

	var httpErr *sushi.HTTPError
	if errors.As(err, &httpErr) {
		exceptions := counter.ExtractExceptions(httpErr.Body)
		if len(exceptions) > 0 {
			return p.settleExceptions(ctx, job, exceptions)
		}
		logger.Log.WithField("job_id", job.ID).WithField("status", httpErr.StatusCode).Warn("sushi endpoint refused the request")
		return p.failJob(ctx, job, models.ErrCodeSushiError, nil, &models.JobResult{
			Errors: []string{httpErr.Error()},
		})
	}

	logger.Log.WithError(err).WithField("job_id", job.ID).Warn("report download failed")
	return p.failJob(ctx, job, models.ErrCodeSushiError, nil, &models.JobResult{
		Errors: []string{err.Error()},
	})
}

// handleHeaderExceptions reacts to exceptions embedded in an otherwise
// successful response. done tells the caller the job is settled.
func (p *Pipeline) handleHeaderExceptions(ctx context.Context, job *JobModel, target sushi.Target, exceptions []counter.Exception) (bool, error) {
	class := counter.WorstClass(exceptions)
	if class == counter.ClassInfo {
		return false, nil
	}

	// Busy and queued copies must not be served from cache on retry.
	if class == counter.ClassBusy || class == counter.ClassQueued {
		p.cache.Remove(target)
	}

	return true, p.settleExceptions(ctx, job, exceptions)
}

// settleExceptions maps the worst exception class to the job outcome.
func (p *Pipeline) settleExceptions(ctx context.Context, job *JobModel, exceptions []counter.Exception) error {
	stored := counter.ToModels(exceptions)

	switch counter.WorstClass(exceptions) {
	case counter.ClassBusy:
		until := time.Now().UTC().Add(p.cfg.BusyCooldown)
		if err := p.repo.SetEndpointDisabledUntil(ctx, job.EndpointID, &until); err != nil {
			logger.Log.WithError(err).WithField("endpoint_id", job.EndpointID).Error("failed to arm endpoint cooldown")
		}
		return p.deferJob(ctx, job, true, stored)
	case counter.ClassQueued:
		return p.deferJob(ctx, job, true, stored)
	case counter.ClassUnauthorized:
		return p.failJob(ctx, job, models.ErrCodeSushiUnauthorized, stored, nil)
	case counter.ClassUnavailablePeriod:
		return p.failJob(ctx, job, models.ErrCodeUnavailablePeriod, stored, nil)
	default:
		return p.failJob(ctx, job, models.ErrCodeSushiError, stored, nil)
	}
}

// checkCancellation distinguishes how a dead context settles the job: an
// inactivity timeout fails it, a pool shutdown interrupts and requeues
// it, anything else cancels it.
func (p *Pipeline) checkCancellation(ctx context.Context, job *JobModel) (bool, error) {
	if ctx.Err() == nil {
		return false, nil
	}
	switch context.Cause(ctx) {
	case ErrInactive:
		return true, p.failJob(ctx, job, models.ErrCodeTimeout, nil, nil)
	case errShutdown:
		return true, p.markInterrupted(ctx, job)
	default:
		return true, p.markCancelled(ctx, job)
	}
}

// deferJob pushes the job back into the queue with exponential backoff.
// consume=false leaves the deferral count untouched, used when the
// endpoint itself is cooling down.
func (p *Pipeline) deferJob(ctx context.Context, job *JobModel, consume bool, exceptions []models.SushiException) error {
	if consume {
		job.TimesDelayed++
		if job.TimesDelayed > p.cfg.MaxDeferrals {
			return p.failJob(ctx, job, models.ErrCodeMaxDeferralsExceeded, exceptions, nil)
		}
	}
	delay := deferralBackoff(p.cfg.DeferralBackoff, job.TimesDelayed)
	return p.deferJobUntil(ctx, job, time.Now().UTC().Add(delay), consume, exceptions)
}

func (p *Pipeline) deferJobUntil(ctx context.Context, job *JobModel, until time.Time, consumed bool, exceptions []models.SushiException) error {
	fields := map[string]interface{}{
		"status":        models.JobStatusDelayed,
		"not_before":    until,
		"times_delayed": job.TimesDelayed,
		"worker_id":     "",
	}
	if len(exceptions) > 0 {
		fields["sushi_exceptions"] = encodeJSON(exceptions)
	}
	if err := p.repo.UpdateJob(ctx, job.ID, fields); err != nil {
		return err
	}
	if err := p.queue.Schedule(ctx, job.ID, until); err != nil {
		return err
	}

	logger.WithJob(job.ID, job.SessionID, job.CredentialsID).WithFields(logrus.Fields{
		"not_before":    until,
		"times_delayed": job.TimesDelayed,
		"consumed":      consumed,
	}).Info("deferred harvest job")

	job.Status = models.JobStatusDelayed
	p.publishJob(ctx, job)
	return nil
}

// deferralBackoff doubles the base delay per consumed deferral, capped.
func deferralBackoff(base time.Duration, timesDelayed int) time.Duration {
	if timesDelayed < 1 {
		timesDelayed = 1
	}
	delay := base
	for i := 1; i < timesDelayed; i++ {
		delay *= 2
		if delay >= maxDeferralBackoff {
			return maxDeferralBackoff
		}
	}
	if delay > maxDeferralBackoff {
		return maxDeferralBackoff
	}
	return delay
}

func (p *Pipeline) failJob(ctx context.Context, job *JobModel, errorCode string, exceptions []models.SushiException, result *models.JobResult) error {
	fields := map[string]interface{}{
		"status":     models.JobStatusFailed,
		"error_code": errorCode,
		"worker_id":  "",
	}
	if len(exceptions) > 0 {
		fields["sushi_exceptions"] = encodeJSON(exceptions)
	}
	if result != nil {
		fields["result"] = encodeJSON(result)
	}
	if job.StartedAt != nil {
		fields["running_time_ms"] = time.Since(*job.StartedAt).Milliseconds()
	}

	// The surrounding context may already be dead; the outcome still has
	// to be recorded.
	if err := p.repo.UpdateJob(context.WithoutCancel(ctx), job.ID, fields); err != nil {
		return err
	}

	logger.WithJob(job.ID, job.SessionID, job.CredentialsID).
		WithField("error_code", errorCode).
		Warn("harvest job failed")

	job.Status = models.JobStatusFailed
	job.ErrorCode = errorCode
	p.publishJob(ctx, job)
	return nil
}

func (p *Pipeline) finishJob(ctx context.Context, job *JobModel, exceptions []models.SushiException, result *models.JobResult, startedAt time.Time) error {
	fields := map[string]interface{}{
		"status":          models.JobStatusFinished,
		"error_code":      "",
		"result":          encodeJSON(result),
		"worker_id":       "",
		"running_time_ms": time.Since(startedAt).Milliseconds(),
	}
	if len(exceptions) > 0 {
		fields["sushi_exceptions"] = encodeJSON(exceptions)
	}
	if err := p.repo.UpdateJob(context.WithoutCancel(ctx), job.ID, fields); err != nil {
		return err
	}

	logger.WithJob(job.ID, job.SessionID, job.CredentialsID).WithFields(logrus.Fields{
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"failed":   result.Failed,
	}).Info("harvest job finished")

	job.Status = models.JobStatusFinished
	job.ErrorCode = ""
	job.Result = encodeJSON(result)
	p.publishJob(ctx, job)
	return nil
}

func (p *Pipeline) markCancelled(ctx context.Context, job *JobModel) error {
	fields := map[string]interface{}{
		"status":     models.JobStatusCancelled,
		"error_code": models.ErrCodeCancelled,
		"worker_id":  "",
	}
	if err := p.repo.UpdateJob(context.WithoutCancel(ctx), job.ID, fields); err != nil {
		return err
	}
	job.Status = models.JobStatusCancelled
	job.ErrorCode = models.ErrCodeCancelled
	p.publishJob(ctx, job)
	return nil
}

// markInterrupted records a shutdown abort and leaves the job queued so
// the next pool picks it up.
func (p *Pipeline) markInterrupted(ctx context.Context, job *JobModel) error {
	fields := map[string]interface{}{
		"status":     models.JobStatusInterrupted,
		"error_code": "",
		"worker_id":  "",
	}
	if err := p.repo.UpdateJob(context.WithoutCancel(ctx), job.ID, fields); err != nil {
		return err
	}
	if err := p.queue.Enqueue(context.WithoutCancel(ctx), job.ID, 0); err != nil {
		return err
	}
	job.Status = models.JobStatusInterrupted
	job.ErrorCode = ""
	p.publishJob(ctx, job)
	return nil
}

func (p *Pipeline) persistProgress(ctx context.Context, job *JobModel, result *models.JobResult) {
	err := p.repo.UpdateJob(ctx, job.ID, map[string]interface{}{
		"result": encodeJSON(result),
	})
	if err != nil {
		logger.Log.WithError(err).WithField("job_id", job.ID).Debug("failed to persist job progress")
	}
}

func (p *Pipeline) publishJob(ctx context.Context, job *JobModel) {
	if p.events == nil {
		return
	}
	err := p.events.PublishEvent(context.WithoutCancel(ctx), models.EventJobUpdated, "harvest-pipeline", map[string]interface{}{
		"job_id":     job.ID,
		"session_id": job.SessionID,
		"status":     job.Status,
		"error_code": job.ErrorCode,
	})
	if err != nil {
		logger.Log.WithError(err).WithField("job_id", job.ID).Error("failed to publish job event")
	}
}

func capMessages(messages []string, limit int) []string {
	if len(messages) <= limit {
		return messages
	}
	return messages[:limit]
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
