package harvest

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/counterhive/harvester/pkg/common/models"
)

var (
	ErrSessionNotFound    = errors.New("harvest session not found")
	ErrJobNotFound        = errors.New("harvest job not found")
	ErrCredentialNotFound = errors.New("sushi credentials not found")
	ErrNoHarvestTarget    = errors.New("institution has no harvest target index")
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&SessionModel{},
		&CredentialModel{},
		&EndpointModel{},
		&InstitutionModel{},
		&JobModel{},
		&HarvestModel{},
	)
}

// Sessions

func (r *Repository) GetSession(ctx context.Context, id string) (*SessionModel, error) {
	var session SessionModel
	result := r.db.WithContext(ctx).First(&session, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	return &session, result.Error
}

func (r *Repository) UpdateSessionStatus(ctx context.Context, id, status string) error {
	return r.db.WithContext(ctx).Model(&SessionModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		}).Error
}

// Credentials and endpoints

// ListHarvestableCredentials resolves the fresh credential population for
// a session: enabled, endpoint supporting at least one allowed version,
// and unless allowFaulty, a successful connection probe.
func (r *Repository) ListHarvestableCredentials(ctx context.Context, allowFaulty bool, allowedVersions []string) ([]CredentialModel, error) {
	query := r.db.WithContext(ctx).Where("enabled = ?", true)
	if !allowFaulty {
		query = query.Where("connection_status = ?", models.ConnectionSuccess)
	}

	var credentials []CredentialModel
	if err := query.Find(&credentials).Error; err != nil {
		return nil, err
	}
	if len(allowedVersions) == 0 {
		return credentials, nil
	}

	endpoints, err := r.EndpointMap(ctx)
	if err != nil {
		return nil, err
	}

	out := credentials[:0]
	for _, cred := range credentials {
		endpoint, ok := endpoints[cred.EndpointID]
		if !ok {
			continue
		}
		if len(intersectVersions(allowedVersions, endpoint.SupportedVersionList())) > 0 {
			out = append(out, cred)
		}
	}
	return out, nil
}

func (r *Repository) GetCredential(ctx context.Context, id string) (*CredentialModel, error) {
	var credential CredentialModel
	result := r.db.WithContext(ctx).First(&credential, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrCredentialNotFound
	}
	return &credential, result.Error
}

func (r *Repository) ListCredentialsByIDs(ctx context.Context, ids []string) ([]CredentialModel, error) {
	var credentials []CredentialModel
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&credentials).Error
	return credentials, err
}

func (r *Repository) GetEndpoint(ctx context.Context, id string) (*EndpointModel, error) {
	var endpoint EndpointModel
	result := r.db.WithContext(ctx).First(&endpoint, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &endpoint, result.Error
}

func (r *Repository) EndpointMap(ctx context.Context) (map[string]*EndpointModel, error) {
	var endpoints []EndpointModel
	if err := r.db.WithContext(ctx).Find(&endpoints).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*EndpointModel, len(endpoints))
	for i := range endpoints {
		out[endpoints[i].ID] = &endpoints[i]
	}
	return out, nil
}

// SetEndpointDisabledUntil arms or clears the endpoint circuit breaker.
func (r *Repository) SetEndpointDisabledUntil(ctx context.Context, id string, until *time.Time) error {
	return r.db.WithContext(ctx).Model(&EndpointModel{}).
		Where("id = ?", id).
		Update("disabled_until", until).Error
}

func (r *Repository) GetInstitution(ctx context.Context, id string) (*InstitutionModel, error) {
	var institution InstitutionModel
	result := r.db.WithContext(ctx).First(&institution, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &institution, result.Error
}

// Jobs

func (r *Repository) CreateJob(ctx context.Context, job *JobModel) error {
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repository) GetJob(ctx context.Context, id string) (*JobModel, error) {
	var job JobModel
	result := r.db.WithContext(ctx).First(&job, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	return &job, result.Error
}

func (r *Repository) UpdateJob(ctx context.Context, id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now().UTC()
	return r.db.WithContext(ctx).Model(&JobModel{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *Repository) ListSessionJobs(ctx context.Context, sessionID string) ([]JobModel, error) {
	var jobs []JobModel
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&jobs).Error
	return jobs, err
}

// FindDuplicateJob locates an existing job for the same scheduling keys,
// used for the idempotent restart path.
func (r *Repository) FindDuplicateJob(ctx context.Context, sessionID, credentialsID, reportType, version, beginDate, endDate string) (*JobModel, error) {
	var job JobModel
	result := r.db.WithContext(ctx).
		Where("session_id = ? AND credentials_id = ? AND report_type = ? AND version = ? AND begin_date = ? AND end_date = ?",
			sessionID, credentialsID, reportType, version, beginDate, endDate).
		First(&job)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &job, result.Error
}

// ListActiveSessionJobs returns every job of the session the queue could
// still run. Interrupted jobs count as active because they are requeued.
func (r *Repository) ListActiveSessionJobs(ctx context.Context, sessionID string) ([]JobModel, error) {
	var jobs []JobModel
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND status NOT IN ?", sessionID, settledStatuses()).
		Find(&jobs).Error
	return jobs, err
}

func (r *Repository) CountActiveSessionJobs(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&JobModel{}).
		Where("session_id = ? AND status NOT IN ?", sessionID, settledStatuses()).
		Count(&count).Error
	return count, err
}

// ListRunningJobs supports the stalled-worker reconciliation sweep.
func (r *Repository) ListRunningJobs(ctx context.Context) ([]JobModel, error) {
	var jobs []JobModel
	err := r.db.WithContext(ctx).Where("status = ?", models.JobStatusRunning).Find(&jobs).Error
	return jobs, err
}

// JobFilter narrows job listings for the inspection API.
type JobFilter struct {
	SessionID     string
	CredentialsID string
	EndpointID    string
	InstitutionID string
	Status        string
	Limit         int
}

func (r *Repository) ListJobs(ctx context.Context, filter JobFilter) ([]JobModel, error) {
	query := r.db.WithContext(ctx).Model(&JobModel{})
	if filter.SessionID != "" {
		query = query.Where("session_id = ?", filter.SessionID)
	}
	if filter.CredentialsID != "" {
		query = query.Where("credentials_id = ?", filter.CredentialsID)
	}
	if filter.EndpointID != "" {
		query = query.Where("endpoint_id = ?", filter.EndpointID)
	}
	if filter.InstitutionID != "" {
		query = query.Where("institution_id = ?", filter.InstitutionID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var jobs []JobModel
	err := query.Order("created_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

func (r *Repository) DeleteJob(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&JobModel{}, "id = ?", id).Error
}

// JobStatusCounts aggregates the session's jobs by status and sums their
// recorded running time.
func (r *Repository) JobStatusCounts(ctx context.Context, sessionID string) (map[string]int64, time.Duration, error) {
	type row struct {
		Status  string
		Count   int64
		Running int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&JobModel{}).
		Select("status, count(*) as count, sum(running_time_ms) as running").
		Where("session_id = ?", sessionID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	counts := make(map[string]int64, len(rows))
	var totalMS int64
	for _, r := range rows {
		counts[r.Status] = r.Count
		totalMS += r.Running
	}
	return counts, time.Duration(totalMS) * time.Millisecond, nil
}

// Harvests

// UpsertHarvest writes one ledger row keyed
// (credentials_id, report_id, period).
func (r *Repository) UpsertHarvest(ctx context.Context, row *HarvestModel) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "credentials_id"},
			{Name: "report_id"},
			{Name: "period"},
		},
		UpdateAll: true,
	}).Create(row).Error
}

// HarvestFilter narrows ledger queries.
type HarvestFilter struct {
	CredentialsID string
	ReportID      string
	Status        string
	FromMonth     string
	ToMonth       string
	Limit         int
}

func (r *Repository) ListHarvests(ctx context.Context, filter HarvestFilter) ([]HarvestModel, error) {
	query := r.db.WithContext(ctx).Model(&HarvestModel{})
	if filter.CredentialsID != "" {
		query = query.Where("credentials_id = ?", filter.CredentialsID)
	}
	if filter.ReportID != "" {
		query = query.Where("report_id = ?", filter.ReportID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.FromMonth != "" {
		query = query.Where("period >= ?", filter.FromMonth)
	}
	if filter.ToMonth != "" {
		query = query.Where("period <= ?", filter.ToMonth)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}

	var rows []HarvestModel
	err := query.Order("period DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// settledStatuses are outcomes no queue activity can change.
func settledStatuses() []string {
	return []string{
		models.JobStatusFinished,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	}
}

func intersectVersions(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
