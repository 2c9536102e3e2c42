// Package harvest implements the harvest orchestration engine: the
// session scheduler, the durable job queue and worker pool, the per-job
// download/validate/insert pipeline and the harvest state aggregator.
package harvest

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/counterhive/harvester/pkg/common/models"
	"github.com/counterhive/harvester/pkg/period"
)

// ReportTypeAll is the sentinel expanding to the configured default
// report-type set.
const ReportTypeAll = "all"

// SessionModel is an administrator-defined harvesting campaign. The
// surrounding application creates and edits sessions; the engine only
// moves their status and derives jobs from them.
type SessionModel struct {
	ID                  string            `json:"id" gorm:"primaryKey;column:id"`
	BeginDate           string            `json:"beginDate" gorm:"column:begin_date"`
	EndDate             string            `json:"endDate" gorm:"column:end_date"`
	ReportTypes         datatypes.JSON    `json:"reportTypes" gorm:"column:report_types"`
	AllowedVersions     datatypes.JSON    `json:"allowedProtocolVersions" gorm:"column:allowed_versions"`
	AllowFaulty         bool              `json:"allowFaulty" gorm:"column:allow_faulty"`
	DownloadUnsupported bool              `json:"downloadUnsupported" gorm:"column:download_unsupported"`
	ForceDownload       bool              `json:"forceDownload" gorm:"column:force_download"`
	IgnoreValidation    *bool             `json:"ignoreValidation,omitempty" gorm:"column:ignore_validation"`
	CredentialsQuery    datatypes.JSONMap `json:"credentialsQuery,omitempty" gorm:"column:credentials_query"`
	Status              string            `json:"status" gorm:"column:status"`
	CreatedAt           time.Time         `json:"created_at" gorm:"column:created_at"`
	UpdatedAt           time.Time         `json:"updated_at" gorm:"column:updated_at"`
}

func (SessionModel) TableName() string {
	return "harvest_sessions"
}

// Period parses the session's month range.
func (s *SessionModel) Period() (period.Period, error) {
	return period.Parse(s.BeginDate, s.EndDate)
}

func (s *SessionModel) ReportTypeList() []string {
	return decodeStringList(s.ReportTypes)
}

func (s *SessionModel) AllowedVersionList() []string {
	return decodeStringList(s.AllowedVersions)
}

func (s *SessionModel) ValidationIgnored() bool {
	return s.IgnoreValidation != nil && *s.IgnoreValidation
}

// CredentialModel is owned by the external credential-management
// subsystem; the engine reads it.
type CredentialModel struct {
	ID               string         `json:"id" gorm:"primaryKey;column:id"`
	InstitutionID    string         `json:"institutionId" gorm:"column:institution_id"`
	EndpointID       string         `json:"endpointId" gorm:"column:endpoint_id"`
	Enabled          bool           `json:"enabled" gorm:"column:enabled"`
	ConnectionStatus string         `json:"connectionStatus" gorm:"column:connection_status"`
	CustomerID       string         `json:"customerId" gorm:"column:customer_id"`
	RequestorID      string         `json:"requestorId" gorm:"column:requestor_id"`
	APIKey           string         `json:"-" gorm:"column:api_key"`
	Tags             datatypes.JSON `json:"tags,omitempty" gorm:"column:tags"`
	Packages         datatypes.JSON `json:"packages,omitempty" gorm:"column:packages"`
}

func (CredentialModel) TableName() string {
	return "sushi_credentials"
}

func (c *CredentialModel) TagList() []string {
	return decodeStringList(c.Tags)
}

func (c *CredentialModel) PackageList() []string {
	return decodeStringList(c.Packages)
}

// EndpointModel describes one SUSHI endpoint: its supported protocol
// versions, per-report availability windows, and the cooperative
// circuit-breaker cooldown.
type EndpointModel struct {
	ID                     string         `json:"id" gorm:"primaryKey;column:id"`
	SushiURL               string         `json:"sushiUrl" gorm:"column:sushi_url"`
	SupportedVersions      datatypes.JSON `json:"supportedVersions" gorm:"column:supported_versions"`
	VersionAvailability    datatypes.JSON `json:"versionAvailability,omitempty" gorm:"column:version_availability"`
	SupportedReports       datatypes.JSON `json:"supportedReportsPerVersion,omitempty" gorm:"column:supported_reports"`
	DisabledUntil          *time.Time     `json:"disabledUntil,omitempty" gorm:"column:disabled_until"`
	IgnoreReportValidation bool           `json:"ignoreReportValidation" gorm:"column:ignore_report_validation"`
}

func (EndpointModel) TableName() string {
	return "sushi_endpoints"
}

func (e *EndpointModel) SupportedVersionList() []string {
	return decodeStringList(e.SupportedVersions)
}

// VersionFirstMonths decodes the version → first available month map.
func (e *EndpointModel) VersionFirstMonths() map[string]period.Month {
	if len(e.VersionAvailability) == 0 {
		return nil
	}
	var raw map[string]string
	if err := json.Unmarshal(e.VersionAvailability, &raw); err != nil {
		return nil
	}
	out := make(map[string]period.Month, len(raw))
	for version, monthStr := range raw {
		if month, err := period.ParseMonth(monthStr); err == nil {
			out[version] = month
		}
	}
	return out
}

// ReportAvailability looks up the availability declaration for one report
// type under one protocol version. ok is false when the endpoint declares
// nothing for that pair.
func (e *EndpointModel) ReportAvailability(version, reportID string) (models.ReportAvailability, bool) {
	if len(e.SupportedReports) == 0 {
		return models.ReportAvailability{}, false
	}
	var raw map[string]map[string]models.ReportAvailability
	if err := json.Unmarshal(e.SupportedReports, &raw); err != nil {
		return models.ReportAvailability{}, false
	}
	byReport, ok := raw[version]
	if !ok {
		return models.ReportAvailability{}, false
	}
	availability, ok := byReport[reportID]
	return availability, ok
}

// Disabled reports whether the circuit breaker currently holds the
// endpoint closed.
func (e *EndpointModel) Disabled(now time.Time) bool {
	return e.DisabledUntil != nil && e.DisabledUntil.After(now)
}

// InstitutionModel carries the search-engine index pattern harvested data
// is written to.
type InstitutionModel struct {
	ID           string `json:"id" gorm:"primaryKey;column:id"`
	Name         string `json:"name" gorm:"column:name"`
	IndexPattern string `json:"indexPattern" gorm:"column:index_pattern"`
}

func (InstitutionModel) TableName() string {
	return "institutions"
}

// JobModel is one unit of harvest work: one credential, one report type,
// one protocol version, one (possibly clipped) period.
type JobModel struct {
	ID              string         `json:"id" gorm:"primaryKey;column:id"`
	SessionID       string         `json:"sessionId" gorm:"column:session_id;index"`
	CredentialsID   string         `json:"credentialsId" gorm:"column:credentials_id;index"`
	InstitutionID   string         `json:"institutionId" gorm:"column:institution_id"`
	EndpointID      string         `json:"endpointId" gorm:"column:endpoint_id"`
	ReportType      string         `json:"reportType" gorm:"column:report_type"`
	BeginDate       string         `json:"beginDate" gorm:"column:begin_date"`
	EndDate         string         `json:"endDate" gorm:"column:end_date"`
	Version         string         `json:"protocolVersion" gorm:"column:version"`
	Index           string         `json:"targetIndex" gorm:"column:target_index"`
	Status          string         `json:"status" gorm:"column:status;index"`
	ErrorCode       string         `json:"errorCode,omitempty" gorm:"column:error_code"`
	SushiExceptions datatypes.JSON `json:"sushiExceptions,omitempty" gorm:"column:sushi_exceptions"`
	Result          datatypes.JSON `json:"result,omitempty" gorm:"column:result"`
	TimesDelayed    int            `json:"timesDelayed" gorm:"column:times_delayed"`
	NotBefore       *time.Time     `json:"notBefore,omitempty" gorm:"column:not_before"`
	Attempts        int            `json:"attempts" gorm:"column:attempts"`
	TimeoutSeconds  int64          `json:"timeoutSeconds" gorm:"column:timeout_seconds"`
	WorkerID        string         `json:"workerId,omitempty" gorm:"column:worker_id"`
	StartedAt       *time.Time     `json:"startedAt,omitempty" gorm:"column:started_at"`
	RunningTimeMS   int64          `json:"runningTime" gorm:"column:running_time_ms"`
	CreatedAt       time.Time      `json:"created_at" gorm:"column:created_at"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"column:updated_at"`
}

func (JobModel) TableName() string {
	return "harvest_jobs"
}

func (j *JobModel) Period() (period.Period, error) {
	return period.Parse(j.BeginDate, j.EndDate)
}

// DecodedResult returns the stored job result, if any.
func (j *JobModel) DecodedResult() *models.JobResult {
	if len(j.Result) == 0 {
		return nil
	}
	var result models.JobResult
	if err := json.Unmarshal(j.Result, &result); err != nil {
		return nil
	}
	return &result
}

// HarvestModel is the durable per-(credential, report, month) outcome
// ledger. It outlives job deletion.
type HarvestModel struct {
	CredentialsID   string         `json:"credentialsId" gorm:"primaryKey;column:credentials_id"`
	ReportID        string         `json:"reportId" gorm:"primaryKey;column:report_id"`
	Period          string         `json:"period" gorm:"primaryKey;column:period"`
	Status          string         `json:"status" gorm:"column:status"`
	HarvestedAt     time.Time      `json:"harvestedAt" gorm:"column:harvested_at"`
	InsertedItems   int64          `json:"insertedItems" gorm:"column:inserted_items"`
	UpdatedItems    int64          `json:"updatedItems" gorm:"column:updated_items"`
	FailedItems     int64          `json:"failedItems" gorm:"column:failed_items"`
	ErrorCode       string         `json:"errorCode,omitempty" gorm:"column:error_code"`
	SushiExceptions datatypes.JSON `json:"sushiExceptions,omitempty" gorm:"column:sushi_exceptions"`
}

func (HarvestModel) TableName() string {
	return "harvests"
}

func decodeStringList(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// encodeJSON marshals into a JSONB column, swallowing the impossible
// error for value types.
func encodeJSON(v interface{}) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}
