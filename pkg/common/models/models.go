package models

import (
	"time"
)

// Harvest session lifecycle.
const (
	SessionStatusPending  = "pending"
	SessionStatusStarting = "starting"
	SessionStatusRunning  = "running"
	SessionStatusStopping = "stopping"
	SessionStatusStopped  = "stopped"
)

// Harvest job state machine. Terminal states are finished, failed and
// cancelled; delayed jobs return to waiting when requeued. interrupted is
// only reached through a forced kill of a running worker.
const (
	JobStatusWaiting     = "waiting"
	JobStatusRunning     = "running"
	JobStatusDelayed     = "delayed"
	JobStatusFinished    = "finished"
	JobStatusFailed      = "failed"
	JobStatusCancelled   = "cancelled"
	JobStatusInterrupted = "interrupted"
)

// Per-month harvest ledger statuses.
const (
	HarvestStatusFinished    = "finished"
	HarvestStatusFailed      = "failed"
	HarvestStatusMissing     = "missing"
	HarvestStatusInterrupted = "interrupted"
)

// Credential connection probes.
const (
	ConnectionSuccess      = "success"
	ConnectionUnauthorized = "unauthorized"
	ConnectionFailed       = "failed"
	ConnectionUntested     = "untested"
)

// Stable error codes surfaced on jobs and harvest rows.
const (
	ErrCodeSessionNotFound      = "session_not_found"
	ErrCodeCredentialNotFound   = "credentials_not_found"
	ErrCodeNoHarvestTarget      = "no_harvest_target"
	ErrCodeMaxDeferralsExceeded = "max_deferrals_exceeded"
	ErrCodeUnavailablePeriod    = "unavailable_period"
	ErrCodeUnreadableReport     = "unreadable_report"
	ErrCodeInvalidReport        = "invalid_report"
	ErrCodeSushiUnauthorized    = "sushi_unauthorized"
	ErrCodeSushiError           = "sushi_error"
	ErrCodeIndexingFailed       = "indexing_failed"
	ErrCodeTimeout              = "timeout"
	ErrCodeWorkerLost           = "worker_lost"
	ErrCodeCancelled            = "cancelled"
)

// IsJobTerminal reports whether the job can never run again.
func IsJobTerminal(status string) bool {
	switch status {
	case JobStatusFinished, JobStatusFailed, JobStatusCancelled, JobStatusInterrupted:
		return true
	}
	return false
}

// SushiException is a structured exception lifted from a SUSHI response
// body, successful or not.
type SushiException struct {
	Code     int         `json:"code"`
	Severity string      `json:"severity"`
	Message  string      `json:"message"`
	Data     interface{} `json:"data,omitempty"`
}

// JobResult summarizes one finished insert step.
type JobResult struct {
	Inserted       int64    `json:"inserted"`
	Updated        int64    `json:"updated"`
	Failed         int64    `json:"failed"`
	Errors         []string `json:"errors,omitempty"`
	CoveredPeriods []string `json:"coveredPeriods,omitempty"`
}

// ReportAvailability describes one report type's availability window on an
// endpoint, for one protocol version.
type ReportAvailability struct {
	Supported           *bool  `json:"supported,omitempty"`
	FirstMonthAvailable string `json:"firstMonthAvailable,omitempty"`
	LastMonthAvailable  string `json:"lastMonthAvailable,omitempty"`
}

// StartOptions controls a scheduler run.
type StartOptions struct {
	RestartAll            bool `json:"restartAll"`
	ForceRefreshSupported bool `json:"forceRefreshSupported"`
	DryRun                bool `json:"dryRun"`
}

// Event is the envelope published on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // job-updated, session-started, session-stopped, session-ended
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Event types on the job/notification topics.
const (
	EventJobUpdated     = "job-updated"
	EventSessionStarted = "session-started"
	EventSessionStopped = "session-stopped"
	EventSessionEnded   = "session-ended"
)
