package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/counterhive/harvester/pkg/common/logger"
	"github.com/counterhive/harvester/pkg/common/models"
)

// Handler exposes the engine's control surface: session start/stop,
// job inspection and cancellation, and the harvest ledger.
type Handler struct {
	scheduler *Scheduler
	repo      *Repository
	queue     *Queue
}

func NewHandler(scheduler *Scheduler, repo *Repository, queue *Queue) *Handler {
	return &Handler{scheduler: scheduler, repo: repo, queue: queue}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/sessions/{id}/_start", h.handleStartSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/_stop", h.handleStopSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/status", h.handleSessionStatus).Methods(http.MethodGet)
	r.HandleFunc("/jobs", h.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/_cancel", h.handleCancelJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", h.handleDeleteJob).Methods(http.MethodDelete)
	r.HandleFunc("/harvests", h.handleListHarvests).Methods(http.MethodGet)
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var opts models.StartOptions
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}

	if opts.DryRun {
		var jobs []*JobModel
		err := h.scheduler.Start(r.Context(), sessionID, opts, func(job *JobModel) {
			jobs = append(jobs, job)
		})
		if err != nil {
			h.respondSchedulerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"dryRun": true, "jobs": jobs})
		return
	}

	// Seeding a big session takes a while; the request only kicks it off.
	if _, err := h.repo.GetSession(r.Context(), sessionID); err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	go func() {
		if err := h.scheduler.Start(context.Background(), sessionID, opts, nil); err != nil {
			logger.Log.WithError(err).WithField("session_id", sessionID).Error("session start failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"sessionId": sessionID, "status": models.SessionStatusStarting})
}

func (h *Handler) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	if _, err := h.repo.GetSession(r.Context(), sessionID); err != nil {
		h.respondSchedulerError(w, err)
		return
	}
	go func() {
		if err := h.scheduler.Stop(context.Background(), sessionID); err != nil {
			logger.Log.WithError(err).WithField("session_id", sessionID).Error("session stop failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"sessionId": sessionID, "status": models.SessionStatusStopping})
}

func (h *Handler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		h.respondSchedulerError(w, err)
		return
	}

	counts, runningTime, err := h.repo.JobStatusCounts(r.Context(), sessionID)
	if err != nil {
		logger.Log.WithError(err).Error("failed to count session jobs")
		http.Error(w, "failed to load session status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId":     sessionID,
		"status":        session.Status,
		"jobs":          counts,
		"runningTimeMs": runningTime.Milliseconds(),
	})
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := JobFilter{
		SessionID:     q.Get("session_id"),
		CredentialsID: q.Get("credentials_id"),
		EndpointID:    q.Get("endpoint_id"),
		InstitutionID: q.Get("institution_id"),
		Status:        q.Get("status"),
		Limit:         parseLimit(r, 100),
	}

	jobs, err := h.repo.ListJobs(r.Context(), filter)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list jobs")
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": jobs})
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.repo.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to load job")
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := h.repo.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to load job")
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	if models.IsJobTerminal(job.Status) {
		http.Error(w, "job already settled", http.StatusConflict)
		return
	}

	if err := h.queue.Cancel(r.Context(), jobID); err != nil {
		logger.Log.WithError(err).Error("failed to cancel job")
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := h.repo.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to load job")
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	if !models.IsJobTerminal(job.Status) {
		http.Error(w, "job is still active", http.StatusConflict)
		return
	}

	if err := h.repo.DeleteJob(r.Context(), jobID); err != nil {
		logger.Log.WithError(err).Error("failed to delete job")
		http.Error(w, "failed to delete job", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListHarvests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := HarvestFilter{
		CredentialsID: q.Get("credentials_id"),
		ReportID:      q.Get("report_id"),
		Status:        q.Get("status"),
		FromMonth:     q.Get("from"),
		ToMonth:       q.Get("to"),
		Limit:         parseLimit(r, 1000),
	}

	rows, err := h.repo.ListHarvests(r.Context(), filter)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list harvests")
		http.Error(w, "failed to list harvests", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": rows})
}

func (h *Handler) respondSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, ErrNoHarvestTarget):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Log.WithError(err).Error("scheduler request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Error("failed to encode response")
	}
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
