package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/control"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/schedule"
	"github.com/ignite/outreach-engine/internal/worker"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	scheduler       *schedule.Scheduler
	controller      *control.Controller
	sendWorker      *worker.SendWorker
	defaultBatchLim int
	startTime       time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(scheduler *schedule.Scheduler, controller *control.Controller, sendWorker *worker.SendWorker, batchLimit int) *Handlers {
	if batchLimit <= 0 {
		batchLimit = 50
	}
	return &Handlers{
		scheduler:       scheduler,
		controller:      controller,
		sendWorker:      sendWorker,
		defaultBatchLim: batchLimit,
		startTime:       time.Now(),
	}
}

// HealthCheck returns basic liveness info
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// ScheduleCampaign expands a campaign's enrollments into scheduled emails.
// Validation problems are reported in the result's errors list with a 422,
// not as a transport failure.
func (h *Handlers) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	result, err := h.scheduler.ScheduleEmailsForCampaign(r.Context(), campaignID)
	if err != nil {
		if result != nil && len(result.Errors) > 0 {
			respondJSON(w, http.StatusUnprocessableEntity, result)
			return
		}
		respondSafeError(w, http.StatusInternalServerError, err, "scheduling failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type statusRequest struct {
	Action      string `json:"action"`
	WorkspaceID string `json:"workspace_id"`
}

// UpdateCampaignStatus applies pause, resume, or stop to a campaign
func (h *Handlers) UpdateCampaignStatus(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	change, err := h.controller.UpdateCampaignStatus(r.Context(), campaignID, req.WorkspaceID, control.Action(req.Action))
	if err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, change)
}

// UpdateProspectStatus applies pause, resume, or stop to one enrollment
func (h *Handlers) UpdateProspectStatus(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	prospectID := chi.URLParam(r, "prospectID")

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	change, err := h.controller.UpdateProspectStatus(r.Context(), campaignID, prospectID, req.WorkspaceID, control.Action(req.Action))
	if err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, change)
}

type resumeAutoPausedRequest struct {
	WorkspaceID     string `json:"workspace_id"`
	AcknowledgeRisk bool   `json:"acknowledge_risk"`
}

// ResumeAutoPausedCampaign resumes a campaign paused by anomaly detection.
// The caller must explicitly acknowledge the deliverability risk.
func (h *Handlers) ResumeAutoPausedCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	var req resumeAutoPausedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	campaign, err := h.controller.ResumeAutoPausedCampaign(r.Context(), campaignID, req.WorkspaceID, req.AcknowledgeRisk)
	if err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, campaign)
}

type processRequest struct {
	Limit int `json:"limit"`
}

// ProcessPendingEmails runs one send batch synchronously. The worker daemon
// calls the same code path on a timer; this endpoint exists for manual
// draining and tests.
func (h *Handlers) ProcessPendingEmails(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = h.defaultBatchLim
	}

	result, err := h.sendWorker.ProcessPendingEmails(r.Context(), limit)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "batch processing failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// respondControlError maps control-layer sentinel errors onto HTTP codes.
// Their messages are user-facing and safe to return verbatim.
func respondControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, control.ErrCampaignNotFound),
		errors.Is(err, control.ErrEnrollmentNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, control.ErrUnknownAction):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, control.ErrAlreadyPaused),
		errors.Is(err, control.ErrNotRunning),
		errors.Is(err, control.ErrNotPaused),
		errors.Is(err, control.ErrAlreadyStopped),
		errors.Is(err, control.ErrRiskNotAcknowledged),
		errors.Is(err, control.ErrProspectAlreadyPaused),
		errors.Is(err, control.ErrProspectNotEnrolled),
		errors.Is(err, control.ErrProspectNotPaused),
		errors.Is(err, control.ErrProspectTerminal):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondSafeError(w, http.StatusInternalServerError, err, "control action failed")
	}
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondSafeError logs the full internal error and sends a generic message,
// so database details and file paths never leak to API consumers.
func respondSafeError(w http.ResponseWriter, status int, internalErr error, publicMsg string) {
	if internalErr != nil {
		logger.Error(publicMsg, "status", status, "error", internalErr.Error())
	}
	respondError(w, status, publicMsg)
}
