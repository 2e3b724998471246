package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dripflow/internal/db"
	"dripflow/internal/dispatcher"
	"dripflow/internal/models"
)

// Runner is the dispatch pipeline surface the API needs.
type Runner interface {
	RunOnce(ctx context.Context, now time.Time) (*dispatcher.RunSummary, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
}

// Directory is the CRUD surface over the job store backing the admin and
// dashboard endpoints.
type Directory interface {
	ListJobs(ctx context.Context, limit int) ([]models.ScheduledEmailJob, error)
	PurgeCancelled(ctx context.Context) (int64, error)
	CreateCampaign(ctx context.Context, name, fromEmail string, steps []models.CampaignEmail) (*models.Campaign, error)
	SetCampaignActive(ctx context.Context, id uuid.UUID, active bool) error
	ListCampaigns(ctx context.Context) ([]models.Campaign, error)
	EnrollTrial(ctx context.Context, email, name string, now time.Time) (*models.UserTrial, int, error)
}

type Handler struct {
	Runner Runner
	Store  Directory
	Log    *zap.Logger
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors)

	r.Post("/process", h.ProcessScheduledEmails)

	r.Get("/emails", h.ListEmails)
	r.Post("/emails/{id}/cancel", h.CancelEmail)
	r.Delete("/emails/cancelled", h.PurgeCancelled)

	r.Get("/campaigns", h.ListCampaigns)
	r.Post("/campaigns", h.CreateCampaign)
	r.Post("/campaigns/{id}/activate", h.ActivateCampaign)
	r.Post("/campaigns/{id}/deactivate", h.DeactivateCampaign)

	r.Post("/trials", h.EnrollTrial)

	return r
}

// ProcessScheduledEmails runs one pass of the dispatch pipeline. Any
// periodic trigger can hit this; runs are idempotent and safe to overlap.
func (h *Handler) ProcessScheduledEmails(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Runner.RunOnce(r.Context(), time.Now().UTC())
	if err != nil {
		h.Log.Error("processing scheduled emails failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) ListEmails(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Store.ListJobs(r.Context(), 200)
	if err != nil {
		h.Log.Error("listing scheduled emails failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emails": jobs})
}

func (h *Handler) CancelEmail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}

	cancelled, err := h.Runner.Cancel(r.Context(), id)
	if err != nil {
		h.Log.Error("cancelling job failed", zap.String("job_id", id.String()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	// A job already in a terminal state is a no-op, reported as such.
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": cancelled})
}

func (h *Handler) PurgeCancelled(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.Store.PurgeCancelled(r.Context())
	if err != nil {
		h.Log.Error("purging cancelled jobs failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

type createCampaignRequest struct {
	Name      string `json:"name"`
	FromEmail string `json:"from_email"`
	Emails    []struct {
		SequenceNumber int    `json:"sequence_number"`
		Subject        string `json:"subject"`
		HTMLContent    string `json:"html_content"`
		DelayHours     int    `json:"delay_hours"`
	} `json:"emails"`
}

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Name == "" || req.FromEmail == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and from_email are required"})
		return
	}

	steps := make([]models.CampaignEmail, 0, len(req.Emails))
	for _, e := range req.Emails {
		steps = append(steps, models.CampaignEmail{
			SequenceNumber: e.SequenceNumber,
			Subject:        e.Subject,
			HTMLContent:    e.HTMLContent,
			DelayHours:     e.DelayHours,
		})
	}

	campaign, err := h.Store.CreateCampaign(r.Context(), req.Name, req.FromEmail, steps)
	if err != nil {
		h.Log.Error("creating campaign failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.Store.ListCampaigns(r.Context())
	if err != nil {
		h.Log.Error("listing campaigns failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns})
}

func (h *Handler) ActivateCampaign(w http.ResponseWriter, r *http.Request) {
	h.setCampaignActive(w, r, true)
}

func (h *Handler) DeactivateCampaign(w http.ResponseWriter, r *http.Request) {
	h.setCampaignActive(w, r, false)
}

func (h *Handler) setCampaignActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid campaign id"})
		return
	}

	if err := h.Store.SetCampaignActive(r.Context(), id, active); err != nil {
		h.Log.Error("toggling campaign failed", zap.String("campaign_id", id.String()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": active})
}

type enrollTrialRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (h *Handler) EnrollTrial(w http.ResponseWriter, r *http.Request) {
	var req enrollTrialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email is required"})
		return
	}

	trial, scheduled, err := h.Store.EnrollTrial(r.Context(), req.Email, req.Name, time.Now().UTC())
	if errors.Is(err, db.ErrNoActiveCampaign) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		h.Log.Error("enrolling trial failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"trial": trial, "scheduled": scheduled})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
