package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/massmsg/campaigner/internal/core"
	"github.com/massmsg/campaigner/internal/metrics"
)

type Server struct {
	Store *core.Store
	Log   zerolog.Logger
}

func NewServer(store *core.Store, log zerolog.Logger) *Server {
	return &Server{Store: store, Log: log.With().Str("component", "http").Logger()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Post("/clients", s.createClient)
	r.Get("/clients", s.listClients)
	r.Get("/clients/{id}", s.getClient)
	r.Put("/clients/{id}", s.updateClient)
	r.Delete("/clients/{id}", s.deleteClient)

	r.Post("/campaigns", s.createCampaign)
	r.Get("/campaigns", s.listCampaigns)
	r.Get("/campaigns/stats", s.allStats)
	r.Get("/campaigns/{id}", s.getCampaign)
	r.Patch("/campaigns/{id}", s.updateCampaign)
	r.Delete("/campaigns/{id}", s.deleteCampaign)
	r.Post("/campaigns/{id}/start", s.startCampaign)
	r.Get("/campaigns/{id}/stats", s.campaignStats)

	r.Get("/messages", s.listMessages)
	r.Get("/messages/{id}", s.getMessage)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, core.ErrRunConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "run_conflict"})
	case errors.Is(err, core.ErrEmptyAudience):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty_audience"})
	case errors.Is(err, core.ErrInvalidFilter):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func urlID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// ---- clients ----

func validPhone(p string) bool {
	digits := 0
	for _, c := range p {
		if c >= '0' && c <= '9' {
			digits++
		}
	}
	return digits >= 10
}

func (s *Server) createClient(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PhoneNumber  string `json:"phone_number"`
		OperatorCode string `json:"operator_code"`
		Tag          string `json:"tag"`
		Timezone     string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || !validPhone(in.PhoneNumber) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "phone_number must contain at least 10 digits"})
		return
	}
	c, err := s.Store.CreateClient(r.Context(), core.Client{
		PhoneNumber:  in.PhoneNumber,
		OperatorCode: in.OperatorCode,
		Tag:          in.Tag,
		Timezone:     in.Timezone,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	items, err := s.Store.ListClients(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) getClient(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_id"})
		return
	}
	c, err := s.Store.GetClient(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) updateClient(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_id"})
		return
	}
	var in struct {
		PhoneNumber  string `json:"phone_number"`
		OperatorCode string `json:"operator_code"`
		Tag          string `json:"tag"`
		Timezone     string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || !validPhone(in.PhoneNumber) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	err = s.Store.UpdateClient(r.Context(), core.Client{
		ID:           id,
		PhoneNumber:  in.PhoneNumber,
		OperatorCode: in.OperatorCode,
		Tag:          in.Tag,
		Timezone:     in.Timezone,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) deleteClient(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_id"})
		return
	}
	if err := s.Store.DeleteClient(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, map[string]string{"message": "client deleted"})
}

// ---- campaigns ----

type campaignInput struct {
	StartsAt    time.Time       `json:"starts_at"`
	EndsAt      time.Time       `json:"ends_at"`
	MessageText string          `json:"message_text"`
	WindowStart string          `json:"window_start"`
	WindowEnd   string          `json:"window_end"`
	Tag         string          `json:"tag"`
	Audience    json.RawMessage `json:"audience"`
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaignInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	// Daily window defaults to the whole day.
	windowStart := core.NewTimeOfDay(0, 0)
	windowEnd := core.NewTimeOfDay(23, 59)
	var err error
	if in.WindowStart != "" {
		if windowStart, err = core.ParseTimeOfDay(in.WindowStart); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if in.WindowEnd != "" {
		if windowEnd, err = core.ParseTimeOfDay(in.WindowEnd); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	audience, err := core.NormalizeAudience(in.Audience)
	if err != nil {
		writeError(w, err)
		return
	}

	c, err := s.Store.CreateCampaign(r.Context(), core.Campaign{
		StartsAt:    in.StartsAt,
		EndsAt:      in.EndsAt,
		MessageText: in.MessageText,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Tag:         in.Tag,
		Audience:    audience,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	items, err := s.Store.ListCampaigns(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_id"})
		return
	}
	c, err := s.Store.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// updateCampaign changes message text and window fields. It never touches
// runs or messages, so patching an active campaign does not restart it.
func (s *Server) updateCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_id"})
		return
	}
	current, err := s.Store.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var in struct {
		MessageText *string `json:"message_text"`
		WindowStart *string `json:"window_start"`
		WindowEnd   *string `json:"window_end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	text := current.MessageText
	if in.MessageText != nil {
		text = *in.MessageText
	}
	windowStart, windowEnd := current.WindowStart, current.WindowEnd
	if in.WindowStart != nil {
		if windowStart, err = core.ParseTimeOfDay(*in.WindowStart); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if in.WindowEnd != nil {
		if windowEnd, err = core.ParseTimeOfDay(*in.WindowEnd); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	if err := s.Store.UpdateCampaignContent(r.Context(), id, text, windowStart, windowEnd); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.Store.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_id"})
		return
	}
	if err := s.Store.DeleteCampaign(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, map[string]string{"message": "campaign deleted"})
}

func (s *Server) startCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_id"})
		return
	}

	force := r.URL.Query().Get("force_resend") == "true"
	if r.Body != nil {
		var in struct {
			ForceResend bool `json:"force_resend"`
		}
		if json.NewDecoder(r.Body).Decode(&in) == nil && in.ForceResend {
			force = true
		}
	}

	run, err := s.Store.StartRun(r.Context(), id, force)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrRunConflict):
			metrics.RunStarts.WithLabelValues("conflict").Inc()
		case errors.Is(err, core.ErrEmptyAudience):
			metrics.RunStarts.WithLabelValues("empty_audience").Inc()
		default:
			metrics.RunStarts.WithLabelValues("error").Inc()
		}
		writeError(w, err)
		return
	}
	metrics.RunStarts.WithLabelValues("ok").Inc()

	if run.Status == core.RunRunning {
		// Populate out of band; the activation sweep is the at-least-once
		// backstop if this goroutine dies.
		go func(runID uuid.UUID) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := s.Store.PopulateRun(ctx, runID); err != nil {
				s.Log.Error().Err(err).Str("run_id", runID.String()).Msg("populate run failed")
			}
		}(run.ID)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled", "run_id": run.ID.String()})
}

// ---- stats ----

func (s *Server) campaignStats(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_id"})
		return
	}
	st, err := s.Store.CampaignStats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) allStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.AllCampaignStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---- messages ----

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	var runID *uuid.UUID
	if v := r.URL.Query().Get("run_id"); v != "" {
		parsed, err := uuid.Parse(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_run_id"})
			return
		}
		runID = &parsed
	}
	items, err := s.Store.ListMessages(r.Context(), runID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_id"})
		return
	}
	m, err := s.Store.GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
