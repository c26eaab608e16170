package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/ruleforge/internal/api/response"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

// SessionWriter is the session surface the ingest handlers use.
type SessionWriter interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	SetSessionOutcome(ctx context.Context, id uuid.UUID, outcome string) error
}

type sessionRequest struct {
	ID       *uuid.UUID                       `json:"id"`
	Messages []models.Message                 `json:"messages"`
	Fields   map[string]models.CollectedField `json:"fields"`
	Outcome  string                           `json:"outcome"`
}

// NewIngestSessionHandler returns an http.HandlerFunc for POST /api/v1/admin/sessions.
// The session joins the unanalyzed pool immediately.
func NewIngestSessionHandler(s SessionWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		if len(req.Messages) == 0 {
			response.BadRequest(w, "messages is required")
			return
		}
		if req.Outcome == "" {
			req.Outcome = models.OutcomeUnknown
		}
		if !models.ValidOutcome(req.Outcome) {
			response.BadRequest(w, "outcome must be one of success, fail, unknown")
			return
		}

		now := time.Now().UTC()
		ses := &models.Session{
			ID:        uuid.New(),
			Messages:  req.Messages,
			Fields:    req.Fields,
			Outcome:   req.Outcome,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if req.ID != nil {
			ses.ID = *req.ID
		}
		if err := s.CreateSession(r.Context(), ses); err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, ses)
	}
}

// NewSetOutcomeHandler returns an http.HandlerFunc for
// PUT /api/v1/admin/sessions/{sessionID}/outcome with {"outcome": "success"|"fail"|"unknown"}.
func NewSetOutcomeHandler(s SessionWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
		if err != nil {
			response.BadRequest(w, "sessionID must be a UUID")
			return
		}
		var req struct {
			Outcome string `json:"outcome"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		if !models.ValidOutcome(req.Outcome) {
			response.BadRequest(w, "outcome must be one of success, fail, unknown")
			return
		}
		if err := s.SetSessionOutcome(r.Context(), id, req.Outcome); err != nil {
			writeError(w, err)
			return
		}
		ses, err := s.GetSession(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, ses)
	}
}
