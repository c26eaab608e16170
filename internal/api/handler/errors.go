package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/ruleforge/internal/ai"
	"github.com/kiranshivaraju/ruleforge/internal/api/response"
	"github.com/kiranshivaraju/ruleforge/internal/engine"
	"github.com/kiranshivaraju/ruleforge/internal/review"
	"github.com/kiranshivaraju/ruleforge/internal/rules"
	"github.com/kiranshivaraju/ruleforge/internal/store"
)

// writeError maps domain errors onto the response envelope.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Resource not found", nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "DUPLICATE", "Resource already exists", nil)
	case errors.Is(err, rules.ErrInvalidRule), errors.Is(err, review.ErrInvalidVerdict):
		response.BadRequest(w, err.Error())
	case errors.Is(err, rules.ErrForbiddenWriter):
		response.Error(w, http.StatusForbidden, "FORBIDDEN_WRITER", err.Error(), nil)
	case errors.Is(err, rules.ErrInvalidTransition), errors.Is(err, store.ErrStaleStatus),
		errors.Is(err, review.ErrNotPending):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, engine.ErrCycleRunning):
		response.Error(w, http.StatusConflict, "CYCLE_RUNNING", "An engine cycle is already running", nil)
	case errors.Is(err, ai.ErrProviderUnavailable):
		response.Error(w, http.StatusBadGateway, "AI_PROVIDER_UNAVAILABLE",
			"The AI provider is not available", nil)
	case errors.Is(err, ai.ErrInferenceTimeout):
		response.Error(w, http.StatusGatewayTimeout, "AI_INFERENCE_TIMEOUT",
			"The AI provider took too long and was cancelled", nil)
	default:
		slog.Error("request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternal,
			"An unexpected error occurred", nil)
	}
}
