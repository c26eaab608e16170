package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/ruleforge/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountItems(t *testing.T) {
	before := testutil.ToFloat64(metrics.StageItems.WithLabelValues("test-stage", "succeeded"))
	metrics.CountItems("test-stage", "succeeded", 3)
	metrics.CountItems("test-stage", "succeeded", 0)
	after := testutil.ToFloat64(metrics.StageItems.WithLabelValues("test-stage", "succeeded"))
	assert.Equal(t, 3.0, after-before)
}

func TestObserveAICall_CountsErrors(t *testing.T) {
	before := testutil.ToFloat64(metrics.AICallErrors.WithLabelValues("mock", "score"))
	metrics.ObserveAICall("mock", "score", time.Now(), nil)
	metrics.ObserveAICall("mock", "score", time.Now(), errors.New("boom"))
	after := testutil.ToFloat64(metrics.AICallErrors.WithLabelValues("mock", "score"))
	assert.Equal(t, 1.0, after-before)
}

func TestHandler_ServesRegisteredCollectors(t *testing.T) {
	metrics.Init()
	metrics.Init()
	metrics.ObserveStage("analyze", time.Now())

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ruleforge_stage_duration_seconds")
}
