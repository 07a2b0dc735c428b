package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SetQueueState("google", 3, true)
	m.ObserveAttempt("google", "success")
	m.AddCharged("PRESENTATION_CREATION", 40)
	m.IncReset("monthly_reset")
	assert.Nil(t, m.Registry())
}

func TestQueueAndCreditCounters(t *testing.T) {
	m := New()
	m.SetQueueState("ideogram", 2, true)
	m.ObserveAttempt("ideogram", "retry")
	m.ObserveAttempt("ideogram", "retry")
	m.AddCharged("TOPIC_REGENERATION", 2)
	m.AddCharged("TOPIC_REGENERATION", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("ideogram")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueProcessing.WithLabelValues("ideogram")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueAttempts.WithLabelValues("ideogram", "retry")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.creditsCharged.WithLabelValues("TOPIC_REGENERATION")))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.IncReset("monthly_reset")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "deckforge_credits_resets_total"))
}
