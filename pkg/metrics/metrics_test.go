package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFinished(t *testing.T) {
	before := testutil.ToFloat64(RunsTotal.WithLabelValues("agent-metrics-test", "completed"))
	RunFinished("agent-metrics-test", "completed", 2*time.Second)
	after := testutil.ToFloat64(RunsTotal.WithLabelValues("agent-metrics-test", "completed"))
	assert.Equal(t, before+1, after)
}

func TestHandlerServesRegistry(t *testing.T) {
	InterruptTransition("approval_required", "pending")
	StepFinished("llm_call", "completed")
	RegisterQueueDepth(func() float64 { return 3 })
	RegisterQueueDepth(func() float64 { return 99 }) // duplicate is ignored
	RegisterDroppedEvents(func() float64 { return 0 })

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "caphub_interrupts_total"))
	assert.True(t, strings.Contains(body, "caphub_steps_total"))
	assert.True(t, strings.Contains(body, `caphub_queue_depth 3`))
}
