package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, DefaultConfig())

	c.SessionTransition("Ready", "Calling")
	c.SessionTransition("Ready", "Calling")
	c.TokenFetch("/api/token", false)
	c.TokenFetch("/api/simple-token", true)
	c.CallFinished("outbound", "completed", 42*time.Second, true)
	c.CallFinished("outbound", "error", 0, false)
	c.StatusCallback("")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionTransitions.WithLabelValues("Ready", "Calling")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tokenFetches.WithLabelValues("/api/token", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tokenFetches.WithLabelValues("/api/simple-token", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.calls.WithLabelValues("outbound", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.statusCallbacks.WithLabelValues("unknown")))

	count, err := testutil.GatherAndCount(reg, "webdialer_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SessionTransition("a", "b")
		c.CallFinished("inbound", "completed", time.Second, true)
		c.TokenFetch("x", true)
		c.TokenIssued("capability")
		c.WebhookRequest("/api/voice", 200)
		c.StatusCallback("completed")
		c.SIPRegistration(false)
		c.RTPPacketSent()
	})
}
