package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(Deliveries.WithLabelValues("stale"))
	Deliveries.WithLabelValues("stale").Inc()
	require.Equal(t, before+1, testutil.ToFloat64(Deliveries.WithLabelValues("stale")))

	EventsTotal.WithLabelValues("send_message", "ok").Inc()
	require.GreaterOrEqual(t, testutil.CollectAndCount(EventsTotal), 1)
}

func TestHandler(t *testing.T) {
	ActiveConnections.Set(3)
	TypingExpirations.Inc()
	StoreLatency.WithLabelValues("insert_message").Observe(0.002)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "messenger_connections_active 3")
	require.Contains(t, string(body), "messenger_typing_expirations_total")
	require.Contains(t, string(body), `messenger_store_latency_seconds_count{op="insert_message"}`)
}
