package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.PacketsReceived.Inc()
	m.PacketsInvalid.WithLabelValues("stale").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "edgechain_ingress_packets_received_total 1")
	require.Contains(t, rec.Body.String(), `edgechain_verifier_packets_invalid_total{reason="stale"} 1`)
}

func TestRefreshMirrorsRunningTotalsIntoGauges(t *testing.T) {
	m := New()
	m.Refresh(42, 3, -71.5, 7, 2)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	require.Contains(t, body, "edgechain_ingress_packets_received_total 42")
	require.Contains(t, body, "edgechain_ingress_packets_dropped_total 3")
	require.Contains(t, body, "edgechain_ingress_avg_rssi_dbm -71.5")
	require.Contains(t, body, "edgechain_registry_leaves 7")
	require.Contains(t, body, "edgechain_nullifier_records 2")
}
