package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

func TestObserveOperation(t *testing.T) {
	m := New()
	m.ObserveOperation("buy item", false, "ok", 3*time.Millisecond)
	m.ObserveOperation("buy item", true, "NotListed", time.Millisecond)
	m.ObserveOperation("buy item", false, "ok", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("buy_item", "false", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("buy_item", "true", "NotListed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.opLatency))
}

func TestObserveEventsAndArchive(t *testing.T) {
	m := New()
	m.ObserveEvents([]domain.Event{
		{Kind: domain.EventItemListed},
		{Kind: domain.EventItemBought},
		{Kind: domain.EventItemListed},
	})
	m.ObserveArchived(5)
	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues(string(domain.EventItemListed))))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.archived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsClients))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveRequest("GET", "GET /api/health", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `marketd_http_requests_total{method="GET",route="GET /api/health",status="200"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
