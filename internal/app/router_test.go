package app

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/floorops/internal/notify"
	"github.com/odyssey-erp/floorops/internal/reconcile"
)

func newTestServer(t *testing.T) (*httptest.Server, *Components) {
	t.Helper()
	cfg, err := LoadConfig()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	components, err := NewComponents(context.Background(), cfg, logger, nil)
	require.NoError(t, err)
	t.Cleanup(components.Close)
	require.NoError(t, SeedDemo(context.Background(), components))

	srv := httptest.NewServer(NewRouter(RouterParams{Logger: logger, Config: cfg, Components: components}))
	t.Cleanup(srv.Close)
	return srv, components
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	body, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "floorops_http_requests_total")
}

func TestRouterMountsFloorAPI(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/dashboard/summary?warehouse_id=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary struct {
		OpenLines map[string]int `json:"open_lines"`
		Stock     map[string]struct {
			Quantity float64 `json:"quantity"`
		} `json:"stock"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	require.Equal(t, 2, summary.OpenLines["pending"])
	require.InDelta(t, 445.25, summary.Stock["available"].Quantity, 1e-9)

	for _, path := range []string{
		"/api/lines",
		"/api/stock/positions?warehouse_id=1",
		"/api/costing/products/1/cost",
		"/api/audit/tasks",
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	// No queue client without Redis.
	resp, err = http.Post(srv.URL+"/api/jobs/ledger-verify", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouterStreamsEvents(t *testing.T) {
	srv, components := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return components.Hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	lines, err := components.Lines.List(ctx, reconcile.LineFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	_, err = components.Lines.Open(ctx, lines[0].ID, "station-1", false)
	require.NoError(t, err)

	found := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if scanner.Text() == "event: "+notify.TypeLineClaimed {
				close(found)
				return
			}
		}
	}()
	select {
	case <-found:
	case <-time.After(2 * time.Second):
		t.Fatal("claim event not streamed")
	}
}
