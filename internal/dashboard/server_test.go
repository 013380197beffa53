package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"miaflow/config"
	"miaflow/internal/metrics"
	"miaflow/logger"
	"miaflow/models"
)

func TestNormalizeAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "0.0.0.0:8080"},
		{"  ", "0.0.0.0:8080"},
		{":9000", "0.0.0.0:9000"},
		{"localhost", "localhost:8080"},
		{"localhost:9000", "localhost:9000"},
		{"127.0.0.1", "127.0.0.1:8080"},
		{"*:9000", "0.0.0.0:9000"},
		{"http://0.0.0.0:7000", "0.0.0.0:7000"},
		{"0.0.0.0:8080", "0.0.0.0:8080"},
	}

	for _, tc := range cases {
		if got := normalizeAddress(tc.in); got != tc.want {
			t.Errorf("normalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{Enabled: false}, &stubSource{}, logger.Logger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv != nil {
		t.Fatalf("disabled dashboard must return nil server")
	}

	// nil server is safe to run
	if err := srv.Run(context.Background(), "miaflow"); err != nil {
		t.Fatalf("nil server Run should be a no-op: %v", err)
	}
	if srv.Address() != "" {
		t.Fatalf("nil server should report empty address")
	}
}

type stubSource struct {
	info      models.ConnectionInfo
	snapshots map[string]*models.CombinedSnapshot
}

func (s *stubSource) GetConnectionStatus() models.ConnectionInfo { return s.info }

func (s *stubSource) GetLatestMarketData(symbol string) *models.CombinedSnapshot {
	return s.snapshots[symbol]
}

func (s *stubSource) ActiveSymbols() []string { return s.info.ActiveSymbols }

func newTestServer(t *testing.T) (*Server, *stubSource, *httptest.Server) {
	t.Helper()

	source := &stubSource{
		info: models.ConnectionInfo{
			Status:        "CONNECTED",
			ActiveSymbols: []string{"ESU5"},
		},
		snapshots: map[string]*models.CombinedSnapshot{
			"ESU5": {
				Symbol:    "ESU5",
				Timestamp: time.Now(),
				MarketData: models.MarketDataPoint{
					Symbol: "ESU5",
					Price:  5300.25,
					Bid:    5300,
					Ask:    5300.5,
				},
			},
		},
	}

	srv, err := NewServer(config.DashboardConfig{
		Enabled:        true,
		Address:        ":0",
		LogBuffer:      50,
		StreamInterval: 10 * time.Millisecond,
	}, source, logger.Logger())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(srv.cleanup)

	router, err := srv.buildRouter(context.Background(), "miaflow-test")
	if err != nil {
		t.Fatalf("buildRouter failed: %v", err)
	}

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return srv, source, ts
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	var info models.ConnectionInfo
	if code := getJSON(t, ts.URL+"/api/status", &info); code != http.StatusOK {
		t.Fatalf("status endpoint returned %d", code)
	}
	if info.Status != "CONNECTED" {
		t.Fatalf("unexpected status payload: %+v", info)
	}
}

func TestSymbolsEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	var payload struct {
		Symbols []string `json:"symbols"`
	}
	if code := getJSON(t, ts.URL+"/api/symbols", &payload); code != http.StatusOK {
		t.Fatalf("symbols endpoint returned %d", code)
	}
	if len(payload.Symbols) != 1 || payload.Symbols[0] != "ESU5" {
		t.Fatalf("unexpected symbols: %v", payload.Symbols)
	}
}

func TestLatestEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	var snap models.CombinedSnapshot
	if code := getJSON(t, ts.URL+"/api/latest/ESU5", &snap); code != http.StatusOK {
		t.Fatalf("latest endpoint returned %d", code)
	}
	if snap.MarketData.Price != 5300.25 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if code := getJSON(t, ts.URL+"/api/latest/NQU5", nil); code != http.StatusNotFound {
		t.Fatalf("missing symbol should return 404, got %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, ts := newTestServer(t)

	srv.metricStore.handle(metrics.Metric{
		Timestamp: time.Now(),
		Component: "collector",
		Name:      "tick_count",
		Value:     int64(42),
		Type:      "counter",
	})

	var payload struct {
		Metrics []struct {
			Component string `json:"component"`
			Name      string `json:"name"`
		} `json:"metrics"`
	}
	if code := getJSON(t, ts.URL+"/api/metrics", &payload); code != http.StatusOK {
		t.Fatalf("metrics endpoint returned %d", code)
	}
	if len(payload.Metrics) == 0 {
		t.Fatalf("expected recorded metric in payload")
	}
	last := payload.Metrics[len(payload.Metrics)-1]
	if last.Component != "collector" || last.Name != "tick_count" {
		t.Fatalf("unexpected metric: %+v", last)
	}
}

func TestLogsEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	var payload struct {
		Logs []logRecord `json:"logs"`
	}
	if code := getJSON(t, ts.URL+"/api/logs", &payload); code != http.StatusOK {
		t.Fatalf("logs endpoint returned %d", code)
	}
}

func TestIndexPageRenders(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("index returned %d", resp.StatusCode)
	}
}

func TestStreamPushesFrames(t *testing.T) {
	_, _, ts := newTestServer(t)

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/api/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var frame streamFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading stream frame: %v", err)
	}
	if frame.Status.Status != "CONNECTED" {
		t.Fatalf("unexpected frame status: %+v", frame.Status)
	}
	snap, ok := frame.Snapshots["ESU5"]
	if !ok || snap == nil {
		t.Fatalf("frame missing snapshot: %+v", frame.Snapshots)
	}
	if snap.MarketData.Price != 5300.25 {
		t.Fatalf("unexpected streamed snapshot: %+v", snap)
	}
}
