// Package dashboard hosts the embedded operations dashboard: session status,
// per-symbol snapshots, recent metrics and logs, host resources and a
// websocket stream for live views.
package dashboard

import (
	"context"
	"errors"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"miaflow/config"
	"miaflow/internal/metrics"
	"miaflow/logger"
	"miaflow/models"
)

// Source exposes the connector state the dashboard renders. The connector
// satisfies it; tests substitute a fixture.
type Source interface {
	GetConnectionStatus() models.ConnectionInfo
	GetLatestMarketData(symbol string) *models.CombinedSnapshot
	ActiveSymbols() []string
}

// streamFrame is one websocket push: the session status plus the latest
// combined snapshot per active symbol.
type streamFrame struct {
	Timestamp time.Time                           `json:"timestamp"`
	Status    models.ConnectionInfo               `json:"status"`
	Snapshots map[string]*models.CombinedSnapshot `json:"snapshots"`
}

// Server hosts the Gin-powered monitoring dashboard.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	source        Source
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
	sampler       *resourceSampler
	upgrader      websocket.Upgrader
}

// NewServer constructs a dashboard server when the dashboard is enabled.
// When disabled the returned server is nil and every method is a no-op.
func NewServer(cfg config.DashboardConfig, source Source, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = time.Second
	}
	if cfg.LogBuffer <= 0 {
		cfg.LogBuffer = 200
	}

	metricStore := newMetricStore(cfg.LogBuffer)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogBuffer)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		log:           log,
		source:        source,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: handlerID,
		sampler:       newResourceSampler(cfg.LogBuffer, cfg.StreamInterval, "/", log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(ctx, appName)
	if err != nil {
		return err
	}

	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.sampler != nil {
		s.sampler.stop()
	}
}

// Address reports the network address the dashboard listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(ctx context.Context, appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	tmpl := template.Must(template.New("index").Parse(indexPage))
	router.SetHTMLTemplate(tmpl)

	router.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index", gin.H{
			"AppName":           appName,
			"RefreshIntervalMs": int(s.cfg.StreamInterval / time.Millisecond),
		})
	})

	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.source.GetConnectionStatus())
	})

	router.GET("/api/symbols", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"symbols": s.source.ActiveSymbols()})
	})

	router.GET("/api/latest/:symbol", func(c *gin.Context) {
		symbol := c.Param("symbol")
		snap := s.source.GetLatestMarketData(symbol)
		if snap == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no market data", "symbol": symbol})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	router.GET("/api/stream", func(c *gin.Context) {
		s.serveStream(ctx, c)
	})

	return router, nil
}

// serveStream upgrades the request and pushes one frame per stream interval
// until the peer goes away or the server shuts down.
func (s *Server) serveStream(ctx context.Context, c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("dashboard").WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// reader goroutine services control frames and detects the peer close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()

	for {
		if err := s.pushFrame(conn); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pushFrame(conn *websocket.Conn) error {
	frame := streamFrame{
		Timestamp: time.Now(),
		Status:    s.source.GetConnectionStatus(),
		Snapshots: make(map[string]*models.CombinedSnapshot),
	}
	for _, symbol := range s.source.ActiveSymbols() {
		if snap := s.source.GetLatestMarketData(symbol); snap != nil {
			frame.Snapshots[symbol] = snap
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(frame)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}

const indexPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.AppName}} dashboard</title>
<style>
body { font-family: monospace; background: #111; color: #ddd; margin: 2em; }
h1 { color: #6cf; }
table { border-collapse: collapse; margin-bottom: 1.5em; }
td, th { border: 1px solid #444; padding: 4px 10px; text-align: left; }
.status-CONNECTED { color: #6f6; }
.status-RECONNECTING { color: #fc3; }
.status-ERROR, .status-DISCONNECTED { color: #f66; }
</style>
</head>
<body>
<h1>{{.AppName}}</h1>
<table id="status"><tr><th colspan="2">session</th></tr></table>
<table id="symbols"><tr><th>symbol</th><th>last</th><th>bid</th><th>ask</th><th>cum delta</th></tr></table>
<script>
const refreshMs = {{.RefreshIntervalMs}};
async function refresh() {
  const status = await (await fetch('/api/status')).json();
  const rows = [
    ['status', '<span class="status-' + status.status + '">' + status.status + '</span>'],
    ['connected since', status.connected_since],
    ['reconnections', status.total_reconnections],
    ['latency ms', status.latency_ms.toFixed(1)],
    ['data quality', status.data_quality_score.toFixed(2)],
    ['ticks', status.performance.total_ticks_processed],
    ['orders', status.performance.successful_orders + '/' + status.performance.total_orders],
    ['signals', status.performance.orderflow_signals_generated],
  ];
  document.getElementById('status').innerHTML =
    '<tr><th colspan="2">session</th></tr>' +
    rows.map(r => '<tr><td>' + r[0] + '</td><td>' + r[1] + '</td></tr>').join('');
  let body = '<tr><th>symbol</th><th>last</th><th>bid</th><th>ask</th><th>cum delta</th></tr>';
  for (const symbol of status.active_symbols) {
    const res = await fetch('/api/latest/' + symbol);
    if (!res.ok) continue;
    const snap = await res.json();
    const delta = snap.delta ? snap.delta.cumulative_delta : '-';
    body += '<tr><td>' + symbol + '</td><td>' + snap.market_data.price +
      '</td><td>' + snap.market_data.bid + '</td><td>' + snap.market_data.ask +
      '</td><td>' + delta + '</td></tr>';
  }
  document.getElementById('symbols').innerHTML = body;
}
refresh();
setInterval(refresh, refreshMs);
</script>
</body>
</html>`
