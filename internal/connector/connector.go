// Package connector composes the protocol client, the market data collector
// and the orderflow analyzer behind the public API the trading layer calls.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"miaflow/config"
	"miaflow/internal/collector"
	"miaflow/internal/dtc"
	"miaflow/internal/feed"
	"miaflow/internal/metrics"
	"miaflow/internal/orderflow"
	"miaflow/logger"
	"miaflow/models"
)

// ErrNotConnected is returned by order placement while no session is live.
var ErrNotConnected = errors.New("connector: not connected")

// depth parse keeps at most ten levels per side; depth quality is measured
// against that full ladder.
const fullDepthLevels = 10

// session is the slice of the protocol client the connector drives.
type session interface {
	Connect(ctx context.Context) error
	Disconnect()
	SetHandlers(h dtc.Handlers)
	Status() dtc.Status
	IsConnected() bool
	LastHeartbeat() time.Time
	Reconnections() int64
	RequestsSent() int64
	SendHeartbeat() error
	SubmitOrder(req dtc.OrderRequest) (string, error)
	CancelOrder(orderID string) error
}

// Connector owns the connection metadata, the aggregate counters and the
// listener registry. It is the only writer to those surfaces; the collector
// and client own their own state.
type Connector struct {
	cfg      *config.Config
	client   session
	data     *collector.Collector
	analyzer orderflow.Analyzer
	events   *feed.Events
	log      *logger.Log

	mu             sync.RWMutex
	running        bool
	connectedSince time.Time
	dataQuality    float64
	activeSymbols  map[string]struct{}
	cancel         context.CancelFunc
	wg             sync.WaitGroup

	totalOrders      atomic.Int64
	successfulOrders atomic.Int64
	signalsGenerated atomic.Int64

	latencyMu         sync.Mutex
	avgOrderLatencyMs float64

	listenersMu       sync.RWMutex
	marketDataFns     []func(models.MarketDataPoint)
	orderUpdateFns    []func(models.OrderUpdate)
	positionUpdateFns []func(models.PositionUpdate)
	signalFns         []func(models.SignalEvent)
}

// New builds an unconnected connector. analyzer may be nil; orderflow
// analysis then reports no signal.
func New(cfg *config.Config, client session, data *collector.Collector, analyzer orderflow.Analyzer, events *feed.Events, log *logger.Log) *Connector {
	return &Connector{
		cfg:           cfg,
		client:        client,
		data:          data,
		analyzer:      analyzer,
		events:        events,
		log:           log,
		activeSymbols: make(map[string]struct{}),
	}
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// LIFECYCLE ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Connect establishes the session, wires the data path and subscribes every
// requested symbol. A symbol that fails to subscribe is logged and skipped;
// the session stays up for the rest.
func (c *Connector) Connect(ctx context.Context, symbols []string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("connector already running")
	}
	c.running = true
	c.mu.Unlock()

	log := c.log.WithComponent("connector")

	c.client.SetHandlers(dtc.Handlers{
		OnMarketData:     c.data.HandleTick,
		OnMarketDepth:    c.data.HandleDepth,
		OnOrderUpdate:    c.handleOrderUpdate,
		OnPositionUpdate: c.handlePositionUpdate,
	})
	c.data.SetCallbacks(collector.Callbacks{
		OnMarketData: c.handleMarketData,
		OnLevel2:     c.handleLevel2,
		OnDelta:      c.handleDelta,
	})

	if err := c.client.Connect(ctx); err != nil {
		c.setRunning(false)
		return fmt.Errorf("connect session: %w", err)
	}

	mctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.connectedSince = time.Now()
	c.mu.Unlock()

	if err := c.data.Start(mctx); err != nil {
		log.WithError(err).Warn("collector already started")
	}

	subscribed := 0
	for _, symbol := range symbols {
		if err := c.data.Subscribe(symbol); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("symbol subscription failed")
			continue
		}
		c.mu.Lock()
		c.activeSymbols[symbol] = struct{}{}
		c.mu.Unlock()
		subscribed++
	}

	c.wg.Add(1)
	go c.monitorLoop(mctx)

	log.WithFields(logger.Fields{
		"symbols_requested":  len(symbols),
		"symbols_subscribed": subscribed,
	}).Info("connector started")
	return nil
}

// Disconnect stops the monitor and the collector, closes the session and
// clears the active-symbol set. Safe to call repeatedly.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.connectedSince = time.Time{}
	c.activeSymbols = make(map[string]struct{})
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.data.Stop()
	c.client.Disconnect()
	c.log.WithComponent("connector").Info("connector stopped")
}

// IsConnected reports whether the underlying session is usable.
func (c *Connector) IsConnected() bool {
	return c.client.IsConnected()
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// ORDERS //////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PlaceOrder submits one order and returns its ClientOrderID. Rejected
// immediately while disconnected; the order counters only move on real
// submit attempts.
func (c *Connector) PlaceOrder(symbol, side string, quantity float64, orderType string, price float64) (string, error) {
	if !c.client.IsConnected() {
		return "", ErrNotConnected
	}

	started := time.Now()
	orderID, err := c.client.SubmitOrder(dtc.OrderRequest{
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		OrderType: orderType,
		Price:     price,
	})
	c.totalOrders.Add(1)
	if err != nil {
		return "", fmt.Errorf("place order for %s: %w", symbol, err)
	}

	latencyMs := float64(time.Since(started)) / float64(time.Millisecond)
	n := c.successfulOrders.Add(1)
	c.latencyMu.Lock()
	c.avgOrderLatencyMs = (c.avgOrderLatencyMs*float64(n-1) + latencyMs) / float64(n)
	c.latencyMu.Unlock()

	return orderID, nil
}

// CancelOrder asks the host to pull a working order.
func (c *Connector) CancelOrder(orderID string) error {
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	return c.client.CancelOrder(orderID)
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// QUERIES /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// GetLatestMarketData returns the combined snapshot for a symbol, nil before
// the first tick.
func (c *Connector) GetLatestMarketData(symbol string) *models.CombinedSnapshot {
	return c.data.Latest(symbol)
}

// GetOrderflowAnalysis feeds the latest combined snapshot to the analyzer.
// Returns nil when no snapshot exists, no analyzer is attached, or the
// analyzer has no opinion.
func (c *Connector) GetOrderflowAnalysis(ctx context.Context, symbol string) (*orderflow.Signal, error) {
	snap := c.data.Latest(symbol)
	if snap == nil || c.analyzer == nil {
		return nil, nil
	}

	signal, err := c.analyzer.Analyze(ctx, analyzerInput(snap))
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", symbol, err)
	}
	if signal == nil {
		return nil, nil
	}

	c.signalsGenerated.Add(1)
	event := models.SignalEvent{
		Symbol:     symbol,
		Signal:     signal.Signal,
		Strength:   signal.Strength,
		Confidence: signal.Confidence,
		Reasoning:  signal.Reasoning,
		Timestamp:  signal.Timestamp,
	}
	for _, fn := range c.signalListeners() {
		fn(event)
	}
	if c.events != nil {
		c.events.SendSignal(ctx, event)
	}
	return signal, nil
}

// analyzerInput flattens a combined snapshot into the analyzer contract.
func analyzerInput(snap *models.CombinedSnapshot) orderflow.Input {
	in := orderflow.Input{
		Timestamp: snap.Timestamp,
		Symbol:    snap.Symbol,
		Price:     snap.MarketData.Price,
		Volume:    snap.MarketData.Volume,
	}
	if snap.Level2 != nil {
		in.BidVolume = snap.Level2.TotalBidSize
		in.AskVolume = snap.Level2.TotalAskSize
		in.Level2 = orderflow.Level2{
			BidLevels:      snap.Level2.Bids,
			AskLevels:      snap.Level2.Asks,
			ImbalanceRatio: snap.Level2.ImbalanceRatio,
		}
	}
	if snap.Delta != nil {
		in.Delta = snap.Delta.Delta
	}
	return in
}

// GetConnectionStatus assembles the session status surface.
func (c *Connector) GetConnectionStatus() models.ConnectionInfo {
	c.mu.RLock()
	connectedSince := c.connectedSince
	quality := c.dataQuality
	symbols := make([]string, 0, len(c.activeSymbols))
	for sym := range c.activeSymbols {
		symbols = append(symbols, sym)
	}
	c.mu.RUnlock()
	sort.Strings(symbols)

	return models.ConnectionInfo{
		Status:             string(c.client.Status()),
		ConnectedSince:     connectedSince,
		LastHeartbeat:      c.client.LastHeartbeat(),
		TotalReconnections: c.client.Reconnections(),
		LatencyMs:          c.data.AvgTickLatencyMs(),
		DataQualityScore:   quality,
		ActiveSymbols:      symbols,
		Performance:        c.performanceStats(connectedSince),
	}
}

// ActiveSymbols returns the successfully subscribed symbols in sorted order.
func (c *Connector) ActiveSymbols() []string {
	c.mu.RLock()
	symbols := make([]string, 0, len(c.activeSymbols))
	for sym := range c.activeSymbols {
		symbols = append(symbols, sym)
	}
	c.mu.RUnlock()
	sort.Strings(symbols)
	return symbols
}

func (c *Connector) performanceStats(connectedSince time.Time) models.PerformanceStats {
	c.latencyMu.Lock()
	avgLatency := c.avgOrderLatencyMs
	c.latencyMu.Unlock()

	uptime := 0.0
	if c.client.IsConnected() && !connectedSince.IsZero() {
		uptime = time.Since(connectedSince).Seconds()
	}
	return models.PerformanceStats{
		TotalOrders:               c.totalOrders.Load(),
		SuccessfulOrders:          c.successfulOrders.Load(),
		AvgOrderLatencyMs:         avgLatency,
		TotalTicksProcessed:       c.data.Stats().TicksProcessed,
		OrderflowSignalsGenerated: c.signalsGenerated.Load(),
		UptimeSeconds:             uptime,
	}
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// LISTENERS ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// OnMarketData registers a market-data listener. Listeners run on the read
// loop in arrival order and must return quickly.
func (c *Connector) OnMarketData(fn func(models.MarketDataPoint)) {
	c.listenersMu.Lock()
	c.marketDataFns = append(c.marketDataFns, fn)
	c.listenersMu.Unlock()
}

// OnOrderUpdate registers an execution-report listener.
func (c *Connector) OnOrderUpdate(fn func(models.OrderUpdate)) {
	c.listenersMu.Lock()
	c.orderUpdateFns = append(c.orderUpdateFns, fn)
	c.listenersMu.Unlock()
}

// OnPositionUpdate registers a position-report listener.
func (c *Connector) OnPositionUpdate(fn func(models.PositionUpdate)) {
	c.listenersMu.Lock()
	c.positionUpdateFns = append(c.positionUpdateFns, fn)
	c.listenersMu.Unlock()
}

// OnOrderflowSignal registers a signal listener.
func (c *Connector) OnOrderflowSignal(fn func(models.SignalEvent)) {
	c.listenersMu.Lock()
	c.signalFns = append(c.signalFns, fn)
	c.listenersMu.Unlock()
}

func (c *Connector) signalListeners() []func(models.SignalEvent) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	return c.signalFns
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// DATA PATH ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

func (c *Connector) handleMarketData(point models.MarketDataPoint) {
	c.listenersMu.RLock()
	fns := c.marketDataFns
	c.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(point)
	}
	if c.events != nil {
		c.events.SendSnapshot(context.Background(), models.MarketEvent{
			Kind:      "tick",
			Symbol:    point.Symbol,
			Tick:      &point,
			EmittedAt: time.Now(),
		})
	}
}

func (c *Connector) handleLevel2(snap models.Level2Snapshot) {
	c.updateDataQuality(snap)
	if c.events != nil {
		c.events.SendSnapshot(context.Background(), models.MarketEvent{
			Kind:      "depth",
			Symbol:    snap.Symbol,
			Level2:    &snap,
			EmittedAt: time.Now(),
		})
	}
}

func (c *Connector) handleDelta(point models.CumulativeDeltaPoint) {
	if c.events != nil {
		c.events.SendSnapshot(context.Background(), models.MarketEvent{
			Kind:      "delta",
			Symbol:    point.Symbol,
			Delta:     &point,
			EmittedAt: time.Now(),
		})
	}
}

// updateDataQuality rescores data quality on every book update. A spread at
// or under one tick-equivalent is perfect; wider books decay as 1/spread
// with a 0.1 floor. Depth quality is the bid ladder fill against ten levels.
func (c *Connector) updateDataQuality(snap models.Level2Snapshot) {
	spreadQuality := 1.0
	if snap.Spread > 1.0 {
		spreadQuality = 1.0 / snap.Spread
		if spreadQuality < 0.1 {
			spreadQuality = 0.1
		}
	}
	depthQuality := float64(len(snap.Bids)) / fullDepthLevels
	if depthQuality > 1.0 {
		depthQuality = 1.0
	}

	c.mu.Lock()
	c.dataQuality = (spreadQuality + depthQuality) / 2.0
	c.mu.Unlock()
}

func (c *Connector) handleOrderUpdate(u *dtc.OrderUpdate) {
	update := models.OrderUpdate{
		ClientOrderID:  u.ClientOrderID,
		Symbol:         u.Symbol,
		Status:         u.StatusName(),
		FilledQuantity: u.FilledQuantity,
		AvgFillPrice:   u.AvgFillPrice,
		Reason:         u.InfoText,
		Timestamp:      time.Now(),
	}
	c.listenersMu.RLock()
	fns := c.orderUpdateFns
	c.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(update)
	}
}

func (c *Connector) handlePositionUpdate(u *dtc.PositionUpdate) {
	update := models.PositionUpdate{
		Symbol:       u.Symbol,
		Quantity:     u.Quantity,
		AveragePrice: u.AveragePrice,
		Timestamp:    time.Now(),
	}
	c.listenersMu.RLock()
	fns := c.positionUpdateFns
	c.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(update)
	}
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// MONITORING //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// monitorLoop probes the session health on the configured interval. A failed
// heartbeat send is left to the client, which schedules its own reconnect.
func (c *Connector) monitorLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.Trading.MonitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

func (c *Connector) checkHealth() {
	if c.client.IsConnected() {
		if err := c.client.SendHeartbeat(); err != nil {
			c.log.WithComponent("connector").WithError(err).Warn("monitor heartbeat failed")
		}
	}

	heartbeatAge := 0.0
	if last := c.client.LastHeartbeat(); !last.IsZero() {
		heartbeatAge = time.Since(last).Seconds()
	}
	metrics.ReportSessionMetrics(c.log, metrics.SessionMetrics{
		Status:              string(c.client.Status()),
		Reconnections:       int(c.client.Reconnections()),
		HeartbeatAgeSeconds: heartbeatAge,
		RequestsSent:        c.client.RequestsSent(),
	})
}

func (c *Connector) setRunning(v bool) {
	c.mu.Lock()
	c.running = v
	c.mu.Unlock()
}
