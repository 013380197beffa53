package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"

	"miaflow/config"
	"miaflow/internal/dtc"
	"miaflow/internal/metrics"
	"miaflow/logger"
	"miaflow/models"
)

// maxTickSkew bounds how far an inbound timestamp may lag local time before
// the latency sample is considered implausible.
const maxTickSkew = time.Minute

const defaultLatencyWindow = 100

// session is the slice of the protocol client the collector drives.
type session interface {
	RequestMarketData(symbol string) error
	RequestMarketDepth(symbol string, levels int) error
}

// Callbacks fan stored updates out to the facade. They run on the read-loop
// goroutine after the originating update is stored, in arrival order.
type Callbacks struct {
	OnMarketData func(models.MarketDataPoint)
	OnLevel2     func(models.Level2Snapshot)
	OnDelta      func(models.CumulativeDeltaPoint)
}

// Stats aggregates the collector counters.
type Stats struct {
	Symbols        int   `json:"symbols"`
	TicksProcessed int64 `json:"ticks_processed"`
	DepthUpdates   int64 `json:"depth_updates"`
	DeltaPoints    int64 `json:"delta_points"`
	FootprintBars  int64 `json:"footprint_bars"`
}

// SymbolStats describes one subscription's activity.
type SymbolStats struct {
	Symbol       string    `json:"symbol"`
	Ticks        int64     `json:"ticks"`
	DepthUpdates int64     `json:"depth_updates"`
	DeltaPoints  int64     `json:"delta_points"`
	LastUpdate   time.Time `json:"last_update"`
}

type symbolState struct {
	marketData *History[models.MarketDataPoint]
	level2     *History[models.Level2Snapshot]
	delta      *History[models.CumulativeDeltaPoint]
	footprints *History[models.FootprintSnapshot]

	cumulativeDelta float64
	bar             *footprintBar

	ticks        int64
	depthUpdates int64
	deltaPoints  int64
	lastUpdate   time.Time
}

func newSymbolState(cfg config.CollectorConfig) *symbolState {
	return &symbolState{
		marketData: NewHistory[models.MarketDataPoint](cfg.MarketDataHistory),
		level2:     NewHistory[models.Level2Snapshot](cfg.Level2History),
		delta:      NewHistory[models.CumulativeDeltaPoint](cfg.DeltaHistory),
		footprints: NewHistory[models.FootprintSnapshot](cfg.FootprintHistory),
	}
}

// Collector stores per-symbol market data histories and derives the delta
// and footprint analytics. Handle callbacks arrive on the client read loop,
// which is the only writer; everything else reads under the shared lock.
type Collector struct {
	config  *config.Config
	session session
	log     *logger.Log

	mu      sync.RWMutex
	symbols map[string]*symbolState
	running bool

	callbacksMu sync.RWMutex
	callbacks   Callbacks

	latencyMu sync.Mutex
	latency   *movingaverage.MovingAverage

	// Metrics
	ticksProcessed int64
	depthUpdates   int64
	deltaPoints    int64
	footprintBars  int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCollector(cfg *config.Config, sess session, log *logger.Log) *Collector {
	window := cfg.Collector.LatencyWindow
	if window <= 0 {
		window = defaultLatencyWindow
	}
	return &Collector{
		config:  cfg,
		session: sess,
		log:     log,
		symbols: make(map[string]*symbolState),
		latency: movingaverage.New(window),
	}
}

// SetCallbacks registers the fan-out hooks. Call before data flows.
func (c *Collector) SetCallbacks(cb Callbacks) {
	c.callbacksMu.Lock()
	c.callbacks = cb
	c.callbacksMu.Unlock()
}

func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("collector already running")
	}
	c.running = true
	cctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.log.WithComponent("collector").Info("starting collector")

	c.wg.Add(1)
	go c.metricsReporter(cctx)
	return nil
}

func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.log.WithComponent("collector").Info("collector stopped")
}

// Subscribe allocates the per-symbol buffers and issues the Level-1 and
// Level-2 requests. Idempotent: subscribing twice warns and returns nil.
// The two request failures are independent; one side can still flow.
func (c *Collector) Subscribe(symbol string) error {
	log := c.log.WithComponent("collector").WithFields(logger.Fields{"symbol": symbol, "operation": "subscribe"})

	c.mu.Lock()
	if _, ok := c.symbols[symbol]; ok {
		c.mu.Unlock()
		log.Warn("symbol already subscribed")
		return nil
	}
	c.symbols[symbol] = newSymbolState(c.config.Collector)
	c.mu.Unlock()

	var errs []error
	if err := c.session.RequestMarketData(symbol); err != nil {
		log.WithError(err).Warn("level 1 subscription failed")
		errs = append(errs, err)
	}
	if err := c.session.RequestMarketDepth(symbol, c.config.Collector.DepthLevels); err != nil {
		log.WithError(err).Warn("level 2 subscription failed")
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("subscribe %s: %w", symbol, errors.Join(errs...))
	}
	log.Info("symbol subscribed")
	return nil
}

// HandleTick stores one Level-1 update and runs the delta pipeline. Ticks
// for unsubscribed symbols are ignored.
func (c *Collector) HandleTick(u *dtc.MarketDataUpdate) {
	now := time.Now()

	c.mu.Lock()
	st, ok := c.symbols[u.Symbol]
	if !ok {
		c.mu.Unlock()
		return
	}

	ts := u.Timestamp
	latencyMs := -1.0
	if ts.IsZero() {
		ts = now
	} else if skew := now.Sub(ts); skew >= 0 && skew <= maxTickSkew {
		latencyMs = float64(skew) / float64(time.Millisecond)
	} else {
		// implausible host clock: keep receipt time, skip the sample
		ts = now
	}

	point := models.MarketDataPoint{
		Symbol:    u.Symbol,
		Timestamp: ts,
		Price:     u.Last,
		LastSize:  u.LastSize,
		Bid:       u.Bid,
		Ask:       u.Ask,
		Volume:    u.Volume,
	}

	// classification runs against the latest prior point, before the push
	deltaPoint := c.classifyLocked(st, point)
	st.marketData.Push(point)
	st.ticks++
	st.lastUpdate = now
	c.ticksProcessed++
	c.mu.Unlock()

	if latencyMs >= 0 {
		c.latencyMu.Lock()
		c.latency.Add(latencyMs)
		c.latencyMu.Unlock()
	}

	cb := c.snapshotCallbacks()
	if cb.OnMarketData != nil {
		cb.OnMarketData(point)
	}
	if deltaPoint != nil {
		logger.IncrementDeltaPoint()
		metrics.IncrementDelta(u.Symbol)
		if cb.OnDelta != nil {
			cb.OnDelta(*deltaPoint)
		}
	}
}

// HandleDepth stores one book snapshot, deriving totals, best prices,
// spread and imbalance. Snapshots for unsubscribed symbols are ignored.
func (c *Collector) HandleDepth(s *dtc.DepthSnapshot) {
	now := time.Now()

	c.mu.Lock()
	st, ok := c.symbols[s.Symbol]
	if !ok {
		c.mu.Unlock()
		return
	}

	maxLevels := c.config.Collector.DepthLevels
	if maxLevels <= 0 || maxLevels > 10 {
		maxLevels = 10
	}
	bids := s.Bids
	if len(bids) > maxLevels {
		bids = bids[:maxLevels]
	}
	asks := s.Asks
	if len(asks) > maxLevels {
		asks = asks[:maxLevels]
	}

	snap := buildLevel2Snapshot(s.Symbol, now, bids, asks)
	st.level2.Push(snap)
	st.depthUpdates++
	st.lastUpdate = now
	c.depthUpdates++
	c.mu.Unlock()

	cb := c.snapshotCallbacks()
	if cb.OnLevel2 != nil {
		cb.OnLevel2(snap)
	}
}

// classifyLocked classifies the incoming trade against the latest stored
// point, accumulates the running delta, and feeds the footprint bar.
// Returns nil when no prior point exists. Caller holds c.mu.
func (c *Collector) classifyLocked(st *symbolState, point models.MarketDataPoint) *models.CumulativeDeltaPoint {
	prior, ok := st.marketData.Latest()
	if !ok {
		return nil
	}

	delta := 0.0
	switch {
	case point.Price >= prior.Ask:
		delta = point.LastSize
	case point.Price <= prior.Bid:
		delta = -point.LastSize
	}

	st.cumulativeDelta += delta
	dp := models.CumulativeDeltaPoint{
		Symbol:          point.Symbol,
		Timestamp:       point.Timestamp,
		Delta:           delta,
		CumulativeDelta: st.cumulativeDelta,
		Trend:           deltaTrend(st.delta, st.cumulativeDelta),
	}
	st.delta.Push(dp)
	st.deltaPoints++
	c.deltaPoints++

	if delta != 0 {
		c.updateFootprintLocked(st, point, delta)
	}
	return &dp
}

// deltaTrend compares the new cumulative value against the prior nine
// points; a window under ten points reads neutral.
func deltaTrend(history *History[models.CumulativeDeltaPoint], cumulative float64) models.DeltaTrend {
	prior := history.Last(9)
	if len(prior) < 9 {
		return models.TrendNeutral
	}
	maxPrior, minPrior := prior[0].CumulativeDelta, prior[0].CumulativeDelta
	for _, p := range prior[1:] {
		if p.CumulativeDelta > maxPrior {
			maxPrior = p.CumulativeDelta
		}
		if p.CumulativeDelta < minPrior {
			minPrior = p.CumulativeDelta
		}
	}
	switch {
	case cumulative > maxPrior:
		return models.TrendBullish
	case cumulative < minPrior:
		return models.TrendBearish
	default:
		return models.TrendNeutral
	}
}

func (c *Collector) updateFootprintLocked(st *symbolState, point models.MarketDataPoint, delta float64) {
	interval := c.footprintInterval()
	barStart := point.Timestamp.Truncate(interval)

	if st.bar != nil && !barStart.Before(st.bar.end) {
		c.cutBarLocked(st)
	}
	if st.bar == nil {
		st.bar = newFootprintBar(point.Symbol, barStart, interval)
	}
	st.bar.add(point.Price, point.LastSize, delta > 0)
}

func (c *Collector) cutBarLocked(st *symbolState) {
	if st.bar == nil {
		return
	}
	if !st.bar.empty() {
		st.footprints.Push(st.bar.snapshot())
		c.footprintBars++
	}
	st.bar = nil
}

func buildLevel2Snapshot(symbol string, ts time.Time, bids, asks []models.PriceLevel) models.Level2Snapshot {
	snap := models.Level2Snapshot{
		Symbol:    symbol,
		Timestamp: ts,
		Bids:      bids,
		Asks:      asks,
	}
	for _, lvl := range bids {
		snap.TotalBidSize += lvl.Size
	}
	for _, lvl := range asks {
		snap.TotalAskSize += lvl.Size
	}
	if len(bids) > 0 {
		snap.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		snap.BestAsk = asks[0].Price
	}
	if len(bids) > 0 && len(asks) > 0 {
		snap.Spread = snap.BestAsk - snap.BestBid
	}
	if total := snap.TotalBidSize + snap.TotalAskSize; total > 0 {
		snap.ImbalanceRatio = snap.TotalBidSize / total
	} else {
		snap.ImbalanceRatio = 0.5
	}
	return snap
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// ACCESSORS ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Latest merges the newest market-data point, book snapshot and delta point
// for a symbol. Nil until the first tick has been stored.
func (c *Collector) Latest(symbol string) *models.CombinedSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.symbols[symbol]
	if !ok {
		return nil
	}
	md, ok := st.marketData.Latest()
	if !ok {
		return nil
	}

	snap := &models.CombinedSnapshot{
		Symbol:     symbol,
		Timestamp:  md.Timestamp,
		MarketData: md,
	}
	if l2, ok := st.level2.Latest(); ok {
		snap.Level2 = &l2
	}
	if dp, ok := st.delta.Latest(); ok {
		snap.Delta = &dp
	}
	return snap
}

// MarketDataHistory returns up to n recent points, oldest first.
func (c *Collector) MarketDataHistory(symbol string, n int) []models.MarketDataPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.symbols[symbol]; ok {
		return st.marketData.Last(n)
	}
	return nil
}

// Level2History returns up to n recent book snapshots, oldest first.
func (c *Collector) Level2History(symbol string, n int) []models.Level2Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.symbols[symbol]; ok {
		return st.level2.Last(n)
	}
	return nil
}

// DeltaHistory returns up to n recent delta points, oldest first.
func (c *Collector) DeltaHistory(symbol string, n int) []models.CumulativeDeltaPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.symbols[symbol]; ok {
		return st.delta.Last(n)
	}
	return nil
}

// FootprintHistory returns up to n completed bars, oldest first.
func (c *Collector) FootprintHistory(symbol string, n int) []models.FootprintSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.symbols[symbol]; ok {
		return st.footprints.Last(n)
	}
	return nil
}

// IsSubscribed reports whether the symbol has buffers allocated.
func (c *Collector) IsSubscribed(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.symbols[symbol]
	return ok
}

// Symbols returns the subscribed symbols in sorted order.
func (c *Collector) Symbols() []string {
	c.mu.RLock()
	symbols := make([]string, 0, len(c.symbols))
	for sym := range c.symbols {
		symbols = append(symbols, sym)
	}
	c.mu.RUnlock()
	sort.Strings(symbols)
	return symbols
}

// SymbolStatsAll returns per-symbol activity, sorted by symbol.
func (c *Collector) SymbolStatsAll() []SymbolStats {
	c.mu.RLock()
	out := make([]SymbolStats, 0, len(c.symbols))
	for sym, st := range c.symbols {
		out = append(out, SymbolStats{
			Symbol:       sym,
			Ticks:        st.ticks,
			DepthUpdates: st.depthUpdates,
			DeltaPoints:  st.deltaPoints,
			LastUpdate:   st.lastUpdate,
		})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Stats returns the aggregate counters.
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Symbols:        len(c.symbols),
		TicksProcessed: c.ticksProcessed,
		DepthUpdates:   c.depthUpdates,
		DeltaPoints:    c.deltaPoints,
		FootprintBars:  c.footprintBars,
	}
}

// AvgTickLatencyMs returns the rolling average tick latency.
func (c *Collector) AvgTickLatencyMs() float64 {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	if c.latency.Count() == 0 {
		return 0
	}
	return c.latency.Avg()
}

func (c *Collector) snapshotCallbacks() Callbacks {
	c.callbacksMu.RLock()
	defer c.callbacksMu.RUnlock()
	return c.callbacks
}

func (c *Collector) footprintInterval() time.Duration {
	if c.config.Collector.FootprintBar > 0 {
		return c.config.Collector.FootprintBar
	}
	return time.Minute
}

func (c *Collector) metricsReporter(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reportMetrics()
		}
	}
}

func (c *Collector) reportMetrics() {
	stats := c.Stats()
	metrics.ReportCollectorMetrics(c.log, metrics.CollectorMetrics{
		Symbols:        stats.Symbols,
		TicksProcessed: stats.TicksProcessed,
		DepthUpdates:   stats.DepthUpdates,
		DeltaPoints:    stats.DeltaPoints,
		FootprintBars:  stats.FootprintBars,
	})
}
