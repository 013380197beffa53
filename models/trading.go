package models

import "time"

// OrderUpdate is the normalized execution report surfaced to order callbacks.
type OrderUpdate struct {
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Status         string    `json:"status"`
	FilledQuantity float64   `json:"filled_quantity"`
	AvgFillPrice   float64   `json:"avg_fill_price"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PositionUpdate is the normalized position report surfaced to position callbacks.
type PositionUpdate struct {
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	AveragePrice float64   `json:"average_price"`
	Timestamp    time.Time `json:"timestamp"`
}

// PerformanceStats aggregates the connector counters. All fields are
// monotonic except UptimeSeconds which is recomputed on read.
type PerformanceStats struct {
	TotalOrders               int64   `json:"total_orders"`
	SuccessfulOrders          int64   `json:"successful_orders"`
	AvgOrderLatencyMs         float64 `json:"avg_order_latency_ms"`
	TotalTicksProcessed       int64   `json:"total_ticks_processed"`
	OrderflowSignalsGenerated int64   `json:"orderflow_signals_generated"`
	UptimeSeconds             float64 `json:"uptime_seconds"`
}

// ConnectionInfo is the session status surface returned by the connector.
type ConnectionInfo struct {
	Status             string           `json:"status"`
	ConnectedSince     time.Time        `json:"connected_since"`
	LastHeartbeat      time.Time        `json:"last_heartbeat"`
	TotalReconnections int64            `json:"total_reconnections"`
	LatencyMs          float64          `json:"latency_ms"`
	DataQualityScore   float64          `json:"data_quality_score"`
	ActiveSymbols      []string         `json:"active_symbols"`
	Performance        PerformanceStats `json:"performance"`
}

// MarketEvent is the envelope pushed onto the outbound feed for downstream
// consumers. Exactly one payload pointer is set depending on Kind.
type MarketEvent struct {
	Kind      string                `json:"kind"` // "tick", "depth" or "delta"
	Symbol    string                `json:"symbol"`
	Tick      *MarketDataPoint      `json:"tick,omitempty"`
	Level2    *Level2Snapshot       `json:"level2,omitempty"`
	Delta     *CumulativeDeltaPoint `json:"delta,omitempty"`
	EmittedAt time.Time             `json:"emitted_at"`
}

// SignalEvent is the flattened order-flow signal pushed onto the outbound feed.
type SignalEvent struct {
	Symbol     string    `json:"symbol"`
	Signal     string    `json:"signal"`
	Strength   float64   `json:"strength"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	Timestamp  time.Time `json:"timestamp"`
}
