package metrics

import "miaflow/logger"

// SessionMetrics captures a snapshot of the protocol session for reporting.
type SessionMetrics struct {
	Status              string
	Reconnections       int
	HeartbeatAgeSeconds float64
	RequestsSent        int64
}

// ReportSessionMetrics emits the session gauges.
func ReportSessionMetrics(log *logger.Log, m SessionMetrics) {
	component := "session"
	EmitMetric(log, component, "reconnections", m.Reconnections, "counter", logger.Fields{"status": m.Status})
	EmitMetric(log, component, "heartbeat_age_seconds", m.HeartbeatAgeSeconds, "gauge", nil)
	EmitMetric(log, component, "requests_sent", m.RequestsSent, "counter", nil)
}

// CollectorMetrics captures a snapshot of the collector counters for reporting.
type CollectorMetrics struct {
	Symbols        int
	TicksProcessed int64
	DepthUpdates   int64
	DeltaPoints    int64
	FootprintBars  int64
}

// ReportCollectorMetrics emits the collector gauges.
func ReportCollectorMetrics(log *logger.Log, m CollectorMetrics) {
	component := "collector"
	EmitMetric(log, component, "subscribed_symbols", m.Symbols, "gauge", nil)
	EmitMetric(log, component, "ticks_processed", m.TicksProcessed, "counter", nil)
	EmitMetric(log, component, "depth_updates_processed", m.DepthUpdates, "counter", nil)
	EmitMetric(log, component, "delta_points_recorded", m.DeltaPoints, "counter", nil)
	EmitMetric(log, component, "footprint_bars_closed", m.FootprintBars, "counter", nil)
}

// FeedMetrics captures occupancy and drop counts of the feed channels.
type FeedMetrics struct {
	SnapshotLen      int
	SnapshotCap      int
	SignalLen        int
	SignalCap        int
	SnapshotsDropped int64
	SignalsDropped   int64
}

// ReportFeedMetrics emits the feed buffer gauges.
func ReportFeedMetrics(log *logger.Log, m FeedMetrics) {
	component := "feed_buffers"
	EmitMetric(log, component, "snapshot_buffer_length", m.SnapshotLen, "gauge", logger.Fields{
		"buffer":   "snapshots",
		"capacity": m.SnapshotCap,
	})
	EmitMetric(log, component, "signal_buffer_length", m.SignalLen, "gauge", logger.Fields{
		"buffer":   "signals",
		"capacity": m.SignalCap,
	})
	EmitMetric(log, component, "snapshot_events_dropped_total", m.SnapshotsDropped, "counter", nil)
	EmitMetric(log, component, "signal_events_dropped_total", m.SignalsDropped, "counter", nil)
}
