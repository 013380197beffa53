package metrics

import "miaflow/logger"

// DropMetric identifies the metric name emitted when feed events are dropped.
type DropMetric string

const (
	// DropMetricSnapshot records combined market snapshots dropped on a full buffer.
	DropMetricSnapshot DropMetric = "snapshot_events_dropped"
	// DropMetricSignal records orderflow signal events dropped on a full buffer.
	DropMetricSignal DropMetric = "signal_events_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped feed event. The
// metric value is always incremented by one so callers should invoke this helper
// for each dropped event. Optional metadata (symbol, stage) is added to the
// metric fields when provided which enables downstream aggregation per contract
// and stream type.
func EmitDropMetric(log *logger.Log, metric DropMetric, symbol, stage string) {
	fields := logger.Fields{}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "feed_drops", string(metric), 1, "counter", fields)
}
