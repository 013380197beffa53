// Package feed carries market events from the connector to slow consumers
// (the Kafka publisher, the dashboard stream) over buffered channels. Sends
// never block the read loop: a full buffer drops the event and counts it.
package feed

import (
	"context"
	"sync"
	"time"

	"miaflow/config"
	"miaflow/internal/metrics"
	"miaflow/logger"
	"miaflow/models"
)

// Stats tracks how many events were delivered and dropped per channel.
type Stats struct {
	SnapshotsSent    int64
	SnapshotsDropped int64
	SignalsSent      int64
	SignalsDropped   int64
}

// Events is the pair of outbound channels between the connector and its
// consumers.
type Events struct {
	Snapshots chan models.MarketEvent
	Signals   chan models.SignalEvent

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

// NewEvents allocates the buffered channels.
func NewEvents(cfg config.FeedConfig) *Events {
	log := logger.GetLogger()
	e := &Events{
		Snapshots: make(chan models.MarketEvent, cfg.SnapshotBuffer),
		Signals:   make(chan models.SignalEvent, cfg.SignalBuffer),
		log:       log,
	}

	log.WithComponent("feed").WithFields(logger.Fields{
		"snapshot_buffer": cfg.SnapshotBuffer,
		"signal_buffer":   cfg.SignalBuffer,
	}).Info("feed channels initialized")

	return e
}

// Close closes both channels. No sends may follow.
func (e *Events) Close() {
	close(e.Snapshots)
	close(e.Signals)
	e.log.WithComponent("feed").Info("feed channels closed")
}

// SendSnapshot enqueues one market event without blocking. A full buffer
// drops the event and returns false.
func (e *Events) SendSnapshot(ctx context.Context, event models.MarketEvent) bool {
	select {
	case e.Snapshots <- event:
		e.statsMutex.Lock()
		e.stats.SnapshotsSent++
		e.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		e.statsMutex.Lock()
		e.stats.SnapshotsDropped++
		e.statsMutex.Unlock()
		metrics.EmitDropMetric(e.log, metrics.DropMetricSnapshot, event.Symbol, event.Kind)
		return false
	}
}

// SendSignal enqueues one signal event without blocking. A full buffer drops
// the event and returns false.
func (e *Events) SendSignal(ctx context.Context, event models.SignalEvent) bool {
	select {
	case e.Signals <- event:
		e.statsMutex.Lock()
		e.stats.SignalsSent++
		e.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		e.statsMutex.Lock()
		e.stats.SignalsDropped++
		e.statsMutex.Unlock()
		metrics.EmitDropMetric(e.log, metrics.DropMetricSignal, event.Symbol, "signal")
		return false
	}
}

// GetStats returns a copy of the delivery counters.
func (e *Events) GetStats() Stats {
	e.statsMutex.RLock()
	defer e.statsMutex.RUnlock()
	return e.stats
}

// StartMetricsReporting emits buffer occupancy and drop counters every 30s
// until ctx ends.
func (e *Events) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := e.GetStats()
			metrics.ReportFeedMetrics(e.log, metrics.FeedMetrics{
				SnapshotLen:      len(e.Snapshots),
				SnapshotCap:      cap(e.Snapshots),
				SignalLen:        len(e.Signals),
				SignalCap:        cap(e.Signals),
				SnapshotsDropped: stats.SnapshotsDropped,
				SignalsDropped:   stats.SignalsDropped,
			})
		}
	}
}
