package metrics

import (
	"testing"

	"miaflow/logger"
)

// Increment helpers must be safe before Init has run.
func TestIncrementBeforeInit(t *testing.T) {
	IncrementTick("ESU26_FUT_CME")
	IncrementDepth("ESU26_FUT_CME")
	IncrementDelta("ESU26_FUT_CME")
	IncrementOrder(OrderResultOK)
	IncrementReconnection()
	IncrementDecodeError()
}

func TestReportSessionMetrics(t *testing.T) {
	log := logger.GetLogger()
	ReportSessionMetrics(log, SessionMetrics{
		Status:              "CONNECTED",
		Reconnections:       1,
		HeartbeatAgeSeconds: 2.5,
		RequestsSent:        10,
	})
}

func TestReportCollectorMetrics(t *testing.T) {
	log := logger.GetLogger()
	ReportCollectorMetrics(log, CollectorMetrics{
		Symbols:        2,
		TicksProcessed: 100,
		DepthUpdates:   50,
		DeltaPoints:    90,
		FootprintBars:  3,
	})
}

func TestReportFeedMetrics(t *testing.T) {
	log := logger.GetLogger()
	ReportFeedMetrics(log, FeedMetrics{
		SnapshotLen:      1,
		SnapshotCap:      8,
		SignalLen:        0,
		SignalCap:        4,
		SnapshotsDropped: 2,
		SignalsDropped:   0,
	})
}
