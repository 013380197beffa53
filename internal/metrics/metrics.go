// Registers:
//
//	#miaflow_ticks_total
//	#miaflow_depth_updates_total
//	#miaflow_delta_points_total
//	#miaflow_orders_total
//	#miaflow_reconnections_total
//	#miaflow_decode_errors_total
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"miaflow/logger"
)

// Order result labels for miaflow_orders_total.
const (
	OrderResultOK       = "ok"
	OrderResultFailed   = "failed"
	OrderResultRejected = "rejected"
)

var (
	once          sync.Once
	ticksTotal    *prometheus.CounterVec
	depthUpdates  *prometheus.CounterVec
	deltaPoints   *prometheus.CounterVec
	ordersTotal   *prometheus.CounterVec
	reconnections prometheus.Counter
	decodeErrors  prometheus.Counter
)

// Init registers the collectors and serves /metrics on the given address.
func Init(address string) {
	once.Do(func() {
		ticksTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miaflow_ticks_total",
				Help: "Number of market data updates processed",
			},
			[]string{"symbol"},
		)

		depthUpdates = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miaflow_depth_updates_total",
				Help: "Number of market depth snapshots processed",
			},
			[]string{"symbol"},
		)

		deltaPoints = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miaflow_delta_points_total",
				Help: "Number of cumulative delta points recorded",
			},
			[]string{"symbol"},
		)

		ordersTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miaflow_orders_total",
				Help: "Number of order submissions by result",
			},
			[]string{"result"},
		)

		reconnections = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miaflow_reconnections_total",
			Help: "Number of reconnect procedures started",
		})

		decodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miaflow_decode_errors_total",
			Help: "Number of inbound frames dropped as undecodable",
		})

		_ = prometheus.Register(ticksTotal)
		_ = prometheus.Register(depthUpdates)
		_ = prometheus.Register(deltaPoints)
		_ = prometheus.Register(ordersTotal)
		_ = prometheus.Register(reconnections)
		_ = prometheus.Register(decodeErrors)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(address, mux); err != nil {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	})
}

// IncrementTick increases the tick counter for a given symbol.
func IncrementTick(symbol string) {
	if ticksTotal != nil {
		ticksTotal.WithLabelValues(symbol).Inc()
	}
}

// IncrementDepth increases the depth update counter for a given symbol.
func IncrementDepth(symbol string) {
	if depthUpdates != nil {
		depthUpdates.WithLabelValues(symbol).Inc()
	}
}

// IncrementDelta increases the delta point counter for a given symbol.
func IncrementDelta(symbol string) {
	if deltaPoints != nil {
		deltaPoints.WithLabelValues(symbol).Inc()
	}
}

// IncrementOrder increases the order counter for the given result label.
func IncrementOrder(result string) {
	if ordersTotal != nil {
		ordersTotal.WithLabelValues(result).Inc()
	}
}

// IncrementReconnection counts a reconnect procedure start.
func IncrementReconnection() {
	if reconnections != nil {
		reconnections.Inc()
	}
}

// IncrementDecodeError counts an inbound frame dropped as undecodable.
func IncrementDecodeError() {
	if decodeErrors != nil {
		decodeErrors.Inc()
	}
}
