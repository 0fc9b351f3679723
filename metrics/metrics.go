// Package metrics exposes Prometheus counters for the signal engine.
//
//   - mxs_signals_total{timeframe,kind,source}   signals processed
//   - mxs_actions_total{action,reason}           decisions taken
//   - mxs_orders_total{op,result}                exchange orders (op: enter|exit|tighten)
//   - mxs_collaborator_errors_total{collaborator} oracle/price/balance failures
//   - mxs_store_failures_total                   state snapshot write failures
//   - mxs_position_side{side}                    1 for the side last observed on the exchange
//   - mxs_webhook_rejections_total{reason}       rejected deliveries (malformed|unauthorized)
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mxs_signals_total", Help: "Signals processed"},
		[]string{"timeframe", "kind", "source"},
	)
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mxs_actions_total", Help: "Decisions taken"},
		[]string{"action", "reason"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mxs_orders_total", Help: "Exchange orders by result"},
		[]string{"op", "result"},
	)
	CollaboratorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mxs_collaborator_errors_total", Help: "Oracle, price and balance failures"},
		[]string{"collaborator"},
	)
	StoreFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mxs_store_failures_total", Help: "State snapshot write failures"},
	)
	PositionSide = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "mxs_position_side", Help: "Last observed exchange side (1 = current)"},
		[]string{"side"},
	)
	WebhookRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mxs_webhook_rejections_total", Help: "Rejected webhook deliveries"},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		SignalsTotal,
		ActionsTotal,
		OrdersTotal,
		CollaboratorErrors,
		StoreFailures,
		PositionSide,
		WebhookRejections,
	)
}

// ObservePosition flips the side gauge to the observed side
func ObservePosition(side string) {
	for _, s := range []string{"LONG", "SHORT", "FLAT"} {
		v := 0.0
		if s == side {
			v = 1
		}
		PositionSide.WithLabelValues(s).Set(v)
	}
}

// Handler serves the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.Handler()
}
