package live

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics of live grid sessions.
type Metrics struct {
	OrdersPlaced   *prometheus.CounterVec
	OrdersFailed   *prometheus.CounterVec
	Fills          *prometheus.CounterVec
	PollErrors     *prometheus.CounterVec
	RealizedPnL    *prometheus.GaugeVec
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OrdersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_orders_placed_total",
			Help: "Total number of ladder orders accepted by the venue",
		}, []string{"symbol", "side"}),
		OrdersFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_orders_failed_total",
			Help: "Total number of ladder orders skipped or rejected",
		}, []string{"symbol", "side", "reason"}),
		Fills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_fills_total",
			Help: "Total number of ladder orders detected as filled",
		}, []string{"symbol", "side"}),
		PollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_poll_errors_total",
			Help: "Total number of failed polling cycles",
		}, []string{"symbol", "stage"}),
		RealizedPnL: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridbot_realized_pnl",
			Help: "Realized profit of the session in the quote currency",
		}, []string{"session"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_active_sessions",
			Help: "Number of running grid sessions",
		}),
	}
}

func (m *Metrics) orderPlaced(symbol, side string) {
	if m != nil {
		m.OrdersPlaced.WithLabelValues(symbol, side).Inc()
	}
}

func (m *Metrics) orderFailed(symbol, side, reason string) {
	if m != nil {
		m.OrdersFailed.WithLabelValues(symbol, side, reason).Inc()
	}
}

func (m *Metrics) fill(symbol, side string) {
	if m != nil {
		m.Fills.WithLabelValues(symbol, side).Inc()
	}
}

func (m *Metrics) pollError(symbol, stage string) {
	if m != nil {
		m.PollErrors.WithLabelValues(symbol, stage).Inc()
	}
}

func (m *Metrics) realized(session string, pnl float64) {
	if m != nil {
		m.RealizedPnL.WithLabelValues(session).Set(pnl)
	}
}

// forget drops the per-session series of a finished session.
func (m *Metrics) forget(session string) {
	if m != nil {
		m.RealizedPnL.DeleteLabelValues(session)
	}
}
