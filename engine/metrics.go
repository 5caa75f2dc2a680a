package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blockberries/overlord/types"
)

const (
	namespaceOverlord  = "overlord"
	subsystemConsensus = "consensus"
)

// Metrics holds the consensus collectors.
type Metrics struct {
	height          prometheus.Gauge
	round           prometheus.Gauge
	committed       prometheus.Counter
	qcsFormed       *prometheus.CounterVec
	roundsSkipped   prometheus.Counter
	timeoutsFired   *prometheus.CounterVec
	invalidMessages *prometheus.CounterVec
	equivocations   prometheus.Counter
	commitLatency   prometheus.Histogram
	syncedHeights   prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		height: factory.NewGauge(prometheus.GaugeOpts{
			Name:      "height",
			Namespace: namespaceOverlord,
			Subsystem: subsystemConsensus,
			Help:      "the height the node is currently deciding",
		}),
		round: factory.NewGauge(prometheus.GaugeOpts{
			Name:      "round",
			Namespace: namespaceOverlord,
			Subsystem: subsystemConsensus,
			Help:      "the current round within the height",
		}),
		committed: factory.NewCounter(prometheus.CounterOpts{
			Name:      "committed_heights_total",
			Namespace: namespaceOverlord,
			Subsystem: subsystemConsensus,
			Help:      "number of heights committed",
		}),
		qcsFormed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "qcs_formed_total",
			Namespace: namespaceOverlord,
			Subsystem: subsystemConsensus,
			Help:      "number of quorum certificates formed locally, by step",
		}, []string{"step"}),
		roundsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name:      "rounds_skipped_total",
			Namespace: namespaceOverlord,
			Subsystem: subsystemConsensus,
			Help:      "number of times the node jumped to a higher round",
		}),
		timeoutsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "timeouts_fired_total",
			Namespace: namespaceOverlord,
			Subsystem: subsystemConsensus,
			Help:      "number of step timeouts acted upon, by step",
		}, []string{"step"}),
		invalidMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "invalid_messages_total",
			Namespace: namespaceOverlord,
			Subsystem: subsystemConsensus,
			Help:      "number of inbound messages dropped as invalid, by type",
		}, []string{"type"}),
		equivocations: factory.NewCounter(prometheus.CounterOpts{
			Name:      "equivocations_total",
			Namespace: namespaceOverlord,
			Subsystem: subsystemConsensus,
			Help:      "number of equivocating votes or proposals observed",
		}),
		commitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:      "height_duration_seconds",
			Namespace: namespaceOverlord,
			Subsystem: subsystemConsensus,
			Help:      "time from entering a height to committing it",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		syncedHeights: factory.NewCounter(prometheus.CounterOpts{
			Name:      "synced_heights_total",
			Namespace: namespaceOverlord,
			Subsystem: subsystemConsensus,
			Help:      "number of heights applied from sync responses",
		}),
	}
}

// NopMetrics returns collectors that are not registered anywhere.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func (m *Metrics) HeightEntered(h types.Height, r types.Round) {
	m.height.Set(float64(h))
	m.round.Set(float64(r))
}

func (m *Metrics) RoundEntered(r types.Round) {
	m.round.Set(float64(r))
}

func (m *Metrics) HeightCommitted(took time.Duration) {
	m.committed.Inc()
	m.commitLatency.Observe(took.Seconds())
}

func (m *Metrics) QCFormed(step types.Step) {
	m.qcsFormed.WithLabelValues(step.String()).Inc()
}

func (m *Metrics) RoundSkipped() {
	m.roundsSkipped.Inc()
}

func (m *Metrics) TimeoutFired(step types.Step) {
	m.timeoutsFired.WithLabelValues(step.String()).Inc()
}

func (m *Metrics) InvalidMessage(kind string) {
	m.invalidMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) Equivocation() {
	m.equivocations.Inc()
}

func (m *Metrics) HeightSynced() {
	m.syncedHeights.Inc()
}
