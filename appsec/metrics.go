package appsec

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes reported by Metrics.
const (
	OutcomeMatch   = "match"
	OutcomeNoMatch = "no_match"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Metrics collects Prometheus metrics for evaluation contexts. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	transactions *prometheus.CounterVec
	wafRuns      *prometheus.CounterVec
	wafDuration  prometheus.Histogram
}

// NewMetrics creates unregistered collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "appsec",
				Name:      "transactions_total",
				Help:      "Total number of evaluated transactions",
			},
			[]string{"blocked"},
		),
		wafRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "appsec",
				Name:      "waf_runs_total",
				Help:      "Total number of rule engine runs by outcome",
			},
			[]string{"outcome"},
		),
		wafDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "appsec",
				Name:      "waf_duration_seconds",
				Help:      "Wall time of rule engine runs in seconds",
				Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
			},
		),
	}
}

// Register registers the collectors on reg. Collectors already registered
// by a previous configuration are reused.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil || reg == nil {
		return nil
	}

	var err error
	if m.transactions, err = register(reg, m.transactions); err != nil {
		return err
	}
	if m.wafRuns, err = register(reg, m.wafRuns); err != nil {
		return err
	}
	if m.wafDuration, err = register(reg, m.wafDuration); err != nil {
		return err
	}
	return nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeRun(outcome string, res Result) {
	if m == nil {
		return
	}
	m.wafRuns.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSkipped {
		m.wafDuration.Observe(res.DurationExt.Seconds())
	}
}

func (m *Metrics) observeTransaction(blocked bool) {
	if m == nil {
		return
	}
	label := "false"
	if blocked {
		label = "true"
	}
	m.transactions.WithLabelValues(label).Inc()
}
