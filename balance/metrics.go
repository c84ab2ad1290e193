package balance

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// Attempt outcomes recorded by Metrics.
const (
	outcomeSuccess  = "success"
	outcomeOverload = "overload"
	outcomeFatal    = "fatal"
)

// Metrics records balanced call outcomes.
type Metrics struct {
	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	breakers *prometheus.GaugeVec
	targets  *prometheus.GaugeVec
}

// NewMetrics creates the balance collectors and registers them with reg. A
// collector that is already registered is reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "microwizard",
				Subsystem: "balance",
				Name:      "attempts_total",
				Help:      "Invocation attempts by pattern group and outcome.",
			},
			[]string{"group", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "microwizard",
				Subsystem: "balance",
				Name:      "response_seconds",
				Help:      "Response time of successful attempts.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"group"},
		),
		breakers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "microwizard",
				Subsystem: "balance",
				Name:      "breaker_state",
				Help:      "Breaker state per target: 0 closed, 1 half-open, 2 open.",
			},
			[]string{"group", "target"},
		),
		targets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "microwizard",
				Subsystem: "balance",
				Name:      "targets",
				Help:      "Targets per pattern group.",
			},
			[]string{"group"},
		),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	m.attempts, err = register(reg, m.attempts)
	if err != nil {
		return nil, err
	}
	m.latency, err = register(reg, m.latency)
	if err != nil {
		return nil, err
	}
	m.breakers, err = register(reg, m.breakers)
	if err != nil {
		return nil, err
	}
	m.targets, err = register(reg, m.targets)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) attempt(group, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(group, outcome).Inc()
	if outcome == outcomeSuccess {
		m.latency.WithLabelValues(group).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) breaker(group, target string, state gobreaker.State) {
	if m == nil {
		return
	}
	m.breakers.WithLabelValues(group, target).Set(float64(state))
}

func (m *Metrics) poolSize(group string, n int) {
	if m == nil {
		return
	}
	m.targets.WithLabelValues(group).Set(float64(n))
}
