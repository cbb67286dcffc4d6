// Package risk guards the venue REST path with a circuit breaker. Order
// placement, cancellation and polling all route through it, so a venue outage
// degrades into fast failures instead of piled-up blocked goroutines.
package risk

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Exchange circuit breaker thresholds
const (
	ExchangeMinRequests     = 5                // Minimum requests before tripping
	ExchangeFailureRatio    = 0.6              // Failure ratio threshold (60%)
	ExchangeOpenTimeout     = 30 * time.Second // How long circuit stays open
	ExchangeHalfOpenMaxReqs = 3                // Max requests in half-open state
	ExchangeCountInterval   = 10 * time.Second // Window for counting failures
)

var (
	breakerState *prometheus.GaugeVec
	breakerTrips *prometheus.CounterVec
	metricsOnce  sync.Once
)

// initMetrics registers the breaker metrics exactly once
func initMetrics() {
	metricsOnce.Do(func() {
		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hourglass_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"service"},
		)
		breakerTrips = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hourglass_circuit_breaker_trips_total",
				Help: "Number of closed-to-open transitions",
			},
			[]string{"service"},
		)
	})
}

// Settings holds circuit breaker thresholds for one guarded service
type Settings struct {
	Name            string
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// ExchangeSettings returns the tuned thresholds for the venue REST API
func ExchangeSettings() Settings {
	return Settings{
		Name:            "exchange",
		MinRequests:     ExchangeMinRequests,
		FailureRatio:    ExchangeFailureRatio,
		OpenTimeout:     ExchangeOpenTimeout,
		HalfOpenMaxReqs: ExchangeHalfOpenMaxReqs,
		CountInterval:   ExchangeCountInterval,
	}
}

// NewExchangeBreaker creates the venue breaker with default thresholds
func NewExchangeBreaker() *gobreaker.CircuitBreaker {
	return NewBreaker(ExchangeSettings())
}

// NewBreaker creates a circuit breaker with Prometheus state tracking
func NewBreaker(s Settings) *gobreaker.CircuitBreaker {
	initMetrics()

	setState(s.Name, gobreaker.StateClosed)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenMaxReqs,
		Interval:    s.CountInterval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			setState(name, to)
			if to == gobreaker.StateOpen {
				breakerTrips.WithLabelValues(name).Inc()
			}
		},
	})
}

// NewPassthroughBreaker creates a breaker that never trips. Useful for
// testing other components without the breaker interfering.
func NewPassthroughBreaker() *gobreaker.CircuitBreaker {
	initMetrics()

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "passthrough",
		MaxRequests: 1000,
		Interval:    0,
		Timeout:     1 * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return false
		},
	})
}

// setState updates the Prometheus gauge for a breaker state change
func setState(service string, state gobreaker.State) {
	var stateValue float64
	switch state {
	case gobreaker.StateClosed:
		stateValue = 0
	case gobreaker.StateOpen:
		stateValue = 1
	case gobreaker.StateHalfOpen:
		stateValue = 2
	}
	breakerState.WithLabelValues(service).Set(stateValue)
}
