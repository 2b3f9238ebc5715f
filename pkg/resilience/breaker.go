// Package resilience guards calls to flaky external services.
package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"peercall-backend/pkg/logger"
)

// State is the state of a circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

// ErrOpen is returned without calling the operation while the breaker is open
var ErrOpen = errors.New("circuit breaker open")

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "State of a circuit breaker (0=closed, 1=half_open, 2=open)",
	}, []string{"breaker"})
	breakerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_calls_total",
		Help: "Calls through a circuit breaker by operation and result",
	}, []string{"breaker", "operation", "result"})
)

// Breaker opens after a run of consecutive failures and rejects calls until
// the cooldown passes. The first call after the cooldown is a trial: success
// closes the breaker, failure opens it again.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

// NewBreaker creates a closed breaker
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     StateClosed,
	}
	breakerState.WithLabelValues(name).Set(0)
	return b
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn unless the breaker is open. Context cancellation is not
// counted as a failure.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if !b.allow() {
		breakerCalls.WithLabelValues(b.name, operation, "rejected").Inc()
		return ErrOpen
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.onSuccess()
		breakerCalls.WithLabelValues(b.name, operation, "success").Inc()
	case ctx.Err() != nil:
		b.release()
		breakerCalls.WithLabelValues(b.name, operation, "canceled").Inc()
	default:
		b.onFailure(operation, err)
		breakerCalls.WithLabelValues(b.name, operation, classifyError(err)).Inc()
	}
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		// One trial at a time
		if b.trial {
			return false
		}
		b.trial = true
		b.setState(StateHalfOpen)
		return true
	}
	return false
}

func (b *Breaker) release() {
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		logger.Info("Circuit breaker closed", zap.String("breaker", b.name))
	}
	b.failures = 0
	b.trial = false
	b.setState(StateClosed)
}

func (b *Breaker) onFailure(operation string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.trial || b.failures >= b.threshold {
		b.trial = false
		b.openedAt = b.now()
		b.setState(StateOpen)
		logger.Error("Circuit breaker opened",
			zap.String("breaker", b.name),
			zap.String("operation", operation),
			zap.Int("consecutive_failures", b.failures),
			zap.Duration("cooldown", b.cooldown),
			zap.Error(err))
	}
}

func (b *Breaker) setState(s State) {
	b.state = s
	switch s {
	case StateClosed:
		breakerState.WithLabelValues(b.name).Set(0)
	case StateHalfOpen:
		breakerState.WithLabelValues(b.name).Set(1)
	case StateOpen:
		breakerState.WithLabelValues(b.name).Set(2)
	}
}

// classifyError buckets errors for metrics
func classifyError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "network unreachable"):
		return "network"
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
		return "dns"
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "permission denied") || strings.Contains(msg, "forbidden"):
		return "permission"
	default:
		return "failure"
	}
}
