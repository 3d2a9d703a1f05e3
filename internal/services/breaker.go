package services

import (
	"context"
	"sync"
	"time"

	"github.com/anvilworks/ragserver/internal/observability"
	"github.com/anvilworks/ragserver/internal/platform/apierr"
	"github.com/anvilworks/ragserver/internal/platform/logger"
)

const (
	breakerFailureThreshold = 5
	breakerRecoveryTimeout  = 30 * time.Second
)

// CircuitBreaker gates outbound calls per provider name. It is a binary
// gate: after breakerFailureThreshold consecutive failures the circuit
// opens, and after breakerRecoveryTimeout a single probe call is let
// through to decide whether it closes again. Retries stay with the caller.
type CircuitBreaker struct {
	mu sync.Mutex

	log     *logger.Logger
	metrics *observability.Metrics
	now     func() time.Time

	failureThreshold int
	recoveryTimeout  time.Duration

	states map[string]*breakerState
}

type breakerState struct {
	failureCount    int
	lastFailureTime time.Time
	open            bool
	probing         bool
}

func NewCircuitBreaker(baseLog *logger.Logger, metrics *observability.Metrics) *CircuitBreaker {
	return &CircuitBreaker{
		log:              baseLog.With("service", "CircuitBreaker"),
		metrics:          metrics,
		now:              time.Now,
		failureThreshold: breakerFailureThreshold,
		recoveryTimeout:  breakerRecoveryTimeout,
		states:           map[string]*breakerState{},
	}
}

// Do runs fn unless the provider's circuit is open, in which case it fails
// fast with a ProviderUnavailable error without invoking fn.
func (b *CircuitBreaker) Do(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	if err := b.allow(provider); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.recordFailure(provider)
		return err
	}
	b.recordSuccess(provider)
	return nil
}

func (b *CircuitBreaker) allow(provider string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(provider)
	if !st.open {
		return nil
	}
	if st.probing {
		return apierr.ProviderUnavailable(provider)
	}
	if b.now().Sub(st.lastFailureTime) > b.recoveryTimeout {
		// Half-open: exactly one trial call decides the outcome.
		st.probing = true
		b.transition(provider, "half_open")
		return nil
	}
	return apierr.ProviderUnavailable(provider)
}

func (b *CircuitBreaker) recordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(provider)
	wasOpen := st.open
	st.failureCount = 0
	st.open = false
	st.probing = false
	if wasOpen {
		b.transition(provider, "closed")
	}
}

func (b *CircuitBreaker) recordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(provider)
	st.failureCount++
	st.lastFailureTime = b.now()
	if st.probing {
		// Failed probe reopens immediately.
		st.probing = false
		st.open = true
		b.transition(provider, "reopened")
		return
	}
	if !st.open && st.failureCount >= b.failureThreshold {
		st.open = true
		b.transition(provider, "open")
	}
}

// IsOpen reports whether the named circuit currently rejects calls.
func (b *CircuitBreaker) IsOpen(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(provider)
	return st.open && (st.probing || b.now().Sub(st.lastFailureTime) <= b.recoveryTimeout)
}

func (b *CircuitBreaker) state(provider string) *breakerState {
	st, ok := b.states[provider]
	if !ok {
		st = &breakerState{}
		b.states[provider] = st
	}
	return st
}

func (b *CircuitBreaker) transition(provider, state string) {
	if b.log != nil {
		b.log.Warn("circuit state change", "provider", provider, "state", state)
	}
	if b.metrics != nil {
		b.metrics.ObserveBreakerTransition(provider, state)
	}
}
