// Package breaker implements a per-key circuit breaker guarding calls
// to unreliable external collaborators (spec §4.8), generalizing the
// teacher's single-target resiliency client to an independent state
// machine per key.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentpay-io/control-plane/pkg/telemetry"
)

// State is the closed set of per-key breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

// OpenError is returned when execute rejects a call because the
// breaker for key is open (or half-open with no probe slot free).
type OpenError struct {
	Key         string
	RemainingMs int64
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: %q is open, retry in %dms", e.Key, e.RemainingMs)
}

// keyState is the mutable state tracked per breaker key.
type keyState struct {
	state            State
	failureCount     int
	firstFailureAt   time.Time
	openedAt         time.Time
	halfOpenInFlight int
}

// Snapshot is a point-in-time read of one key's state.
type Snapshot struct {
	Key          string
	State        State
	FailureCount int
	OpenedAt     time.Time
}

// Config holds a breaker's tunables.
type Config struct {
	FailureThreshold    int
	RecoveryTimeoutMs   int64
	HalfOpenMaxRequests int
}

// Breaker gates calls per key through the state machine of spec §4.8.
// Grounded on pkg/util/resiliency/client.go's hand-rolled CircuitBreaker,
// generalized from one fixed target to an independent map of keys.
type Breaker struct {
	mu    sync.Mutex
	cfg   Config
	keys  map[string]*keyState
	clock func() time.Time
	tel   *telemetry.Telemetry
}

// New constructs a Breaker with the given configuration. Zero-valued
// fields fall back to conservative defaults (5 failures, 30s recovery,
// 1 half-open probe).
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeoutMs <= 0 {
		cfg.RecoveryTimeoutMs = 30_000
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &Breaker{cfg: cfg, keys: make(map[string]*keyState), clock: time.Now}
}

// WithClock overrides the breaker's time source, for deterministic tests.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
	return b
}

// WithTelemetry attaches a telemetry bundle so breaker trips are
// counted through the host's metric provider.
func (b *Breaker) WithTelemetry(tel *telemetry.Telemetry) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tel = tel
	return b
}

func (b *Breaker) countTrip(key string) {
	if b.tel == nil {
		return
	}
	b.tel.BreakerTrips.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("key", key)))
}

func (b *Breaker) stateFor(key string) *keyState {
	ks, ok := b.keys[key]
	if !ok {
		ks = &keyState{state: StateClosed}
		b.keys[key] = ks
	}
	return ks
}

// Execute runs fn gated by key's breaker. It returns the OpenError
// immediately, without calling fn, if the breaker rejects the call.
func Execute[T any](ctx context.Context, b *Breaker, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	b.mu.Lock()
	ks := b.stateFor(key)
	now := b.clock()

	switch ks.state {
	case StateOpen:
		elapsed := now.Sub(ks.openedAt).Milliseconds()
		if elapsed < b.cfg.RecoveryTimeoutMs {
			remaining := b.cfg.RecoveryTimeoutMs - elapsed
			b.mu.Unlock()
			return zero, &OpenError{Key: key, RemainingMs: remaining}
		}
		ks.state = StateHalfOpen
		ks.halfOpenInFlight = 0
		fallthrough
	case StateHalfOpen:
		if ks.halfOpenInFlight >= b.cfg.HalfOpenMaxRequests {
			elapsed := now.Sub(ks.openedAt).Milliseconds()
			remaining := b.cfg.RecoveryTimeoutMs - elapsed
			if remaining < 0 {
				remaining = 0
			}
			b.mu.Unlock()
			return zero, &OpenError{Key: key, RemainingMs: remaining}
		}
		ks.halfOpenInFlight++
	}
	b.mu.Unlock()

	result, err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	ks = b.stateFor(key)
	switch ks.state {
	case StateHalfOpen:
		ks.halfOpenInFlight--
		if err != nil {
			ks.state = StateOpen
			ks.openedAt = b.clock()
			ks.failureCount = b.cfg.FailureThreshold
			b.countTrip(key)
		} else {
			ks.state = StateClosed
			ks.failureCount = 0
			ks.halfOpenInFlight = 0
		}
	default:
		if err != nil {
			if ks.failureCount == 0 {
				ks.firstFailureAt = b.clock()
			}
			ks.failureCount++
			// A call admitted while closed may finish after a sibling has
			// already tripped the key; it must not trip it a second time.
			if ks.failureCount >= b.cfg.FailureThreshold && ks.state != StateOpen {
				ks.state = StateOpen
				ks.openedAt = b.clock()
				b.countTrip(key)
			}
		} else {
			ks.failureCount = 0
		}
	}
	return result, err
}

// GetState returns the current state of key (closed if never seen).
func (b *Breaker) GetState(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ks, ok := b.keys[key]; ok {
		return ks.state
	}
	return StateClosed
}

// GetSnapshot returns a point-in-time view of every key the breaker
// has ever seen.
func (b *Breaker) GetSnapshot() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Snapshot, 0, len(b.keys))
	for k, ks := range b.keys {
		out = append(out, Snapshot{Key: k, State: ks.state, FailureCount: ks.failureCount, OpenedAt: ks.openedAt})
	}
	return out
}

// Reset returns key unconditionally to closed with zero counts. With
// no key given, every key is reset.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if key == "" {
		b.keys = make(map[string]*keyState)
		return
	}
	b.keys[key] = &keyState{state: StateClosed}
}
