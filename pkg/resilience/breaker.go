package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned by Breaker.Execute while the breaker is open
// (or rejecting excess half-open probes).
var ErrCircuitOpen = errors.New("circuit open")

// BreakerSettings configures a named circuit breaker.
type BreakerSettings struct {
	// FailureThreshold consecutive failures trip closed → open.
	FailureThreshold int
	// OpenFor is how long the breaker stays open before probing.
	OpenFor time.Duration
	// HalfOpenMaxCalls bounds concurrent probe calls in half-open.
	HalfOpenMaxCalls int
	// SuccessThreshold consecutive half-open successes close the breaker.
	SuccessThreshold int
}

// DefaultBreakerSettings match the per-endpoint defaults: 5 consecutive
// failures open the circuit for 60 s; 3 half-open probes are allowed and
// 2 consecutive successes close it again.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		OpenFor:          60 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 2,
	}
}

// StateChange is delivered asynchronously on breaker transitions.
type StateChange struct {
	Name string
	From string
	To   string
}

// Breaker wraps a sony/gobreaker circuit breaker for one named external
// dependency. State transitions are reported on a non-blocking channel so
// observability never stalls the caller.
type Breaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	changes chan StateChange
}

// NewBreaker creates a breaker for the named dependency.
func NewBreaker(name string, s BreakerSettings) *Breaker {
	b := &Breaker{
		name:    name,
		changes: make(chan StateChange, 16),
	}
	// gobreaker closes once ConsecutiveSuccesses reaches MaxRequests, so
	// the success threshold, not the probe cap, drives that knob.
	closeAfter := s.SuccessThreshold
	if closeAfter <= 0 {
		closeAfter = s.HalfOpenMaxCalls
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(closeAfter),
		Timeout:     s.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(s.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			change := StateChange{Name: name, From: stateName(from), To: stateName(to)}
			select {
			case b.changes <- change:
			default:
				// Observer fell behind; drop rather than block the caller.
			}
		},
	})
	return b
}

// Execute runs op through the breaker. While open it fails fast with
// ErrCircuitOpen without invoking op.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the current state name: closed, open, or half_open.
func (b *Breaker) State() string { return stateName(b.cb.State()) }

// Name returns the breaker's dependency name.
func (b *Breaker) Name() string { return b.name }

// Changes exposes the asynchronous state transition stream.
func (b *Breaker) Changes() <-chan StateChange { return b.changes }

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "open"
	}
}

// BreakerSet holds the per-endpoint breakers, created lazily by name.
type BreakerSet struct {
	mu       sync.Mutex
	settings BreakerSettings
	breakers map[string]*Breaker
	observe  func(StateChange)
}

// NewBreakerSet creates a registry using the given settings for every
// breaker it creates. observe, if non-nil, receives state transitions
// (invoked from a dedicated goroutine per breaker).
func NewBreakerSet(settings BreakerSettings, observe func(StateChange)) *BreakerSet {
	return &BreakerSet{
		settings: settings,
		breakers: make(map[string]*Breaker),
		observe:  observe,
	}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, s.settings)
	s.breakers[name] = b
	if s.observe != nil {
		go func() {
			for change := range b.Changes() {
				s.observe(change)
			}
		}()
	}
	slog.Debug("Circuit breaker created", "name", name)
	return b
}

// States snapshots the current state of every breaker, keyed by name.
func (s *BreakerSet) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State()
	}
	return out
}
