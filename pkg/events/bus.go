package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaya-dev/kaya/pkg/clock"
)

// defaultQueueSize bounds the in-flight event queue.
const defaultQueueSize = 1024

// flushTimeout bounds how long Close waits for the dispatcher to drain.
const flushTimeout = 5 * time.Second

// Sink receives dispatched events. Write is called from the single
// dispatcher goroutine; sinks do not need to be concurrency-safe.
type Sink interface {
	Write(e Event) error
	Close() error
}

// Bus is the bounded in-process pub/sub queue feeding all sinks.
type Bus struct {
	clk   clock.Clock
	queue chan Event
	sinks []Sink

	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewBus creates a bus with the given sinks and starts its dispatcher.
// queueSize ≤ 0 selects the default.
func NewBus(clk clock.Clock, queueSize int, sinks ...Sink) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	b := &Bus{
		clk:   clk,
		queue: make(chan Event, queueSize),
		sinks: sinks,
		done:  make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Emit places an event on the queue, stamping it with the bus clock.
// Never blocks: if the queue is full the oldest event is discarded.
func (b *Bus) Emit(eventType string, payload map[string]any) {
	e := Event{
		Type:      eventType,
		Timestamp: clock.EpochSeconds(b.clk.Now()),
		Payload:   payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for {
		select {
		case b.queue <- e:
			return
		default:
		}
		// Queue full: drop the oldest entry and retry.
		select {
		case <-b.queue:
			b.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns the number of events discarded due to a full queue.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops accepting events, waits up to 5 s for the queue to drain,
// then closes all sinks.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	select {
	case <-b.done:
	case <-time.After(flushTimeout):
		slog.Warn("Event bus flush timeout exceeded", "timeout", flushTimeout)
	}

	var firstErr error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.queue {
		for _, s := range b.sinks {
			if err := s.Write(e); err != nil {
				slog.Warn("Event sink write failed", "event_type", e.Type, "error", err)
			}
		}
	}
}
