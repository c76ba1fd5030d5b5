package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaya-dev/kaya/pkg/clock"
)

// captureSink records events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) Write(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestBusDeliversInOrder(t *testing.T) {
	sink := &captureSink{}
	bus := NewBus(clock.Real{}, 16, sink)

	bus.Emit(EventTaskQueued, map[string]any{"task_id": "t1", "seq": 1})
	bus.Emit(EventAgentStarted, map[string]any{"task_id": "t1", "seq": 2})
	bus.Emit(EventAgentCompleted, map[string]any{"task_id": "t1", "seq": 3})
	require.NoError(t, bus.Close())

	got := sink.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, EventTaskQueued, got[0].Type)
	assert.Equal(t, EventAgentStarted, got[1].Type)
	assert.Equal(t, EventAgentCompleted, got[2].Type)
	assert.True(t, sink.closed)
}

func TestBusStampsTimestamp(t *testing.T) {
	fixed := clock.Fixed{T: time.Unix(1700000000, 250_000_000)}
	sink := &captureSink{}
	bus := NewBus(fixed, 4, sink)
	bus.Emit(EventBudgetWarning, nil)
	require.NoError(t, bus.Close())

	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.InDelta(t, 1.70000000025e9, got[0].Timestamp, 1e-6)
}

// slowSink blocks dispatch so the queue can be filled deterministically.
type slowSink struct {
	release chan struct{}
	seen    chan Event
}

func (s *slowSink) Write(e Event) error {
	s.seen <- e
	<-s.release
	return nil
}

func (s *slowSink) Close() error { return nil }

func TestBusDropsOldestWhenFull(t *testing.T) {
	sink := &slowSink{release: make(chan struct{}), seen: make(chan Event, 64)}
	bus := NewBus(clock.Real{}, 2, sink)

	// First event occupies the dispatcher; then overfill the 2-slot queue.
	bus.Emit(EventTaskQueued, map[string]any{"seq": 0})
	<-sink.seen
	for i := 1; i <= 5; i++ {
		bus.Emit(EventTaskQueued, map[string]any{"seq": i})
	}

	assert.Greater(t, bus.Dropped(), int64(0))
	close(sink.release)
	require.NoError(t, bus.Close())
}

func TestBusEmitAfterCloseIsNoop(t *testing.T) {
	sink := &captureSink{}
	bus := NewBus(clock.Real{}, 4, sink)
	require.NoError(t, bus.Close())
	bus.Emit(EventTaskQueued, nil) // must not panic
	assert.Empty(t, sink.snapshot())
}

func TestFileSinkWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "events.ndjson")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	bus := NewBus(clock.Fixed{T: time.Unix(1700000000, 0)}, 8, sink)
	bus.Emit(EventRoutingDecision, map[string]any{"worker": "scribe"})
	bus.Emit(EventAgentStarted, map[string]any{"agent": "scribe", "task_id": "t9"})
	require.NoError(t, bus.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, EventRoutingDecision, first.Type)
	assert.Equal(t, "scribe", first.Payload["worker"])
	assert.InDelta(t, 1.7e9, first.Timestamp, 1)
}

func TestConsoleSinkOutput(t *testing.T) {
	var buf strings.Builder
	sink := &ConsoleSink{Out: &buf, Color: false}
	require.NoError(t, sink.Write(Event{
		Type:      EventAgentCompleted,
		Timestamp: 1.7e9,
		Payload:   map[string]any{"agent": "runner", "status": "success", "task_id": "t1"},
	}))
	out := buf.String()
	assert.Contains(t, out, "agent_completed")
	assert.Contains(t, out, "task_id=t1")
	assert.Contains(t, out, "status=success")
}
