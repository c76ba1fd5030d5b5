// Package ledger is the append-only record of spend. Every worker
// invocation that costs money lands here; budget enforcement reads live
// counters from the hot store, this is the durable journal behind them.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kaya-dev/kaya/pkg/clock"
)

// CostEntry is one priced worker invocation.
type CostEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id"`
	TaskID       string    `json:"task_id"`
	Worker       string    `json:"worker"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Sink persists batches of entries.
type Sink interface {
	WriteBatch(ctx context.Context, entries []CostEntry) error
	Close() error
}

// HourlySpend is one bucket of the hourly rollup.
type HourlySpend struct {
	Hour    string  `json:"hour"`
	CostUSD float64 `json:"cost_usd"`
}

// Querier answers spend questions from the durable journal.
type Querier interface {
	SpendBySession(ctx context.Context, sessionID string) (float64, error)
	SpendByWorker(ctx context.Context, since time.Time) (map[string]float64, error)
	SpendByModel(ctx context.Context, since time.Time) (map[string]float64, error)
	SpendByHour(ctx context.Context, since time.Time) ([]HourlySpend, error)
}

const (
	flushInterval  = 5 * time.Second
	flushBatchSize = 100
	// Past this the buffer sheds oldest entries rather than grow without
	// bound while the sink is down.
	maxBuffered = 10_000

	writeTimeout = 10 * time.Second
)

// Ledger buffers entries and flushes them to the sink every
// flushInterval or every flushBatchSize entries, whichever comes first.
type Ledger struct {
	clk    clock.Clock
	sink   Sink
	logger *slog.Logger

	mu     sync.Mutex
	buf    []CostEntry
	closed bool

	flushCh chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// New starts the background flusher.
func New(clk clock.Clock, sink Sink, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		clk:     clk,
		sink:    sink,
		logger:  logger,
		flushCh: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.loop()
	return l
}

// Record buffers one entry. A zero timestamp is stamped with the current
// time. Recording never blocks on the sink.
func (l *Ledger) Record(entry CostEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clk.Now()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.buf = append(l.buf, entry)
	if overflow := len(l.buf) - maxBuffered; overflow > 0 {
		l.buf = l.buf[overflow:]
		l.logger.Warn("cost ledger buffer overflow, shedding oldest entries", "shed", overflow)
	}
	full := len(l.buf) >= flushBatchSize
	l.mu.Unlock()

	if full {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush forces a synchronous write of everything buffered.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.buf
	l.buf = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := l.sink.WriteBatch(ctx, batch); err != nil {
		// Put the batch back in front so ordering survives a retry.
		l.mu.Lock()
		l.buf = append(batch, l.buf...)
		l.mu.Unlock()
		return err
	}
	return nil
}

// Close flushes the remaining buffer and closes the sink.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stop)
	<-l.done

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := l.Flush(ctx); err != nil {
		l.logger.Error("final cost ledger flush failed", "error", err)
	}
	return l.sink.Close()
}

// Buffered reports the current buffer depth.
func (l *Ledger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

func (l *Ledger) loop() {
	defer close(l.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		case <-l.flushCh:
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := l.Flush(ctx); err != nil {
			l.logger.Warn("cost ledger flush failed, entries retained", "error", err)
		}
		cancel()
	}
}
