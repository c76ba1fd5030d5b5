package kaya

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaya-dev/kaya/pkg/clock"
	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/hotstore"
)

type capturedEvent struct {
	Type    string
	Payload map[string]any
}

type captureEmitter struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (c *captureEmitter) Emit(eventType string, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{Type: eventType, Payload: payload})
}

func (c *captureEmitter) ofType(eventType string) []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedEvent
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newSessions(budget config.BudgetConfig) (*Sessions, *captureEmitter) {
	clk := clock.Fixed{T: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	hot := hotstore.NewMemory(clk)
	emitter := &captureEmitter{}
	return NewSessions(hot, clk, budget, emitter, nil), emitter
}

func TestGetOrCreateUsesConfiguredCaps(t *testing.T) {
	ctx := context.Background()
	sessions, _ := newSessions(config.BudgetConfig{SessionCapUSD: 5, SessionWarnUSD: 4})

	sess, err := sessions.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, sess.CostCapUSD, 1e-9)
	assert.Zero(t, sess.CostUsed)

	again, err := sessions.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, again.SessionID)
}

func TestAddCostWarnsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	sessions, emitter := newSessions(config.BudgetConfig{SessionCapUSD: 1.00})

	_, err := sessions.AddCost(ctx, "sess-1", 0.50)
	require.NoError(t, err)
	assert.Empty(t, emitter.ofType("budget_warning"))

	// Crosses 80% of the cap.
	total, err := sessions.AddCost(ctx, "sess-1", 0.35)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, total, 1e-9)
	assert.Len(t, emitter.ofType("budget_warning"), 1)

	// Still over the line, but the warning already fired.
	_, err = sessions.AddCost(ctx, "sess-1", 0.05)
	require.NoError(t, err)
	assert.Len(t, emitter.ofType("budget_warning"), 1)
}

func TestCheckBudgetBlocksPastCap(t *testing.T) {
	ctx := context.Background()
	sessions, emitter := newSessions(config.BudgetConfig{SessionCapUSD: 0.50})

	_, err := sessions.AddCost(ctx, "sess-1", 0.45)
	require.NoError(t, err)

	// Within the warn band work continues.
	assert.NoError(t, sessions.CheckBudget(ctx, "sess-1", 0.01, 0))

	err = sessions.CheckBudget(ctx, "sess-1", 0.10, 0)
	var be *ErrBudgetExceeded
	require.ErrorAs(t, err, &be)
	assert.InDelta(t, 0.45, be.CostUsed, 1e-9)
	assert.InDelta(t, 0.50, be.CapUSD, 1e-9)
	assert.Len(t, emitter.ofType("budget_exceeded"), 1)
}

func TestCheckBudgetCapOverride(t *testing.T) {
	ctx := context.Background()
	sessions, _ := newSessions(config.BudgetConfig{SessionCapUSD: 0.50})

	_, err := sessions.AddCost(ctx, "sess-1", 0.45)
	require.NoError(t, err)

	// The critical-path override lifts the ceiling for this spawn.
	assert.NoError(t, sessions.CheckBudget(ctx, "sess-1", 0.10, 3.00))

	err = sessions.CheckBudget(ctx, "sess-1", 2.60, 3.00)
	var be *ErrBudgetExceeded
	assert.ErrorAs(t, err, &be)
}

func TestCostUsedReadsLiveCounter(t *testing.T) {
	ctx := context.Background()
	sessions, _ := newSessions(config.BudgetConfig{SessionCapUSD: 5})

	used, ok, err := sessions.CostUsed(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, used)

	_, err = sessions.AddCost(ctx, "sess-1", 0.125)
	require.NoError(t, err)
	used, ok, err = sessions.CostUsed(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 0.125, used, 1e-9)
}
