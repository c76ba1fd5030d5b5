package kaya

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kaya-dev/kaya/pkg/clock"
	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/hotstore"
)

// Session is the budget scope enclosing a sequence of tasks.
type Session struct {
	SessionID    string  `json:"session_id"`
	StartedAt    float64 `json:"started_at"`
	CostUsed     float64 `json:"cost_used"`
	CostCapUSD   float64 `json:"cost_cap_total_usd"`
	CostWarnUSD  float64 `json:"cost_cap_warn_usd"`
	WarnedBudget bool    `json:"warned_budget"`
}

// warnFraction triggers the one-shot budget warning.
const warnFraction = 0.8

// ErrBudgetExceeded signals the session cap would be blown by the next
// worker spawn.
type ErrBudgetExceeded struct {
	CostUsed float64
	CapUSD   float64
	NextCost float64
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("budget exceeded: used $%.2f of $%.2f, next call needs $%.2f", e.CostUsed, e.CapUSD, e.NextCost)
}

// Sessions owns session lifecycle and budget accounting in the hot
// store. The live counter here is authoritative for budget checks; the
// cost ledger is the durable journal behind it.
type Sessions struct {
	hot     hotstore.Store
	clk     clock.Clock
	budget  config.BudgetConfig
	emitter Emitter
	logger  *slog.Logger
}

// Emitter is the slice of the event bus the orchestrator needs.
type Emitter interface {
	Emit(eventType string, payload map[string]any)
}

func NewSessions(hot hotstore.Store, clk clock.Clock, budget config.BudgetConfig, emitter Emitter, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{hot: hot, clk: clk, budget: budget, emitter: emitter, logger: logger}
}

// GetOrCreate loads the session, creating it with configured caps when
// absent. Every touch refreshes the TTL.
func (s *Sessions) GetOrCreate(ctx context.Context, sessionID string) (Session, error) {
	raw, ok, err := s.hot.Get(ctx, hotstore.SessionKey(sessionID))
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if ok {
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return Session{}, fmt.Errorf("decode session %s: %w", sessionID, err)
		}
		_ = s.save(ctx, sess)
		return sess, nil
	}

	sess := Session{
		SessionID:   sessionID,
		StartedAt:   clock.EpochSeconds(s.clk.Now()),
		CostCapUSD:  s.budget.SessionCapUSD,
		CostWarnUSD: s.budget.SessionWarnUSD,
	}
	if err := s.save(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// AddCost accumulates spend on the session and its live budget counter,
// emitting budget_warning exactly once past the warn fraction.
func (s *Sessions) AddCost(ctx context.Context, sessionID string, cost float64) (float64, error) {
	if cost < 0 {
		return 0, fmt.Errorf("negative cost")
	}
	total, err := s.hot.IncrByFloat(ctx, hotstore.BudgetKey(sessionID), cost, hotstore.SessionTTL)
	if err != nil {
		return 0, fmt.Errorf("bump session budget: %w", err)
	}

	sess, err := s.GetOrCreate(ctx, sessionID)
	if err != nil {
		return total, err
	}
	sess.CostUsed = total
	if !sess.WarnedBudget && sess.CostCapUSD > 0 && total >= warnFraction*sess.CostCapUSD {
		sess.WarnedBudget = true
		if s.emitter != nil {
			s.emitter.Emit("budget_warning", map[string]any{
				"session_id":   sessionID,
				"cost_used":    total,
				"cost_cap_usd": sess.CostCapUSD,
			})
		}
	}
	if err := s.save(ctx, sess); err != nil {
		return total, err
	}
	return total, nil
}

// CheckBudget gates the next worker spawn. capOverride > 0 replaces the
// session cap for critical paths.
func (s *Sessions) CheckBudget(ctx context.Context, sessionID string, nextCost, capOverride float64) error {
	sess, err := s.GetOrCreate(ctx, sessionID)
	if err != nil {
		// A degraded store cannot enforce budgets; let work proceed.
		s.logger.Warn("budget check unavailable", "session_id", sessionID, "error", err)
		return nil
	}
	used, _, err := s.CostUsed(ctx, sessionID)
	if err != nil {
		s.logger.Warn("budget counter unavailable", "session_id", sessionID, "error", err)
		return nil
	}

	cap := sess.CostCapUSD
	if capOverride > 0 {
		cap = capOverride
	}
	if cap > 0 && used+nextCost > cap {
		if s.emitter != nil {
			s.emitter.Emit("budget_exceeded", map[string]any{
				"session_id":   sessionID,
				"cost_used":    used,
				"cost_cap_usd": cap,
				"next_cost":    nextCost,
			})
		}
		return &ErrBudgetExceeded{CostUsed: used, CapUSD: cap, NextCost: nextCost}
	}
	return nil
}

// CostUsed reads the live session spend counter.
func (s *Sessions) CostUsed(ctx context.Context, sessionID string) (float64, bool, error) {
	raw, ok, err := s.hot.Get(ctx, hotstore.BudgetKey(sessionID))
	if err != nil || !ok {
		return 0, false, err
	}
	var used float64
	if _, err := fmt.Sscanf(raw, "%g", &used); err != nil {
		return 0, false, fmt.Errorf("parse budget counter: %w", err)
	}
	return used, true, nil
}

func (s *Sessions) save(ctx context.Context, sess Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.hot.Set(ctx, hotstore.SessionKey(sess.SessionID), string(raw), hotstore.SessionTTL); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}
