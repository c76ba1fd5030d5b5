package router

import (
	"strings"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/events"
)

// Decision is the router's immutable output for one task.
type Decision struct {
	Worker     string  `json:"worker_id"`
	Model      string  `json:"model_id"`
	MaxCostUSD float64 `json:"max_cost_usd"`
	Reason     string  `json:"reason"`
	Complexity Verdict `json:"complexity"`
	Score      int     `json:"score"`
}

// Emitter is the slice of the event bus the router needs.
type Emitter interface {
	Emit(eventType string, payload map[string]any)
}

// CacheStats reports decision cache effectiveness.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// Router applies the ordered routing policy. Identical inputs always yield
// identical decisions, which makes the LRU cache safe.
type Router struct {
	policy  config.RoutingConfig
	budget  config.BudgetConfig
	emitter Emitter

	cache  *lru.Cache[string, Decision]
	hits   atomic.Int64
	misses atomic.Int64
}

// New builds a router from the policy document. emitter may be nil.
func New(routing config.RoutingConfig, budget config.BudgetConfig, emitter Emitter) *Router {
	size := routing.CacheSize
	if size <= 0 {
		size = 1000
	}
	cache, _ := lru.New[string, Decision](size)
	return &Router{
		policy:  routing,
		budget:  budget,
		emitter: emitter,
		cache:   cache,
	}
}

// Decide routes a task to a worker, model, and cost cap. path and scope may
// be empty. The router never fails: with no matching rule it falls back to
// the orchestrator itself on the cheapest model.
func (r *Router) Decide(taskType, description, path string, estimatedSteps int) Decision {
	key := cacheKey(taskType, description, path)
	if d, ok := r.cache.Get(key); ok {
		r.hits.Add(1)
		return d
	}
	r.misses.Add(1)

	score, verdict := Estimate(description, estimatedSteps)

	d := Decision{
		// Fallback: route to the orchestrator with the cheapest model.
		Worker:     "orchestrator",
		Model:      r.policy.CheapModel,
		MaxCostUSD: r.budget.DefaultFeatureCost,
		Reason:     "no routing rule matched",
		Complexity: verdict,
		Score:      score,
	}
	for _, rule := range r.policy.Rules {
		if rule.TaskType != taskType {
			continue
		}
		if rule.Complexity != "" && rule.Complexity != "any" && rule.Complexity != string(verdict) {
			continue
		}
		d.Worker = rule.Worker
		d.Model = rule.Model
		d.Reason = rule.Reason
		break
	}

	if cap, ok := r.CostCapFor(path); ok {
		d.MaxCostUSD = cap
	}

	r.cache.Add(key, d)
	if r.emitter != nil {
		r.emitter.Emit(events.EventRoutingDecision, map[string]any{
			"task_type":    taskType,
			"path":         path,
			"worker":       d.Worker,
			"model":        d.Model,
			"max_cost_usd": d.MaxCostUSD,
			"complexity":   string(d.Complexity),
			"reason":       d.Reason,
		})
	}
	return d
}

// CostCapFor returns the first cost override whose glob matches path.
func (r *Router) CostCapFor(path string) (float64, bool) {
	if path == "" {
		return 0, false
	}
	for _, o := range r.policy.CostOverrides {
		if ok, err := doublestar.Match(o.PathGlob, path); err == nil && ok {
			return o.MaxCostUSD, true
		}
	}
	return 0, false
}

// Stats reports cache hits, misses, and current size.
func (r *Router) Stats() CacheStats {
	return CacheStats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Size:   r.cache.Len(),
	}
}

// cacheKey normalizes the description (lowercase, collapsed whitespace) so
// trivially different phrasings share a cache slot.
func cacheKey(taskType, description, path string) string {
	return taskType + "|" + strings.Join(strings.Fields(strings.ToLower(description)), " ") + "|" + path
}
