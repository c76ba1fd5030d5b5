// Package runtime assembles a kaya process from configuration and
// environment: stores, event bus, model clients, worker pools, and the
// orchestrator, with an ordered shutdown.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"google.golang.org/genai"

	"github.com/kaya-dev/kaya/pkg/clock"
	"github.com/kaya-dev/kaya/pkg/coldstore"
	"github.com/kaya-dev/kaya/pkg/config"
	"github.com/kaya-dev/kaya/pkg/events"
	"github.com/kaya-dev/kaya/pkg/hitl"
	"github.com/kaya-dev/kaya/pkg/hotstore"
	"github.com/kaya-dev/kaya/pkg/kaya"
	"github.com/kaya-dev/kaya/pkg/ledger"
	"github.com/kaya-dev/kaya/pkg/llm"
	"github.com/kaya-dev/kaya/pkg/metrics"
	"github.com/kaya-dev/kaya/pkg/ratelimit"
	"github.com/kaya-dev/kaya/pkg/resilience"
	"github.com/kaya-dev/kaya/pkg/router"
	"github.com/kaya-dev/kaya/pkg/worker"
)

// Environment variables consumed at build time. Configuration files hold
// policy; credentials and endpoints stay in the environment.
const (
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvGeminiKey    = "GEMINI_API_KEY"
	EnvRedisAddr    = "REDIS_ADDR"
	EnvRedisDB      = "REDIS_DB"
	EnvDatabaseURL  = "DATABASE_URL"
)

const wsWriteTimeout = 5 * time.Second

// Runtime is the fully wired process. Fields are exported for the CLI and
// API layers; Close tears everything down in reverse build order.
type Runtime struct {
	Config       *config.Config
	Clock        clock.Clock
	Bus          *events.Bus
	ConnManager  *events.ConnectionManager
	Hot          hotstore.Store
	Cold         coldstore.Store
	Ledger       *ledger.Ledger
	Spend        ledger.Querier
	Breakers     *resilience.BreakerSet
	Limiter      *ratelimit.Limiter
	Router       *router.Router
	LLM          llm.Client
	HITL         *hitl.Queue
	Metrics      *metrics.Aggregator
	Orchestrator *kaya.Orchestrator

	logger  *slog.Logger
	closers []func() error
}

// Build wires the process. Missing optional backends degrade to in-process
// substitutes: memory hot store, memory cold store, hashing embedder.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg, Clock: clock.Real{}, logger: logger}

	rt.ConnManager = events.NewConnectionManager(wsWriteTimeout)
	sinks := []events.Sink{events.NewConsoleSink(), events.NewWebSocketSink(rt.ConnManager)}
	if fileSink, err := events.NewFileSink(cfg.EventLogPath()); err != nil {
		logger.Warn("Event log unavailable, continuing without it", "error", err)
	} else {
		sinks = append(sinks, fileSink)
	}
	rt.Bus = events.NewBus(rt.Clock, 0, sinks...)

	rt.buildHotStore()
	if err := rt.buildColdStoreAndLedger(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}

	rt.Breakers = resilience.NewBreakerSet(breakerSettings(cfg.Resilience), rt.observeBreaker)
	rt.Limiter = ratelimit.New(vendorLimits(cfg.RateLimits), vendorLimit(cfg.RateLimits.Default))
	rt.Router = router.New(cfg.Routing, cfg.Budget, rt.Bus)
	rt.LLM = &breakerClient{
		inner:   llm.NewAnthropic(os.Getenv(EnvAnthropicKey), rt.Limiter, llm.NewPricing(cfg.Models)),
		breaker: rt.Breakers.Get("anthropic"),
	}

	rt.HITL = hitl.NewQueue(rt.Hot, rt.Cold, rt.Clock, rt.Bus, logger)
	rt.Metrics = metrics.NewAggregator(rt.Hot, rt.Clock, logger)

	invoker, err := rt.buildInvoker(ctx)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	rt.Orchestrator = kaya.New(kaya.Deps{
		Config:   cfg,
		Clock:    rt.Clock,
		Emitter:  rt.Bus,
		Hot:      rt.Hot,
		Cold:     rt.Cold,
		Router:   rt.Router,
		Invoker:  invoker,
		HITL:     rt.HITL,
		Ledger:   rt.Ledger,
		Metrics:  rt.Metrics,
		LLM:      rt.LLM,
		Breakers: rt.Breakers,
		Logger:   logger,
	})
	return rt, nil
}

// Close shuts components down in reverse build order. The cost ledger
// flushes before its sink's database closes; the bus drains last so late
// events still reach the log.
func (r *Runtime) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.closers = nil
	if r.Bus != nil {
		if err := r.Bus.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.Bus = nil
	}
	return firstErr
}

func (r *Runtime) addCloser(fn func() error) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) buildHotStore() {
	addr := os.Getenv(EnvRedisAddr)
	if addr == "" {
		r.logger.Info("No REDIS_ADDR set, using in-memory hot store")
		r.Hot = hotstore.NewMemory(r.Clock)
		return
	}
	db := 0
	if raw := os.Getenv(EnvRedisDB); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			db = n
		}
	}
	redisStore := hotstore.NewRedis(addr, db)
	r.addCloser(redisStore.Close)
	r.Hot = hotstore.NewDegraded(redisStore)
	r.logger.Info("Hot store connected", "addr", addr, "db", db)
}

func (r *Runtime) buildColdStoreAndLedger(ctx context.Context) error {
	var embedder coldstore.Embedder = coldstore.LocalEmbedder{}
	if key := os.Getenv(EnvGeminiKey); key != "" {
		genaiEmbedder, err := coldstore.NewGenAIEmbedder(ctx, key, "")
		if err != nil {
			r.logger.Warn("GenAI embedder unavailable, falling back to local hashing", "error", err)
		} else {
			embedder = genaiEmbedder
		}
	}
	cached, err := coldstore.NewCachedEmbedder(embedder, 0)
	if err != nil {
		return err
	}

	var sink ledger.Sink
	if dsn := os.Getenv(EnvDatabaseURL); dsn != "" {
		pg, err := coldstore.NewPostgres(ctx, dsn, cached, r.logger)
		if err != nil {
			return err
		}
		r.addCloser(pg.Close)
		r.Cold = pg

		pgSink, err := ledger.NewPostgresSink(pg.DB())
		if err != nil {
			return err
		}
		sink = pgSink
		r.Spend = pgSink
		r.logger.Info("Cold store connected")
	} else {
		r.logger.Info("No DATABASE_URL set, using in-memory cold store and ledger")
		r.Cold = coldstore.NewMemory(cached)
		mem := ledger.NewMemorySink()
		sink = mem
		r.Spend = mem
	}

	r.Ledger = ledger.New(r.Clock, sink, r.logger)
	r.addCloser(r.Ledger.Close)
	return nil
}

// buildInvoker creates one pool per worker type over a shared subprocess
// launcher and a shared global instance cap.
func (r *Runtime) buildInvoker(ctx context.Context) (kaya.Invoker, error) {
	cfg := r.Config
	launcher := worker.NewExecLauncher(cfg.Workers.ProcessPoolSize)

	var aiClient *genai.Client
	if key := os.Getenv(EnvGeminiKey); key != "" {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: key})
		if err != nil {
			r.logger.Warn("GenAI vision analysis unavailable", "error", err)
		} else {
			aiClient = client
		}
	}

	// The Medic re-runs tests through its own Runner instance, outside the
	// pools, so a repair cycle cannot deadlock on pool capacity.
	medicRunner := worker.NewRunner(launcher, cfg.Runner, r.logger)
	runTests := func(ctx context.Context, path string) (int, error) {
		res := medicRunner.Handle(ctx, worker.Request{
			Kind:    "execute_test",
			Payload: map[string]any{"test_path": path},
		})
		status, _ := res.Data["status"].(string)
		if !res.OK && status != "fail" {
			return 0, errors.New(res.Error)
		}
		switch n := res.Data["failed_count"].(type) {
		case int:
			return n, nil
		case float64:
			return int(n), nil
		}
		return 0, nil
	}

	factories := map[string]func() worker.Worker{
		worker.NameScribe: func() worker.Worker {
			return worker.NewScribe(r.LLM, r.Cold, cfg.System.TestsDir, r.logger)
		},
		worker.NameCritic: func() worker.Worker {
			return worker.NewCritic()
		},
		worker.NameRunner: func() worker.Worker {
			return worker.NewRunner(launcher, cfg.Runner, r.logger)
		},
		worker.NameMedic: func() worker.Worker {
			return worker.NewMedic(r.LLM, r.Hot, r.Clock, runTests, cfg.Runner.RegressionTargets, r.logger)
		},
		worker.NameGemini: func() worker.Worker {
			return worker.NewGemini(launcher, cfg.Runner, aiClient, "", r.logger)
		},
	}
	return newPoolInvoker(factories, cfg.Workers, r.Clock, r.Bus), nil
}

func (r *Runtime) observeBreaker(change resilience.StateChange) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Hot.Set(ctx, hotstore.BreakerKey(change.Name), change.To, 0); err != nil {
		r.logger.Warn("Breaker state write failed", "name", change.Name, "error", err)
	}

	eventType := events.EventCircuitBreakerClosed
	if change.To == "open" {
		eventType = events.EventCircuitBreakerOpened
	}
	r.Bus.Emit(eventType, map[string]any{
		"name": change.Name,
		"from": change.From,
		"to":   change.To,
	})
}

// breakerClient guards the model vendor behind a circuit breaker.
type breakerClient struct {
	inner   llm.Client
	breaker *resilience.Breaker
}

func (b *breakerClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	var resp llm.Response
	err := b.breaker.Execute(func() error {
		var err error
		resp, err = b.inner.Complete(ctx, req)
		return err
	})
	return resp, err
}

func breakerSettings(cfg config.ResilienceConfig) resilience.BreakerSettings {
	s := resilience.DefaultBreakerSettings()
	if cfg.FailureThreshold > 0 {
		s.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.OpenFor > 0 {
		s.OpenFor = cfg.OpenFor
	}
	if cfg.HalfOpenMaxCalls > 0 {
		s.HalfOpenMaxCalls = cfg.HalfOpenMaxCalls
	}
	if cfg.SuccessThreshold > 0 {
		s.SuccessThreshold = cfg.SuccessThreshold
	}
	return s
}

func vendorLimits(cfg config.RateLimitsConfig) map[string]ratelimit.VendorLimit {
	out := make(map[string]ratelimit.VendorLimit, len(cfg.Vendors))
	for name, v := range cfg.Vendors {
		out[name] = vendorLimit(v)
	}
	return out
}

func vendorLimit(v config.VendorRate) ratelimit.VendorLimit {
	return ratelimit.VendorLimit{RequestsPerSecond: v.RequestsPerSecond, Burst: v.Burst}
}
