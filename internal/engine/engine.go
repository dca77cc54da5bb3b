package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"greenhouse/internal/contextdata"
	"greenhouse/internal/events"
	"greenhouse/internal/metrics"
	"greenhouse/internal/models"
	"greenhouse/internal/rules"
)

// RuleStore loads rules and stamps triggers.
type RuleStore interface {
	GetEnabledRules(ctx context.Context) ([]models.Rule, error)
	StampRuleTriggered(ctx context.Context, id int64, at time.Time) error
}

// ContextFetcher gathers the context data a rule's clauses reference.
type ContextFetcher interface {
	Gather(ctx context.Context, refs contextdata.Refs) map[string]contextdata.Value
}

// Config tunes the rules engine loop.
type Config struct {
	Interval           time.Duration
	CooldownByPriority map[int]time.Duration
}

// Engine is the rules engine scheduler loop: every tick it loads enabled
// rules, gathers context, evaluates conditions and dispatches actions for
// newly-satisfied rules outside their cooldown window. Cycles never overlap;
// a tick that fires while a cycle is still running waits for it.
type Engine struct {
	store   RuleStore
	fetcher ContextFetcher
	disp    *Dispatcher
	sink    events.Sink
	met     *metrics.Metrics
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates a rules engine loop
func NewEngine(store RuleStore, fetcher ContextFetcher, disp *Dispatcher, sink events.Sink, met *metrics.Metrics, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		fetcher: fetcher,
		disp:    disp,
		sink:    sink,
		met:     met,
		cfg:     cfg,
		log:     log.With().Str("component", "engine").Logger(),
		now:     time.Now,
	}
}

// Start launches the evaluation loop. Starting twice is a warning no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		e.log.Warn().Msg("Engine already started")
		return
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.run(ctx)
	e.log.Info().Dur("interval", e.cfg.Interval).Msg("Rules engine started")
}

// Stop halts the loop, letting a running cycle finish. Stopping an unstarted
// engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
	e.log.Info().Msg("Rules engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle evaluates every enabled rule once. A failure loading the rule list
// aborts the cycle; a single rule's failure never does.
func (e *Engine) RunCycle(ctx context.Context) {
	loaded, err := e.store.GetEnabledRules(ctx)
	if err != nil {
		e.met.CyclesTotal.WithLabelValues("failed").Inc()
		e.log.Error().Err(err).Msg("Failed to load rules, skipping cycle")
		return
	}

	for _, rule := range loaded {
		e.evaluateRule(ctx, rule)
	}
	e.met.CyclesTotal.WithLabelValues("ok").Inc()
}

func (e *Engine) evaluateRule(ctx context.Context, rule models.Rule) {
	e.met.RulesEvaluated.Inc()

	cond, err := rules.ParseCondition(rule.Conditions)
	if err != nil {
		e.log.Warn().Int64("rule", rule.ID).Str("name", rule.Name).Err(err).Msg("Malformed condition tree")
		return
	}

	refs := rules.CollectRefs(cond)
	data := e.fetcher.Gather(ctx, refs)

	now := e.now().UTC()
	if !rules.Evaluate(rule.ID, cond, data, now) {
		return
	}

	cooldown := e.cooldownFor(rule.Priority)
	if rule.LastTriggeredAt != nil && now.Sub(*rule.LastTriggeredAt) < cooldown {
		e.log.Debug().Int64("rule", rule.ID).Str("name", rule.Name).
			Dur("cooldown", cooldown).Time("last_triggered", *rule.LastTriggeredAt).
			Msg("Rule in cooldown, skipping")
		return
	}

	e.log.Info().Int64("rule", rule.ID).Str("name", rule.Name).Int("priority", rule.Priority).Msg("Rule triggered")
	attempted := e.disp.Execute(ctx, rule, now)

	if err := e.store.StampRuleTriggered(ctx, rule.ID, now); err != nil {
		e.log.Error().Int64("rule", rule.ID).Err(err).Msg("Failed to stamp trigger time")
	}

	e.met.RulesTriggered.WithLabelValues(rule.Name).Inc()
	e.sink.Emit(events.New(events.RuleTriggered, map[string]any{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"actions":   attempted,
	}))
}

// cooldownFor maps a priority, clamped to [1,5], to its re-trigger interval
func (e *Engine) cooldownFor(priority int) time.Duration {
	if priority < 1 {
		priority = 1
	}
	if priority > 5 {
		priority = 5
	}
	return e.cfg.CooldownByPriority[priority]
}
