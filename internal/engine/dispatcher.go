package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"greenhouse/internal/models"
	"greenhouse/internal/queue"
)

// Publisher appends actions to the critical action queue.
type Publisher interface {
	Publish(ctx context.Context, action models.QueuedAction, actor string) (string, error)
}

// OperationLogger records operation log entries.
type OperationLogger interface {
	RecordOperation(ctx context.Context, op models.Operation) error
}

// Dispatcher translates a triggered rule's declarative actions into queue
// messages, or runs the small allow-list of safe synchronous actions inline.
// One action's failure never blocks the rest of the rule's list.
type Dispatcher struct {
	queue Publisher
	oplog OperationLogger
	log   zerolog.Logger
}

// NewDispatcher creates an action dispatcher
func NewDispatcher(q Publisher, oplog OperationLogger, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		queue: q,
		oplog: oplog,
		log:   log.With().Str("component", "dispatcher").Logger(),
	}
}

// Execute processes a rule's action list in order and returns how many
// actions were attempted.
func (d *Dispatcher) Execute(ctx context.Context, rule models.Rule, triggeredAt time.Time) int {
	var specs []models.ActionSpec
	if err := json.Unmarshal(rule.Actions, &specs); err != nil {
		d.log.Error().Int64("rule", rule.ID).Err(err).Msg("Unparseable action list")
		return 0
	}

	origin := &models.ActionOrigin{
		Source:      "rules_engine",
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		TriggeredAt: triggeredAt,
	}

	for i, spec := range specs {
		d.dispatchOne(ctx, rule, i, spec, origin)
	}
	return len(specs)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, rule models.Rule, idx int, spec models.ActionSpec, origin *models.ActionOrigin) {
	if action, ok := queue.BuildAction(spec, origin); ok {
		msgID, err := d.queue.Publish(ctx, action, "rules_engine")
		if err != nil {
			// No inline retry; the next cooldown-expired cycle republishes
			// if the conditions still hold.
			d.log.Error().Int64("rule", rule.ID).Int("action", idx).Err(err).Msg("Queue publish failed")
			d.recordDispatch(ctx, rule, spec, "queue_failed")
			return
		}
		d.log.Debug().Int64("rule", rule.ID).Int("action", idx).Str("message_id", msgID).Msg("Action queued")
		return
	}

	if spec.Service == "operationService" && spec.Method == "recordOperation" {
		var op models.Operation
		if len(spec.Params) > 0 {
			if err := json.Unmarshal(spec.Params, &op); err != nil {
				d.log.Warn().Int64("rule", rule.ID).Int("action", idx).Err(err).Msg("Bad recordOperation params")
				return
			}
		}
		if op.ServiceName == "" {
			op.ServiceName = "rulesEngine"
		}
		if op.Status == "" {
			op.Status = "info"
		}
		if err := d.oplog.RecordOperation(ctx, op); err != nil {
			d.log.Error().Int64("rule", rule.ID).Int("action", idx).Err(err).Msg("recordOperation failed")
		}
		return
	}

	d.log.Warn().Int64("rule", rule.ID).Int("action", idx).
		Str("service", spec.Service).Str("method", spec.Method).
		Msg("Unsupported action in rule configuration")
}

func (d *Dispatcher) recordDispatch(ctx context.Context, rule models.Rule, spec models.ActionSpec, status string) {
	details, _ := json.Marshal(map[string]string{"service": spec.Service, "method": spec.Method})
	op := models.Operation{
		ServiceName:      "rulesEngine",
		Action:           "dispatch_action",
		Status:           status,
		TargetEntityType: "rule",
		TargetEntityID:   rule.Name,
		Details:          details,
	}
	if err := d.oplog.RecordOperation(ctx, op); err != nil {
		d.log.Error().Int64("rule", rule.ID).Err(err).Msg("Failed to record dispatch failure")
	}
}
