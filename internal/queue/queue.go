package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"greenhouse/internal/metrics"
	"greenhouse/internal/models"
)

// streamClient is the slice of the Redis API the queue uses. *redis.Client
// satisfies it; tests substitute a fake.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// DLQMessage is one raw dead-letter entry for administrative inspection.
type DLQMessage struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// ProducerConfig tunes the queue producer.
type ProducerConfig struct {
	Stream    string
	DLQStream string
	MaxLen    int64
}

// Producer appends critical actions to the queue stream. The stream is capped
// approximately (XAdd MaxLen ~) so it never grows without bound.
type Producer struct {
	rdb streamClient
	cfg ProducerConfig
	met *metrics.Metrics
	log zerolog.Logger
	now func() time.Time
}

// NewProducer creates a queue producer
func NewProducer(rdb *redis.Client, cfg ProducerConfig, met *metrics.Metrics, log zerolog.Logger) *Producer {
	return newProducer(rdb, cfg, met, log)
}

func newProducer(rdb streamClient, cfg ProducerConfig, met *metrics.Metrics, log zerolog.Logger) *Producer {
	return &Producer{
		rdb: rdb,
		cfg: cfg,
		met: met,
		log: log.With().Str("component", "queue").Logger(),
		now: time.Now,
	}
}

// Publish appends an action to the critical action queue and returns the
// message ID the stream assigned. Transport failures come back as the error;
// callers log and carry on rather than retrying inline.
func (p *Producer) Publish(ctx context.Context, action models.QueuedAction, actor string) (string, error) {
	data, err := json.Marshal(action)
	if err != nil {
		p.met.ActionsPublished.WithLabelValues(action.TargetService, action.TargetMethod, "failed").Inc()
		p.log.Error().Err(err).Str("type", action.Type).Msg("Failed to marshal queued action")
		return "", err
	}

	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.cfg.Stream,
		MaxLen: p.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":         string(data),
			"actor":        actor,
			"published_at": p.now().UTC().Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		p.met.ActionsPublished.WithLabelValues(action.TargetService, action.TargetMethod, "failed").Inc()
		p.log.Error().Err(err).Str("stream", p.cfg.Stream).Str("type", action.Type).Msg("Failed to publish action")
		return "", err
	}

	p.met.ActionsPublished.WithLabelValues(action.TargetService, action.TargetMethod, "ok").Inc()
	p.log.Debug().Str("message_id", id).Str("type", action.Type).Str("actor", actor).Msg("Action queued")
	return id, nil
}

// GetDLQMessages reads dead-letter entries in [startID, endID], newest last.
// Empty bounds default to the full range; count <= 0 defaults to 50.
func (p *Producer) GetDLQMessages(ctx context.Context, startID, endID string, count int64) ([]DLQMessage, error) {
	if startID == "" {
		startID = "-"
	}
	if endID == "" {
		endID = "+"
	}
	if count <= 0 {
		count = 50
	}

	msgs, err := p.rdb.XRangeN(ctx, p.cfg.DLQStream, startID, endID, count).Result()
	if err != nil {
		return nil, err
	}

	out := make([]DLQMessage, 0, len(msgs))
	for _, m := range msgs {
		data := make(map[string]any, len(m.Values))
		for k, v := range m.Values {
			data[k] = v
		}
		out = append(out, DLQMessage{ID: m.ID, Data: data})
	}
	return out, nil
}

// queueTargets maps a declarative action's service/method to the envelope
// type published on the queue. Anything outside this table is not queueable.
var queueTargets = map[Target]string{
	{DeviceService, UpdateDeviceStatus}:     "device_status_update",
	{DeviceService, ApplyConfiguration}:     "device_config_update",
	{NotificationService, SendNotification}: "notification",
	{OperationService, ScheduleLogEvent}:    "scheduled_log_event",
}

// BuildAction translates a declarative action into a queue envelope. The
// second return is false for service/method pairs that are not queueable.
// The target device ID, when present, is folded into the payload.
func BuildAction(spec models.ActionSpec, origin *models.ActionOrigin) (models.QueuedAction, bool) {
	target := Target{TargetService(spec.Service), TargetMethod(spec.Method)}
	actionType, ok := queueTargets[target]
	if !ok {
		return models.QueuedAction{}, false
	}

	payload := map[string]any{}
	if len(spec.Params) > 0 {
		if err := json.Unmarshal(spec.Params, &payload); err != nil {
			return models.QueuedAction{}, false
		}
	}
	if spec.TargetDeviceID != "" {
		payload["device_id"] = spec.TargetDeviceID
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.QueuedAction{}, false
	}

	return models.QueuedAction{
		Type:          actionType,
		TargetService: spec.Service,
		TargetMethod:  spec.Method,
		Payload:       raw,
		Origin:        origin,
	}, true
}
