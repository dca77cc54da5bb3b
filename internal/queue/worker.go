package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"greenhouse/internal/events"
	"greenhouse/internal/metrics"
	"greenhouse/internal/models"
)

// WorkerConfig tunes the critical action worker.
type WorkerConfig struct {
	Stream       string
	DLQStream    string
	Group        string
	Consumer     string // defaults to a unique name per process
	MaxRetries   int
	RetryDelay   time.Duration
	BlockTimeout time.Duration
	DLQMaxLen    int64
}

// Worker consumes the critical action queue through a consumer group, one
// message at a time. Transient failures retry with a fixed delay up to
// MaxRetries attempts; permanent failures and exhausted retries move the
// message to the DLQ before the original is acknowledged. If the DLQ append
// itself fails the original stays pending for redelivery.
type Worker struct {
	rdb  streamClient
	reg  *Registry
	sink events.Sink
	met  *metrics.Metrics
	cfg  WorkerConfig
	log  zerolog.Logger

	sleep func(time.Duration)
	now   func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker creates a critical action worker
func NewWorker(rdb *redis.Client, reg *Registry, sink events.Sink, met *metrics.Metrics, cfg WorkerConfig, log zerolog.Logger) *Worker {
	return newWorker(rdb, reg, sink, met, cfg, log)
}

func newWorker(rdb streamClient, reg *Registry, sink events.Sink, met *metrics.Metrics, cfg WorkerConfig, log zerolog.Logger) *Worker {
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	return &Worker{
		rdb:   rdb,
		reg:   reg,
		sink:  sink,
		met:   met,
		cfg:   cfg,
		log:   log.With().Str("component", "worker").Str("consumer", cfg.Consumer).Logger(),
		sleep: time.Sleep,
		now:   time.Now,
	}
}

// Start launches the consume loop. Calling Start on a running worker is a
// warning no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		w.log.Warn().Msg("Worker already started")
		return
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
	w.log.Info().Str("stream", w.cfg.Stream).Str("group", w.cfg.Group).Msg("Worker started")
}

// Stop signals shutdown and waits for the in-flight message to finish.
// Stopping an unstarted worker is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.log.Info().Msg("Worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	if err := w.ensureGroup(ctx); err != nil {
		w.log.Error().Err(err).Msg("Failed to create consumer group")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, ">"},
			Count:    1,
			Block:    w.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil || errors.Is(err, context.Canceled) {
				continue
			}
			w.log.Error().Err(err).Msg("Stream read failed")
			w.sleep(w.cfg.BlockTimeout)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				w.ProcessMessage(ctx, msg)
			}
		}
	}
}

// ensureGroup idempotently creates the consumer group, and the stream with it
func (w *Worker) ensureGroup(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// ProcessMessage handles one queue message end to end.
func (w *Worker) ProcessMessage(ctx context.Context, msg redis.XMessage) {
	actor, _ := msg.Values["actor"].(string)
	raw, _ := msg.Values["data"].(string)

	var action models.QueuedAction
	if err := json.Unmarshal([]byte(raw), &action); err != nil {
		w.log.Warn().Str("message_id", msg.ID).Err(err).Msg("Unparseable queue message")
		w.moveToDLQ(ctx, msg, nil, actor, raw, fmt.Errorf("%w: %v", ErrPermanent, err), 0)
		return
	}

	attempts := 0
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		attempts = attempt
		lastErr = w.reg.Dispatch(ctx, action.TargetService, action.TargetMethod, action.Payload)
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, ErrPermanent) {
			w.log.Warn().Str("message_id", msg.ID).Err(lastErr).Msg("Permanent dispatch failure")
			break
		}
		w.log.Warn().Str("message_id", msg.ID).Int("attempt", attempt).Err(lastErr).Msg("Dispatch attempt failed")
		if attempt < w.cfg.MaxRetries {
			w.sleep(w.cfg.RetryDelay)
		}
	}

	if lastErr == nil {
		if err := w.rdb.XAck(ctx, w.cfg.Stream, w.cfg.Group, msg.ID).Err(); err != nil {
			w.log.Error().Str("message_id", msg.ID).Err(err).Msg("Failed to ack processed message")
		}
		w.met.ActionsExecuted.WithLabelValues("ok").Inc()
		w.sink.Emit(events.New(events.QueuedActionExecuted, map[string]any{
			"message_id": msg.ID,
			"type":       action.Type,
			"service":    action.TargetService,
			"method":     action.TargetMethod,
			"actor":      actor,
		}))
		return
	}

	w.met.ActionsExecuted.WithLabelValues("failed").Inc()
	w.moveToDLQ(ctx, msg, &action, actor, raw, lastErr, attempts)
}

// moveToDLQ archives a failed message and then acknowledges the original.
// Ack ordering matters: a message acked without a DLQ record would be lost,
// so a failed DLQ append leaves the original pending and escalates.
func (w *Worker) moveToDLQ(ctx context.Context, msg redis.XMessage, action *models.QueuedAction, actor, raw string, lastErr error, attempts int) {
	record := models.DLQRecord{
		OriginalMessageID: msg.ID,
		Stream:            w.cfg.Stream,
		RawPayload:        raw,
		Action:            action,
		Actor:             actor,
		LastError:         lastErr.Error(),
		AttemptsMade:      attempts,
		FailedAt:          w.now().UTC(),
	}
	data, err := json.Marshal(record)
	if err == nil {
		err = w.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: w.cfg.DLQStream,
			MaxLen: w.cfg.DLQMaxLen,
			Approx: w.cfg.DLQMaxLen > 0,
			Values: map[string]interface{}{
				"data":         string(data),
				"actor":        actor,
				"published_at": w.now().UTC().Format(time.RFC3339),
			},
		}).Err()
	}
	if err != nil {
		// Original stays pending for manual recovery or redelivery.
		w.met.DLQErrors.Inc()
		w.log.Error().Str("message_id", msg.ID).Err(err).Msg("DLQ append failed, message left pending")
		w.sink.Emit(events.New(events.QueuedActionDLQError, map[string]any{
			"message_id": msg.ID,
			"error":      err.Error(),
			"last_error": lastErr.Error(),
		}))
		return
	}

	if err := w.rdb.XAck(ctx, w.cfg.Stream, w.cfg.Group, msg.ID).Err(); err != nil {
		w.log.Error().Str("message_id", msg.ID).Err(err).Msg("Failed to ack DLQ-archived message")
	}
	w.met.DLQMoved.Inc()
	w.log.Warn().Str("message_id", msg.ID).Int("attempts", attempts).Err(lastErr).Msg("Message moved to DLQ")
	w.sink.Emit(events.New(events.QueuedActionDLQMoved, map[string]any{
		"message_id": msg.ID,
		"attempts":   attempts,
		"last_error": lastErr.Error(),
		"actor":      actor,
	}))
}
