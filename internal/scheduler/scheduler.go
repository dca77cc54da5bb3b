package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"greenhouse/internal/events"
	"greenhouse/internal/metrics"
	"greenhouse/internal/models"
	"greenhouse/internal/queue"
)

// OperationStore is the scheduled-operation persistence surface.
type OperationStore interface {
	GetDueOperations(ctx context.Context, now time.Time) ([]models.ScheduledOperation, error)
	FinishOperation(ctx context.Context, id int64, next *time.Time, enabled bool, entry models.Operation) error
}

// Publisher appends actions to the critical action queue.
type Publisher interface {
	Publish(ctx context.Context, action models.QueuedAction, actor string) (string, error)
}

// OperationLogger records operation log entries outside the schedule
// transaction, for best-effort failure logging.
type OperationLogger interface {
	RecordOperation(ctx context.Context, op models.Operation) error
}

// actionTargets maps a schedule's action_name to the whitelisted queue target.
var actionTargets = map[string]models.ActionSpec{
	"set_status": {Service: string(queue.DeviceService), Method: string(queue.UpdateDeviceStatus)},
	"configure":  {Service: string(queue.DeviceService), Method: string(queue.ApplyConfiguration)},
	"notify":     {Service: string(queue.NotificationService), Method: string(queue.SendNotification)},
	"log_event":  {Service: string(queue.OperationService), Method: string(queue.ScheduleLogEvent)},
}

// Scheduler is the task scheduler loop: every tick it queues the actions of
// due scheduled operations and rolls each schedule forward, disabling
// one-time operations and schedules whose cron expression no longer parses.
type Scheduler struct {
	store OperationStore
	queue Publisher
	oplog OperationLogger
	sink  events.Sink
	met   *metrics.Metrics
	log   zerolog.Logger

	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a task scheduler loop
func NewScheduler(store OperationStore, q Publisher, oplog OperationLogger, sink events.Sink, met *metrics.Metrics, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		queue:    q,
		oplog:    oplog,
		sink:     sink,
		met:      met,
		interval: interval,
		log:      log.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
}

// Start launches the scheduling loop. Starting twice is a warning no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warn().Msg("Scheduler already started")
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.log.Info().Dur("interval", s.interval).Msg("Task scheduler started")
}

// Stop halts the loop. Stopping an unstarted scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info().Msg("Task scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle processes all due operations once. A failure loading the due list
// aborts the cycle; one operation's failure never does.
func (s *Scheduler) RunCycle(ctx context.Context) {
	now := s.now().UTC()
	due, err := s.store.GetDueOperations(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load due operations, skipping cycle")
		return
	}

	for _, op := range due {
		s.ProcessOperation(ctx, op, now)
	}
}

// ProcessOperation queues one due operation's action and rolls its schedule
// forward.
func (s *Scheduler) ProcessOperation(ctx context.Context, op models.ScheduledOperation, now time.Time) {
	status := "queued"
	var msgID string

	spec, known := actionTargets[op.ActionName]
	if !known {
		status = "unsupported_action"
		s.log.Warn().Int64("schedule", op.ID).Str("action", op.ActionName).Msg("Unknown scheduled action")
	} else {
		spec.TargetDeviceID = op.DeviceID
		spec.Params = op.ActionParams

		action, ok := queue.BuildAction(spec, &models.ActionOrigin{
			Source:      "scheduler",
			ScheduleID:  op.ID,
			TriggeredAt: now,
		})
		if !ok {
			status = "unsupported_action"
			s.log.Warn().Int64("schedule", op.ID).Str("action", op.ActionName).Msg("Scheduled action not queueable")
		} else {
			var err error
			msgID, err = s.queue.Publish(ctx, action, "scheduler")
			if err != nil {
				status = "queue_failed"
				s.log.Error().Int64("schedule", op.ID).Err(err).Msg("Failed to queue scheduled action")
			}
		}
	}

	next, enabled := s.nextRun(op, now)
	details, _ := json.Marshal(map[string]any{
		"action":     op.ActionName,
		"device_id":  op.DeviceID,
		"message_id": msgID,
	})
	entry := models.Operation{
		ServiceName:      "scheduler",
		Action:           op.ActionName,
		Status:           status,
		TargetEntityType: "scheduled_operation",
		TargetEntityID:   itoa(op.ID),
		Details:          details,
	}

	if err := s.store.FinishOperation(ctx, op.ID, next, enabled, entry); err != nil {
		s.log.Error().Int64("schedule", op.ID).Err(err).Msg("Failed to update schedule")
		// Best-effort record outside the rolled-back transaction.
		entry.Status = "schedule_update_failed"
		if lerr := s.oplog.RecordOperation(ctx, entry); lerr != nil {
			s.log.Error().Int64("schedule", op.ID).Err(lerr).Msg("Failed to record schedule failure")
		}
		s.met.SchedulesProcessed.WithLabelValues("failed").Inc()
		s.sink.Emit(events.New(events.ScheduleExecutionFailed, map[string]any{
			"schedule_id": op.ID,
			"action":      op.ActionName,
			"error":       err.Error(),
		}))
		return
	}

	if status == "queued" {
		s.met.SchedulesProcessed.WithLabelValues("ok").Inc()
		s.sink.Emit(events.New(events.ScheduleExecuted, map[string]any{
			"schedule_id": op.ID,
			"action":      op.ActionName,
			"message_id":  msgID,
			"next_run":    next,
		}))
	} else {
		s.met.SchedulesProcessed.WithLabelValues("failed").Inc()
		s.sink.Emit(events.New(events.ScheduleExecutionFailed, map[string]any{
			"schedule_id": op.ID,
			"action":      op.ActionName,
			"status":      status,
		}))
	}
}

// nextRun computes the schedule's next execution. One-time operations and
// unparseable cron expressions disable the schedule.
func (s *Scheduler) nextRun(op models.ScheduledOperation, now time.Time) (*time.Time, bool) {
	if op.CronExpression == nil || *op.CronExpression == "" {
		return nil, false
	}
	sched, err := cron.ParseStandard(*op.CronExpression)
	if err != nil {
		s.log.Warn().Int64("schedule", op.ID).Str("cron", *op.CronExpression).Err(err).
			Msg("Unparseable cron expression, disabling schedule")
		return nil, false
	}
	next := sched.Next(now)
	return &next, true
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
