package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenhouse/internal/events"
	"greenhouse/internal/metrics"
	"greenhouse/internal/models"
)

type finishCall struct {
	id      int64
	next    *time.Time
	enabled bool
	entry   models.Operation
}

type fakeOperationStore struct {
	due       []models.ScheduledOperation
	dueErr    error
	finishes  []finishCall
	finishErr error
}

func (f *fakeOperationStore) GetDueOperations(_ context.Context, _ time.Time) ([]models.ScheduledOperation, error) {
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	return f.due, nil
}

func (f *fakeOperationStore) FinishOperation(_ context.Context, id int64, next *time.Time, enabled bool, entry models.Operation) error {
	if f.finishErr != nil {
		return f.finishErr
	}
	f.finishes = append(f.finishes, finishCall{id: id, next: next, enabled: enabled, entry: entry})
	return nil
}

type fakePublisher struct {
	published []models.QueuedAction
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, action models.QueuedAction, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.published = append(f.published, action)
	return "0-7", nil
}

type fakeOplog struct {
	ops []models.Operation
}

func (f *fakeOplog) RecordOperation(_ context.Context, op models.Operation) error {
	f.ops = append(f.ops, op)
	return nil
}

type recordingSink struct {
	events []events.Event
}

func (s *recordingSink) Emit(e events.Event) { s.events = append(s.events, e) }

func testScheduler(store *fakeOperationStore, pub *fakePublisher, oplog *fakeOplog, sink events.Sink) *Scheduler {
	return NewScheduler(store, pub, oplog, sink, metrics.New(), time.Minute, zerolog.Nop())
}

func strptr(s string) *string { return &s }

func oneTimeOp(id int64) models.ScheduledOperation {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return models.ScheduledOperation{
		ID:           id,
		DeviceID:     "pump1",
		ActionName:   "set_status",
		ActionParams: json.RawMessage(`{"status":"on"}`),
		ExecuteAt:    &at,
		Enabled:      true,
	}
}

func TestScheduler_OneTimeOperationDisablesItself(t *testing.T) {
	store := &fakeOperationStore{due: []models.ScheduledOperation{oneTimeOp(1)}}
	pub := &fakePublisher{}
	sink := &recordingSink{}
	s := testScheduler(store, pub, &fakeOplog{}, sink)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 8, 1, 0, 0, time.UTC) }

	s.RunCycle(context.Background())

	require.Len(t, pub.published, 1)
	assert.Equal(t, "device_status_update", pub.published[0].Type)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(pub.published[0].Payload, &payload))
	assert.Equal(t, "pump1", payload["device_id"])
	assert.Equal(t, "on", payload["status"])

	require.Len(t, store.finishes, 1)
	assert.Nil(t, store.finishes[0].next)
	assert.False(t, store.finishes[0].enabled, "one-time schedules never run twice")
	assert.Equal(t, "queued", store.finishes[0].entry.Status)

	require.Len(t, sink.events, 1)
	assert.Equal(t, events.ScheduleExecuted, sink.events[0].Type)
}

func TestScheduler_CronScheduleRollsForward(t *testing.T) {
	op := oneTimeOp(2)
	op.CronExpression = strptr("0 6 * * *") // daily at 06:00
	store := &fakeOperationStore{due: []models.ScheduledOperation{op}}
	pub := &fakePublisher{}
	s := testScheduler(store, pub, &fakeOplog{}, &recordingSink{})

	now := time.Date(2026, 3, 1, 6, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.RunCycle(context.Background())

	require.Len(t, store.finishes, 1)
	require.NotNil(t, store.finishes[0].next)
	assert.True(t, store.finishes[0].enabled)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC), store.finishes[0].next.UTC())
}

func TestScheduler_BadCronDisablesSchedule(t *testing.T) {
	op := oneTimeOp(3)
	op.CronExpression = strptr("not a cron line")
	store := &fakeOperationStore{due: []models.ScheduledOperation{op}}
	s := testScheduler(store, &fakePublisher{}, &fakeOplog{}, &recordingSink{})

	s.RunCycle(context.Background())

	require.Len(t, store.finishes, 1)
	assert.Nil(t, store.finishes[0].next)
	assert.False(t, store.finishes[0].enabled)
}

func TestScheduler_UnknownActionStillRollsSchedule(t *testing.T) {
	op := oneTimeOp(4)
	op.ActionName = "launch_rocket"
	store := &fakeOperationStore{due: []models.ScheduledOperation{op}}
	pub := &fakePublisher{}
	sink := &recordingSink{}
	s := testScheduler(store, pub, &fakeOplog{}, sink)

	s.RunCycle(context.Background())

	assert.Empty(t, pub.published)
	require.Len(t, store.finishes, 1)
	assert.Equal(t, "unsupported_action", store.finishes[0].entry.Status)
	assert.False(t, store.finishes[0].enabled)
	require.Len(t, sink.events, 1)
	assert.Equal(t, events.ScheduleExecutionFailed, sink.events[0].Type)
}

func TestScheduler_QueueFailureRecorded(t *testing.T) {
	store := &fakeOperationStore{due: []models.ScheduledOperation{oneTimeOp(5)}}
	pub := &fakePublisher{err: errors.New("stream down")}
	sink := &recordingSink{}
	s := testScheduler(store, pub, &fakeOplog{}, sink)

	s.RunCycle(context.Background())

	require.Len(t, store.finishes, 1)
	assert.Equal(t, "queue_failed", store.finishes[0].entry.Status)
	assert.False(t, store.finishes[0].enabled, "the schedule still rolls forward")
	require.Len(t, sink.events, 1)
	assert.Equal(t, events.ScheduleExecutionFailed, sink.events[0].Type)
}

func TestScheduler_FinishFailureFallsBackToOplog(t *testing.T) {
	store := &fakeOperationStore{
		due:       []models.ScheduledOperation{oneTimeOp(6)},
		finishErr: errors.New("tx aborted"),
	}
	oplog := &fakeOplog{}
	sink := &recordingSink{}
	s := testScheduler(store, &fakePublisher{}, oplog, sink)

	s.RunCycle(context.Background())

	require.Len(t, oplog.ops, 1)
	assert.Equal(t, "schedule_update_failed", oplog.ops[0].Status)
	require.Len(t, sink.events, 1)
	assert.Equal(t, events.ScheduleExecutionFailed, sink.events[0].Type)
}

func TestScheduler_DueListFailureAbortsCycle(t *testing.T) {
	store := &fakeOperationStore{dueErr: errors.New("db down")}
	pub := &fakePublisher{}
	s := testScheduler(store, pub, &fakeOplog{}, &recordingSink{})

	s.RunCycle(context.Background())
	assert.Empty(t, pub.published)
	assert.Empty(t, store.finishes)
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	s := testScheduler(&fakeOperationStore{}, &fakePublisher{}, &fakeOplog{}, &recordingSink{})

	s.Stop() // never started

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	s.Stop()
	s.Stop()
}
