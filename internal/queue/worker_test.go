package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenhouse/internal/events"
	"greenhouse/internal/metrics"
	"greenhouse/internal/models"
)

type recordingSink struct {
	events []events.Event
}

func (s *recordingSink) Emit(e events.Event) { s.events = append(s.events, e) }

func (s *recordingSink) types() []string {
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func testWorker(fs *fakeStream, reg *Registry, sink events.Sink) *Worker {
	w := newWorker(fs, reg, sink, metrics.New(), WorkerConfig{
		Stream:     "critical_actions",
		DLQStream:  "critical_actions_dlq",
		Group:      "action_workers",
		Consumer:   "worker-test",
		MaxRetries: 3,
		RetryDelay: time.Second,
	}, zerolog.Nop())
	w.sleep = func(time.Duration) {}
	return w
}

func publishAction(t *testing.T, fs *fakeStream, action models.QueuedAction, actor string) redis.XMessage {
	t.Helper()
	p := testProducer(fs)
	id, err := p.Publish(context.Background(), action, actor)
	require.NoError(t, err)
	for _, m := range fs.entries["critical_actions"] {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("published message %s not found", id)
	return redis.XMessage{}
}

func TestWorker_SuccessAcks(t *testing.T) {
	fs := newFakeStream()
	reg, fakes := newTestRegistry()
	sink := &recordingSink{}
	w := testWorker(fs, reg, sink)

	msg := publishAction(t, fs, models.QueuedAction{
		Type:          "device_status_update",
		TargetService: "deviceService",
		TargetMethod:  "updateDeviceStatus",
		Payload:       json.RawMessage(`{"device_id":"fan1","status":"on"}`),
	}, "rules_engine")

	w.ProcessMessage(context.Background(), msg)

	assert.Equal(t, "on", fakes.devices.statuses["fan1"])
	assert.Equal(t, []string{msg.ID}, fs.acked)
	assert.Empty(t, fs.entries["critical_actions_dlq"])
	require.Equal(t, []string{events.QueuedActionExecuted}, sink.types())
	assert.Equal(t, "rules_engine", sink.events[0].Data["actor"])
}

func TestWorker_RetriesThenDLQ(t *testing.T) {
	fs := newFakeStream()
	reg, fakes := newTestRegistry()
	fakes.devices.err = errors.New("db timeout")
	sink := &recordingSink{}
	w := testWorker(fs, reg, sink)

	slept := 0
	w.sleep = func(time.Duration) { slept++ }

	msg := publishAction(t, fs, models.QueuedAction{
		Type:          "device_status_update",
		TargetService: "deviceService",
		TargetMethod:  "updateDeviceStatus",
		Payload:       json.RawMessage(`{"device_id":"fan1","status":"on"}`),
	}, "scheduler")

	w.ProcessMessage(context.Background(), msg)

	assert.Equal(t, 2, slept, "no sleep after the final attempt")
	assert.Equal(t, []string{msg.ID}, fs.acked, "acked only after the DLQ append")

	dlq := fs.entries["critical_actions_dlq"]
	require.Len(t, dlq, 1)
	var record models.DLQRecord
	require.NoError(t, json.Unmarshal([]byte(dlq[0].Values["data"].(string)), &record))
	assert.Equal(t, msg.ID, record.OriginalMessageID)
	assert.Equal(t, 3, record.AttemptsMade)
	assert.Equal(t, "scheduler", record.Actor)
	assert.Contains(t, record.LastError, "db timeout")
	require.NotNil(t, record.Action)
	assert.Equal(t, "device_status_update", record.Action.Type)

	assert.Equal(t, []string{events.QueuedActionDLQMoved}, sink.types())
}

func TestWorker_PermanentFailureSkipsRetries(t *testing.T) {
	fs := newFakeStream()
	reg, _ := newTestRegistry()
	sink := &recordingSink{}
	w := testWorker(fs, reg, sink)

	slept := 0
	w.sleep = func(time.Duration) { slept++ }

	msg := publishAction(t, fs, models.QueuedAction{
		Type:          "weird",
		TargetService: "shellService",
		TargetMethod:  "exec",
		Payload:       json.RawMessage(`{}`),
	}, "rules_engine")

	w.ProcessMessage(context.Background(), msg)

	assert.Equal(t, 0, slept, "whitelist rejection goes straight to the DLQ")
	require.Len(t, fs.entries["critical_actions_dlq"], 1)

	var record models.DLQRecord
	require.NoError(t, json.Unmarshal([]byte(fs.entries["critical_actions_dlq"][0].Values["data"].(string)), &record))
	assert.Equal(t, 1, record.AttemptsMade)
}

func TestWorker_UnparseableMessage(t *testing.T) {
	fs := newFakeStream()
	reg, _ := newTestRegistry()
	sink := &recordingSink{}
	w := testWorker(fs, reg, sink)

	msg := redis.XMessage{ID: "0-9", Values: map[string]interface{}{
		"data":  "this is not json",
		"actor": "unknown",
	}}
	w.ProcessMessage(context.Background(), msg)

	require.Len(t, fs.entries["critical_actions_dlq"], 1)
	var record models.DLQRecord
	require.NoError(t, json.Unmarshal([]byte(fs.entries["critical_actions_dlq"][0].Values["data"].(string)), &record))
	assert.Equal(t, 0, record.AttemptsMade)
	assert.Equal(t, "this is not json", record.RawPayload)
	assert.Nil(t, record.Action)
	assert.Equal(t, []string{msg.ID}, fs.acked)
}

func TestWorker_DLQAppendFailureLeavesMessagePending(t *testing.T) {
	fs := newFakeStream()
	fs.addErr["critical_actions_dlq"] = errors.New("dlq stream unavailable")
	reg, fakes := newTestRegistry()
	fakes.devices.err = errors.New("db timeout")
	sink := &recordingSink{}
	w := testWorker(fs, reg, sink)

	msg := publishAction(t, fs, models.QueuedAction{
		Type:          "device_status_update",
		TargetService: "deviceService",
		TargetMethod:  "updateDeviceStatus",
		Payload:       json.RawMessage(`{"device_id":"fan1","status":"on"}`),
	}, "rules_engine")

	w.ProcessMessage(context.Background(), msg)

	assert.Empty(t, fs.acked, "an unarchived message must stay pending")
	assert.Equal(t, []string{events.QueuedActionDLQError}, sink.types())
}

func TestWorker_StartStopIdempotent(t *testing.T) {
	fs := newFakeStream()
	reg, _ := newTestRegistry()
	w := testWorker(fs, reg, events.NopSink{})

	w.Stop() // never started

	ctx := context.Background()
	w.Start(ctx)
	w.Start(ctx) // second start is a no-op
	w.Stop()
	w.Stop() // second stop is a no-op
}

func TestWorker_ConsumeLoopDeliversOnce(t *testing.T) {
	fs := newFakeStream()
	reg, fakes := newTestRegistry()
	sink := &recordingSink{}
	w := testWorker(fs, reg, sink)
	w.cfg.BlockTimeout = 10 * time.Millisecond

	publishAction(t, fs, models.QueuedAction{
		Type:          "device_status_update",
		TargetService: "deviceService",
		TargetMethod:  "updateDeviceStatus",
		Payload:       json.RawMessage(`{"device_id":"fan1","status":"off"}`),
	}, "rules_engine")

	w.Start(context.Background())
	require.Eventually(t, func() bool {
		return fakes.devices.status("fan1") == "off"
	}, time.Second, 5*time.Millisecond)
	w.Stop()

	assert.Len(t, fs.acked, 1)
}
