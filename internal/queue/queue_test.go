package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenhouse/internal/metrics"
	"greenhouse/internal/models"
)

// fakeStream implements streamClient in memory. Entries keep arrival order and
// per-group read/ack state, enough format the worker and producer exercise.
type fakeStream struct {
	entries map[string][]redis.XMessage // stream -> messages
	nextSeq int

	delivered map[string]bool // stream ids handed out via XReadGroup
	acked     []string

	addErr  map[string]error // per-stream XAdd failure injection
	readErr error
	ackErr  error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		entries:   make(map[string][]redis.XMessage),
		delivered: make(map[string]bool),
		addErr:    make(map[string]error),
	}
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if err := f.addErr[a.Stream]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	f.nextSeq++
	id := "0-" + itoa(f.nextSeq)
	vals := make(map[string]interface{}, len(a.Values.(map[string]interface{})))
	for k, v := range a.Values.(map[string]interface{}) {
		vals[k] = v
	}
	f.entries[a.Stream] = append(f.entries[a.Stream], redis.XMessage{ID: id, Values: vals})
	cmd.SetVal(id)
	return cmd
}

func (f *fakeStream) XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd {
	cmd := redis.NewXMessageSliceCmd(ctx)
	msgs := f.entries[stream]
	if int64(len(msgs)) > count {
		msgs = msgs[:count]
	}
	cmd.SetVal(msgs)
	return cmd
}

func (f *fakeStream) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeStream) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	cmd := redis.NewXStreamSliceCmd(ctx)
	if f.readErr != nil {
		cmd.SetErr(f.readErr)
		return cmd
	}
	stream := a.Streams[0]
	for _, m := range f.entries[stream] {
		if f.delivered[m.ID] {
			continue
		}
		f.delivered[m.ID] = true
		cmd.SetVal([]redis.XStream{{Stream: stream, Messages: []redis.XMessage{m}}})
		return cmd
	}
	cmd.SetErr(redis.Nil)
	return cmd
}

func (f *fakeStream) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.ackErr != nil {
		cmd.SetErr(f.ackErr)
		return cmd
	}
	f.acked = append(f.acked, ids...)
	cmd.SetVal(int64(len(ids)))
	return cmd
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [8]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func testProducer(fs *fakeStream) *Producer {
	return newProducer(fs, ProducerConfig{
		Stream:    "critical_actions",
		DLQStream: "critical_actions_dlq",
		MaxLen:    100,
	}, metrics.New(), zerolog.Nop())
}

func TestProducer_PublishReturnsMessageID(t *testing.T) {
	fs := newFakeStream()
	p := testProducer(fs)

	action := models.QueuedAction{
		Type:          "notification",
		TargetService: "notificationService",
		TargetMethod:  "sendNotification",
		Payload:       json.RawMessage(`{"message":"frost warning"}`),
	}
	id, err := p.Publish(context.Background(), action, "rules_engine")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := fs.entries["critical_actions"]
	require.Len(t, msgs, 1)
	assert.Equal(t, "rules_engine", msgs[0].Values["actor"])

	var stored models.QueuedAction
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &stored))
	assert.Equal(t, action.Type, stored.Type)
	assert.Equal(t, action.TargetService, stored.TargetService)
}

func TestProducer_PublishTransportError(t *testing.T) {
	fs := newFakeStream()
	fs.addErr["critical_actions"] = errors.New("connection refused")
	p := testProducer(fs)

	id, err := p.Publish(context.Background(), models.QueuedAction{Type: "notification"}, "scheduler")
	assert.Error(t, err)
	assert.Empty(t, id)
}

func TestProducer_GetDLQMessagesDefaults(t *testing.T) {
	fs := newFakeStream()
	p := testProducer(fs)

	for i := 0; i < 3; i++ {
		fs.XAdd(context.Background(), &redis.XAddArgs{
			Stream: "critical_actions_dlq",
			Values: map[string]interface{}{"data": `{}`, "actor": "worker"},
		})
	}

	msgs, err := p.GetDLQMessages(context.Background(), "", "", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
	assert.Equal(t, "worker", msgs[0].Data["actor"])

	msgs, err = p.GetDLQMessages(context.Background(), "-", "+", 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestBuildAction_WhitelistedTargets(t *testing.T) {
	cases := []struct {
		service, method, wantType string
	}{
		{"deviceService", "updateDeviceStatus", "device_status_update"},
		{"deviceService", "applyConfiguration", "device_config_update"},
		{"notificationService", "sendNotification", "notification"},
		{"operationService", "scheduleLogEvent", "scheduled_log_event"},
	}
	for _, tc := range cases {
		t.Run(tc.wantType, func(t *testing.T) {
			action, ok := BuildAction(models.ActionSpec{Service: tc.service, Method: tc.method}, nil)
			require.True(t, ok)
			assert.Equal(t, tc.wantType, action.Type)
			assert.Equal(t, tc.service, action.TargetService)
			assert.Equal(t, tc.method, action.TargetMethod)
		})
	}
}

func TestBuildAction_FoldsTargetDeviceIntoPayload(t *testing.T) {
	spec := models.ActionSpec{
		Service:        "deviceService",
		Method:         "updateDeviceStatus",
		TargetDeviceID: "fan1",
		Params:         json.RawMessage(`{"status":"on"}`),
	}
	origin := &models.ActionOrigin{Source: "rules_engine", RuleID: 7}

	action, ok := BuildAction(spec, origin)
	require.True(t, ok)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(action.Payload, &payload))
	assert.Equal(t, "fan1", payload["device_id"])
	assert.Equal(t, "on", payload["status"])
	require.NotNil(t, action.Origin)
	assert.Equal(t, int64(7), action.Origin.RuleID)
}

func TestBuildAction_RejectsOffWhitelist(t *testing.T) {
	_, ok := BuildAction(models.ActionSpec{Service: "shellService", Method: "exec"}, nil)
	assert.False(t, ok)

	_, ok = BuildAction(models.ActionSpec{Service: "deviceService", Method: "deleteDevice"}, nil)
	assert.False(t, ok)

	_, ok = BuildAction(models.ActionSpec{Service: "operationService", Method: "recordOperation"}, nil)
	assert.False(t, ok, "safe sync actions run inline, never through the queue")
}

func TestBuildAction_RejectsMalformedParams(t *testing.T) {
	_, ok := BuildAction(models.ActionSpec{
		Service: "notificationService",
		Method:  "sendNotification",
		Params:  json.RawMessage(`[1,2,3]`),
	}, nil)
	assert.False(t, ok)
}
