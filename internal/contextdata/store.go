package contextdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"greenhouse/internal/models"
)

// Sample is one historical reading of a sensor metric, newest-first in lists.
type Sample struct {
	Val string    `json:"val"`
	TS  time.Time `json:"ts"`
}

// HistoryRequest asks for the most recent Count samples of one metric.
type HistoryRequest struct {
	SensorID string
	Metric   string
	Count    int
}

// Value is one context entry handed to the clause evaluators. Exactly one of
// Device, Sensor or History is set; Err marks data that could not be fetched,
// which every evaluator treats as "unavailable" and resolves to false.
type Value struct {
	Device  *models.DeviceStatus
	Sensor  map[string]string
	History []Sample
	Err     error
}

// Context keys as the evaluators look them up.
func DeviceKey(id string) string { return "device_" + id }
func SensorKey(id string) string { return "sensor_" + id }
func HistoryKey(id, metric string) string {
	return fmt.Sprintf("history_%s_%s", id, metric)
}

// Redis keys the telemetry ingest writes and the store reads.
func SensorSnapshotRedisKey(id string) string { return "latest:sensor:" + id }
func SensorHistoryRedisKey(id, metric string) string {
	return fmt.Sprintf("history:sensor:%s:%s", id, metric)
}

// Store is the read side of the context data store.
type Store interface {
	GetDeviceStatusBatch(ctx context.Context, hardwareIDs []string) (map[string]models.DeviceStatus, error)
	GetSensorSnapshotBatch(ctx context.Context, sensorIDs []string) (map[string]map[string]string, error)
	GetSensorHistoryBatch(ctx context.Context, reqs []HistoryRequest) (map[string][]Sample, error)
}

// DeviceStore is the relational half of the context data store.
type DeviceStore interface {
	GetDeviceStatusBatch(ctx context.Context, hardwareIDs []string) (map[string]models.DeviceStatus, error)
}

// DataStore reads device status from Postgres and sensor snapshots/history
// from Redis. Sensor reads for one batch go through a single pipeline.
type DataStore struct {
	devices DeviceStore
	rdb     *redis.Client
	log     zerolog.Logger
}

// NewDataStore creates the combined context data store
func NewDataStore(devices DeviceStore, rdb *redis.Client, log zerolog.Logger) *DataStore {
	return &DataStore{
		devices: devices,
		rdb:     rdb,
		log:     log.With().Str("component", "contextdata").Logger(),
	}
}

// GetDeviceStatusBatch fetches device status rows in one query
func (s *DataStore) GetDeviceStatusBatch(ctx context.Context, hardwareIDs []string) (map[string]models.DeviceStatus, error) {
	return s.devices.GetDeviceStatusBatch(ctx, hardwareIDs)
}

// GetSensorSnapshotBatch reads latest sensor snapshots in one pipeline.
// Sensors with no snapshot map to nil.
func (s *DataStore) GetSensorSnapshotBatch(ctx context.Context, sensorIDs []string) (map[string]map[string]string, error) {
	cmds := make(map[string]*redis.MapStringStringCmd, len(sensorIDs))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range sensorIDs {
			cmds[id] = pipe.HGetAll(ctx, SensorSnapshotRedisKey(id))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}

	out := make(map[string]map[string]string, len(sensorIDs))
	for id, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			out[id] = nil
			continue
		}
		out[id] = fields
	}
	return out, nil
}

// GetSensorHistoryBatch reads history lists in one pipeline, newest-first.
// Results are keyed by HistoryKey(sensor, metric).
func (s *DataStore) GetSensorHistoryBatch(ctx context.Context, reqs []HistoryRequest) (map[string][]Sample, error) {
	cmds := make(map[string]*redis.StringSliceCmd, len(reqs))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range reqs {
			count := int64(r.Count)
			if count < 1 {
				count = 1
			}
			cmds[HistoryKey(r.SensorID, r.Metric)] = pipe.LRange(ctx, SensorHistoryRedisKey(r.SensorID, r.Metric), 0, count-1)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}

	out := make(map[string][]Sample, len(reqs))
	for key, cmd := range cmds {
		raws, err := cmd.Result()
		if err != nil {
			out[key] = nil
			continue
		}
		samples := make([]Sample, 0, len(raws))
		for _, raw := range raws {
			var sm Sample
			if err := json.Unmarshal([]byte(raw), &sm); err != nil {
				s.log.Warn().Str("key", key).Err(err).Msg("Skipping unparseable history entry")
				continue
			}
			samples = append(samples, sm)
		}
		out[key] = samples
	}
	return out, nil
}
