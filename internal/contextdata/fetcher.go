package contextdata

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"greenhouse/internal/metrics"
)

// Refs is the deduplicated set of context reads a rule's condition tree needs.
// The rules package collects it in one tree walk.
type Refs struct {
	DeviceIDs []string
	SensorIDs []string
	Histories []HistoryRequest
}

// AddDevice records a device reference once
func (r *Refs) AddDevice(id string) {
	if id == "" || contains(r.DeviceIDs, id) {
		return
	}
	r.DeviceIDs = append(r.DeviceIDs, id)
}

// AddSensor records a sensor snapshot reference once
func (r *Refs) AddSensor(id string) {
	if id == "" || contains(r.SensorIDs, id) {
		return
	}
	r.SensorIDs = append(r.SensorIDs, id)
}

// AddHistory records a history reference, keeping the largest sample count
// requested for a (sensor, metric) pair.
func (r *Refs) AddHistory(sensorID, metric string, count int) {
	if sensorID == "" || metric == "" {
		return
	}
	for i := range r.Histories {
		if r.Histories[i].SensorID == sensorID && r.Histories[i].Metric == metric {
			if count > r.Histories[i].Count {
				r.Histories[i].Count = count
			}
			return
		}
	}
	r.Histories = append(r.Histories, HistoryRequest{SensorID: sensorID, Metric: metric, Count: count})
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Fetcher resolves a Refs set into context data with at most one device batch
// query and one pipelined sensor batch, caching each sub-result individually.
// A failed fetch leaves an error sentinel for the affected keys instead of
// failing the whole gather.
type Fetcher struct {
	store Store
	cache *Cache
	ttl   time.Duration
	met   *metrics.Metrics
	log   zerolog.Logger
}

// NewFetcher creates a fetcher over the given store and cache
func NewFetcher(store Store, cache *Cache, ttl time.Duration, met *metrics.Metrics, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		store: store,
		cache: cache,
		ttl:   ttl,
		met:   met,
		log:   log.With().Str("component", "fetcher").Logger(),
	}
}

// Gather fetches all context data a rule needs
func (f *Fetcher) Gather(ctx context.Context, refs Refs) map[string]Value {
	data := make(map[string]Value)

	f.gatherDevices(ctx, refs.DeviceIDs, data)
	f.gatherSensors(ctx, refs.SensorIDs, data)
	f.gatherHistories(ctx, refs.Histories, data)

	return data
}

func (f *Fetcher) gatherDevices(ctx context.Context, ids []string, data map[string]Value) {
	var missing []string
	for _, id := range ids {
		key := DeviceKey(id)
		if v, ok := f.cache.Lookup(key); ok {
			f.met.CacheHits.Inc()
			data[key] = v.(Value)
			continue
		}
		f.met.CacheMisses.Inc()
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return
	}
	sort.Strings(missing)

	statuses, err := f.store.GetDeviceStatusBatch(ctx, missing)
	if err != nil {
		f.log.Error().Err(err).Strs("devices", missing).Msg("Device status batch failed")
		for _, id := range missing {
			data[DeviceKey(id)] = Value{Err: err}
		}
		return
	}
	for _, id := range missing {
		key := DeviceKey(id)
		st, ok := statuses[id]
		if !ok {
			data[key] = Value{Err: fmt.Errorf("device %s not found", id)}
			continue
		}
		v := Value{Device: &st}
		f.cache.Set(key, v, f.ttl)
		data[key] = v
	}
}

func (f *Fetcher) gatherSensors(ctx context.Context, ids []string, data map[string]Value) {
	var missing []string
	for _, id := range ids {
		key := SensorKey(id)
		if v, ok := f.cache.Lookup(key); ok {
			f.met.CacheHits.Inc()
			data[key] = v.(Value)
			continue
		}
		f.met.CacheMisses.Inc()
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return
	}
	sort.Strings(missing)

	snapshots, err := f.store.GetSensorSnapshotBatch(ctx, missing)
	if err != nil {
		f.log.Error().Err(err).Strs("sensors", missing).Msg("Sensor snapshot batch failed")
		for _, id := range missing {
			data[SensorKey(id)] = Value{Err: err}
		}
		return
	}
	for _, id := range missing {
		key := SensorKey(id)
		snap := snapshots[id]
		if snap == nil {
			data[key] = Value{Err: fmt.Errorf("no snapshot for sensor %s", id)}
			continue
		}
		v := Value{Sensor: snap}
		f.cache.Set(key, v, f.ttl)
		data[key] = v
	}
}

func (f *Fetcher) gatherHistories(ctx context.Context, reqs []HistoryRequest, data map[string]Value) {
	var missing []HistoryRequest
	for _, r := range reqs {
		key := HistoryKey(r.SensorID, r.Metric)
		if v, ok := f.cache.Lookup(key); ok {
			cached := v.(Value)
			// A cached shorter window cannot serve a longer request.
			if len(cached.History) >= r.Count {
				f.met.CacheHits.Inc()
				data[key] = cached
				continue
			}
		}
		f.met.CacheMisses.Inc()
		missing = append(missing, r)
	}
	if len(missing) == 0 {
		return
	}

	histories, err := f.store.GetSensorHistoryBatch(ctx, missing)
	if err != nil {
		f.log.Error().Err(err).Msg("Sensor history batch failed")
		for _, r := range missing {
			data[HistoryKey(r.SensorID, r.Metric)] = Value{Err: err}
		}
		return
	}
	for _, r := range missing {
		key := HistoryKey(r.SensorID, r.Metric)
		v := Value{History: histories[key]}
		f.cache.Set(key, v, f.ttl)
		data[key] = v
	}
}
