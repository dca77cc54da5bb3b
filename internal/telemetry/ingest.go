package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"greenhouse/internal/contextdata"
)

// Ingestor subscribes to sensor telemetry and maintains the Redis side of the
// context data store: one latest-snapshot hash per sensor and one bounded
// history list per (sensor, metric).
type Ingestor struct {
	rdb        *redis.Client
	historyLen int64
	log        zerolog.Logger
	now        func() time.Time
}

// NewIngestor creates a telemetry ingestor
func NewIngestor(rdb *redis.Client, historyLen int64, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		rdb:        rdb,
		historyLen: historyLen,
		log:        log.With().Str("component", "telemetry").Logger(),
		now:        time.Now,
	}
}

// Start subscribes to the sensor data topic
func (i *Ingestor) Start(client mqtt.Client) error {
	token := client.Subscribe("sensors/+/data", 1, i.onReading)
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}
	i.log.Info().Msg("Subscribed to sensor telemetry")
	return nil
}

// onReading stores one telemetry message
func (i *Ingestor) onReading(_ mqtt.Client, msg mqtt.Message) {
	sensorID := parseSensorID(msg.Topic())
	if sensorID == "" {
		i.log.Warn().Str("topic", msg.Topic()).Msg("Telemetry on unexpected topic")
		return
	}

	var reading map[string]any
	if err := json.Unmarshal(msg.Payload(), &reading); err != nil {
		i.log.Warn().Str("sensor", sensorID).Err(err).Msg("Unparseable telemetry payload")
		return
	}

	ctx := context.Background()
	now := i.now().UTC()

	fields := make(map[string]any, len(reading)+1)
	for metric, value := range reading {
		fields[metric] = fmt.Sprintf("%v", value)
	}
	fields["ts"] = now.Format(time.RFC3339)

	_, err := i.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, contextdata.SensorSnapshotRedisKey(sensorID), fields)
		for metric, value := range reading {
			entry, err := json.Marshal(contextdata.Sample{Val: fmt.Sprintf("%v", value), TS: now})
			if err != nil {
				continue
			}
			key := contextdata.SensorHistoryRedisKey(sensorID, metric)
			pipe.LPush(ctx, key, string(entry))
			pipe.LTrim(ctx, key, 0, i.historyLen-1)
		}
		return nil
	})
	if err != nil {
		i.log.Error().Str("sensor", sensorID).Err(err).Msg("Failed to store telemetry")
		return
	}
	i.log.Debug().Str("sensor", sensorID).Int("metrics", len(reading)).Msg("Telemetry stored")
}

// parseSensorID extracts the sensor ID from sensors/<id>/data
func parseSensorID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[0] == "sensors" && parts[2] == "data" {
		return parts[1]
	}
	return ""
}
