package rules

import (
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"greenhouse/internal/contextdata"
)

// Clause evaluators are pure functions over already-fetched context data. They
// never return errors: missing keys, error sentinels and malformed readings
// log at debug/warn and resolve to false.

func evalDevice(ruleID int64, c DeviceClause, data map[string]contextdata.Value) bool {
	v, ok := data[contextdata.DeviceKey(c.SourceID)]
	if !ok || v.Err != nil || v.Device == nil {
		log.Debug().Int64("rule", ruleID).Str("device", c.SourceID).Msg("Device context unavailable")
		return false
	}

	expected := c.Value
	if c.ValueFrom != nil {
		sv, ok := data[contextdata.SensorKey(c.ValueFrom.SourceID)]
		if !ok || sv.Err != nil || sv.Sensor == nil {
			log.Debug().Int64("rule", ruleID).Str("sensor", c.ValueFrom.SourceID).Msg("value_from context unavailable")
			return false
		}
		expected, ok = sv.Sensor[c.ValueFrom.Metric]
		if !ok {
			log.Debug().Int64("rule", ruleID).Str("metric", c.ValueFrom.Metric).Msg("value_from metric missing")
			return false
		}
	}

	return compareString(v.Device.Status, c.Operator, expected)
}

func evalSensor(ruleID int64, c SensorClause, data map[string]contextdata.Value) bool {
	v, ok := data[contextdata.SensorKey(c.SourceID)]
	if !ok || v.Err != nil || v.Sensor == nil {
		log.Debug().Int64("rule", ruleID).Str("sensor", c.SourceID).Msg("Sensor context unavailable")
		return false
	}

	raw, ok := v.Sensor[c.Metric]
	if !ok {
		log.Debug().Int64("rule", ruleID).Str("sensor", c.SourceID).Str("metric", c.Metric).Msg("Metric missing from snapshot")
		return false
	}
	actual, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		log.Warn().Int64("rule", ruleID).Str("sensor", c.SourceID).Str("metric", c.Metric).
			Str("value", raw).Msg("Non-numeric sensor reading")
		return false
	}

	return compareFloat(actual, c.Operator, c.Value)
}

func evalTime(c TimeClause, now time.Time) bool {
	now = now.UTC()
	switch c.Kind {
	case TimeDailyWindow:
		tod := now.Format("15:04:05")
		if c.AfterTime <= c.BeforeTime {
			return tod >= c.AfterTime && tod < c.BeforeTime
		}
		// window spans midnight
		return tod >= c.AfterTime || tod < c.BeforeTime
	case TimeDayOfWeek:
		day := int(now.Weekday())
		for _, d := range c.Days {
			if d == day {
				return true
			}
		}
		return false
	case TimeDatetimeRange:
		return !now.Before(c.AfterDatetime) && !now.After(c.BeforeDatetime)
	}
	return false
}

func evalHistory(ruleID int64, c HistoryClause, data map[string]contextdata.Value) bool {
	vals := numericHistory(ruleID, c.SourceID, c.Metric, data)
	if len(vals) == 0 {
		return false
	}
	if len(vals) > c.Samples {
		vals = vals[:c.Samples]
	}

	var agg float64
	switch c.Aggregator {
	case "avg":
		for _, v := range vals {
			agg += v
		}
		agg /= float64(len(vals))
	case "sum":
		for _, v := range vals {
			agg += v
		}
	case "min":
		agg = vals[0]
		for _, v := range vals[1:] {
			if v < agg {
				agg = v
			}
		}
	case "max":
		agg = vals[0]
		for _, v := range vals[1:] {
			if v > agg {
				agg = v
			}
		}
	}

	return compareFloat(agg, c.Operator, c.Value)
}

func evalSustained(ruleID int64, c SustainedClause, data map[string]contextdata.Value, now time.Time) bool {
	v, ok := data[contextdata.HistoryKey(c.SourceID, c.Metric)]
	if !ok || v.Err != nil || len(v.History) == 0 {
		log.Debug().Int64("rule", ruleID).Str("sensor", c.SourceID).Msg("History context unavailable")
		return false
	}

	samples := v.History
	if c.TimeWindow > 0 {
		cutoff := now.Add(-c.TimeWindow)
		kept := samples[:0:0]
		for _, sm := range samples {
			if !sm.TS.Before(cutoff) {
				kept = append(kept, sm)
			}
		}
		samples = kept
	}
	if c.Samples > 0 && len(samples) > c.Samples {
		samples = samples[:c.Samples]
	}

	// Length of the consecutive satisfying run starting at the newest sample.
	run := 0
	for _, sm := range samples {
		f, err := strconv.ParseFloat(strings.TrimSpace(sm.Val), 64)
		if err != nil || !compareFloat(f, c.ComparisonOperator, c.ComparisonValue) {
			break
		}
		run++
	}

	return compareFloat(float64(run), c.Operator, c.Value)
}

func evalTrend(ruleID int64, c TrendClause, data map[string]contextdata.Value) bool {
	vals := numericHistory(ruleID, c.SourceID, c.Metric, data)
	if len(vals) > c.Samples {
		vals = vals[:c.Samples]
	}
	if len(vals) < 2 {
		log.Debug().Int64("rule", ruleID).Str("sensor", c.SourceID).Msg("Not enough samples for trend")
		return false
	}

	// History is newest-first; change is newest minus oldest over the window.
	change := vals[0] - vals[len(vals)-1]
	magnitude := change
	if magnitude < 0 {
		magnitude = -magnitude
	}

	var directional bool
	switch c.TrendType {
	case "increasing":
		directional = change >= c.ThresholdChange
	case "decreasing":
		directional = change <= -c.ThresholdChange
	case "stable":
		directional = magnitude <= c.ThresholdChange
	}
	if !directional {
		return false
	}
	if c.Operator == "" {
		return true
	}
	return compareFloat(magnitude, c.Operator, c.Value)
}

func evalHeartbeat(ruleID int64, c HeartbeatClause, data map[string]contextdata.Value, now time.Time) bool {
	v, ok := data[contextdata.HistoryKey(c.SourceID, c.Metric)]
	if !ok || v.Err != nil {
		log.Debug().Int64("rule", ruleID).Str("sensor", c.SourceID).Msg("Heartbeat context unavailable")
		return false
	}

	if len(v.History) == 0 {
		// Never reported: treat as silent forever, so "older than" fires.
		return c.Operator == ">" || c.Operator == ">=" || c.Operator == "!="
	}

	elapsed := now.Sub(v.History[0].TS).Seconds()
	return compareFloat(elapsed, c.Operator, c.MaxInactivity)
}

// numericHistory returns the parsed numeric samples for a history key,
// newest-first, discarding anything unparseable.
func numericHistory(ruleID int64, sensorID, metric string, data map[string]contextdata.Value) []float64 {
	v, ok := data[contextdata.HistoryKey(sensorID, metric)]
	if !ok || v.Err != nil {
		log.Debug().Int64("rule", ruleID).Str("sensor", sensorID).Str("metric", metric).Msg("History context unavailable")
		return nil
	}
	vals := make([]float64, 0, len(v.History))
	for _, sm := range v.History {
		f, err := strconv.ParseFloat(strings.TrimSpace(sm.Val), 64)
		if err != nil {
			continue
		}
		vals = append(vals, f)
	}
	return vals
}

func compareFloat(actual float64, op string, expected float64) bool {
	switch op {
	case ">":
		return actual > expected
	case "<":
		return actual < expected
	case ">=":
		return actual >= expected
	case "<=":
		return actual <= expected
	case "==":
		return actual == expected
	case "!=":
		return actual != expected
	}
	return false
}

func compareString(actual, op, expected string) bool {
	switch op {
	case "==":
		return actual == expected
	case "!=":
		return actual != expected
	}
	return false
}
