package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"greenhouse/internal/contextdata"
)

// MaxTreeDepth bounds condition tree nesting at parse time. Evaluation itself
// just follows the tree; the bound keeps pathological rules out of the engine.
const MaxTreeDepth = 16

// GroupOp combines child conditions.
type GroupOp string

const (
	OpAnd GroupOp = "AND"
	OpOr  GroupOp = "OR"
)

// Condition is a parsed condition tree: either a Group node or one of the
// clause types. Trees are parsed and validated once per rule load, then
// evaluated by structural recursion.
type Condition interface {
	cond()
}

// Group is an AND/OR node over child conditions.
type Group struct {
	Op       GroupOp
	Children []Condition
}

// SensorRef cross-references another sensor's metric as a comparison value.
type SensorRef struct {
	SourceID string `json:"source_id"`
	Metric   string `json:"metric"`
}

// DeviceClause compares a device's status against a literal or another
// sensor's metric. Operators: == and !=.
type DeviceClause struct {
	SourceID  string
	Operator  string
	Value     string
	ValueFrom *SensorRef
}

// SensorClause compares one metric of a sensor's latest snapshot against a
// numeric threshold.
type SensorClause struct {
	SourceID string
	Metric   string
	Operator string
	Value    float64
}

// TimeKind selects the time clause sub-kind.
type TimeKind string

const (
	TimeDailyWindow   TimeKind = "daily_window"
	TimeDayOfWeek     TimeKind = "day_of_week"
	TimeDatetimeRange TimeKind = "datetime_range"
)

// TimeClause matches the current UTC instant against a daily window, a set of
// weekdays, or an absolute datetime range.
type TimeClause struct {
	Kind           TimeKind
	AfterTime      string // HH:MM:SS
	BeforeTime     string // HH:MM:SS
	Days           []int  // 0=Sunday .. 6=Saturday
	AfterDatetime  time.Time
	BeforeDatetime time.Time
}

// HistoryClause aggregates recent samples of a metric and compares the result.
type HistoryClause struct {
	SourceID   string
	Metric     string
	Samples    int
	Aggregator string // avg, min, max, sum
	Operator   string
	Value      float64
}

// SustainedClause checks that a per-sample gate has held over a window: the
// consecutive run of satisfying samples, counted from the newest, is compared
// against Value.
type SustainedClause struct {
	SourceID           string
	Metric             string
	Samples            int
	TimeWindow         time.Duration
	ComparisonOperator string
	ComparisonValue    float64
	Operator           string
	Value              float64
}

// TrendClause checks the directional change of a metric over a sample window.
type TrendClause struct {
	SourceID        string
	Metric          string
	Samples         int
	TrendType       string // increasing, decreasing, stable
	ThresholdChange float64
	Operator        string // optional second gate on |change|
	Value           float64
}

// HeartbeatClause compares the time since a sensor's newest sample against a
// maximum inactivity bound in seconds.
type HeartbeatClause struct {
	SourceID      string
	Metric        string
	Operator      string
	MaxInactivity float64
}

func (Group) cond()           {}
func (DeviceClause) cond()    {}
func (SensorClause) cond()    {}
func (TimeClause) cond()      {}
func (HistoryClause) cond()   {}
func (SustainedClause) cond() {}
func (TrendClause) cond()     {}
func (HeartbeatClause) cond() {}

// sustainedFetchCount is how many samples a time-window sustained clause pulls
// when it does not name an explicit sample count.
const sustainedFetchCount = 100

var equalityOps = map[string]bool{"==": true, "!=": true}
var numericOps = map[string]bool{">": true, "<": true, ">=": true, "<=": true, "==": true, "!=": true}
var aggregators = map[string]bool{"avg": true, "min": true, "max": true, "sum": true}
var trendTypes = map[string]bool{"increasing": true, "decreasing": true, "stable": true}

type clauseJSON struct {
	SourceType         string          `json:"source_type"`
	SourceID           string          `json:"source_id"`
	Metric             string          `json:"metric"`
	Operator           string          `json:"operator"`
	Value              json.RawMessage `json:"value"`
	ValueFrom          *SensorRef      `json:"value_from"`
	ConditionType      string          `json:"condition_type"`
	AfterTime          string          `json:"after_time"`
	BeforeTime         string          `json:"before_time"`
	Days               []int           `json:"days"`
	AfterDatetime      string          `json:"after_datetime"`
	BeforeDatetime     string          `json:"before_datetime"`
	Samples            int             `json:"samples"`
	TimeWindowSecs     float64         `json:"time_window"`
	Aggregator         string          `json:"aggregator"`
	ComparisonOperator string          `json:"comparison_operator"`
	ComparisonValue    json.RawMessage `json:"comparison_value"`
	TrendType          string          `json:"trend_type"`
	ThresholdChange    float64         `json:"threshold_change"`
	MaxInactivity      float64         `json:"max_inactivity"`
}

type nodeJSON struct {
	SourceType string            `json:"source_type"`
	Type       string            `json:"type"`
	Clauses    []json.RawMessage `json:"clauses"`
}

// ParseCondition parses and validates a condition tree. Malformed trees are
// rejected here so evaluation never re-checks shape.
func ParseCondition(raw json.RawMessage) (Condition, error) {
	return parseNode(raw, 0)
}

func parseNode(raw json.RawMessage, depth int) (Condition, error) {
	if depth > MaxTreeDepth {
		return nil, fmt.Errorf("condition tree deeper than %d levels", MaxTreeDepth)
	}

	var probe nodeJSON
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("invalid condition JSON: %w", err)
	}

	if probe.SourceType != "" {
		return parseClause(raw)
	}

	op := GroupOp(probe.Type)
	if op != OpAnd && op != OpOr {
		return nil, fmt.Errorf("condition node needs source_type or type AND/OR, got %q", probe.Type)
	}
	if probe.Clauses == nil {
		return nil, fmt.Errorf("%s node has no clauses array", op)
	}

	g := Group{Op: op, Children: make([]Condition, 0, len(probe.Clauses))}
	for i, childRaw := range probe.Clauses {
		child, err := parseNode(childRaw, depth+1)
		if err != nil {
			return nil, fmt.Errorf("clause %d: %w", i, err)
		}
		g.Children = append(g.Children, child)
	}
	return g, nil
}

func parseClause(raw json.RawMessage) (Condition, error) {
	var c clauseJSON
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid clause JSON: %w", err)
	}

	switch c.SourceType {
	case "device":
		if c.SourceID == "" {
			return nil, fmt.Errorf("device clause missing source_id")
		}
		if !equalityOps[c.Operator] {
			return nil, fmt.Errorf("device clause operator %q not in ==/!=", c.Operator)
		}
		cl := DeviceClause{SourceID: c.SourceID, Operator: c.Operator, ValueFrom: c.ValueFrom}
		if c.ValueFrom != nil {
			if c.ValueFrom.SourceID == "" || c.ValueFrom.Metric == "" {
				return nil, fmt.Errorf("device clause value_from missing source_id or metric")
			}
		} else {
			v, err := rawToString(c.Value)
			if err != nil {
				return nil, fmt.Errorf("device clause value: %w", err)
			}
			cl.Value = v
		}
		return cl, nil

	case "sensor":
		if c.SourceID == "" || c.Metric == "" {
			return nil, fmt.Errorf("sensor clause missing source_id or metric")
		}
		if !numericOps[c.Operator] {
			return nil, fmt.Errorf("sensor clause operator %q unsupported", c.Operator)
		}
		v, err := rawToFloat(c.Value)
		if err != nil {
			return nil, fmt.Errorf("sensor clause value: %w", err)
		}
		return SensorClause{SourceID: c.SourceID, Metric: c.Metric, Operator: c.Operator, Value: v}, nil

	case "time":
		return parseTimeClause(c)

	case "sensor_history":
		if c.SourceID == "" || c.Metric == "" {
			return nil, fmt.Errorf("sensor_history clause missing source_id or metric")
		}
		if c.Samples < 1 {
			return nil, fmt.Errorf("sensor_history clause needs samples >= 1")
		}
		if !aggregators[c.Aggregator] {
			return nil, fmt.Errorf("sensor_history aggregator %q unsupported", c.Aggregator)
		}
		if !numericOps[c.Operator] {
			return nil, fmt.Errorf("sensor_history operator %q unsupported", c.Operator)
		}
		v, err := rawToFloat(c.Value)
		if err != nil {
			return nil, fmt.Errorf("sensor_history value: %w", err)
		}
		return HistoryClause{SourceID: c.SourceID, Metric: c.Metric, Samples: c.Samples,
			Aggregator: c.Aggregator, Operator: c.Operator, Value: v}, nil

	case "sensor_sustained_state":
		if c.SourceID == "" || c.Metric == "" {
			return nil, fmt.Errorf("sensor_sustained_state clause missing source_id or metric")
		}
		if c.Samples < 1 && c.TimeWindowSecs <= 0 {
			return nil, fmt.Errorf("sensor_sustained_state needs samples or time_window")
		}
		if !numericOps[c.ComparisonOperator] {
			return nil, fmt.Errorf("sensor_sustained_state comparison_operator %q unsupported", c.ComparisonOperator)
		}
		if !numericOps[c.Operator] {
			return nil, fmt.Errorf("sensor_sustained_state operator %q unsupported", c.Operator)
		}
		cv, err := rawToFloat(c.ComparisonValue)
		if err != nil {
			return nil, fmt.Errorf("sensor_sustained_state comparison_value: %w", err)
		}
		v, err := rawToFloat(c.Value)
		if err != nil {
			return nil, fmt.Errorf("sensor_sustained_state value: %w", err)
		}
		return SustainedClause{SourceID: c.SourceID, Metric: c.Metric, Samples: c.Samples,
			TimeWindow:         time.Duration(c.TimeWindowSecs * float64(time.Second)),
			ComparisonOperator: c.ComparisonOperator, ComparisonValue: cv,
			Operator: c.Operator, Value: v}, nil

	case "sensor_trend":
		if c.SourceID == "" || c.Metric == "" {
			return nil, fmt.Errorf("sensor_trend clause missing source_id or metric")
		}
		if c.Samples < 2 {
			return nil, fmt.Errorf("sensor_trend clause needs samples >= 2")
		}
		if !trendTypes[c.TrendType] {
			return nil, fmt.Errorf("sensor_trend trend_type %q unsupported", c.TrendType)
		}
		cl := TrendClause{SourceID: c.SourceID, Metric: c.Metric, Samples: c.Samples,
			TrendType: c.TrendType, ThresholdChange: c.ThresholdChange, Operator: c.Operator}
		if c.Operator != "" {
			if !numericOps[c.Operator] {
				return nil, fmt.Errorf("sensor_trend operator %q unsupported", c.Operator)
			}
			v, err := rawToFloat(c.Value)
			if err != nil {
				return nil, fmt.Errorf("sensor_trend value: %w", err)
			}
			cl.Value = v
		}
		return cl, nil

	case "sensor_heartbeat":
		if c.SourceID == "" || c.Metric == "" {
			return nil, fmt.Errorf("sensor_heartbeat clause missing source_id or metric")
		}
		if c.MaxInactivity <= 0 {
			return nil, fmt.Errorf("sensor_heartbeat needs max_inactivity > 0")
		}
		op := c.Operator
		if op == "" {
			op = ">"
		}
		if !numericOps[op] {
			return nil, fmt.Errorf("sensor_heartbeat operator %q unsupported", op)
		}
		return HeartbeatClause{SourceID: c.SourceID, Metric: c.Metric, Operator: op, MaxInactivity: c.MaxInactivity}, nil
	}

	return nil, fmt.Errorf("unknown clause source_type %q", c.SourceType)
}

func parseTimeClause(c clauseJSON) (Condition, error) {
	switch TimeKind(c.ConditionType) {
	case TimeDailyWindow:
		for _, v := range []string{c.AfterTime, c.BeforeTime} {
			if _, err := time.Parse("15:04:05", v); err != nil {
				return nil, fmt.Errorf("daily_window time %q: %w", v, err)
			}
		}
		return TimeClause{Kind: TimeDailyWindow, AfterTime: c.AfterTime, BeforeTime: c.BeforeTime}, nil

	case TimeDayOfWeek:
		if len(c.Days) == 0 {
			return nil, fmt.Errorf("day_of_week clause has no days")
		}
		for _, d := range c.Days {
			if d < 0 || d > 6 {
				return nil, fmt.Errorf("day_of_week day %d out of range", d)
			}
		}
		return TimeClause{Kind: TimeDayOfWeek, Days: c.Days}, nil

	case TimeDatetimeRange:
		after, err := time.Parse(time.RFC3339, c.AfterDatetime)
		if err != nil {
			return nil, fmt.Errorf("datetime_range after_datetime: %w", err)
		}
		before, err := time.Parse(time.RFC3339, c.BeforeDatetime)
		if err != nil {
			return nil, fmt.Errorf("datetime_range before_datetime: %w", err)
		}
		return TimeClause{Kind: TimeDatetimeRange, AfterDatetime: after, BeforeDatetime: before}, nil
	}
	return nil, fmt.Errorf("unknown time condition_type %q", c.ConditionType)
}

// rawToFloat accepts a JSON number or a numeric string
func rawToFloat(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing value")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	}
	return 0, fmt.Errorf("value %s is not numeric", string(raw))
}

// rawToString accepts a JSON string, number or bool
func rawToString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("missing value")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", v), nil
}

// CollectRefs walks a condition tree once and returns the deduplicated set of
// context reads its clauses need.
func CollectRefs(c Condition) contextdata.Refs {
	var refs contextdata.Refs
	collectRefs(c, &refs)
	return refs
}

func collectRefs(c Condition, refs *contextdata.Refs) {
	switch cl := c.(type) {
	case Group:
		for _, child := range cl.Children {
			collectRefs(child, refs)
		}
	case DeviceClause:
		refs.AddDevice(cl.SourceID)
		if cl.ValueFrom != nil {
			refs.AddSensor(cl.ValueFrom.SourceID)
		}
	case SensorClause:
		refs.AddSensor(cl.SourceID)
	case TimeClause:
		// time clauses read the clock, not context data
	case HistoryClause:
		refs.AddHistory(cl.SourceID, cl.Metric, cl.Samples)
	case SustainedClause:
		refs.AddHistory(cl.SourceID, cl.Metric, cl.fetchCount())
	case TrendClause:
		refs.AddHistory(cl.SourceID, cl.Metric, cl.Samples)
	case HeartbeatClause:
		refs.AddHistory(cl.SourceID, cl.Metric, 1)
	}
}

func (c SustainedClause) fetchCount() int {
	if c.Samples > 0 {
		return c.Samples
	}
	return sustainedFetchCount
}
