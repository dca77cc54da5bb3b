package rules

import (
	"time"

	"greenhouse/internal/contextdata"
)

// Evaluate reduces a parsed condition tree to one boolean against the given
// context data. AND nodes short-circuit on the first false child and are
// vacuously true when empty; OR nodes short-circuit on the first true child
// and are false when empty.
func Evaluate(ruleID int64, c Condition, data map[string]contextdata.Value, now time.Time) bool {
	switch cl := c.(type) {
	case Group:
		switch cl.Op {
		case OpAnd:
			for _, child := range cl.Children {
				if !Evaluate(ruleID, child, data, now) {
					return false
				}
			}
			return true
		case OpOr:
			for _, child := range cl.Children {
				if Evaluate(ruleID, child, data, now) {
					return true
				}
			}
			return false
		}
		return false
	case DeviceClause:
		return evalDevice(ruleID, cl, data)
	case SensorClause:
		return evalSensor(ruleID, cl, data)
	case TimeClause:
		return evalTime(cl, now)
	case HistoryClause:
		return evalHistory(ruleID, cl, data)
	case SustainedClause:
		return evalSustained(ruleID, cl, data, now)
	case TrendClause:
		return evalTrend(ruleID, cl, data)
	case HeartbeatClause:
		return evalHeartbeat(ruleID, cl, data, now)
	}
	return false
}
