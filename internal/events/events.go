package events

import (
	"time"

	"github.com/rs/zerolog"
)

// Event types the core emits.
const (
	RuleTriggered           = "rule_triggered"
	ScheduleExecuted        = "schedule_executed"
	ScheduleExecutionFailed = "schedule_execution_failed"
	QueuedActionExecuted    = "queued_action_executed"
	QueuedActionDLQMoved    = "queued_action_dlq_moved"
	QueuedActionDLQError    = "queued_action_dlq_error"
)

// Event is one observability event.
type Event struct {
	Type string         `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Sink receives events from the loops and the worker. Implementations must
// not block the caller for long; Emit is called inline from processing paths.
type Sink interface {
	Emit(Event)
}

// New builds an event with the current timestamp
func New(eventType string, data map[string]any) Event {
	return Event{Type: eventType, At: time.Now().UTC(), Data: data}
}

// LogSink writes events to the structured log.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a sink backed by the given logger
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "events").Logger()}
}

// Emit logs the event
func (s *LogSink) Emit(e Event) {
	s.log.Info().Str("event", e.Type).Fields(e.Data).Msg("Event emitted")
}

// MultiSink fans out to several sinks.
type MultiSink []Sink

// Emit forwards to every sink
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// NopSink discards events.
type NopSink struct{}

// Emit does nothing
func (NopSink) Emit(Event) {}
