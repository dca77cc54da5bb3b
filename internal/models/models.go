package models

import (
	"encoding/json"
	"time"
)

// Rule represents an automation rule loaded from the database. Conditions and
// Actions stay raw here; the rules package parses conditions into a typed tree
// and the dispatcher unmarshals actions when a rule fires.
type Rule struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Priority        int             `json:"priority"` // 1-5, 5 = most urgent / shortest cooldown
	Enabled         bool            `json:"is_enabled"`
	Conditions      json.RawMessage `json:"conditions"`
	Actions         json.RawMessage `json:"actions"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at"`
}

// ActionSpec is one declarative action of a rule's action list.
type ActionSpec struct {
	Service        string          `json:"service"`
	Method         string          `json:"method"`
	TargetDeviceID string          `json:"target_device_id,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
}

// QueuedAction is the envelope published to the critical action queue.
type QueuedAction struct {
	Type          string          `json:"type"`
	TargetService string          `json:"targetService"`
	TargetMethod  string          `json:"targetMethod"`
	Payload       json.RawMessage `json:"payload"`
	Origin        *ActionOrigin   `json:"origin,omitempty"`
}

// ActionOrigin identifies what queued an action.
type ActionOrigin struct {
	Source      string    `json:"source"` // "rules_engine" or "scheduler"
	RuleID      int64     `json:"rule_id,omitempty"`
	RuleName    string    `json:"rule_name,omitempty"`
	ScheduleID  int64     `json:"schedule_id,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// DLQRecord is the dead-letter entry for an action the worker gave up on.
type DLQRecord struct {
	OriginalMessageID string        `json:"original_message_id"`
	Stream            string        `json:"stream"`
	RawPayload        string        `json:"raw_payload"`
	Action            *QueuedAction `json:"action,omitempty"`
	Actor             string        `json:"actor"`
	LastError         string        `json:"last_error"`
	AttemptsMade      int           `json:"attempts_made"`
	FailedAt          time.Time     `json:"failed_at"`
}

// ScheduledOperation is a one-time or cron device action.
type ScheduledOperation struct {
	ID              int64           `json:"id"`
	DeviceID        string          `json:"device_id"`
	ActionName      string          `json:"action_name"`
	ActionParams    json.RawMessage `json:"action_params,omitempty"`
	CronExpression  *string         `json:"cron_expression"`
	ExecuteAt       *time.Time      `json:"execute_at"`
	Enabled         bool            `json:"is_enabled"`
	NextExecutionAt *time.Time      `json:"next_execution_at"`
	LastExecutedAt  *time.Time      `json:"last_executed_at"`
}

// DeviceStatus is the slice of the device row the clause evaluators need.
type DeviceStatus struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Operation is an operations_log entry.
type Operation struct {
	ServiceName      string          `json:"serviceName"`
	Action           string          `json:"action"`
	Status           string          `json:"status"`
	TargetEntityType string          `json:"targetEntityType,omitempty"`
	TargetEntityID   string          `json:"targetEntityId,omitempty"`
	Details          json.RawMessage `json:"details,omitempty"`
}

// NotificationResult is what publishNotification reports back.
type NotificationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
