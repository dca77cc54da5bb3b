package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"greenhouse/internal/models"
)

// ErrPermanent marks dispatch failures that must not be retried: unknown
// targets, payload shape violations, unparseable messages. The worker routes
// them straight to the DLQ.
var ErrPermanent = errors.New("permanent dispatch failure")

// TargetService and TargetMethod form the closed whitelist of queue targets.
type TargetService string

const (
	DeviceService       TargetService = "deviceService"
	NotificationService TargetService = "notificationService"
	OperationService    TargetService = "operationService"
)

// TargetMethod names a whitelisted method on a target service.
type TargetMethod string

const (
	UpdateDeviceStatus TargetMethod = "updateDeviceStatus"
	ApplyConfiguration TargetMethod = "applyConfiguration"
	SendNotification   TargetMethod = "sendNotification"
	ScheduleLogEvent   TargetMethod = "scheduleLogEvent"
)

// Target is a (service, method) pair.
type Target struct {
	Service TargetService
	Method  TargetMethod
}

// Handler executes one queued action payload. Handlers validate their own
// payload shape and must be idempotent: delivery is at-least-once, so the same
// payload can arrive twice. All four built-in handlers write absolute state
// (status X, config Y, one log row keyed by content), which re-applies safely.
type Handler func(ctx context.Context, payload json.RawMessage) error

// DeviceStore is the device write surface the handlers need.
type DeviceStore interface {
	UpdateDeviceStatus(ctx context.Context, deviceID, status string) error
	UpdateDeviceConfig(ctx context.Context, deviceID string, cfg json.RawMessage) error
}

// Commander pushes commands to physical devices.
type Commander interface {
	PublishCommand(deviceID string, payload []byte) error
}

// Notifier delivers notification payloads.
type Notifier interface {
	PublishNotification(ctx context.Context, p NotificationPayload) (models.NotificationResult, error)
}

// OperationLogger records operation log entries.
type OperationLogger interface {
	RecordOperation(ctx context.Context, op models.Operation) error
}

// DeviceStatusPayload shapes deviceService.updateDeviceStatus.
type DeviceStatusPayload struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
}

// Validate checks required fields
func (p DeviceStatusPayload) Validate() error {
	if p.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if p.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// DeviceConfigPayload shapes deviceService.applyConfiguration.
type DeviceConfigPayload struct {
	DeviceID string          `json:"device_id"`
	Config   json.RawMessage `json:"config"`
}

// Validate checks required fields
func (p DeviceConfigPayload) Validate() error {
	if p.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if len(p.Config) == 0 {
		return fmt.Errorf("config is required")
	}
	var probe map[string]any
	if err := json.Unmarshal(p.Config, &probe); err != nil {
		return fmt.Errorf("config must be a JSON object: %w", err)
	}
	return nil
}

// NotificationPayload shapes notificationService.sendNotification.
type NotificationPayload struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// Validate checks required fields
func (p NotificationPayload) Validate() error {
	if p.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// LogEventPayload shapes operationService.scheduleLogEvent.
type LogEventPayload struct {
	Action         string          `json:"action"`
	Status         string          `json:"status"`
	TargetEntityID string          `json:"target_entity_id,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
}

// Validate checks required fields
func (p LogEventPayload) Validate() error {
	if p.Action == "" {
		return fmt.Errorf("action is required")
	}
	return nil
}

// Registry maps the whitelisted targets to their typed handlers. Dispatching
// anything outside the table is a permanent error, decided before the handler
// ever runs.
type Registry struct {
	handlers map[Target]Handler
	log      zerolog.Logger
}

// RegistryDeps are the collaborators the built-in handlers act on.
type RegistryDeps struct {
	Devices   DeviceStore
	Commander Commander
	Notifier  Notifier
	Oplog     OperationLogger
}

// NewRegistry builds the handler whitelist
func NewRegistry(deps RegistryDeps, log zerolog.Logger) *Registry {
	r := &Registry{
		handlers: make(map[Target]Handler),
		log:      log.With().Str("component", "handlers").Logger(),
	}

	r.handlers[Target{DeviceService, UpdateDeviceStatus}] = func(ctx context.Context, raw json.RawMessage) error {
		var p DeviceStatusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		if err := deps.Devices.UpdateDeviceStatus(ctx, p.DeviceID, p.Status); err != nil {
			return err
		}
		cmd, _ := json.Marshal(map[string]string{"status": p.Status})
		if err := deps.Commander.PublishCommand(p.DeviceID, cmd); err != nil {
			return err
		}
		return nil
	}

	r.handlers[Target{DeviceService, ApplyConfiguration}] = func(ctx context.Context, raw json.RawMessage) error {
		var p DeviceConfigPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		if err := deps.Devices.UpdateDeviceConfig(ctx, p.DeviceID, p.Config); err != nil {
			return err
		}
		cmd, _ := json.Marshal(map[string]json.RawMessage{"config": p.Config})
		return deps.Commander.PublishCommand(p.DeviceID, cmd)
	}

	r.handlers[Target{NotificationService, SendNotification}] = func(ctx context.Context, raw json.RawMessage) error {
		var p NotificationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		res, err := deps.Notifier.PublishNotification(ctx, p)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("notification rejected: %s", res.Message)
		}
		return nil
	}

	r.handlers[Target{OperationService, ScheduleLogEvent}] = func(ctx context.Context, raw json.RawMessage) error {
		var p LogEventPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		status := p.Status
		if status == "" {
			status = "info"
		}
		return deps.Oplog.RecordOperation(ctx, models.Operation{
			ServiceName:    "operationService",
			Action:         p.Action,
			Status:         status,
			TargetEntityID: p.TargetEntityID,
			Details:        p.Details,
		})
	}

	return r
}

// Dispatch runs the handler for a target. Unknown targets fail permanently.
func (r *Registry) Dispatch(ctx context.Context, service, method string, payload json.RawMessage) error {
	h, ok := r.handlers[Target{TargetService(service), TargetMethod(method)}]
	if !ok {
		return fmt.Errorf("%w: target %s.%s not whitelisted", ErrPermanent, service, method)
	}
	return h(ctx, payload)
}
