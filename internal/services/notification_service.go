package services

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"greenhouse/internal/models"
	"greenhouse/internal/queue"
)

// OperationLogger records operation log entries.
type OperationLogger interface {
	RecordOperation(ctx context.Context, op models.Operation) error
}

// NotificationService is the notification publish contract the worker's
// sendNotification handler targets. Delivery channels (email, telegram) live
// outside this backend; this implementation records the notification and
// leaves fan-out to them.
type NotificationService struct {
	oplog OperationLogger
	log   zerolog.Logger
}

// NewNotificationService creates the notification service
func NewNotificationService(oplog OperationLogger, log zerolog.Logger) *NotificationService {
	return &NotificationService{
		oplog: oplog,
		log:   log.With().Str("component", "notifications").Logger(),
	}
}

// PublishNotification records a notification for the delivery channels.
// Publishing the same payload twice writes two log rows, which is harmless;
// the call is safe to repeat under at-least-once delivery.
func (s *NotificationService) PublishNotification(ctx context.Context, p queue.NotificationPayload) (models.NotificationResult, error) {
	details, _ := json.Marshal(p)
	err := s.oplog.RecordOperation(ctx, models.Operation{
		ServiceName: "notificationService",
		Action:      "send_notification",
		Status:      "published",
		Details:     details,
	})
	if err != nil {
		return models.NotificationResult{Success: false, Message: err.Error()}, err
	}

	s.log.Info().Str("title", p.Title).Str("severity", p.Severity).Msg("Notification published")
	return models.NotificationResult{Success: true, Message: "published"}, nil
}
