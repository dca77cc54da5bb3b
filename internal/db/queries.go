package db

import (
	"context"
	"encoding/json"
	"time"

	"greenhouse/internal/models"
)

// GetEnabledRules fetches all enabled rules, most urgent first
func (d *DB) GetEnabledRules(ctx context.Context) ([]models.Rule, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, name, COALESCE(description, ''), priority, is_enabled, conditions, actions, last_triggered_at
		 FROM rules WHERE is_enabled = true ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		var r models.Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Priority, &r.Enabled,
			&r.Conditions, &r.Actions, &r.LastTriggeredAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// StampRuleTriggered records when a rule last fired
func (d *DB) StampRuleTriggered(ctx context.Context, id int64, at time.Time) error {
	_, err := d.pool.Exec(ctx, "UPDATE rules SET last_triggered_at = $1 WHERE id = $2", at, id)
	return err
}

// GetDeviceStatusBatch fetches status for a set of devices in one query
func (d *DB) GetDeviceStatusBatch(ctx context.Context, hardwareIDs []string) (map[string]models.DeviceStatus, error) {
	out := make(map[string]models.DeviceStatus, len(hardwareIDs))
	if len(hardwareIDs) == 0 {
		return out, nil
	}
	rows, err := d.pool.Query(ctx,
		"SELECT device_id, name, status FROM devices WHERE device_id = ANY($1)", hardwareIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s models.DeviceStatus
		if err := rows.Scan(&s.ID, &s.Name, &s.Status); err != nil {
			return nil, err
		}
		out[s.ID] = s
	}
	return out, rows.Err()
}

// UpdateDeviceStatus sets a device's status column
func (d *DB) UpdateDeviceStatus(ctx context.Context, deviceID, status string) error {
	_, err := d.pool.Exec(ctx,
		"UPDATE devices SET status = $1, updated_at = NOW() WHERE device_id = $2", status, deviceID)
	return err
}

// UpdateDeviceConfig merges new configuration into a device row
func (d *DB) UpdateDeviceConfig(ctx context.Context, deviceID string, cfg json.RawMessage) error {
	_, err := d.pool.Exec(ctx,
		"UPDATE devices SET config = COALESCE(config, '{}'::jsonb) || $1::jsonb, updated_at = NOW() WHERE device_id = $2",
		cfg, deviceID)
	return err
}

// RecordOperation inserts an operations_log row
func (d *DB) RecordOperation(ctx context.Context, op models.Operation) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO operations_log (service_name, action, status, target_entity_type, target_entity_id, details, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NOW())`,
		op.ServiceName, op.Action, op.Status, op.TargetEntityType, op.TargetEntityID, op.Details)
	return err
}

// GetDueOperations fetches enabled scheduled operations whose next run is due
func (d *DB) GetDueOperations(ctx context.Context, now time.Time) ([]models.ScheduledOperation, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, device_id, action_name, action_params, cron_expression, execute_at,
		        is_enabled, next_execution_at, last_executed_at
		 FROM scheduled_operations
		 WHERE is_enabled = true AND next_execution_at IS NOT NULL AND next_execution_at <= $1
		 ORDER BY next_execution_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []models.ScheduledOperation
	for rows.Next() {
		var op models.ScheduledOperation
		if err := rows.Scan(&op.ID, &op.DeviceID, &op.ActionName, &op.ActionParams,
			&op.CronExpression, &op.ExecuteAt, &op.Enabled, &op.NextExecutionAt, &op.LastExecutedAt); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// FinishOperation updates a schedule's bookkeeping and writes its operation log
// entry in one transaction. A nil next disables the operation's next run; the
// enabled flag is false for one-time operations and unparseable cron expressions.
func (d *DB) FinishOperation(ctx context.Context, id int64, next *time.Time, enabled bool, entry models.Operation) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE scheduled_operations
		 SET next_execution_at = $1, is_enabled = $2, last_executed_at = NOW()
		 WHERE id = $3`, next, enabled, id)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO operations_log (service_name, action, status, target_entity_type, target_entity_id, details, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NOW())`,
		entry.ServiceName, entry.Action, entry.Status, entry.TargetEntityType, entry.TargetEntityID, entry.Details)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}
