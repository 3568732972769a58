package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"alerting/internal/alert"
)

const alertColumns = `alert_id, rule_id, device_id, alert_level, alert_title, alert_content,
	triggered_value, threshold_value, confidence_score, alert_time, status, is_confirmed,
	confirmed_time, confirmed_by, confirm_note, resolved_time, resolved_by, resolve_note,
	notification_status, extended_info, updated_at`

func scanRecord(s rowScanner) (*alert.Record, error) {
	var (
		rec            alert.Record
		triggeredValue sql.NullFloat64
		thresholdValue sql.NullFloat64
		confirmedTime  sql.NullTime
		resolvedTime   sql.NullTime
		extendedInfo   sql.NullString
	)
	if err := s.Scan(
		&rec.ID,
		&rec.RuleID,
		&rec.DeviceID,
		&rec.Level,
		&rec.Title,
		&rec.Content,
		&triggeredValue,
		&thresholdValue,
		&rec.Confidence,
		&rec.AlertTime,
		&rec.Status,
		&rec.Confirmed,
		&confirmedTime,
		&rec.ConfirmedBy,
		&rec.ConfirmNote,
		&resolvedTime,
		&rec.ResolvedBy,
		&rec.ResolveNote,
		&rec.NotificationStatus,
		&extendedInfo,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.TriggeredValue = floatPtr(triggeredValue)
	rec.ThresholdValue = floatPtr(thresholdValue)
	rec.ConfirmedAt = timePtr(confirmedTime)
	rec.ResolvedAt = timePtr(resolvedTime)
	unmarshalJSONB(extendedInfo, &rec.ExtendedInfo, "alert_id", rec.ID, "column", "extended_info")
	return &rec, nil
}

// InsertAlert inserts a new alert record. Inserting an open record when an
// open record already exists for the same (rule, device) hits the partial
// unique index; the insert is dropped and InsertAlert returns false.
func (db *DB) InsertAlert(ctx context.Context, rec *alert.Record) (bool, error) {
	extendedInfo, err := marshalJSONB(rec.ExtendedInfo)
	if err != nil {
		return false, err
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = rec.AlertTime
	}

	query := `
		INSERT INTO alert_records (alert_id, rule_id, device_id, alert_level, alert_title, alert_content,
			triggered_value, threshold_value, confidence_score, alert_time, status, notification_status,
			extended_info, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (rule_id, device_id) WHERE status IN ('ACTIVE', 'ACKNOWLEDGED') DO NOTHING
		RETURNING alert_id
	`
	var alertID string
	err = db.conn.QueryRowContext(ctx, query,
		rec.ID,
		rec.RuleID,
		rec.DeviceID,
		string(rec.Level),
		rec.Title,
		rec.Content,
		nullFloat(rec.TriggeredValue),
		nullFloat(rec.ThresholdValue),
		rec.Confidence,
		rec.AlertTime,
		string(rec.Status),
		string(rec.NotificationStatus),
		extendedInfo,
		updatedAt,
	).Scan(&alertID)
	if err == sql.ErrNoRows {
		slog.Debug("Open alert already exists, dropping firing",
			"rule_id", rec.RuleID,
			"device_id", rec.DeviceID,
		)
		return false, nil
	}
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return false, fmt.Errorf("alert already exists: %s", rec.ID)
		}
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}
	return true, nil
}

// GetAlert retrieves an alert record by ID.
func (db *DB) GetAlert(ctx context.Context, alertID string) (*alert.Record, error) {
	query := `SELECT ` + alertColumns + ` FROM alert_records WHERE alert_id = $1`
	rec, err := scanRecord(db.conn.QueryRowContext(ctx, query, alertID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: alert %s", alert.ErrNotFound, alertID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return rec, nil
}

// FindOpenAlert retrieves the open record for (ruleID, deviceID), or nil when none exists.
func (db *DB) FindOpenAlert(ctx context.Context, ruleID, deviceID string) (*alert.Record, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alert_records
		WHERE rule_id = $1 AND device_id = $2 AND status IN ('ACTIVE', 'ACKNOWLEDGED')
	`
	rec, err := scanRecord(db.conn.QueryRowContext(ctx, query, ruleID, deviceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open alert: %w", err)
	}
	return rec, nil
}

// UpdateAlertLifecycle writes the lifecycle fields of rec, provided the stored
// status is still from. A concurrent transition makes the update fail with
// ErrInvalidTransition and leaves the row untouched.
func (db *DB) UpdateAlertLifecycle(ctx context.Context, rec *alert.Record, from alert.Status) error {
	query := `
		UPDATE alert_records
		SET status = $2,
		    is_confirmed = $3,
		    confirmed_time = $4,
		    confirmed_by = $5,
		    confirm_note = $6,
		    resolved_time = $7,
		    resolved_by = $8,
		    resolve_note = $9,
		    updated_at = $10
		WHERE alert_id = $1 AND status = $11
	`
	result, err := db.conn.ExecContext(ctx, query,
		rec.ID,
		string(rec.Status),
		rec.Confirmed,
		nullTime(rec.ConfirmedAt),
		rec.ConfirmedBy,
		rec.ConfirmNote,
		nullTime(rec.ResolvedAt),
		rec.ResolvedBy,
		rec.ResolveNote,
		rec.UpdatedAt,
		string(from),
	)
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return fmt.Errorf("%w: alert %s conflicts with another open alert", alert.ErrInvalidTransition, rec.ID)
		}
		return fmt.Errorf("failed to update alert: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists bool
		checkQuery := `SELECT EXISTS(SELECT 1 FROM alert_records WHERE alert_id = $1)`
		if err := db.conn.QueryRowContext(ctx, checkQuery, rec.ID).Scan(&exists); err == nil && exists {
			return fmt.Errorf("%w: alert %s is no longer %s", alert.ErrInvalidTransition, rec.ID, from)
		}
		return fmt.Errorf("%w: alert %s", alert.ErrNotFound, rec.ID)
	}
	return nil
}

// UpdateNotificationStatus sets the aggregate delivery status of an alert.
func (db *DB) UpdateNotificationStatus(ctx context.Context, alertID string, status alert.NotificationStatus) error {
	query := `UPDATE alert_records SET notification_status = $2, updated_at = NOW() WHERE alert_id = $1`
	result, err := db.conn.ExecContext(ctx, query, alertID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update notification status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: alert %s", alert.ErrNotFound, alertID)
	}
	return nil
}

// ListAlerts retrieves records matching f ordered by alert time, then ID.
func (db *DB) ListAlerts(ctx context.Context, f alert.Filter) ([]*alert.Record, error) {
	where, args := filterClause(f, "")
	query := `SELECT ` + alertColumns + ` FROM alert_records` + where + ` ORDER BY alert_time, alert_id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var records []*alert.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteClosedAlertsBefore deletes non-open records older than cutoff. Their
// delivery rows go with them through ON DELETE CASCADE.
func (db *DB) DeleteClosedAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM alert_records WHERE alert_time < $1 AND status NOT IN ('ACTIVE', 'ACKNOWLEDGED')`
	result, err := db.conn.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired alerts: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// filterClause renders f as a WHERE clause over columns qualified by prefix.
func filterClause(f alert.Filter, prefix string) (string, []any) {
	var conds []string
	var args []any
	add := func(expr string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(expr, prefix, len(args)))
	}

	if f.DeviceID != "" {
		add("%sdevice_id = $%d", f.DeviceID)
	}
	if f.RuleID != "" {
		add("%srule_id = $%d", f.RuleID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("%sstatus = ANY($%d)", pq.Array(statuses))
	}
	if len(f.NotificationStatuses) > 0 {
		statuses := make([]string, len(f.NotificationStatuses))
		for i, s := range f.NotificationStatuses {
			statuses[i] = string(s)
		}
		add("%snotification_status = ANY($%d)", pq.Array(statuses))
	}
	if !f.Since.IsZero() {
		add("%salert_time >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("%salert_time < $%d", f.Until)
	}
	if f.RetryableBelow > 0 {
		outer := prefix
		if outer == "" {
			outer = "alert_records."
		}
		args = append(args, f.RetryableBelow)
		conds = append(conds, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM alert_deliveries rd
			WHERE rd.alert_id = %salert_id
			GROUP BY rd.method
			HAVING MAX(rd.attempt) < $%d AND BOOL_AND(rd.status <> 'SUCCESS'))`, outer, len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
