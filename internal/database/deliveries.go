package database

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"alerting/internal/alert"
)

// InsertDelivery records one delivery attempt and assigns its ID.
func (db *DB) InsertDelivery(ctx context.Context, d *alert.Delivery) error {
	query := `
		INSERT INTO alert_deliveries (alert_id, method, recipients, status, attempt, error, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING delivery_id
	`
	err := db.conn.QueryRowContext(ctx, query,
		d.AlertID,
		string(d.Method),
		pq.Array(d.Recipients),
		string(d.Status),
		d.Attempt,
		d.Error,
		d.AttemptedAt,
	).Scan(&d.ID)
	if err != nil {
		if pqCode(err) == pqForeignKeyViolation {
			return fmt.Errorf("%w: alert %s", alert.ErrNotFound, d.AlertID)
		}
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	return nil
}

// ListDeliveries retrieves the delivery attempts of an alert in insertion order.
func (db *DB) ListDeliveries(ctx context.Context, alertID string) ([]alert.Delivery, error) {
	query := `
		SELECT delivery_id, alert_id, method, recipients, status, attempt, error, attempted_at
		FROM alert_deliveries
		WHERE alert_id = $1
		ORDER BY delivery_id
	`
	return db.queryDeliveries(ctx, query, alertID)
}

// ListDeliveriesForAlerts retrieves the delivery attempts of the alerts matching f.
func (db *DB) ListDeliveriesForAlerts(ctx context.Context, f alert.Filter) ([]alert.Delivery, error) {
	where, args := filterClause(f, "a.")
	query := `
		SELECT d.delivery_id, d.alert_id, d.method, d.recipients, d.status, d.attempt, d.error, d.attempted_at
		FROM alert_deliveries d
		JOIN alert_records a ON a.alert_id = d.alert_id` + where + `
		ORDER BY d.delivery_id
	`
	return db.queryDeliveries(ctx, query, args...)
}

func (db *DB) queryDeliveries(ctx context.Context, query string, args ...any) ([]alert.Delivery, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []alert.Delivery
	for rows.Next() {
		var d alert.Delivery
		if err := rows.Scan(
			&d.ID,
			&d.AlertID,
			&d.Method,
			pq.Array(&d.Recipients),
			&d.Status,
			&d.Attempt,
			&d.Error,
			&d.AttemptedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}
