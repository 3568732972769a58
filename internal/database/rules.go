package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"alerting/internal/alert"
)

const ruleColumns = `rule_id, name, description, device_id, rule_type, alert_level, conditions,
	threshold_config, trend, check_interval_minutes, consecutive_trigger_count, suppression_minutes,
	is_active, notification_methods, email_recipients, sms_recipients, priority, last_triggered_time,
	created_by, created_at, updated_at`

func scanRule(s rowScanner) (*alert.Rule, error) {
	var (
		rule            alert.Rule
		deviceID        sql.NullString
		conditions      sql.NullString
		thresholdConfig sql.NullString
		methods         []string
		lastTriggered   sql.NullTime
	)
	if err := s.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Description,
		&deviceID,
		&rule.Type,
		&rule.Level,
		&conditions,
		&thresholdConfig,
		&rule.Trend,
		&rule.CheckIntervalMinutes,
		&rule.ConsecutiveTriggerCount,
		&rule.SuppressionMinutes,
		&rule.Active,
		pq.Array(&methods),
		pq.Array(&rule.EmailRecipients),
		pq.Array(&rule.SMSRecipients),
		&rule.Priority,
		&lastTriggered,
		&rule.CreatedBy,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.DeviceID = deviceID.String
	unmarshalJSONB(conditions, &rule.Conditions, "rule_id", rule.ID, "column", "conditions")
	unmarshalJSONB(thresholdConfig, &rule.ThresholdConfig, "rule_id", rule.ID, "column", "threshold_config")
	for _, m := range methods {
		rule.NotificationMethods = append(rule.NotificationMethods, alert.Method(m))
	}
	rule.LastTriggeredAt = timePtr(lastTriggered)
	return &rule, nil
}

func queryRules(ctx context.Context, conn *sql.DB, query string, args ...any) ([]*alert.Rule, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*alert.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// UpsertRule validates and inserts a rule, or replaces the rule with the same ID.
// last_triggered_time and created_at of an existing rule are preserved.
func (db *DB) UpsertRule(ctx context.Context, rule *alert.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	conditions, err := marshalJSONB(rule.Conditions)
	if err != nil {
		return err
	}
	thresholdConfig, err := marshalJSONB(rule.ThresholdConfig)
	if err != nil {
		return err
	}
	methods := make([]string, len(rule.NotificationMethods))
	for i, m := range rule.NotificationMethods {
		methods[i] = string(m)
	}

	query := `
		INSERT INTO alert_rules (rule_id, name, description, device_id, rule_type, alert_level, conditions,
			threshold_config, trend, check_interval_minutes, consecutive_trigger_count, suppression_minutes,
			is_active, notification_methods, email_recipients, sms_recipients, priority, created_by,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW(), NOW())
		ON CONFLICT (rule_id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			device_id = EXCLUDED.device_id,
			rule_type = EXCLUDED.rule_type,
			alert_level = EXCLUDED.alert_level,
			conditions = EXCLUDED.conditions,
			threshold_config = EXCLUDED.threshold_config,
			trend = EXCLUDED.trend,
			check_interval_minutes = EXCLUDED.check_interval_minutes,
			consecutive_trigger_count = EXCLUDED.consecutive_trigger_count,
			suppression_minutes = EXCLUDED.suppression_minutes,
			is_active = EXCLUDED.is_active,
			notification_methods = EXCLUDED.notification_methods,
			email_recipients = EXCLUDED.email_recipients,
			sms_recipients = EXCLUDED.sms_recipients,
			priority = EXCLUDED.priority,
			created_by = EXCLUDED.created_by,
			updated_at = NOW()
	`
	_, err = db.conn.ExecContext(ctx, query,
		rule.ID,
		rule.Name,
		rule.Description,
		nullString(rule.DeviceID),
		string(rule.Type),
		string(rule.Level),
		conditions,
		thresholdConfig,
		string(rule.Trend),
		rule.CheckIntervalMinutes,
		rule.ConsecutiveTriggerCount,
		rule.SuppressionMinutes,
		rule.Active,
		pq.Array(methods),
		pq.Array(rule.EmailRecipients),
		pq.Array(rule.SMSRecipients),
		rule.Priority,
		rule.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}
	return nil
}

// GetRule retrieves a rule by ID.
func (db *DB) GetRule(ctx context.Context, ruleID string) (*alert.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE rule_id = $1`
	rule, err := scanRule(db.conn.QueryRowContext(ctx, query, ruleID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: rule %s", alert.ErrNotFound, ruleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// ListRules retrieves all rules ordered by ID.
func (db *DB) ListRules(ctx context.Context) ([]*alert.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules ORDER BY rule_id`
	return queryRules(ctx, db.conn, query)
}

// ListActiveRulesForDevice retrieves active rules scoped to deviceID or to all
// devices, highest priority first.
func (db *DB) ListActiveRulesForDevice(ctx context.Context, deviceID string) ([]*alert.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM alert_rules
		WHERE is_active AND (device_id IS NULL OR device_id = $1)
		ORDER BY priority DESC, rule_id
	`
	return queryRules(ctx, db.conn, query, deviceID)
}

// DeleteRule deletes a rule unless open alerts still reference it.
func (db *DB) DeleteRule(ctx context.Context, ruleID string) error {
	query := `
		DELETE FROM alert_rules r
		WHERE r.rule_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM alert_records a
			WHERE a.rule_id = r.rule_id AND a.status IN ('ACTIVE', 'ACKNOWLEDGED')
		  )
	`
	result, err := db.conn.ExecContext(ctx, query, ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists bool
		checkQuery := `SELECT EXISTS(SELECT 1 FROM alert_rules WHERE rule_id = $1)`
		if err := db.conn.QueryRowContext(ctx, checkQuery, ruleID).Scan(&exists); err == nil && exists {
			return fmt.Errorf("%w: rule %s", alert.ErrRuleInUse, ruleID)
		}
		return fmt.Errorf("%w: rule %s", alert.ErrNotFound, ruleID)
	}
	return nil
}

// LastTriggered returns when the rule last fired for the device.
func (db *DB) LastTriggered(ctx context.Context, ruleID, deviceID string) (time.Time, bool, error) {
	query := `SELECT last_triggered_time FROM rule_triggers WHERE rule_id = $1 AND device_id = $2`
	var at time.Time
	err := db.conn.QueryRowContext(ctx, query, ruleID, deviceID).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get last trigger time: %w", err)
	}
	return at, true, nil
}

// RecordTrigger stores the fire time for (ruleID, deviceID) and mirrors it on
// the rule's last_triggered_time in one transaction.
func (db *DB) RecordTrigger(ctx context.Context, ruleID, deviceID string, at time.Time) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO rule_triggers (rule_id, device_id, last_triggered_time)
		VALUES ($1, $2, $3)
		ON CONFLICT (rule_id, device_id) DO UPDATE SET last_triggered_time = EXCLUDED.last_triggered_time
	`
	if _, err := tx.ExecContext(ctx, upsert, ruleID, deviceID, at); err != nil {
		if pqCode(err) == pqForeignKeyViolation {
			return fmt.Errorf("%w: rule %s", alert.ErrNotFound, ruleID)
		}
		return fmt.Errorf("failed to record trigger: %w", err)
	}

	update := `UPDATE alert_rules SET last_triggered_time = $2 WHERE rule_id = $1`
	if _, err := tx.ExecContext(ctx, update, ruleID, at); err != nil {
		return fmt.Errorf("failed to update rule last_triggered_time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trigger: %w", err)
	}
	return nil
}
