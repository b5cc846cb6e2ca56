package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"position-alerts/internal/alerting"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	truncateRulesSQL = `TRUNCATE alert_rules;`

	insertRuleSQL = `INSERT INTO alert_rules (
        position,
        symbol,
        criteria,
        condition,
        threshold,
        status,
        triggered_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	listRulesSQL = `SELECT
        symbol,
        criteria,
        condition,
        threshold,
        status,
        triggered_at
    FROM alert_rules
    ORDER BY position;`

	upsertPnlSampleSQL = `INSERT INTO pnl_samples (
        bucket_ts,
        portfolio_upnl,
        position_count,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (bucket_ts) DO UPDATE
    SET
        portfolio_upnl = EXCLUDED.portfolio_upnl,
        position_count = EXCLUDED.position_count,
        status         = EXCLUDED.status,
        error          = EXCLUDED.error;`

	listSamplesBetweenSQL = `SELECT
        bucket_ts,
        portfolio_upnl,
        position_count,
        status,
        error,
        created_at
    FROM pnl_samples
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts;`

	listRecentSamplesSQL = `SELECT
        bucket_ts,
        portfolio_upnl,
        position_count,
        status,
        error,
        created_at
    FROM pnl_samples
    ORDER BY bucket_ts DESC
    LIMIT $1;`

	countSamplesSQL = `SELECT COUNT(*) FROM pnl_samples;`

	insertAlertSQL = `INSERT INTO alerts (
        fired_at,
        symbol,
        criteria,
        condition,
        threshold,
        value,
        message
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, fired_at, symbol, criteria, condition, threshold, value, message, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        fired_at,
        symbol,
        criteria,
        condition,
        threshold,
        value,
        message,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RuleStore persists alert rules with clear-and-rewrite semantics: the table
// is always read and written as a whole, mirroring the spreadsheet store the
// rules originally lived in.
type RuleStore interface {
	LoadRules(ctx context.Context) ([]alerting.Rule, error)
	ReplaceRules(ctx context.Context, rules []alerting.Rule) error
}

// SampleStore defines operations for P&L sample persistence.
type SampleStore interface {
	UpsertSample(ctx context.Context, sample PnlSample) error
	ListSamplesBetween(ctx context.Context, from, to time.Time) ([]PnlSample, error)
	ListRecentSamples(ctx context.Context, limit int) ([]PnlSample, error)
	CountSamples(ctx context.Context) (int64, error)
}

// AlertLog defines operations for alert auditing.
type AlertLog interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to alert rules, P&L samples, and the alert log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// LoadRules reads the whole rule table in user-defined order.
func (s *Store) LoadRules(ctx context.Context) ([]alerting.Rule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRulesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load alert rules: %w", queryErr)
	}
	defer rows.Close()

	rules := make([]alerting.Rule, 0)
	for rows.Next() {
		var (
			rule         alerting.Rule
			thresholdStr string
			status       string
			triggeredAt  sql.NullTime
		)
		if err := rows.Scan(
			&rule.Symbol,
			&rule.Criteria,
			&rule.Condition,
			&thresholdStr,
			&status,
			&triggeredAt,
		); err != nil {
			return nil, err
		}

		threshold, convErr := decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse threshold: %w", convErr)
		}
		rule.Threshold = threshold
		rule.Status = alerting.Status(status)
		if triggeredAt.Valid {
			at := triggeredAt.Time
			rule.TriggeredAt = &at
		}

		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// ReplaceRules clears the rule table and writes the given list in order,
// all inside one transaction.
func (s *Store) ReplaceRules(ctx context.Context, rules []alerting.Rule) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace rules: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, truncateRulesSQL); err != nil {
		return fmt.Errorf("clear alert rules: %w", err)
	}

	for i, rule := range rules {
		var triggeredAt interface{}
		if rule.TriggeredAt != nil {
			triggeredAt = *rule.TriggeredAt
		}
		if _, err := tx.Exec(ctx, insertRuleSQL,
			i,
			rule.Symbol,
			rule.Criteria,
			rule.Condition,
			rule.Threshold.String(),
			string(rule.Status),
			triggeredAt,
		); err != nil {
			return fmt.Errorf("insert alert rule %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace rules: %w", err)
	}
	return nil
}

// UpsertSample persists or updates a P&L sample.
func (s *Store) UpsertSample(ctx context.Context, sample PnlSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var pnl interface{}
	if sample.PortfolioPnl != nil {
		pnl = sample.PortfolioPnl.String()
	}

	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}

	_, execErr := pool.Exec(ctx, upsertPnlSampleSQL,
		sample.Bucket,
		pnl,
		sample.PositionCount,
		sample.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("upsert pnl sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]PnlSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples ordered by descending bucket.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]PnlSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, limit)
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.FiredAt,
		alert.Symbol,
		alert.Criteria,
		alert.Condition,
		alert.Threshold.String(),
		alert.Value.String(),
		alert.Message,
	)

	rec, scanErr := scanAlertRecord(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlertRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]PnlSample, error) {
	samples := make([]PnlSample, 0, capacity)
	for rows.Next() {
		var (
			sample PnlSample
			pnlStr sql.NullString
			errMsg sql.NullString
		)
		if err := rows.Scan(
			&sample.Bucket,
			&pnlStr,
			&sample.PositionCount,
			&sample.Status,
			&errMsg,
			&sample.CreatedAt,
		); err != nil {
			return nil, err
		}

		if pnlStr.Valid {
			pnl, convErr := decimal.NewFromString(pnlStr.String)
			if convErr != nil {
				return nil, fmt.Errorf("parse portfolio upnl: %w", convErr)
			}
			sample.PortfolioPnl = &pnl
		}
		if errMsg.Valid {
			msg := errMsg.String
			sample.Error = &msg
		}

		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanAlertRecord(row pgx.Row) (AlertRecord, error) {
	var (
		rec          AlertRecord
		thresholdStr string
		valueStr     string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.FiredAt,
		&rec.Symbol,
		&rec.Criteria,
		&rec.Condition,
		&thresholdStr,
		&valueStr,
		&rec.Message,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var convErr error
	rec.Threshold, convErr = decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold: %w", convErr)
	}
	rec.Value, convErr = decimal.NewFromString(valueStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse value: %w", convErr)
	}

	return rec, nil
}
