package db

import (
	"context"
	"database/sql"
	"time"
)

// =============================================================================
// Outcome Operations
// =============================================================================

// CreateOutcomes writes a batch of executor outcomes in one transaction
func (db *DB) CreateOutcomes(ctx context.Context, outcomes []Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	return db.WithTransaction(func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO outcomes (id, execution_ref, run_at, received_at, fired_at, residual_ns, status, error, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for i := range outcomes {
			o := &outcomes[i]
			if o.RecordedAt.IsZero() {
				o.RecordedAt = now
			}

			var firedAt sql.NullInt64
			if o.FiredAt != nil {
				firedAt = nullUnix(*o.FiredAt)
			}

			if _, err := stmt.ExecContext(ctx,
				o.ID,
				o.ExecutionRef,
				o.RunAt.UnixNano(),
				o.ReceivedAt.UnixNano(),
				firedAt,
				int64(o.Residual),
				o.Status,
				o.Error,
				o.RecordedAt,
			); err != nil {
				return classify(err)
			}
		}

		return nil
	})
}

const outcomeColumns = `id, execution_ref, run_at, received_at, fired_at, residual_ns, status, error, recorded_at`

// GetRecentOutcomes returns the latest outcomes by target time, newest first
func (db *DB) GetRecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	query := `SELECT ` + outcomeColumns + ` FROM outcomes ORDER BY run_at DESC LIMIT ?`
	return db.queryOutcomes(ctx, query, limit)
}

// GetOutcomesByExecution returns every outcome recorded for an execution,
// oldest first
func (db *DB) GetOutcomesByExecution(ctx context.Context, ref string) ([]Outcome, error) {
	query := `SELECT ` + outcomeColumns + ` FROM outcomes WHERE execution_ref = ? ORDER BY received_at`
	return db.queryOutcomes(ctx, query, ref)
}

func (db *DB) queryOutcomes(ctx context.Context, query string, args ...any) ([]Outcome, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	outcomes := []Outcome{}
	for rows.Next() {
		var o Outcome
		var runAt, receivedAt, residual int64
		var firedAt sql.NullInt64
		var executionRef, errMsg sql.NullString

		if err := rows.Scan(&o.ID, &executionRef, &runAt, &receivedAt, &firedAt, &residual, &o.Status, &errMsg, &o.RecordedAt); err != nil {
			return nil, err
		}

		o.RunAt = time.Unix(0, runAt).UTC()
		o.ReceivedAt = time.Unix(0, receivedAt).UTC()
		o.Residual = time.Duration(residual)
		if firedAt.Valid {
			t := fromUnix(firedAt)
			o.FiredAt = &t
		}
		if executionRef.Valid {
			o.ExecutionRef = &executionRef.String
		}
		if errMsg.Valid {
			o.Error = &errMsg.String
		}
		outcomes = append(outcomes, o)
	}

	return outcomes, rows.Err()
}
