package db

import (
	"context"
	"database/sql"
	"time"
)

// =============================================================================
// Execution Operations
// =============================================================================

const executionColumns = `ref, state_machine_ref, target, wake_at, run_at, status, started_at, dispatched_at, completed_at, error`

// CreateExecution records a started state machine. A state machine can be
// started only once.
func (db *DB) CreateExecution(ctx context.Context, exec *Execution) error {
	return createExecution(ctx, db, exec)
}

// CreateExecution records a started state machine within a transaction
func (tx *Tx) CreateExecution(ctx context.Context, exec *Execution) error {
	return createExecution(ctx, tx, exec)
}

func createExecution(ctx context.Context, q querier, exec *Execution) error {
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	if exec.Status == "" {
		exec.Status = ExecutionWaiting
	}

	query := `
		INSERT INTO executions (ref, state_machine_ref, target, wake_at, run_at, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		exec.Ref,
		exec.StateMachineRef,
		exec.Target,
		exec.WakeAt.UnixNano(),
		exec.RunAt.UnixNano(),
		exec.Status,
		exec.StartedAt,
	)
	return classify(err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	exec := &Execution{}
	var wakeAt, runAt int64
	var dispatchedAt, completedAt sql.NullTime
	var errMsg sql.NullString

	err := row.Scan(
		&exec.Ref,
		&exec.StateMachineRef,
		&exec.Target,
		&wakeAt,
		&runAt,
		&exec.Status,
		&exec.StartedAt,
		&dispatchedAt,
		&completedAt,
		&errMsg,
	)
	if err != nil {
		return nil, err
	}

	exec.WakeAt = time.Unix(0, wakeAt).UTC()
	exec.RunAt = time.Unix(0, runAt).UTC()
	if dispatchedAt.Valid {
		exec.DispatchedAt = &dispatchedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	if errMsg.Valid {
		exec.Error = &errMsg.String
	}

	return exec, nil
}

// GetExecution retrieves an execution by reference
func (db *DB) GetExecution(ctx context.Context, ref string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE ref = ?`

	exec, err := scanExecution(db.QueryRowContext(ctx, query, ref))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return exec, nil
}

// ClaimDueExecutions moves up to limit waiting executions whose wake time
// is at or before now into the dispatched state and returns them. A claimed
// execution is never handed out again.
func (db *DB) ClaimDueExecutions(ctx context.Context, now time.Time, limit int) ([]Execution, error) {
	var claimed []Execution

	err := db.WithTransaction(func(tx *Tx) error {
		query := `SELECT ` + executionColumns + `
			FROM executions
			WHERE status = ? AND wake_at <= ?
			ORDER BY wake_at
			LIMIT ?`

		rows, err := tx.QueryContext(ctx, query, ExecutionWaiting, now.UnixNano(), limit)
		if err != nil {
			return err
		}

		var due []Execution
		for rows.Next() {
			exec, err := scanExecution(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, *exec)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		dispatchedAt := now.UTC()
		for _, exec := range due {
			result, err := tx.ExecContext(ctx, `
				UPDATE executions
				SET status = ?, dispatched_at = ?
				WHERE ref = ? AND status = ?
			`, ExecutionDispatched, dispatchedAt, exec.Ref, ExecutionWaiting)
			if err != nil {
				return err
			}
			if n, err := result.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				continue
			}

			exec.Status = ExecutionDispatched
			exec.DispatchedAt = &dispatchedAt
			claimed = append(claimed, exec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if claimed == nil {
		claimed = []Execution{}
	}
	return claimed, nil
}

// NextWake returns the earliest wake time among waiting executions
func (db *DB) NextWake(ctx context.Context) (time.Time, bool, error) {
	var wakeAt sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MIN(wake_at) FROM executions WHERE status = ?`, ExecutionWaiting,
	).Scan(&wakeAt)
	if err != nil {
		return time.Time{}, false, err
	}
	if !wakeAt.Valid {
		return time.Time{}, false, nil
	}
	return fromUnix(wakeAt), true, nil
}

// CompleteExecution marks a dispatched execution as finished
func (db *DB) CompleteExecution(ctx context.Context, ref string, success bool, errMsg *string) error {
	status := ExecutionSucceeded
	if !success {
		status = ExecutionFailed
	}

	query := `
		UPDATE executions
		SET status = ?, completed_at = ?, error = ?
		WHERE ref = ? AND status = ?
	`

	result, err := db.ExecContext(ctx, query, status, time.Now().UTC(), errMsg, ref, ExecutionDispatched)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		if _, err := db.GetExecution(ctx, ref); err != nil {
			return err
		}
		return ErrConflict
	}

	return nil
}

// CountExecutionsByStatus returns the number of executions per status
func (db *DB) CountExecutionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}

	return counts, rows.Err()
}
