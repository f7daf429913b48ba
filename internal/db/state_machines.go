package db

import (
	"context"
	"database/sql"
	"time"
)

// =============================================================================
// State Machine Operations
// =============================================================================

// CreateStateMachine registers a new state machine. Names are unique.
func (db *DB) CreateStateMachine(ctx context.Context, sm *StateMachine) error {
	return createStateMachine(ctx, db, sm)
}

// CreateStateMachine registers a new state machine within a transaction
func (tx *Tx) CreateStateMachine(ctx context.Context, sm *StateMachine) error {
	return createStateMachine(ctx, tx, sm)
}

func createStateMachine(ctx context.Context, q querier, sm *StateMachine) error {
	if sm.CreatedAt.IsZero() {
		sm.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO state_machines (ref, name, definition, role, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query, sm.Ref, sm.Name, sm.Definition, sm.Role, sm.CreatedAt)
	return classify(err)
}

// GetStateMachine retrieves a state machine by reference
func (db *DB) GetStateMachine(ctx context.Context, ref string) (*StateMachine, error) {
	return getStateMachine(ctx, db, ref)
}

// GetStateMachine retrieves a state machine within a transaction
func (tx *Tx) GetStateMachine(ctx context.Context, ref string) (*StateMachine, error) {
	return getStateMachine(ctx, tx, ref)
}

func getStateMachine(ctx context.Context, q querier, ref string) (*StateMachine, error) {
	sm := &StateMachine{}

	query := `
		SELECT ref, name, definition, role, created_at
		FROM state_machines
		WHERE ref = ?
	`

	err := q.QueryRowContext(ctx, query, ref).Scan(
		&sm.Ref,
		&sm.Name,
		&sm.Definition,
		&sm.Role,
		&sm.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return sm, nil
}
