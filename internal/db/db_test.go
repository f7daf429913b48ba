package db

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Test Fixtures and Helpers

// NewTestDB creates an in-memory SQLite database with the schema applied
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if _, err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("failed to initialize test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// MakeTestStateMachine creates a state machine with default test values
func MakeTestStateMachine(ref string) *StateMachine {
	return &StateMachine{
		Ref:        ref,
		Name:       "TimerStateMachine-" + ref,
		Definition: `{"StartAt":"Wait"}`,
		Role:       "role",
	}
}

// MakeTestExecution creates an execution for a state machine waking at wakeAt
func MakeTestExecution(ref, smRef string, wakeAt time.Time) *Execution {
	return &Execution{
		Ref:             ref,
		StateMachineRef: smRef,
		Target:          "local:executor",
		WakeAt:          wakeAt,
		RunAt:           wakeAt.Add(10 * time.Second),
	}
}

func seedExecution(t *testing.T, db *DB, ref string, wakeAt time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := db.CreateStateMachine(ctx, MakeTestStateMachine("sm-"+ref)); err != nil {
		t.Fatalf("failed to seed state machine: %v", err)
	}
	if err := db.CreateExecution(ctx, MakeTestExecution(ref, "sm-"+ref, wakeAt)); err != nil {
		t.Fatalf("failed to seed execution: %v", err)
	}
}

// Connection Tests

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		dsn     string
		wantErr bool
	}{
		{name: "sqlite in-memory", driver: "sqlite3", dsn: ":memory:"},
		{name: "invalid driver", driver: "invalid", dsn: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := Open(tt.driver, tt.dsn)
			if tt.wantErr {
				if err == nil {
					db.Close()
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer db.Close()

			if db.Driver() != tt.driver {
				t.Errorf("Driver() = %q, want %q", db.Driver(), tt.driver)
			}
		})
	}
}

func TestMigrate(t *testing.T) {
	db := NewTestDB(t)

	version, err := db.Migrate()
	if err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	if version != 4 {
		t.Errorf("version = %d, want 4", version)
	}
}

// State Machine Tests

func TestCreateStateMachine(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	sm := MakeTestStateMachine("sm-1")
	if err := db.CreateStateMachine(ctx, sm); err != nil {
		t.Fatalf("CreateStateMachine failed: %v", err)
	}

	got, err := db.GetStateMachine(ctx, "sm-1")
	if err != nil {
		t.Fatalf("GetStateMachine failed: %v", err)
	}
	if got.Name != sm.Name || got.Definition != sm.Definition || got.Role != sm.Role {
		t.Errorf("got %+v, want %+v", got, sm)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestCreateStateMachine_DuplicateName(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	first := MakeTestStateMachine("sm-1")
	if err := db.CreateStateMachine(ctx, first); err != nil {
		t.Fatalf("CreateStateMachine failed: %v", err)
	}

	second := MakeTestStateMachine("sm-2")
	second.Name = first.Name
	err := db.CreateStateMachine(ctx, second)

	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetStateMachine_NotFound(t *testing.T) {
	db := NewTestDB(t)

	_, err := db.GetStateMachine(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

// Execution Tests

func TestCreateExecution(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	wakeAt := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	seedExecution(t, db, "exec-1", wakeAt)

	got, err := db.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.Status != ExecutionWaiting {
		t.Errorf("Status = %q, want %q", got.Status, ExecutionWaiting)
	}
	if !got.WakeAt.Equal(wakeAt) {
		t.Errorf("WakeAt = %v, want %v", got.WakeAt, wakeAt)
	}
	if !got.RunAt.Equal(wakeAt.Add(10 * time.Second)) {
		t.Errorf("RunAt = %v", got.RunAt)
	}
	if got.DispatchedAt != nil || got.CompletedAt != nil || got.Error != nil {
		t.Errorf("unexpected optional fields: %+v", got)
	}
}

func TestCreateExecution_StartedTwice(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	seedExecution(t, db, "exec-1", time.Now())

	err := db.CreateExecution(ctx, MakeTestExecution("exec-2", "sm-exec-1", time.Now()))
	if !IsDuplicate(err) {
		t.Errorf("expected duplicate error, got %v", err)
	}
}

func TestCreateExecution_UnknownStateMachine(t *testing.T) {
	db := NewTestDB(t)

	err := db.CreateExecution(context.Background(), MakeTestExecution("exec-1", "missing", time.Now()))
	if !IsForeignKey(err) {
		t.Errorf("expected foreign key error, got %v", err)
	}
}

func TestClaimDueExecutions(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	seedExecution(t, db, "past", now.Add(-time.Minute))
	seedExecution(t, db, "exact", now)
	seedExecution(t, db, "future", now.Add(time.Nanosecond))

	claimed, err := db.ClaimDueExecutions(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDueExecutions failed: %v", err)
	}

	if len(claimed) != 2 {
		t.Fatalf("claimed %d executions, want 2", len(claimed))
	}
	if claimed[0].Ref != "past" || claimed[1].Ref != "exact" {
		t.Errorf("claimed out of order: %s, %s", claimed[0].Ref, claimed[1].Ref)
	}
	for _, c := range claimed {
		if c.Status != ExecutionDispatched || c.DispatchedAt == nil {
			t.Errorf("claimed execution not marked dispatched: %+v", c)
		}
	}

	// Already claimed executions are not handed out again
	again, err := db.ClaimDueExecutions(ctx, now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDueExecutions failed: %v", err)
	}
	if len(again) != 1 || again[0].Ref != "future" {
		t.Errorf("second claim = %+v, want only future", again)
	}
}

func TestClaimDueExecutions_Limit(t *testing.T) {
	db := NewTestDB(t)
	now := time.Now()

	for _, ref := range []string{"a", "b", "c"} {
		seedExecution(t, db, ref, now.Add(-time.Second))
	}

	claimed, err := db.ClaimDueExecutions(context.Background(), now, 2)
	if err != nil {
		t.Fatalf("ClaimDueExecutions failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Errorf("claimed %d, want 2", len(claimed))
	}
}

func TestNextWake(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.NextWake(ctx); err != nil || ok {
		t.Fatalf("NextWake on empty table = %v, %v", ok, err)
	}

	early := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	seedExecution(t, db, "late", early.Add(time.Hour))
	seedExecution(t, db, "early", early)

	got, ok, err := db.NextWake(ctx)
	if err != nil || !ok {
		t.Fatalf("NextWake = %v, %v", ok, err)
	}
	if !got.Equal(early) {
		t.Errorf("NextWake = %v, want %v", got, early)
	}
}

func TestCompleteExecution(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	now := time.Now()

	seedExecution(t, db, "ok", now.Add(-time.Second))
	seedExecution(t, db, "bad", now.Add(-time.Second))
	if _, err := db.ClaimDueExecutions(ctx, now, 10); err != nil {
		t.Fatalf("ClaimDueExecutions failed: %v", err)
	}

	if err := db.CompleteExecution(ctx, "ok", true, nil); err != nil {
		t.Fatalf("CompleteExecution failed: %v", err)
	}
	msg := "downstream returned 500"
	if err := db.CompleteExecution(ctx, "bad", false, &msg); err != nil {
		t.Fatalf("CompleteExecution failed: %v", err)
	}

	ok, _ := db.GetExecution(ctx, "ok")
	if ok.Status != ExecutionSucceeded || ok.CompletedAt == nil {
		t.Errorf("ok execution = %+v", ok)
	}
	bad, _ := db.GetExecution(ctx, "bad")
	if bad.Status != ExecutionFailed || bad.Error == nil || *bad.Error != msg {
		t.Errorf("bad execution = %+v", bad)
	}

	counts, err := db.CountExecutionsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountExecutionsByStatus failed: %v", err)
	}
	if counts[ExecutionSucceeded] != 1 || counts[ExecutionFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestCompleteExecution_Errors(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	if err := db.CompleteExecution(ctx, "missing", true, nil); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	seedExecution(t, db, "waiting", time.Now().Add(time.Hour))
	if err := db.CompleteExecution(ctx, "waiting", true, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for undispatched execution, got %v", err)
	}
}

// Outcome Tests

func TestOutcomes(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	runAt := time.Date(2030, 1, 1, 0, 0, 10, 0, time.UTC)
	fired := runAt.Add(3 * time.Millisecond)
	msg := "connection refused"

	err := db.CreateOutcomes(ctx, []Outcome{
		{ID: "o-1", RunAt: runAt, ReceivedAt: runAt.Add(-2 * time.Second), FiredAt: &fired, Residual: 2 * time.Second, Status: "fired"},
		{ID: "o-2", RunAt: runAt.Add(time.Minute), ReceivedAt: runAt.Add(time.Minute), Residual: -time.Second, Status: "failed", Error: &msg},
	})
	if err != nil {
		t.Fatalf("CreateOutcomes failed: %v", err)
	}

	got, err := db.GetRecentOutcomes(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecentOutcomes failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(got))
	}

	if got[0].ID != "o-2" || got[0].Error == nil || *got[0].Error != msg || got[0].FiredAt != nil {
		t.Errorf("newest outcome = %+v", got[0])
	}
	if got[0].Residual != -time.Second {
		t.Errorf("Residual = %v, want -1s", got[0].Residual)
	}
	if got[1].FiredAt == nil || !got[1].FiredAt.Equal(fired) {
		t.Errorf("FiredAt = %v, want %v", got[1].FiredAt, fired)
	}
}

func TestGetOutcomesByExecution(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	runAt := time.Date(2030, 1, 1, 0, 0, 10, 0, time.UTC)
	execA, execB := "exec-a", "exec-b"

	// Both executions target the same instant
	err := db.CreateOutcomes(ctx, []Outcome{
		{ID: "retry", ExecutionRef: &execA, RunAt: runAt, ReceivedAt: runAt.Add(-time.Second), Status: "fired"},
		{ID: "first", ExecutionRef: &execA, RunAt: runAt, ReceivedAt: runAt.Add(-10 * time.Second), Status: "aborted"},
		{ID: "other", ExecutionRef: &execB, RunAt: runAt, ReceivedAt: runAt, Status: "fired"},
		{ID: "direct", RunAt: runAt, ReceivedAt: runAt, Status: "fired"},
	})
	if err != nil {
		t.Fatalf("CreateOutcomes failed: %v", err)
	}

	got, err := db.GetOutcomesByExecution(ctx, execA)
	if err != nil {
		t.Fatalf("GetOutcomesByExecution failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "first" || got[1].ID != "retry" {
		t.Errorf("outcomes = %+v, want first then retry", got)
	}
	if got[0].ExecutionRef == nil || *got[0].ExecutionRef != execA {
		t.Errorf("ExecutionRef = %v, want %s", got[0].ExecutionRef, execA)
	}

	none, err := db.GetOutcomesByExecution(ctx, "exec-missing")
	if err != nil {
		t.Fatalf("GetOutcomesByExecution failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("got %d outcomes, want none", len(none))
	}
}

func TestCreateOutcomes_DuplicateRollsBackBatch(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	now := time.Now()

	err := db.CreateOutcomes(ctx, []Outcome{
		{ID: "dup", RunAt: now, ReceivedAt: now, Status: "fired"},
		{ID: "dup", RunAt: now, ReceivedAt: now, Status: "fired"},
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := db.GetRecentOutcomes(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecentOutcomes failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty table after rollback, got %d rows", len(got))
	}
}

// Transaction Tests

func TestWithTransaction_Rollback(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	testErr := errors.New("test error")

	err := db.WithTransaction(func(tx *Tx) error {
		if err := tx.CreateStateMachine(ctx, MakeTestStateMachine("sm-1")); err != nil {
			return err
		}
		return testErr
	})

	if err != testErr {
		t.Fatalf("expected testErr, got %v", err)
	}

	if _, err := db.GetStateMachine(ctx, "sm-1"); !IsNotFound(err) {
		t.Error("state machine should not exist after rollback")
	}
}

func TestWithTransaction_Commit(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	err := db.WithTransaction(func(tx *Tx) error {
		sm := MakeTestStateMachine("sm-1")
		if err := tx.CreateStateMachine(ctx, sm); err != nil {
			return err
		}
		if _, err := tx.GetStateMachine(ctx, "sm-1"); err != nil {
			return err
		}
		return tx.CreateExecution(ctx, MakeTestExecution("exec-1", "sm-1", time.Now()))
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}

	if _, err := db.GetExecution(ctx, "exec-1"); err != nil {
		t.Errorf("execution should exist after commit: %v", err)
	}
}
