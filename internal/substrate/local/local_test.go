package local

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/punctual/internal/action"
	"github.com/livinlefevreloca/punctual/internal/db"
	"github.com/livinlefevreloca/punctual/internal/substrate"
	"github.com/livinlefevreloca/punctual/internal/testutil"
	"github.com/livinlefevreloca/punctual/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func buildDocument(t *testing.T, runAt time.Time, target string) []byte {
	t.Helper()

	def, err := workflow.Build(runAt, target, 10, "payload")
	require.NoError(t, err)
	doc, err := def.Document()
	require.NoError(t, err)
	return doc
}

type dispatchCall struct {
	target    string
	params    workflow.Parameters
	execution string
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
	block chan struct{}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, target string, params workflow.Parameters) error {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{target: target, params: params, execution: action.ExecutionFrom(ctx)})
	return d.err
}

func (d *recordingDispatcher) Calls() []dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchCall(nil), d.calls...)
}

type recordingObserver struct {
	mu   sync.Mutex
	lags []time.Duration
	errs []error
}

func (o *recordingObserver) ObserveDispatch(lag time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lags = append(o.lags, lag)
	o.errs = append(o.errs, err)
}

// Substrate Tests

func TestSubstrate_RegisterAndStart(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewTestDB(t)
	s := New(database, createTestLogger())

	runAt := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := buildDocument(t, runAt, "local:executor")

	instance, err := s.RegisterDefinition(ctx, "TimerStateMachine-a", doc, "role")
	require.NoError(t, err)
	assert.NotEmpty(t, instance)

	sm, err := database.GetStateMachine(ctx, string(instance))
	require.NoError(t, err)
	assert.Equal(t, "TimerStateMachine-a", sm.Name)
	assert.Equal(t, string(doc), sm.Definition)
	assert.Equal(t, "role", sm.Role)

	execution, err := s.Start(ctx, instance)
	require.NoError(t, err)

	exec, err := database.GetExecution(ctx, string(execution))
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionWaiting, exec.Status)
	assert.Equal(t, "local:executor", exec.Target)
	assert.True(t, exec.RunAt.Equal(runAt))
	assert.True(t, exec.WakeAt.Equal(runAt.Add(-10*time.Second)))
}

func TestSubstrate_ThroughClient(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewTestDB(t)
	client := substrate.NewClient(New(database, createTestLogger()), createTestLogger())

	def, err := workflow.Build(time.Now().Add(time.Hour), "local:executor", 10, "")
	require.NoError(t, err)

	handle, err := client.Create(ctx, def, "role", "TimerStateMachine")
	require.NoError(t, err)

	exec, err := database.GetExecution(ctx, string(handle.Execution))
	require.NoError(t, err)
	assert.Equal(t, string(handle.Instance), exec.StateMachineRef)
}

func TestSubstrate_RegisterErrors(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewTestDB(t)
	s := New(database, createTestLogger())

	doc := buildDocument(t, time.Now().Add(time.Hour), "local:executor")

	_, err := s.RegisterDefinition(ctx, "dup", doc, "role")
	require.NoError(t, err)

	_, err = s.RegisterDefinition(ctx, "dup", doc, "role")
	require.Error(t, err)
	assert.True(t, db.IsDuplicate(err))

	_, err = s.RegisterDefinition(ctx, "bad", []byte(`{"StartAt":"Invoke"}`), "role")
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrInvalidConfiguration))
}

func TestSubstrate_StartErrors(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewTestDB(t)
	s := New(database, createTestLogger())

	_, err := s.Start(ctx, "sm-missing")
	require.Error(t, err)
	assert.True(t, db.IsNotFound(err))

	instance, err := s.RegisterDefinition(ctx, "once", buildDocument(t, time.Now().Add(time.Hour), "local:executor"), "role")
	require.NoError(t, err)

	_, err = s.Start(ctx, instance)
	require.NoError(t, err)

	_, err = s.Start(ctx, instance)
	require.Error(t, err)
	assert.True(t, db.IsDuplicate(err))
}

// Poller Tests

func startExecution(t *testing.T, s *Substrate, name string, runAt time.Time, target string) substrate.ExecutionRef {
	t.Helper()
	ctx := context.Background()

	instance, err := s.RegisterDefinition(ctx, name, buildDocument(t, runAt, target), "role")
	require.NoError(t, err)
	execution, err := s.Start(ctx, instance)
	require.NoError(t, err)
	return execution
}

func testPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:        10 * time.Millisecond,
		DispatchTimeout: time.Second,
		BatchSize:       10,
	}
}

func TestPoller_DispatchesOnlyDueExecutions(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewTestDB(t)
	s := New(database, createTestLogger())

	now := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	due := startExecution(t, s, "due", now.Add(5*time.Second), "local:executor")
	later := startExecution(t, s, "later", now.Add(time.Minute), "local:executor")

	dispatcher := &recordingDispatcher{}
	observer := &recordingObserver{}
	poller := NewPoller(database, dispatcher, testPollerConfig(), observer, createTestLogger())
	poller.now = func() time.Time { return now }

	assert.Equal(t, 1, poller.Poll(ctx))
	poller.Wait()

	calls := dispatcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "local:executor", calls[0].target)
	assert.Equal(t, now.Add(5*time.Second).Format(workflow.RunAtFormat), calls[0].params.RunAt)
	assert.Equal(t, "payload", calls[0].params.Payload)
	assert.Equal(t, string(due), calls[0].execution)

	// wake time was runAt-10s, i.e. 5s before now
	require.Len(t, observer.lags, 1)
	assert.Equal(t, 5*time.Second, observer.lags[0])
	assert.NoError(t, observer.errs[0])

	exec, err := database.GetExecution(ctx, string(due))
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionSucceeded, exec.Status)

	exec, err = database.GetExecution(ctx, string(later))
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionWaiting, exec.Status)

	// a claimed execution is never dispatched twice
	assert.Equal(t, 0, poller.Poll(ctx))
	poller.Wait()
	assert.Len(t, dispatcher.Calls(), 1)
}

func TestPoller_RecordsDispatchFailure(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewTestDB(t)
	s := New(database, createTestLogger())

	now := time.Now()
	ref := startExecution(t, s, "failing", now, "local:executor")

	dispatcher := &recordingDispatcher{err: errors.New("downstream unavailable")}
	poller := NewPoller(database, dispatcher, testPollerConfig(), nil, createTestLogger())
	poller.now = func() time.Time { return now }

	assert.Equal(t, 1, poller.Poll(ctx))
	poller.Wait()

	exec, err := database.GetExecution(ctx, string(ref))
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Contains(t, *exec.Error, "downstream unavailable")
}

func TestPoller_DispatchTimeout(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewTestDB(t)
	s := New(database, createTestLogger())

	now := time.Now()
	ref := startExecution(t, s, "slow", now, "local:executor")

	dispatcher := &recordingDispatcher{block: make(chan struct{})}
	config := testPollerConfig()
	config.DispatchTimeout = 20 * time.Millisecond
	poller := NewPoller(database, dispatcher, config, nil, createTestLogger())
	poller.now = func() time.Time { return now }

	poller.Poll(ctx)
	poller.Wait()

	exec, err := database.GetExecution(ctx, string(ref))
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Contains(t, *exec.Error, context.DeadlineExceeded.Error())
}

func TestPoller_Run(t *testing.T) {
	database := testutil.NewTestDB(t)
	s := New(database, createTestLogger())

	ref := startExecution(t, s, "run", time.Now(), "local:executor")

	dispatcher := &recordingDispatcher{}
	poller := NewPoller(database, dispatcher, testPollerConfig(), nil, createTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(dispatcher.Calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}

	exec, err := database.GetExecution(context.Background(), string(ref))
	require.NoError(t, err)
	assert.Equal(t, db.ExecutionSucceeded, exec.Status)
}

func TestPollerConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultPollerConfig().Validate())

	config := DefaultPollerConfig()
	config.Interval = 0
	assert.Error(t, config.Validate())

	config = DefaultPollerConfig()
	config.DispatchTimeout = -time.Second
	assert.Error(t, config.Validate())

	config = DefaultPollerConfig()
	config.BatchSize = 0
	assert.Error(t, config.Validate())
}
