package outcome

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/punctual/internal/db"
	"github.com/livinlefevreloca/punctual/internal/executor"
	"github.com/livinlefevreloca/punctual/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mu      sync.Mutex
	batches [][]db.Outcome
	err     error
}

func (m *mockStore) CreateOutcomes(ctx context.Context, outcomes []db.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]db.Outcome(nil), outcomes...))
	return m.err
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func (m *mockStore) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func testOutcome(i int) executor.Outcome {
	runAt := time.Date(2030, 1, 1, 0, 0, i, 0, time.UTC)
	return executor.Outcome{
		RunAt:      runAt,
		ReceivedAt: runAt.Add(-10 * time.Second),
		FiredAt:    runAt.Add(time.Millisecond),
		Residual:   10 * time.Second,
		Status:     executor.StatusFired,
	}
}

func newRecorder(t *testing.T, config Config, store Store) (*Recorder, *testutil.TestLogger) {
	t.Helper()
	logger := testutil.NewTestLogger()
	r, err := NewRecorder(config, store, logger.Logger())
	require.NoError(t, err)
	r.Start()
	return r, logger
}

func TestRecorder_FlushOnThreshold(t *testing.T) {
	config := DefaultConfig()
	config.FlushThreshold = 5
	config.FlushInterval = time.Hour
	store := &mockStore{}
	r, _ := newRecorder(t, config, store)

	for i := 0; i < 5; i++ {
		r.Report(testOutcome(i))
	}

	testutil.WaitFor(t, func() bool { return store.count() == 5 }, time.Second)
	assert.Equal(t, 1, store.batchCount())

	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRecorder_FlushOnInterval(t *testing.T) {
	config := DefaultConfig()
	config.FlushThreshold = 100
	config.FlushInterval = 20 * time.Millisecond
	store := &mockStore{}
	r, _ := newRecorder(t, config, store)

	r.Report(testOutcome(1))

	testutil.WaitFor(t, func() bool { return store.count() == 1 }, time.Second)
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRecorder_ShutdownDrains(t *testing.T) {
	config := DefaultConfig()
	config.FlushThreshold = 1000
	config.FlushInterval = time.Hour
	store := &mockStore{}
	r, _ := newRecorder(t, config, store)

	for i := 0; i < 50; i++ {
		r.Report(testOutcome(i))
	}

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, 50, store.count())

	// late reports are dropped, not panics
	r.Report(testOutcome(99))
	assert.Equal(t, 50, store.count())
}

func TestRecorder_StoreErrorIsLogged(t *testing.T) {
	config := DefaultConfig()
	config.FlushThreshold = 1
	store := &mockStore{err: errors.New("disk full")}
	r, logger := newRecorder(t, config, store)

	r.Report(testOutcome(1))
	require.NoError(t, r.Shutdown(context.Background()))

	entry, ok := logger.Find("failed to write outcomes")
	require.True(t, ok)
	assert.Equal(t, store.err, entry.Fields["error"])
}

func TestRecorder_RowMapping(t *testing.T) {
	config := DefaultConfig()
	config.FlushThreshold = 2
	store := &mockStore{}
	r, _ := newRecorder(t, config, store)

	fired := testOutcome(1)
	fired.Execution = "exec-1"
	aborted := executor.Outcome{
		RunAt:      fired.RunAt,
		ReceivedAt: fired.ReceivedAt,
		Residual:   3 * time.Second,
		Status:     executor.StatusAborted,
		Err:        context.Canceled,
	}
	r.Report(fired)
	r.Report(aborted)
	require.NoError(t, r.Shutdown(context.Background()))

	require.Equal(t, 1, store.batchCount())
	rows := store.batches[0]
	require.Len(t, rows, 2)

	assert.NotEmpty(t, rows[0].ID)
	assert.NotEqual(t, rows[0].ID, rows[1].ID)
	assert.Equal(t, "fired", rows[0].Status)
	require.NotNil(t, rows[0].FiredAt)
	assert.True(t, rows[0].FiredAt.Equal(fired.FiredAt))
	assert.Nil(t, rows[0].Error)
	require.NotNil(t, rows[0].ExecutionRef)
	assert.Equal(t, "exec-1", *rows[0].ExecutionRef)

	assert.Equal(t, "aborted", rows[1].Status)
	assert.Nil(t, rows[1].ExecutionRef)
	assert.Nil(t, rows[1].FiredAt)
	require.NotNil(t, rows[1].Error)
	assert.Equal(t, context.Canceled.Error(), *rows[1].Error)
}

func TestRecorder_WithDatabase(t *testing.T) {
	database := testutil.NewTestDB(t)
	config := DefaultConfig()
	config.FlushThreshold = 10
	r, _ := newRecorder(t, config, database)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Report(testOutcome(i))
		}(i)
	}
	wg.Wait()
	require.NoError(t, r.Shutdown(context.Background()))

	rows, err := database.GetRecentOutcomes(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, rows, 25)
	assert.True(t, rows[0].RunAt.Equal(time.Date(2030, 1, 1, 0, 0, 24, 0, time.UTC)))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"channel size", func(c *Config) { c.ChannelSize = 0 }},
		{"send timeout", func(c *Config) { c.SendTimeout = 0 }},
		{"flush threshold", func(c *Config) { c.FlushThreshold = -1 }},
		{"flush interval", func(c *Config) { c.FlushInterval = 0 }},
	}

	assert.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			assert.Error(t, config.Validate())

			_, err := NewRecorder(config, &mockStore{}, testutil.NewTestLogger().Logger())
			assert.Error(t, err, fmt.Sprintf("%s should be rejected", tt.name))
		})
	}
}
