package substrate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/punctual/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type registration struct {
	name     string
	document []byte
	role     string
}

type fakeSubstrate struct {
	mu            sync.Mutex
	registered    []registration
	started       []InstanceRef
	registerError error
	startError    error
}

func (f *fakeSubstrate) RegisterDefinition(ctx context.Context, name string, document []byte, role string) (InstanceRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerError != nil {
		return "", f.registerError
	}
	f.registered = append(f.registered, registration{name: name, document: document, role: role})
	return InstanceRef("sm:" + name), nil
}

func (f *fakeSubstrate) Start(ctx context.Context, ref InstanceRef) (ExecutionRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startError != nil {
		return "", f.startError
	}
	f.started = append(f.started, ref)
	return ExecutionRef("exec:" + string(ref)), nil
}

func testDefinition(t *testing.T) *workflow.Definition {
	t.Helper()
	def, err := workflow.Build(time.Date(2030, 1, 1, 0, 0, 10, 0, time.UTC), "local:executor", 10, "X")
	require.NoError(t, err)
	return def
}

func TestClientCreate_RegistersThenStarts(t *testing.T) {
	fake := &fakeSubstrate{}
	client := NewClient(fake, createTestLogger())
	client.newID = func() string { return "fixed" }
	def := testDefinition(t)

	handle, err := client.Create(context.Background(), def, "role-arn", "TimerStateMachine")
	require.NoError(t, err)

	require.Len(t, fake.registered, 1)
	assert.Equal(t, "TimerStateMachine-fixed", fake.registered[0].name)
	assert.Equal(t, "role-arn", fake.registered[0].role)

	doc, err := def.Document()
	require.NoError(t, err)
	assert.Equal(t, doc, fake.registered[0].document)

	assert.Equal(t, []InstanceRef{"sm:TimerStateMachine-fixed"}, fake.started)
	assert.Equal(t, Handle{
		Instance:  "sm:TimerStateMachine-fixed",
		Execution: "exec:sm:TimerStateMachine-fixed",
	}, handle)
}

func TestClientCreate_UniqueNames(t *testing.T) {
	fake := &fakeSubstrate{}
	client := NewClient(fake, createTestLogger())
	def := testDefinition(t)

	for i := 0; i < 20; i++ {
		_, err := client.Create(context.Background(), def, "", "prefix")
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	for _, r := range fake.registered {
		assert.True(t, strings.HasPrefix(r.name, "prefix-"))
		assert.False(t, seen[r.name], "duplicate name %s", r.name)
		seen[r.name] = true
	}
}

func TestClientCreate_RegistrationFailed(t *testing.T) {
	cause := errors.New("name already exists")
	fake := &fakeSubstrate{registerError: cause}
	client := NewClient(fake, createTestLogger())

	_, err := client.Create(context.Background(), testDefinition(t), "", "prefix")

	require.Error(t, err)
	assert.True(t, IsRegistrationFailed(err))
	assert.False(t, IsStartFailed(err))
	assert.ErrorIs(t, err, cause)
	assert.Empty(t, fake.started, "start must not be attempted")
}

func TestClientCreate_StartFailed(t *testing.T) {
	cause := errors.New("execution limit exceeded")
	fake := &fakeSubstrate{startError: cause}
	client := NewClient(fake, createTestLogger())
	client.newID = func() string { return "orphan" }

	_, err := client.Create(context.Background(), testDefinition(t), "", "prefix")

	require.Error(t, err)
	assert.True(t, IsStartFailed(err))
	assert.False(t, IsRegistrationFailed(err))
	assert.ErrorIs(t, err, cause)

	var subErr *Error
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, InstanceRef("sm:prefix-orphan"), subErr.Instance)
	// The registered instance is left in place
	assert.Len(t, fake.registered, 1)
}

func TestInstanceName(t *testing.T) {
	assert.Equal(t, "a-b", InstanceName("a", "b"))
	assert.Equal(t, "b", InstanceName("", "b"))
}
