package executor

// State is implemented by every step of a single invocation
type State interface {
	Name() string
}

// ReceivedState - invocation accepted, residual not yet acted on
type ReceivedState struct{}

func (s *ReceivedState) Name() string { return "received" }
func (s *ReceivedState) ToWaiting() *WaitingState {
	return &WaitingState{}
}
func (s *ReceivedState) ToSkipped() *SkippedState {
	return &SkippedState{}
}

// WaitingState - suspended for the residual
type WaitingState struct{}

func (s *WaitingState) Name() string { return "waiting" }
func (s *WaitingState) ToFired() *FiredState {
	return &FiredState{}
}
func (s *WaitingState) ToAborted() *AbortedState {
	return &AbortedState{}
}

// SkippedState - residual already elapsed, no suspension
type SkippedState struct{}

func (s *SkippedState) Name() string { return "skipped" }
func (s *SkippedState) ToFired() *FiredState {
	return &FiredState{}
}

// FiredState - downstream action in flight
type FiredState struct{}

func (s *FiredState) Name() string { return "fired" }
func (s *FiredState) ToCompleted() *CompletedState {
	return &CompletedState{}
}
func (s *FiredState) ToFailed() *FailedState {
	return &FailedState{}
}

// CompletedState - terminal, action returned successfully
type CompletedState struct{}

func (s *CompletedState) Name() string { return "completed" }

// FailedState - terminal, action returned an error
type FailedState struct{}

func (s *FailedState) Name() string { return "failed" }

// AbortedState - terminal, host ended the unit of work before the action fired
type AbortedState struct{}

func (s *AbortedState) Name() string { return "aborted" }

// StateRecorder tracks the path through the states, for tests
type StateRecorder struct {
	path []string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]string, 0)}
}

func (r *StateRecorder) Record(state State) {
	r.path = append(r.path, state.Name())
}

func (r *StateRecorder) Path() []string {
	return r.path
}
