package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// State names and types used by every definition
const (
	WaitState   = "Wait"
	InvokeState = "Invoke"

	TypeWait = "Wait"
	TypeTask = "Task"

	// WaitTimestampFormat is the granularity of the substrate's wait primitive
	WaitTimestampFormat = "2006-01-02T15:04:05Z"

	// RunAtFormat preserves the exact target instant across the hand-off
	RunAtFormat = time.RFC3339Nano

	comment = "Timer Definition"
)

// MaxLeadSeconds is the largest lead that fits in a time.Duration
const MaxLeadSeconds = math.MaxInt64 / int64(time.Second)

// ErrInvalidConfiguration is returned for inputs the builder cannot encode
var ErrInvalidConfiguration = errors.New("workflow: invalid configuration")

// Parameters are forwarded verbatim to the invoke target
type Parameters struct {
	RunAt   string `json:"RunAt"`
	Payload string `json:"Payload"`
}

// State is a single node of the declarative document
type State struct {
	Type       string      `json:"Type"`
	Timestamp  string      `json:"Timestamp,omitempty"`
	Next       string      `json:"Next,omitempty"`
	Resource   string      `json:"Resource,omitempty"`
	Parameters *Parameters `json:"Parameters,omitempty"`
	End        bool        `json:"End,omitempty"`
}

// document is the serialised form. States is a struct rather than a map so
// that key order, and therefore the output bytes, is fixed.
type document struct {
	Comment string `json:"Comment"`
	StartAt string `json:"StartAt"`
	States  struct {
		Wait   State `json:"Wait"`
		Invoke State `json:"Invoke"`
	} `json:"States"`
}

// Definition is a two-node Wait/Invoke workflow. It is built once per
// schedule request and never mutated.
type Definition struct {
	runAt  time.Time
	wakeAt time.Time
	target string
	doc    document
}

// Build returns the definition that waits until runAt minus leadSeconds and
// then invokes target with {runAt, payload}.
func Build(runAt time.Time, target string, leadSeconds int, payload string) (*Definition, error) {
	if leadSeconds < 0 {
		return nil, fmt.Errorf("%w: lead seconds must be non-negative, got %d", ErrInvalidConfiguration, leadSeconds)
	}
	if int64(leadSeconds) > MaxLeadSeconds {
		return nil, fmt.Errorf("%w: lead seconds must be at most %d, got %d", ErrInvalidConfiguration, MaxLeadSeconds, leadSeconds)
	}
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	if runAt.IsZero() {
		return nil, fmt.Errorf("%w: run time must be set", ErrInvalidConfiguration)
	}

	runAt = runAt.UTC()
	wakeAt := runAt.Add(-time.Duration(leadSeconds) * time.Second).Truncate(time.Second)
	if wakeAt.After(runAt) {
		return nil, fmt.Errorf("%w: wake time %s is after run time %s", ErrInvalidConfiguration, wakeAt, runAt)
	}

	d := &Definition{
		runAt:  runAt,
		wakeAt: wakeAt,
		target: target,
	}
	d.doc.Comment = comment
	d.doc.StartAt = WaitState
	d.doc.States.Wait = State{
		Type:      TypeWait,
		Timestamp: wakeAt.Format(WaitTimestampFormat),
		Next:      InvokeState,
	}
	d.doc.States.Invoke = State{
		Type:     TypeTask,
		Resource: target,
		Parameters: &Parameters{
			RunAt:   runAt.Format(RunAtFormat),
			Payload: payload,
		},
		End: true,
	}

	return d, nil
}

func validateTarget(target string) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("%w: target identity is empty", ErrInvalidConfiguration)
	}
	for _, r := range target {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: malformed target identity %q", ErrInvalidConfiguration, target)
		}
	}
	return nil
}

// RunAt returns the exact target instant
func (d *Definition) RunAt() time.Time { return d.runAt }

// WakeAt returns the instant the substrate's coarse wait ends
func (d *Definition) WakeAt() time.Time { return d.wakeAt }

// Target returns the identity the Invoke node calls
func (d *Definition) Target() string { return d.target }

// Wait returns a copy of the Wait node
func (d *Definition) Wait() State { return d.doc.States.Wait }

// Invoke returns a copy of the Invoke node
func (d *Definition) Invoke() State {
	s := d.doc.States.Invoke
	p := *s.Parameters
	s.Parameters = &p
	return s
}

// Parameters returns the values the Invoke node forwards to its target
func (d *Definition) Parameters() Parameters { return *d.doc.States.Invoke.Parameters }

// Document serialises the definition. Identical inputs produce identical bytes.
func (d *Definition) Document() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d.doc); err != nil {
		return nil, fmt.Errorf("failed to encode definition: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ParseDocument decodes a document produced by Document. Anything other than
// the exact Wait then Invoke shape is rejected.
func ParseDocument(data []byte) (*Definition, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	wait, invoke := doc.States.Wait, doc.States.Invoke
	switch {
	case doc.StartAt != WaitState:
		return nil, fmt.Errorf("%w: definition must start at %s", ErrInvalidConfiguration, WaitState)
	case wait.Type != TypeWait || wait.Next != InvokeState || wait.End:
		return nil, fmt.Errorf("%w: malformed %s state", ErrInvalidConfiguration, WaitState)
	case invoke.Type != TypeTask || !invoke.End || invoke.Next != "" || invoke.Parameters == nil:
		return nil, fmt.Errorf("%w: malformed %s state", ErrInvalidConfiguration, InvokeState)
	}
	if err := validateTarget(invoke.Resource); err != nil {
		return nil, err
	}

	wakeAt, err := time.Parse(WaitTimestampFormat, wait.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: wait timestamp: %v", ErrInvalidConfiguration, err)
	}
	runAt, err := time.Parse(RunAtFormat, invoke.Parameters.RunAt)
	if err != nil {
		return nil, fmt.Errorf("%w: run time: %v", ErrInvalidConfiguration, err)
	}
	if wakeAt.After(runAt) {
		return nil, fmt.Errorf("%w: wait timestamp %s is after run time %s",
			ErrInvalidConfiguration, wait.Timestamp, invoke.Parameters.RunAt)
	}

	return &Definition{
		runAt:  runAt.UTC(),
		wakeAt: wakeAt.UTC(),
		target: invoke.Resource,
		doc:    doc,
	}, nil
}
