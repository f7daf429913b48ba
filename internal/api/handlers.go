package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/livinlefevreloca/punctual/internal/action"
	"github.com/livinlefevreloca/punctual/internal/db"
	"github.com/livinlefevreloca/punctual/internal/executor"
	"github.com/livinlefevreloca/punctual/internal/substrate"
	"github.com/livinlefevreloca/punctual/internal/timer"
	"github.com/livinlefevreloca/punctual/internal/workflow"
)

// Error codes returned in the body of failed requests
const (
	CodePastDeadline         = "past_deadline"
	CodeMissingTarget        = "missing_target_configuration"
	CodeInvalidConfiguration = "invalid_configuration"
	CodeRegistrationFailed   = "registration_failed"
	CodeStartFailed          = "start_failed"
	CodeBadRequest           = "bad_request"
	CodeRateLimited          = "rate_limited"
	CodeNotFound             = "not_found"
	CodeUnavailable          = "unavailable"
	CodeInternal             = "internal"
)

const (
	defaultRecentOutcomeLimit = 50
	maxRecentOutcomeLimit     = 1000
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// OutcomeResponse reports an executor outcome
type OutcomeResponse struct {
	RunAt      time.Time  `json:"runAt"`
	ReceivedAt time.Time  `json:"receivedAt"`
	FiredAt    *time.Time `json:"firedAt,omitempty"`
	ResidualMs float64    `json:"residualMs"`
	LateMs     float64    `json:"lateMs"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
}

// ExecutionResponse reports a stored execution and the outcomes recorded
// for it
type ExecutionResponse struct {
	Ref          string          `json:"ref"`
	StateMachine string          `json:"stateMachine"`
	Target       string          `json:"target"`
	WakeAt       time.Time       `json:"wakeAt"`
	RunAt        time.Time       `json:"runAt"`
	Status       string          `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	DispatchedAt *time.Time      `json:"dispatchedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Error        string          `json:"error,omitempty"`
	Outcomes     []StoredOutcome `json:"outcomes"`
}

// StoredOutcome is a persisted outcome row
type StoredOutcome struct {
	ID         string     `json:"id"`
	Execution  string     `json:"execution,omitempty"`
	RunAt      time.Time  `json:"runAt"`
	ReceivedAt time.Time  `json:"receivedAt"`
	FiredAt    *time.Time `json:"firedAt,omitempty"`
	ResidualMs float64    `json:"residualMs"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "scheduling is not enabled on this instance")
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "schedule intake rate exceeded")
		return
	}

	var req timer.ScheduleRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if req.RunAt.IsZero() {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "runAt is required")
		return
	}

	handle, err := s.scheduler.Schedule(r.Context(), req)
	if err != nil {
		status, code := classify(err)
		s.logger.Warn("schedule request rejected",
			"runAt", req.RunAt,
			"code", code,
			"error", err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, handle)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "no executor is hosted on this instance")
		return
	}

	var params workflow.Parameters
	if err := decodeBody(w, r, &params); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	runAt, err := time.Parse(workflow.RunAtFormat, params.RunAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("invalid RunAt %q", params.RunAt))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.maxWait)
	defer cancel()

	outcome := s.executor.Execute(ctx, executor.Invocation{
		RunAt:     runAt,
		Payload:   params.Payload,
		Execution: r.Header.Get(action.ExecutionHeader),
	})

	status := http.StatusOK
	if outcome.Status == executor.StatusAborted {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, toOutcomeResponse(outcome))
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "lookups are not enabled on this instance")
		return
	}

	ref := r.PathValue("ref")
	exec, err := s.store.GetExecution(r.Context(), ref)
	if db.IsNotFound(err) {
		writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("execution %s not found", ref))
		return
	}
	if err != nil {
		s.logger.Error("failed to load execution", "ref", ref, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to load execution")
		return
	}

	outcomes, err := s.store.GetOutcomesByExecution(r.Context(), exec.Ref)
	if err != nil {
		s.logger.Error("failed to load outcomes", "ref", ref, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to load outcomes")
		return
	}

	resp := ExecutionResponse{
		Ref:          exec.Ref,
		StateMachine: exec.StateMachineRef,
		Target:       exec.Target,
		WakeAt:       exec.WakeAt,
		RunAt:        exec.RunAt,
		Status:       exec.Status,
		StartedAt:    exec.StartedAt,
		DispatchedAt: exec.DispatchedAt,
		CompletedAt:  exec.CompletedAt,
		Outcomes:     toStoredOutcomes(outcomes),
	}
	if exec.Error != nil {
		resp.Error = *exec.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "lookups are not enabled on this instance")
		return
	}

	limit := defaultRecentOutcomeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxRecentOutcomeLimit {
			writeError(w, http.StatusBadRequest, CodeBadRequest,
				fmt.Sprintf("limit must be between 1 and %d", maxRecentOutcomeLimit))
			return
		}
		limit = n
	}

	outcomes, err := s.store.GetRecentOutcomes(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to load outcomes", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to load outcomes")
		return
	}
	writeJSON(w, http.StatusOK, toStoredOutcomes(outcomes))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "stats sampling is not enabled on this instance")
		return
	}

	snap := s.stats.Latest()
	if snap.TakenAt.IsZero() {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "no stats sample taken yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.PingContext(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// classify maps a scheduling error onto a status code and error code
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, timer.ErrPastDeadline):
		return http.StatusUnprocessableEntity, CodePastDeadline
	case errors.Is(err, timer.ErrMissingTargetConfiguration):
		return http.StatusInternalServerError, CodeMissingTarget
	case errors.Is(err, workflow.ErrInvalidConfiguration):
		return http.StatusInternalServerError, CodeInvalidConfiguration
	case substrate.IsRegistrationFailed(err):
		return http.StatusBadGateway, CodeRegistrationFailed
	case substrate.IsStartFailed(err):
		return http.StatusBadGateway, CodeStartFailed
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func toOutcomeResponse(o executor.Outcome) OutcomeResponse {
	resp := OutcomeResponse{
		RunAt:      o.RunAt,
		ReceivedAt: o.ReceivedAt,
		ResidualMs: milliseconds(o.Residual),
		LateMs:     milliseconds(o.Late()),
		Status:     o.Status.String(),
	}
	if !o.FiredAt.IsZero() {
		firedAt := o.FiredAt
		resp.FiredAt = &firedAt
	}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}
	return resp
}

func toStoredOutcomes(rows []db.Outcome) []StoredOutcome {
	out := make([]StoredOutcome, 0, len(rows))
	for _, o := range rows {
		so := StoredOutcome{
			ID:         o.ID,
			RunAt:      o.RunAt,
			ReceivedAt: o.ReceivedAt,
			FiredAt:    o.FiredAt,
			ResidualMs: milliseconds(o.Residual),
			Status:     o.Status,
		}
		if o.ExecutionRef != nil {
			so.Execution = *o.ExecutionRef
		}
		if o.Error != nil {
			so.Error = *o.Error
		}
		out = append(out, so)
	}
	return out
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
