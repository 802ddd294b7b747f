package engine

import (
	"time"

	"github.com/opentalon/conductor/internal/invoke"
)

// StepState tracks one step through execution. Succeeded, InvokeFailed,
// ResolutionFailed, SkippedNotFound and Cancelled are terminal.
type StepState string

const (
	StatePending          StepState = "pending"
	StateResolving        StepState = "resolving"
	StateResolved         StepState = "resolved"
	StateResolutionFailed StepState = "resolution_failed"
	StateInvoking         StepState = "invoking"
	StateSucceeded        StepState = "succeeded"
	StateInvokeFailed     StepState = "invoke_failed"
	StateSkippedNotFound  StepState = "skipped_not_found"
	StateCancelled        StepState = "cancelled"
)

func (s StepState) Terminal() bool {
	switch s {
	case StateSucceeded, StateInvokeFailed, StateResolutionFailed, StateSkippedNotFound, StateCancelled:
		return true
	}
	return false
}

// Outcome is the single recorded result of one step.
type Outcome struct {
	StepID   int             `json:"step_id"`
	Worker   string          `json:"agent"`
	Intent   string          `json:"intent"`
	Input    string          `json:"input_source"`
	State    StepState       `json:"state"`
	Response invoke.Response `json:"response"`
	Duration time.Duration   `json:"-"`
}

// UsedWorker is the compact per-step summary shown in debug views.
type UsedWorker struct {
	Name   string        `json:"name"`
	Intent string        `json:"intent"`
	Status invoke.Status `json:"status"`
}

// Result holds the outcome of every step of one plan, in ascending step id
// order, plus the used-workers summary in the same order.
type Result struct {
	Outcomes    []Outcome    `json:"outcomes"`
	UsedWorkers []UsedWorker `json:"used_workers"`

	index map[int]int
}

// NewResult indexes outcomes, which must already be in step order.
func NewResult(outcomes []Outcome) *Result {
	r := &Result{
		Outcomes:    outcomes,
		UsedWorkers: make([]UsedWorker, 0, len(outcomes)),
		index:       make(map[int]int, len(outcomes)),
	}
	for i, o := range outcomes {
		r.index[o.StepID] = i
		r.UsedWorkers = append(r.UsedWorkers, UsedWorker{
			Name:   o.Worker,
			Intent: o.Intent,
			Status: o.Response.Status,
		})
	}
	return r
}

// Response returns the recorded response for a step.
func (r *Result) Response(stepID int) (invoke.Response, bool) {
	i, ok := r.index[stepID]
	if !ok {
		return invoke.Response{}, false
	}
	return r.Outcomes[i].Response, true
}

// Responses returns a step id to response map.
func (r *Result) Responses() map[int]invoke.Response {
	out := make(map[int]invoke.Response, len(r.Outcomes))
	for _, o := range r.Outcomes {
		out[o.StepID] = o.Response
	}
	return out
}

// Successful returns the outcomes whose response succeeded, in step order.
func (r *Result) Successful() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Response.IsSuccess() {
			out = append(out, o)
		}
	}
	return out
}

// AllFailed reports whether no step succeeded.
func (r *Result) AllFailed() bool {
	return len(r.Successful()) == 0
}
