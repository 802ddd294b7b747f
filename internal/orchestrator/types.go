package orchestrator

import (
	"github.com/opentalon/conductor/internal/engine"
	"github.com/opentalon/conductor/internal/general"
	"github.com/opentalon/conductor/internal/invoke"
	"github.com/opentalon/conductor/internal/plan"
)

// Query is one request from a front end.
type Query struct {
	Text           string              `json:"query"`
	UserID         string              `json:"user_id,omitempty"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Attachments    []invoke.Attachment `json:"attachments,omitempty"`
	Options        Options             `json:"options"`
}

type Options struct {
	// Debug adds the plan and per-step outcomes to the reply.
	Debug bool `json:"debug"`
}

// Reply is returned for every handled query, including ones answered
// without calling workers.
type Reply struct {
	Answer              string                     `json:"answer"`
	ConversationID      string                     `json:"conversation_id"`
	Kind                general.Kind               `json:"kind"`
	UsedWorkers         []engine.UsedWorker        `json:"used_workers"`
	IntermediateResults map[string]invoke.Response `json:"intermediate_results"`
	Plan                *plan.Plan                 `json:"plan,omitempty"`
	Outcomes            []engine.Outcome           `json:"outcomes,omitempty"`
	Error               *invoke.Error              `json:"error"`
}
