// Package planner turns a user query into a plan of worker steps.
package planner

import (
	"context"

	"github.com/opentalon/conductor/internal/plan"
	"github.com/opentalon/conductor/internal/worker"
)

// DefaultWorker and DefaultIntent form the plan used when nothing better is
// known about the query.
const (
	DefaultWorker = "document_summarizer_agent"
	DefaultIntent = "summary.create"
)

type Planner interface {
	Plan(ctx context.Context, query string, workers []worker.Metadata) (plan.Plan, error)
}

// Default returns the single-step summarizer plan.
func Default() plan.Plan {
	return plan.Single(DefaultWorker, DefaultIntent)
}

// Static always returns the same plan. It is used by the CLI to execute a
// plan loaded from a file.
type Static struct{ P plan.Plan }

func (s Static) Plan(context.Context, string, []worker.Metadata) (plan.Plan, error) {
	return plan.Plan{Steps: append([]plan.Step(nil), s.P.Steps...)}, nil
}
