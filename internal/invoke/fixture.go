package invoke

import (
	"context"

	"github.com/opentalon/conductor/internal/worker"
)

// FixtureInvoker answers every call with a deterministic stand-in output so
// the pipeline can run end to end without live workers. The response shape is
// identical to a real successful call.
type FixtureInvoker struct {
	fixtures map[string]Output
}

// NewFixtureInvoker returns an invoker that prefers the given per-worker
// fixtures and falls back to the built-in table.
func NewFixtureInvoker(fixtures map[string]Output) *FixtureInvoker {
	f := &FixtureInvoker{fixtures: make(map[string]Output, len(fixtures))}
	for name, out := range fixtures {
		f.fixtures[name] = out
	}
	return f
}

func (f *FixtureInvoker) Invoke(_ context.Context, w worker.Metadata, req Request) Response {
	if out, ok := f.fixtures[w.Name]; ok {
		return Success(req, out)
	}
	return Success(req, SimulatedOutput(w.Name, req.Input.Text))
}

// SimulatedOutput is the built-in stand-in for the stock workers.
func SimulatedOutput(workerName, text string) Output {
	switch workerName {
	case "document_summarizer_agent":
		return Output{
			Result:     "Summary: " + prefix(text, 150) + "...",
			Confidence: Confidence(0.92),
			Details:    "Simulated concise summary",
		}
	case "deadline_guardian_agent":
		return Output{
			Result:     "No immediate risks. Next check in 3 days.",
			Confidence: Confidence(0.85),
			Details:    "Based on provided dates and milestones",
		}
	case "email_priority_agent":
		return Output{
			Result:     "High priority if sender is leadership; otherwise medium.",
			Confidence: Confidence(0.7),
			Details:    "Heuristic priority assessment",
		}
	case "meeting_followup_agent":
		return Output{
			Result:     "Actions: share minutes, schedule retro, assign owners.",
			Confidence: Confidence(0.9),
			Details:    "Generated follow-up checklist",
		}
	case "progress_accountability_agent":
		return Output{
			Result:     "2/3 goals on track; consider daily standups for momentum.",
			Confidence: Confidence(0.8),
			Details:    "Progress check against stated goals",
		}
	case "onboarding_buddy_agent":
		return Output{
			Result:     "Complete security training, meet mentor, ship first PR.",
			Confidence: Confidence(0.88),
			Details:    "Onboarding next steps",
		}
	case "knowledge_base_builder_agent":
		return Output{
			Result:     "Added notes to knowledge base under 'Project X'.",
			Confidence: Confidence(0.83),
			Details:    "Simulated KB update",
		}
	case "task_dependency_agent":
		return Output{
			Result:     "Task B depends on Task A; unblock by clarifying API spec.",
			Confidence: Confidence(0.82),
			Details:    "Dependency graph check",
		}
	}
	return Output{Result: "Processed by " + workerName, Confidence: Confidence(0.5)}
}

// prefix returns at most n runes of s.
func prefix(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
