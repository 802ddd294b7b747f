package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/opentalon/conductor/internal/plan"
	"github.com/opentalon/conductor/internal/provider"
	"github.com/opentalon/conductor/internal/worker"
)

const systemPrompt = "You are a planner that selects worker agents to satisfy a user query. " +
	`Return ONLY JSON with the shape {"steps":[{"step_id":0,"agent":...,"intent":...,"input_source":...},...]}. ` +
	"input_source is either 'user_query' or 'step:X.output.result', where X is an earlier step_id."

// LLMPlanner asks a language model for a plan. Any failure, including a
// reply that is not a valid plan, falls back to another planner.
type LLMPlanner struct {
	llm      provider.Provider
	schema   *plan.SchemaValidator
	fallback Planner
}

// NewLLMPlanner returns a planner backed by llm. A nil fallback uses an
// empty RulePlanner, which always yields the default plan.
func NewLLMPlanner(llm provider.Provider, fallback Planner) (*LLMPlanner, error) {
	schema, err := plan.NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	if fallback == nil {
		fallback = &RulePlanner{}
	}
	return &LLMPlanner{llm: llm, schema: schema, fallback: fallback}, nil
}

func (l *LLMPlanner) Plan(ctx context.Context, query string, workers []worker.Metadata) (plan.Plan, error) {
	p, err := l.ask(ctx, query, workers)
	if err != nil {
		log.Printf("planner: falling back: %v", err)
		return l.fallback.Plan(ctx, query, workers)
	}
	return p, nil
}

type catalogEntry struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Intents     []string `json:"intents"`
}

type brief struct {
	UserQuery       string         `json:"user_query"`
	AvailableAgents []catalogEntry `json:"available_agents"`
}

func (l *LLMPlanner) ask(ctx context.Context, query string, workers []worker.Metadata) (plan.Plan, error) {
	if l.llm == nil {
		return plan.Plan{}, fmt.Errorf("no language model configured")
	}
	b := brief{UserQuery: query}
	for _, w := range workers {
		b.AvailableAgents = append(b.AvailableAgents, catalogEntry{Name: w.Name, Description: w.Description, Intents: w.Intents})
	}
	user, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return plan.Plan{}, fmt.Errorf("marshal brief: %w", err)
	}

	resp, err := l.llm.Complete(ctx, &provider.CompletionRequest{
		Messages:    []provider.Message{provider.System(systemPrompt), provider.User(string(user))},
		Temperature: provider.Temperature(0),
	})
	if err != nil {
		return plan.Plan{}, fmt.Errorf("%s: %w", l.llm.ID(), err)
	}

	p, err := l.schema.Decode([]byte(stripFences(resp.Content)))
	if err != nil {
		return plan.Plan{}, err
	}
	if err := plan.Validate(p); err != nil {
		return plan.Plan{}, err
	}
	return p, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
