package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/opentalon/conductor/internal/plan"
	"github.com/opentalon/conductor/internal/worker"
)

// Rule maps a boolean condition over the query to a fixed list of steps.
// Conditions see query, lower (the lowercased query), kind (see Classify)
// and workers (the names of the available workers).
type Rule struct {
	Name  string      `yaml:"name"`
	When  string      `yaml:"when"`
	Steps []plan.Step `yaml:"steps"`
}

type compiledRule struct {
	Rule
	program *vm.Program
}

// RulePlanner picks the steps of the first rule whose condition holds and
// the default summarizer plan otherwise. It never calls out.
type RulePlanner struct {
	rules []compiledRule
}

func ruleEnv(query string, workers []worker.Metadata) map[string]any {
	names := make([]string, 0, len(workers))
	for _, w := range workers {
		names = append(names, w.Name)
	}
	return map[string]any{
		"query":   query,
		"lower":   strings.ToLower(query),
		"kind":    string(Classify(query)),
		"workers": names,
	}
}

// NewRulePlanner compiles every rule up front; a rule that does not compile
// or whose steps do not validate is an error.
func NewRulePlanner(rules []Rule) (*RulePlanner, error) {
	rp := &RulePlanner{}
	env := ruleEnv("", nil)
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if strings.TrimSpace(r.When) == "" {
			return nil, fmt.Errorf("rule %s: when is required", name)
		}
		program, err := expr.Compile(r.When, expr.Env(env), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %s: compile condition %q: %w", name, r.When, err)
		}
		if len(r.Steps) == 0 {
			return nil, fmt.Errorf("rule %s: no steps", name)
		}
		if err := plan.Validate(plan.Plan{Steps: r.Steps}); err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		r.Name = name
		rp.rules = append(rp.rules, compiledRule{Rule: r, program: program})
	}
	return rp, nil
}

func (rp *RulePlanner) Plan(_ context.Context, query string, workers []worker.Metadata) (plan.Plan, error) {
	name, p := rp.match(query, workers)
	if name != "" {
		return p, nil
	}
	return Default(), nil
}

// Match returns the name of the rule that fires for query, or "" when the
// default plan applies.
func (rp *RulePlanner) Match(query string, workers []worker.Metadata) string {
	name, _ := rp.match(query, workers)
	return name
}

func (rp *RulePlanner) match(query string, workers []worker.Metadata) (string, plan.Plan) {
	env := ruleEnv(query, workers)
	for _, r := range rp.rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			continue
		}
		if ok, _ := out.(bool); ok {
			return r.Name, plan.Plan{Steps: append([]plan.Step(nil), r.Steps...)}
		}
	}
	return "", plan.Plan{}
}
