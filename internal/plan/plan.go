// Package plan holds the plan model produced by planning and consumed by the
// execution engine, together with its validation rules.
package plan

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	originalQueryToken = "user_query"
	stepRefPrefix      = "step:"
	// ResultField is the only field a step reference can extract.
	ResultField = "output.result"
)

// InputSource says where a step's input text comes from: the original query,
// or the result of an earlier step.
type InputSource struct {
	ref   bool
	step  int
	field string
}

// OriginalQuery is the input source that feeds the user's query verbatim.
func OriginalQuery() InputSource { return InputSource{} }

// StepOutput references the result of step id.
func StepOutput(id int) InputSource {
	return InputSource{ref: true, step: id, field: ResultField}
}

// IsOriginalQuery reports whether s feeds the original query.
func (s InputSource) IsOriginalQuery() bool { return !s.ref }

// Reference returns the referenced step id and field; ok is false for
// OriginalQuery.
func (s InputSource) Reference() (stepID int, field string, ok bool) {
	return s.step, s.field, s.ref
}

func (s InputSource) String() string {
	if !s.ref {
		return originalQueryToken
	}
	return fmt.Sprintf("%s%d.%s", stepRefPrefix, s.step, s.field)
}

// ParseInputSource accepts "user_query" or "step:<id>.<field>". The field is
// kept as written so validation can report unsupported paths.
func ParseInputSource(s string) (InputSource, error) {
	s = strings.TrimSpace(s)
	if s == originalQueryToken {
		return OriginalQuery(), nil
	}
	if !strings.HasPrefix(s, stepRefPrefix) {
		return InputSource{}, fmt.Errorf("invalid input source %q: expected %q or %q", s, originalQueryToken, "step:<id>."+ResultField)
	}
	rest := strings.TrimPrefix(s, stepRefPrefix)
	idPart, field, _ := strings.Cut(rest, ".")
	id, err := strconv.Atoi(idPart)
	if err != nil {
		return InputSource{}, fmt.Errorf("invalid input source %q: step id: %w", s, err)
	}
	if field == "" {
		field = ResultField
	}
	return InputSource{ref: true, step: id, field: field}, nil
}

func (s InputSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *InputSource) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("input source must be a string: %w", err)
	}
	parsed, err := ParseInputSource(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s InputSource) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s *InputSource) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("input source must be a string: %w", err)
	}
	parsed, err := ParseInputSource(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Step is one planned worker invocation.
type Step struct {
	ID     int         `json:"step_id" yaml:"step_id"`
	Worker string      `json:"agent" yaml:"agent"`
	Intent string      `json:"intent" yaml:"intent"`
	Input  InputSource `json:"input_source" yaml:"input_source"`
}

// Plan is created once by planning and never mutated afterwards.
type Plan struct {
	Steps []Step `json:"steps" yaml:"steps"`
}

// Ordered returns a copy of the steps sorted by ascending id.
func (p Plan) Ordered() []Step {
	steps := append([]Step(nil), p.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })
	return steps
}

// Single returns a one-step plan feeding the original query to worker.
func Single(worker, intent string) Plan {
	return Plan{Steps: []Step{{ID: 0, Worker: worker, Intent: intent, Input: OriginalQuery()}}}
}
