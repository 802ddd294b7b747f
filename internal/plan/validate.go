package plan

import (
	"fmt"
	"strings"
)

// ValidationError lists every defect found in a plan. A plan that fails
// validation must not be executed at all.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid plan: " + strings.Join(e.Problems, "; ")
}

// Validate checks the structural invariants of p: ids non-negative and
// unique, and references that only point strictly backwards at a result field.
// A backward reference to a step that is not in the plan, an empty worker name
// and an empty plan are not structural defects; the engine records them as
// per-step failures.
func Validate(p Plan) error {
	var problems []string
	ids := make(map[int]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID < 0 {
			problems = append(problems, fmt.Sprintf("step %d: negative step id", s.ID))
		}
		if ids[s.ID] {
			problems = append(problems, fmt.Sprintf("step %d: duplicate step id", s.ID))
		}
		ids[s.ID] = true
	}

	for _, s := range p.Steps {
		ref, field, ok := s.Input.Reference()
		if !ok {
			continue
		}
		switch {
		case ref == s.ID:
			problems = append(problems, fmt.Sprintf("step %d: references itself", s.ID))
		case ref > s.ID:
			problems = append(problems, fmt.Sprintf("step %d: forward reference to step %d", s.ID, ref))
		}
		if field != ResultField {
			problems = append(problems, fmt.Sprintf("step %d: unsupported field %q (only %q)", s.ID, field, ResultField))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
