package engine

import (
	"encoding/json"
	"fmt"

	"github.com/opentalon/conductor/internal/invoke"
	"github.com/opentalon/conductor/internal/plan"
)

// UnresolvedDependencyError reports that a step's input references a step
// that has no usable result.
type UnresolvedDependencyError struct {
	StepID int
	Reason string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("dependency on step %d unresolved: %s", e.StepID, e.Reason)
}

// Resolver turns an input source into literal input text.
type Resolver struct {
	Query string
}

// Resolve returns the query for OriginalQuery sources and the stringified
// result of the referenced step otherwise. A reference to a missing or failed
// step is an error, never an empty string.
func (r Resolver) Resolve(src plan.InputSource, completed map[int]invoke.Response) (string, error) {
	ref, field, ok := src.Reference()
	if !ok {
		return r.Query, nil
	}
	if field != plan.ResultField {
		return "", &UnresolvedDependencyError{StepID: ref, Reason: fmt.Sprintf("unsupported field %q", field)}
	}
	resp, found := completed[ref]
	if !found {
		return "", &UnresolvedDependencyError{StepID: ref, Reason: "step has not completed"}
	}
	if !resp.IsSuccess() {
		reason := "step failed"
		if resp.Error != nil {
			reason = fmt.Sprintf("step failed (%s: %s)", resp.Error.Kind, resp.Error.Message)
		}
		return "", &UnresolvedDependencyError{StepID: ref, Reason: reason}
	}
	return Stringify(resp.Output.Result), nil
}

// Stringify renders a worker result as input text. Strings pass through
// verbatim, scalars use their natural form and structured values are JSON.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		return fmt.Sprint(x)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
