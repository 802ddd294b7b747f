package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaID = "https://opentalon.dev/conductor/schemas/plan-v1.json"

// JSONSchema describes the wire form of an input source.
func (InputSource) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^(user_query|step:[0-9]+\.output\.result)$`,
		Description: `"user_query" or "step:<id>.output.result"`,
	}
}

// GenerateJSONSchema produces a JSON Schema Draft 2020-12 document for the
// plan documents a planner is expected to emit.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = true
	r.AllowAdditionalProperties = true

	s := r.Reflect(&planDocument{})
	s.ID = schemaID
	s.Title = "Conductor plan v1"
	s.Description = "Ordered worker steps; references may only point at earlier steps."

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal plan schema: %w", err)
	}
	return data, nil
}

// planDocument mirrors Plan with schema constraints for the reflector.
type planDocument struct {
	Steps []stepDocument `json:"steps"`
}

type stepDocument struct {
	ID     int         `json:"step_id" jsonschema:"minimum=0"`
	Worker string      `json:"agent"`
	Intent string      `json:"intent"`
	Input  InputSource `json:"input_source"`
}

// SchemaValidator checks raw plan JSON against the generated schema.
type SchemaValidator struct {
	schema *sjsonschema.Schema
}

func NewSchemaValidator() (*SchemaValidator, error) {
	raw, err := GenerateJSONSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource(schemaID, doc); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}
	sch, err := c.Compile(schemaID)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &SchemaValidator{schema: sch}, nil
}

// Decode validates data against the schema and decodes it into a Plan. It
// does not run Validate; reference ordering is the engine's check.
func (v *SchemaValidator) Decode(data []byte) (Plan, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Plan{}, fmt.Errorf("plan is not JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return Plan{}, fmt.Errorf("plan does not match schema: %s", describe(err))
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	return p, nil
}

func describe(err error) string {
	ve, ok := err.(*sjsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var parts []string
	for _, cause := range flatten(ve) {
		parts = append(parts, fmt.Sprintf("/%s: %v", strings.Join(cause.InstanceLocation, "/"), cause.ErrorKind))
	}
	return strings.Join(parts, "; ")
}

// flatten recursively collects all leaf validation errors.
func flatten(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flatten(cause)...)
	}
	return flat
}
