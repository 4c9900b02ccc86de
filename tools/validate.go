package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compiledSchema wraps a compiled JSON schema. A nil inner schema accepts
// any input (tools may omit input_schema).
type compiledSchema struct {
	schema *jsonschema.Schema
}

func compileSchema(raw map[string]any) (*compiledSchema, error) {
	if len(raw) == 0 {
		return &compiledSchema{}, nil
	}
	// Round-trip through the library's decoder so numbers get the
	// representation the validator expects.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("tool.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &compiledSchema{schema: sch}, nil
}

func (cs *compiledSchema) validate(input map[string]any) error {
	if cs.schema == nil {
		return nil
	}
	// Same round-trip for the instance: schema validation is defined over
	// JSON values, not Go values.
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return cs.schema.Validate(inst)
}
