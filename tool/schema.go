package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaResource = "tool-input.json"

// argumentValidator validates tool-call arguments against a provider's
// declared input schema.
type argumentValidator struct {
	schema *jsonschema.Schema
}

// compileInputSchema compiles an MCP inputSchema. A nil or empty schema
// yields a validator that accepts any JSON object.
func compileInputSchema(inputSchema map[string]any) (*argumentValidator, error) {
	if len(inputSchema) == 0 {
		return &argumentValidator{}, nil
	}
	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, doc); err != nil {
		return nil, fmt.Errorf("add input schema: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return &argumentValidator{schema: schema}, nil
}

// Validate parses args and checks them against the schema. Empty args are
// treated as an empty object.
func (v *argumentValidator) Validate(args json.RawMessage) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if _, ok := inst.(map[string]any); !ok {
		return fmt.Errorf("arguments must be a JSON object")
	}
	if v == nil || v.schema == nil {
		return nil
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("arguments do not match input schema: %w", err)
	}
	return nil
}
