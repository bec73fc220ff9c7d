package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/petal-labs/petalstream/core"
)

const requestSchemaResource = "completion-request.json"

// requestValidator checks inbound completion bodies against the schema
// reflected from core.Request.
type requestValidator struct {
	schema *jsonschema.Schema
	raw    json.RawMessage
}

// RequestSchema returns the JSON Schema for the completion request body.
func RequestSchema() *invopop.Schema {
	r := &invopop.Reflector{
		Anonymous:                 true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	return r.Reflect(&core.Request{})
}

func newRequestValidator() (*requestValidator, error) {
	raw, err := json.Marshal(RequestSchema())
	if err != nil {
		return nil, fmt.Errorf("server: encode request schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("server: decode request schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(requestSchemaResource, doc); err != nil {
		return nil, fmt.Errorf("server: add request schema: %w", err)
	}
	schema, err := compiler.Compile(requestSchemaResource)
	if err != nil {
		return nil, fmt.Errorf("server: compile request schema: %w", err)
	}
	return &requestValidator{schema: schema, raw: raw}, nil
}

// Decode validates body and decodes it into a request. Validation failures
// are returned as details suitable for the error envelope.
func (v *requestValidator) Decode(body []byte) (core.Request, []string, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return core.Request{}, nil, fmt.Errorf("request body is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return core.Request{}, validationDetails(verr), errors.New("request body does not match schema")
		}
		return core.Request{}, nil, err
	}
	var req core.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return core.Request{}, nil, fmt.Errorf("decode request: %w", err)
	}
	return req, nil, nil
}

func validationDetails(verr *jsonschema.ValidationError) []string {
	var details []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			details = append(details, e.Error())
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return details
}
