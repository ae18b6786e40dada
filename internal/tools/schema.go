package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache compiles each descriptor's parameters_schema once and reuses
// it across invocations; tool schemas are fixed at registration time.
var schemaCache sync.Map

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	c := jsonschema.NewCompiler()
	resource := "tool/" + name + ".json"
	doc := map[string]any{"type": "object"}
	for k, v := range params {
		doc[k] = v
	}
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	schemaCache.Store(name, compiled)
	return compiled, nil
}

// coerceArgs parses the LLM's raw argument string into a mapping. A known
// LLM failure mode is emitting two JSON objects concatenated back to back
// (e.g. retrying mid-stream); that is treated as MalformedArguments rather
// than attempting a best-effort merge.
func coerceArgs(raw json.RawMessage) (map[string]any, *DispatchError) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, &DispatchError{Kind: ErrMalformedArguments, Detail: "arguments are not well-formed JSON: " + err.Error()}
	}
	// A second decode succeeding means concatenated objects trailed the
	// first — reject rather than silently keeping only the first.
	var trailer json.RawMessage
	if err := dec.Decode(&trailer); err == nil {
		return nil, &DispatchError{Kind: ErrMalformedArguments, Detail: "arguments contain trailing concatenated JSON"}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// validateArgs checks required params and schema conformance, collecting
// every offending field rather than failing fast on the first.
func validateArgs(d Descriptor, args map[string]any) *DispatchError {
	var missing []string
	for _, req := range d.RequiredParams {
		if _, ok := args[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return &DispatchError{Kind: ErrArgumentValidation, Detail: "missing required parameters", Fields: missing}
	}
	if len(d.ParametersSchema) == 0 {
		return nil
	}
	schema, err := compileSchema(d.Name, d.ParametersSchema)
	if err != nil {
		return &DispatchError{Kind: ErrArgumentValidation, Detail: "invalid parameters_schema: " + err.Error()}
	}
	if err := schema.Validate(args); err != nil {
		return &DispatchError{Kind: ErrArgumentValidation, Detail: err.Error(), Fields: offendingFields(err)}
	}
	return nil
}

func offendingFields(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil
	}
	var fields []string
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.InstanceLocation) > 0 {
			fields = append(fields, v.InstanceLocation[len(v.InstanceLocation)-1])
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	return fields
}
