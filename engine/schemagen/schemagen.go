// Package schemagen generates JSON Schema documents for structured-output
// LLM requests from plain Go types, so every stage that calls
// model.Client.Complete declares its expected response shape as a Go
// struct instead of hand-writing JSON Schema literals.
//
// Grounded on kadirpekel-hector's pkg/tool/functiontool/schema.go
// generateSchema helper, using github.com/invopop/jsonschema.
package schemagen

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// For generates a JSON Schema document (as raw JSON bytes) describing T,
// using jsonschema struct tags (`jsonschema:"required,description=..."`)
// the way kadirpekel-hector's functiontool package does.
func For[T any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("schemagen: marshal schema: %w", err)
	}

	var asMap map[string]any
	if err := json.Unmarshal(data, &asMap); err != nil {
		return nil, fmt.Errorf("schemagen: normalize schema: %w", err)
	}
	delete(asMap, "$schema")
	delete(asMap, "$id")

	out, err := json.Marshal(asMap)
	if err != nil {
		return nil, fmt.Errorf("schemagen: re-marshal schema: %w", err)
	}
	return out, nil
}

// FieldsMap generates the same schema as For but returns it as a
// map[string]any, for callers that need to splice the schema into a
// provider-specific request envelope rather than send it as a single
// RawMessage blob. No package in this module calls it.
func FieldsMap[T any]() (map[string]any, error) {
	raw, err := For[T]()
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("schemagen: decode schema map: %w", err)
	}
	return out, nil
}
