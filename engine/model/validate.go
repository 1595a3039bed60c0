package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateStructured compiles schema and validates payload against it,
// returning a descriptive error on the first violation. Used by
// CompleteWithRetry on every completion response, and by the Tool Caller to
// validate tool arguments (spec.md §4.4 "Argument validation").
func ValidateStructured(schema, payload json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("compile response schema: %w", err)
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile response schema: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode structured payload: %w", err)
	}
	if err := sch.Validate(decoded); err != nil {
		return fmt.Errorf("structured payload failed schema validation: %w", err)
	}
	return nil
}
