package classification

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// externalSchema describes the reply expected from any external classifier:
// an array of verdict objects. Status values and confidence ranges are not
// constrained here; ParseStatus and the engine's clamping normalize them per
// item.
const externalSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name", "status"],
    "properties": {
      "name":       {"type": "string"},
      "status":     {"type": "string"},
      "rationale":  {"type": "string"},
      "risk":       {"type": "string"},
      "category":   {"type": "string"},
      "confidence": {"type": "number"}
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func replySchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		compiledSchema, schemaErr = compiler.Compile([]byte(externalSchema))
	})
	return compiledSchema, schemaErr
}

// DecodeReply validates raw classifier output and decodes it. Some services
// wrap the array in {"ingredients": [...]} or {"results": [...]}; both are
// unwrapped first.
func DecodeReply(data []byte) ([]External, error) {
	data = unwrapReply(data)

	schema, err := replySchema()
	if err != nil {
		return nil, fmt.Errorf("compile reply schema: %w", err)
	}
	result := schema.ValidateJSON(data)
	if !result.IsValid() {
		return nil, fmt.Errorf("schema validation failed: %v", result.Errors)
	}

	var out []External
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return out, nil
}

func unwrapReply(data []byte) []byte {
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return data
	}
	for _, key := range []string{"ingredients", "results", "items"} {
		if inner, ok := wrapped[key]; ok {
			return inner
		}
	}
	return data
}
