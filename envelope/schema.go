package envelope

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema is the JSON Schema enforced at ingress before any bus
// traffic is generated. It intentionally allows unknown top-level fields so
// newer clients can extend the wire format.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["conversation_id", "sender", "recipient", "type"],
  "properties": {
    "id": {"type": "string"},
    "conversation_id": {"type": "string", "minLength": 1},
    "sender": {"type": "string", "pattern": "^(user|agent):.+"},
    "recipient": {"type": "string", "pattern": "^(chat|agent):.+"},
    "type": {"enum": ["message", "control"]},
    "content": {"type": ["string", "null"]},
    "metadata": {"type": "object"},
    "created_at": {"type": "string"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(envelopeSchema), &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.json", doc); err != nil {
			schemaErr = fmt.Errorf("add envelope schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("envelope.json")
	})
	return compiledSchema, schemaErr
}

// ValidateJSON checks a raw ingress body against the envelope schema. The
// payload must already be valid JSON; schema violations are returned verbatim
// so callers can surface them in structured 422 responses.
func ValidateJSON(payload any) error {
	schema, err := compiled()
	if err != nil {
		return err
	}
	return schema.Validate(payload)
}
