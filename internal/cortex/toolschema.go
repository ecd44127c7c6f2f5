package cortex

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// toolArgSchemas holds the compiled JSON Schema for each tool call name
// recognized by runToolCalls. A call whose Arguments fail validation is
// rejected before it can mutate state (spec.md §9 "Unknown"-style per-call
// failure), rather than silently coercing missing/malformed fields.
var toolArgSchemas = compileToolArgSchemas()

const sessionsSpawnSchemaJSON = `{
	"type": "object",
	"properties": {
		"task": {"type": "string", "minLength": 1},
		"priority": {"type": "string", "enum": ["urgent", "normal", "background"]}
	},
	"required": ["task"]
}`

const memoryQuerySchemaJSON = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"limit": {"type": "number"}
	},
	"required": ["query"]
}`

func compileToolArgSchemas() map[string]*jsonschema.Schema {
	raw := rawSchemaSet{
		toolSessionsSpawn: sessionsSpawnSchemaJSON,
		toolMemoryQuery:   memoryQuerySchemaJSON,
	}
	return raw.compile()
}

type rawSchemaSet map[string]string

func (raw rawSchemaSet) compile() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(raw))
	c := jsonschema.NewCompiler()
	for name, schemaJSON := range raw {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			panic(fmt.Sprintf("cortex: invalid built-in schema for %s: %v", name, err))
		}
		resource := name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			panic(fmt.Sprintf("cortex: add schema resource for %s: %v", name, err))
		}
		sch, err := c.Compile(resource)
		if err != nil {
			panic(fmt.Sprintf("cortex: compile schema for %s: %v", name, err))
		}
		out[name] = sch
	}
	return out
}

// validateToolArgs checks call.Arguments against the named tool's schema.
// Tools with no registered schema pass through unchecked.
func validateToolArgs(name string, args map[string]any) error {
	sch, ok := toolArgSchemas[name]
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
