package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateArguments checks a tool call's arguments against the schema of
// the named tool. It returns the normalized argument map to pass to
// Execute. The returned error text is model-facing: the loop converts it
// into an error tool-result rather than failing the run.
func ValidateArguments(ts []Tool, name string, args map[string]any) (map[string]any, error) {
	t := Find(ts, name)
	if t == nil {
		return nil, fmt.Errorf("Tool %s not found", name)
	}

	schema, err := compileSchema(t.Schema())
	if err != nil {
		return nil, fmt.Errorf("compile schema for tool %s: %w", name, err)
	}

	normalized := normalizeArguments(schema, args)
	if err := schema.Validate(normalized); err != nil {
		return nil, fmt.Errorf("invalid arguments for tool %s: %w", name, err)
	}
	return normalized, nil
}

// normalizeArguments copies values provided under a camelCase key to the
// snake_case property the schema declares. Models frequently emit
// camelCase argument names for snake_case schemas; the copy keeps both
// spellings so either consumer finds the value.
func normalizeArguments(schema *jsonschema.Schema, args map[string]any) map[string]any {
	normalized := make(map[string]any, len(args))
	for k, v := range args {
		normalized[k] = v
	}
	for prop := range schema.Properties {
		if _, ok := normalized[prop]; ok {
			continue
		}
		if !strings.Contains(prop, "_") {
			continue
		}
		if v, ok := normalized[snakeToCamel(prop)]; ok {
			normalized[prop] = v
		}
	}
	return normalized
}

func snakeToCamel(name string) string {
	parts := strings.Split(name, "_")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

var schemaCache sync.Map

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
