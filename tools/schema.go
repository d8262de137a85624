package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/arbiterhq/arbiter/llms"
)

// decodeArgs decodes a loose argument map into a typed args struct. Weak
// typing is deliberate: prompt-driven models frequently send numbers as
// strings and vice versa.
func decodeArgs(args map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build args decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// schemaFor reflects an args struct into a flat JSON Schema object for
// tool-native backends.
func schemaFor(argsProto any) map[string]any {
	reflector := jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: true,
	}
	schema := reflector.Reflect(argsProto)
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// Definition converts a registered tool into the wire-level definition used
// by backends with a native tool protocol.
func (r *Registry) Definition(name string) (llms.ToolDefinition, bool) {
	tool, ok := r.Get(name)
	if !ok {
		return llms.ToolDefinition{}, false
	}
	info := tool.Info()
	params := map[string]any{"type": "object"}
	r.mu.RLock()
	proto, hasProto := r.argProtos[name]
	r.mu.RUnlock()
	if hasProto {
		params = schemaFor(proto)
	} else if len(info.Parameters) > 0 {
		props := map[string]any{}
		var required []string
		for _, p := range info.Parameters {
			props[p.Name] = map[string]any{"type": p.Type, "description": p.Description}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		params["properties"] = props
		if len(required) > 0 {
			params["required"] = required
		}
	}
	return llms.ToolDefinition{
		Name:        info.Name,
		Description: info.Description,
		Parameters:  params,
	}, true
}

// Definitions returns wire-level definitions for every tool in the given
// families, in registry order.
func (r *Registry) Definitions(families []Family) []llms.ToolDefinition {
	var defs []llms.ToolDefinition
	for _, info := range r.ByFamilies(families) {
		if def, ok := r.Definition(info.Name); ok {
			defs = append(defs, def)
		}
	}
	return defs
}
