package protocol

import "encoding/json"

// ToolDescriptor mirrors the shape of a single entry in a tools/list
// response. Annotations is left opaque since the proxy never inspects it.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema InputSchema     `json:"inputSchema"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

// InputSchema is the JSON-Schema "object" shape MCP tool descriptors use.
// AdditionalProps is carried opaquely so the rewriter never has to round
// trip unknown schema keywords (enum constraints, $defs, etc.) through a
// typed field it doesn't know about.
type InputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]map[string]any `json:"properties"`
	Required   []string                  `json:"required"`
}

// Clone returns a deep copy of d, safe to mutate without aliasing the
// catalog's cached original.
func (d ToolDescriptor) Clone() ToolDescriptor {
	out := d
	out.InputSchema = InputSchema{
		Type:       d.InputSchema.Type,
		Properties: make(map[string]map[string]any, len(d.InputSchema.Properties)),
		Required:   append([]string(nil), d.InputSchema.Required...),
	}
	for k, v := range d.InputSchema.Properties {
		propCopy := make(map[string]any, len(v))
		for pk, pv := range v {
			propCopy[pk] = pv
		}
		out.InputSchema.Properties[k] = propCopy
	}
	return out
}

// CloneAll deep-copies a slice of ToolDescriptors.
func CloneAll(in []ToolDescriptor) []ToolDescriptor {
	out := make([]ToolDescriptor, len(in))
	for i, d := range in {
		out[i] = d.Clone()
	}
	return out
}
