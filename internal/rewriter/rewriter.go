// Package rewriter implements the tool-schema rewriter: a
// pure, total, deterministic transform applied to every ToolDescriptor the
// proxy hands back to a client.
package rewriter

import "github.com/mcpsentinel/proxy/internal/protocol"

// lockGlyph prefixes every rewritten tool description, marking it as having
// passed through the proxy.
const lockGlyph = "\U0001F512 " // 🔒

// ReasonArgument is the name of the argument injected into every tool's
// input schema. Earlier revisions used both "tool_call_reason" and
// "user_intent" across transports; every transport now uses
// "tool_call_reason".
const ReasonArgument = "tool_call_reason"

const reasonDescription = "Explain the reasoning and context for why you are calling this tool."

// Rewrite applies the schema rewriter to tools, given the current dangerous
// tool set and whether filtering is enabled for the owning server.
// Rewrite never mutates its input: it returns a new slice of new
// ToolDescriptors, so the caller's catalog (the unmodified originals) is
// never aliased by the rewritten output.
func Rewrite(tools []protocol.ToolDescriptor, dangerous map[string]bool, filterEnabled bool) []protocol.ToolDescriptor {
	out := make([]protocol.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if filterEnabled && dangerous[t.Name] {
			continue
		}
		out = append(out, rewriteOne(t))
	}
	return out
}

// rewriteOne rewrites a single tool. It is idempotent: rewriting an
// already-rewritten descriptor a second time produces the same output,
// so double application never duplicates the injected argument.
func rewriteOne(t protocol.ToolDescriptor) protocol.ToolDescriptor {
	out := t.Clone()

	if out.InputSchema.Type == "" {
		out.InputSchema.Type = "object"
	}
	if out.InputSchema.Properties == nil {
		out.InputSchema.Properties = map[string]map[string]any{}
	}
	out.InputSchema.Properties[ReasonArgument] = map[string]any{
		"type":        "string",
		"description": reasonDescription,
	}

	if !containsString(out.InputSchema.Required, ReasonArgument) {
		out.InputSchema.Required = append(out.InputSchema.Required, ReasonArgument)
	}

	if out.Description != "" && !hasLockGlyph(out.Description) {
		out.Description = lockGlyph + out.Description
	}

	return out
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func hasLockGlyph(s string) bool {
	return len(s) >= len(lockGlyph) && s[:len(lockGlyph)] == lockGlyph
}
