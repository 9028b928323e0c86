// Package journal defines the event/finding persistence interface the bus
// and gatekeeper consume. The forwarding path depends only on the Journal
// interface; Store (journal/sqlite.go) is the concrete on-disk
// implementation.
package journal

import (
	"context"
	"encoding/json"

	"github.com/mcpsentinel/proxy/internal/mcpevent"
)

// Journal is the narrow interface the bus and gatekeeper consume. Writes
// are advisory: a Journal failure is logged by the caller and never blocks
// the forwarding path.
type Journal interface {
	// WriteEvent persists e as a raw_events row (and its rpc_events
	// projection) and returns the assigned row id, used to link Findings
	// back to their originating event.
	WriteEvent(ctx context.Context, e *mcpevent.MCPEvent) (int64, error)

	// WriteFinding persists f as an engine_results row. f.RawEventID must
	// already be set.
	WriteFinding(ctx context.Context, f mcpevent.Finding) error

	// CustomRules returns the enabled custom PII rules for a detector name,
	// keyed by rule name, as raw rule source text. Used by the PII detector
	// to compile user-supplied rules alongside its built-in ones.
	CustomRules(ctx context.Context, engineName string) (map[string]CustomRule, error)

	// UpsertCustomRule records or updates one custom_rules row, keyed on
	// (engine_name, rule_name). Used to seed rules loaded from an
	// operator-supplied rule file (internal/rules) at startup.
	UpsertCustomRule(ctx context.Context, r CustomRule) error

	// DangerousTools returns the mcpl-table safety tier for every tool
	// currently known for mcpTag.
	DangerousTools(ctx context.Context, mcpTag string) (map[string]string, error)

	// UpsertToolSafety records a tool's latest safety tier, keyed on
	// (mcpTag, tool). Called by the semantic-gap detector after each
	// judged tools/call.
	UpsertToolSafety(ctx context.Context, mcpTag, producer, tool, title, description string, parameter, annotations json.RawMessage, safety string) error

	// Close flushes and releases the underlying storage handle.
	Close() error
}

// CustomRule is one row of the custom_rules table.
type CustomRule struct {
	EngineName string
	RuleName   string
	RuleBody   string
	Category   string
	Enabled    bool
}
