// Package mcpevent defines the unit of observation the rest of the proxy
// is built around: MCPEvent. Every transport materializes one
// on every read; the gatekeeper consumes it synchronously, the event bus
// fans it out to detectors asynchronously (or synchronously for
// tools/list), and the journal persists it.
package mcpevent

import (
	"encoding/json"

	"github.com/mcpsentinel/proxy/internal/protocol"
)

// Producer identifies who emitted the underlying message.
type Producer string

const (
	ProducerLocal  Producer = "local"
	ProducerRemote Producer = "remote"
	ProducerProxy  Producer = "proxy"
)

// Kind is the event_type discriminator.
type Kind string

const (
	KindMCP     Kind = "MCP"
	KindProxy   Kind = "Proxy"
	KindFile    Kind = "File"
	KindProcess Kind = "Process"
	KindNetwork Kind = "Network"
)

// Task is SEND (client/proxy → target) or RECV (target → client/proxy).
type Task string

const (
	TaskSend Task = "SEND"
	TaskRecv Task = "RECV"
)

// MCPEvent is the envelope every observed JSON-RPC message is wrapped in
// before it reaches the gatekeeper or the event bus.
type MCPEvent struct {
	// TimestampMS is a monotonic millisecond timestamp, assigned once at
	// creation and never touched again, so for any one id the request
	// timestamp never exceeds the response timestamp.
	TimestampMS int64 `json:"ts"`

	Producer    Producer `json:"producer"`
	PID         int      `json:"pid,omitempty"`
	ProcessName string   `json:"process_name,omitempty"`

	EventType Kind `json:"event_type"`

	// MCPTag is the opaque per-server identifier: a friendly name for
	// local (stdio) servers, or the SHA-256 of the target URL for remote
	// (sse/http) servers.
	MCPTag string `json:"mcp_tag"`

	Data EventData `json:"data"`

	// SkipAnalysis marks an event that was synthesized from a cache (the
	// STDIO cached tools/list short-circuit) so the bus does
	// not re-run expensive detectors (notably the LLM-backed semantic-gap
	// judge) on traffic that never actually reached the target.
	SkipAnalysis bool `json:"skip_analysis,omitempty"`
}

// EventData wraps the task direction and the JSON-RPC message itself.
type EventData struct {
	Task    Task             `json:"task"`
	Message protocol.Message `json:"message"`
}

// ToolNameHint returns the tool name associated with this event, if any:
// params.name for a tools/call request, or empty otherwise.
func (e *MCPEvent) ToolNameHint() string {
	if e.Data.Message.Method != "tools/call" {
		return ""
	}
	p, ok := protocol.DecodeToolCallParams(e.Data.Message.Params)
	if !ok {
		return ""
	}
	return p.Name
}

// Severity is shared between Finding and DangerousToolSet scoring tiers.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SubFinding is one structured hit within a Finding.
type SubFinding struct {
	Category string `json:"category"`
	Match    string `json:"match"`
	Reason   string `json:"reason"`
}

// Finding is a detector output. RawEventID links it back to
// the MCPEvent it was computed from once the journal assigns the event
// its id.
type Finding struct {
	Detector    string       `json:"detector"`
	Severity    Severity     `json:"severity"`
	Score       int          `json:"score"`
	SubFindings []SubFinding `json:"sub_findings,omitempty"`
	RawEventID  int64        `json:"raw_event_id"`
}

// IsEmpty reports whether f represents "no finding" (severity none, the
// convention detectors use to signal "nothing to report").
func (f Finding) IsEmpty() bool {
	return f.Severity == SeverityNone || f.Severity == ""
}

// MarshalDetail serializes whatever detail a detector wants to store in
// engine_results.detail_json.
func MarshalDetail(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
