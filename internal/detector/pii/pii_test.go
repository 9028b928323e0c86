package pii

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mcpsentinel/proxy/internal/journal"
	"github.com/mcpsentinel/proxy/internal/mcpevent"
	"github.com/mcpsentinel/proxy/internal/protocol"
)

func requestEvent(argsJSON string) *mcpevent.MCPEvent {
	return &mcpevent.MCPEvent{
		EventType: mcpevent.KindMCP,
		Producer:  mcpevent.ProducerLocal,
		Data: mcpevent.EventData{
			Task: mcpevent.TaskSend,
			Message: protocol.Message{
				Method: "tools/call",
				Params: json.RawMessage(`{"name":"send_email","arguments":` + argsJSON + `}`),
			},
		},
	}
}

func TestAnalyze_NoFindingOnBenignText(t *testing.T) {
	d := New(journal.NewMemory())
	f, err := d.Analyze(context.Background(), requestEvent(`{"body":"hello there"}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !f.IsEmpty() {
		t.Errorf("expected no finding, got %+v", f)
	}
}

func TestAnalyze_MediumForEmail(t *testing.T) {
	d := New(journal.NewMemory())
	f, err := d.Analyze(context.Background(), requestEvent(`{"body":"contact me at jane.doe@example.com"}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if f.Severity != mcpevent.SeverityMedium {
		t.Errorf("severity = %s, want medium", f.Severity)
	}
}

func TestAnalyze_HighForCreditCard(t *testing.T) {
	d := New(journal.NewMemory())
	f, err := d.Analyze(context.Background(), requestEvent(`{"body":"card is 4111111111111111"}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if f.Severity != mcpevent.SeverityHigh {
		t.Errorf("severity = %s, want high", f.Severity)
	}
}

func TestAnalyze_CustomRuleFromJournal(t *testing.T) {
	mem := journal.NewMemory()
	mem.PutRule(journal.CustomRule{EngineName: Name, RuleName: "internal-employee-id", RuleBody: `EMP-[0-9]{5}`, Enabled: true})

	d := New(mem)
	f, err := d.Analyze(context.Background(), requestEvent(`{"body":"badge EMP-12345"}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if f.Severity != mcpevent.SeverityHigh {
		t.Errorf("severity = %s, want high for custom-rule match", f.Severity)
	}
}

func TestInterested_RequestAndResponse(t *testing.T) {
	d := New(journal.NewMemory())
	if !d.Interested(requestEvent(`{}`)) {
		t.Error("should be interested in tools/call requests")
	}
	resp := &mcpevent.MCPEvent{
		EventType: mcpevent.KindMCP,
		Producer:  mcpevent.ProducerRemote,
		Data: mcpevent.EventData{
			Task:    mcpevent.TaskRecv,
			Message: protocol.Message{Result: json.RawMessage(`{"content":[]}`)},
		},
	}
	if !d.Interested(resp) {
		t.Error("should be interested in tools/call response traffic")
	}
	other := &mcpevent.MCPEvent{EventType: mcpevent.KindProcess}
	if d.Interested(other) {
		t.Error("should not be interested in non-MCP event types")
	}
}

func TestRedactText_MasksBuiltinMatches(t *testing.T) {
	out := RedactText("ssn is 123-45-6789")
	if out == "ssn is 123-45-6789" {
		t.Error("expected redaction to change the text")
	}
}
