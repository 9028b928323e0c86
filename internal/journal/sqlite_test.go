package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mcpsentinel/proxy/internal/mcpevent"
	"github.com/mcpsentinel/proxy/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_WriteEvent_RoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := &mcpevent.MCPEvent{
		TimestampMS: 1000,
		Producer:    mcpevent.ProducerLocal,
		PID:         42,
		ProcessName: "node",
		EventType:   mcpevent.KindMCP,
		MCPTag:      "filesystem",
		Data: mcpevent.EventData{
			Task: mcpevent.TaskSend,
			Message: protocol.Message{
				JSONRPC: "2.0",
				ID:      []byte(`"1"`),
				Method:  "tools/call",
				Params:  []byte(`{"name":"read_file","arguments":{"path":"/tmp/x"}}`),
			},
		},
	}

	id, err := s.WriteEvent(ctx, e)
	if err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a non-zero raw_events id")
	}
}

func TestStore_WriteEvent_BackfillsResponseMethod(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req := &mcpevent.MCPEvent{
		TimestampMS: 1000,
		Producer:    mcpevent.ProducerLocal,
		EventType:   mcpevent.KindMCP,
		MCPTag:      "filesystem",
		Data: mcpevent.EventData{
			Task: mcpevent.TaskSend,
			Message: protocol.Message{
				JSONRPC: "2.0",
				ID:      []byte(`"7"`),
				Method:  "tools/call",
				Params:  []byte(`{"name":"read_file"}`),
			},
		},
	}
	if _, err := s.WriteEvent(ctx, req); err != nil {
		t.Fatalf("WriteEvent(req): %v", err)
	}

	resp := &mcpevent.MCPEvent{
		TimestampMS: 1010,
		Producer:    mcpevent.ProducerRemote,
		EventType:   mcpevent.KindMCP,
		MCPTag:      "filesystem",
		Data: mcpevent.EventData{
			Task: mcpevent.TaskRecv,
			Message: protocol.Message{
				JSONRPC: "2.0",
				ID:      []byte(`"7"`),
				Result:  []byte(`{"content":[]}`),
			},
		},
	}
	respID, err := s.WriteEvent(ctx, resp)
	if err != nil {
		t.Fatalf("WriteEvent(resp): %v", err)
	}

	var method string
	row := s.db.QueryRow(`SELECT method FROM rpc_events WHERE raw_event_id = ?`, respID)
	if err := row.Scan(&method); err != nil {
		t.Fatalf("scan method: %v", err)
	}
	if method != "tools/call" {
		t.Errorf("backfilled method = %q, want tools/call", method)
	}
}

func TestStore_WriteFinding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := &mcpevent.MCPEvent{TimestampMS: 1, Producer: mcpevent.ProducerLocal, EventType: mcpevent.KindMCP, MCPTag: "fs"}
	id, err := s.WriteEvent(ctx, e)
	if err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	f := mcpevent.Finding{
		Detector:   "command-injection",
		Severity:   mcpevent.SeverityHigh,
		Score:      80,
		RawEventID: id,
		SubFindings: []mcpevent.SubFinding{
			{Category: "shell-metachar", Match: "; rm -rf", Reason: "command chaining"},
		},
	}
	if err := s.WriteFinding(ctx, f); err != nil {
		t.Fatalf("WriteFinding: %v", err)
	}

	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM engine_results WHERE raw_event_id = ?`, id)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan count: %v", err)
	}
	if count != 1 {
		t.Errorf("engine_results rows = %d, want 1", count)
	}
}

func TestStore_CustomRules_OnlyEnabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.db.Exec(
		`INSERT INTO custom_rules (engine_name, rule_name, rule_content, category, enabled) VALUES (?, ?, ?, ?, ?)`,
		"pii", "ssn", `\d{3}-\d{2}-\d{4}`, "identity", 1,
	); err != nil {
		t.Fatalf("seed enabled rule: %v", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO custom_rules (engine_name, rule_name, rule_content, category, enabled) VALUES (?, ?, ?, ?, ?)`,
		"pii", "disabled-rule", `x`, "other", 0,
	); err != nil {
		t.Fatalf("seed disabled rule: %v", err)
	}

	rules, err := s.CustomRules(ctx, "pii")
	if err != nil {
		t.Fatalf("CustomRules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1 (enabled only)", len(rules))
	}
	if _, ok := rules["ssn"]; !ok {
		t.Error("expected the ssn rule to be present")
	}
}

func TestStore_UpsertAndDangerousTools(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertToolSafety(ctx, "filesystem", "local", "run_shell", "Run Shell", "executes a shell command", nil, nil, "dangerous"); err != nil {
		t.Fatalf("UpsertToolSafety: %v", err)
	}
	if err := s.UpsertToolSafety(ctx, "filesystem", "local", "read_file", "Read File", "reads a file", nil, nil, "safe"); err != nil {
		t.Fatalf("UpsertToolSafety: %v", err)
	}

	tools, err := s.DangerousTools(ctx, "filesystem")
	if err != nil {
		t.Fatalf("DangerousTools: %v", err)
	}
	if tools["run_shell"] != "dangerous" {
		t.Errorf("run_shell safety = %q, want dangerous", tools["run_shell"])
	}
	if tools["read_file"] != "safe" {
		t.Errorf("read_file safety = %q, want safe", tools["read_file"])
	}

	// Re-upsert should update, not duplicate.
	if err := s.UpsertToolSafety(ctx, "filesystem", "local", "run_shell", "Run Shell", "executes a shell command", nil, nil, "safe"); err != nil {
		t.Fatalf("UpsertToolSafety (update): %v", err)
	}
	tools, err = s.DangerousTools(ctx, "filesystem")
	if err != nil {
		t.Fatalf("DangerousTools: %v", err)
	}
	if tools["run_shell"] != "safe" {
		t.Errorf("run_shell safety after update = %q, want safe", tools["run_shell"])
	}
}
