package journal

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mcpsentinel/proxy/internal/mcpevent"
)

// Memory is an in-process Journal implementation used by tests that need a
// real Journal without paying for sqlite file I/O.
type Memory struct {
	mu       sync.Mutex
	events   []mcpevent.MCPEvent
	findings []mcpevent.Finding
	rules    map[string]map[string]CustomRule
	safety   map[string]map[string]string
	nextID   int64
}

// NewMemory creates an empty in-memory Journal.
func NewMemory() *Memory {
	return &Memory{
		rules:  make(map[string]map[string]CustomRule),
		safety: make(map[string]map[string]string),
	}
}

func (m *Memory) WriteEvent(ctx context.Context, e *mcpevent.MCPEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.events = append(m.events, *e)
	return m.nextID, nil
}

func (m *Memory) WriteFinding(ctx context.Context, f mcpevent.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findings = append(m.findings, f)
	return nil
}

func (m *Memory) CustomRules(ctx context.Context, engineName string) (map[string]CustomRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]CustomRule, len(m.rules[engineName]))
	for k, v := range m.rules[engineName] {
		out[k] = v
	}
	return out, nil
}

// UpsertCustomRule records or updates one custom rule, keyed on
// (EngineName, RuleName).
func (m *Memory) UpsertCustomRule(ctx context.Context, r CustomRule) error {
	m.PutRule(r)
	return nil
}

// PutRule seeds a custom rule for tests.
func (m *Memory) PutRule(r CustomRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rules[r.EngineName] == nil {
		m.rules[r.EngineName] = make(map[string]CustomRule)
	}
	m.rules[r.EngineName][r.RuleName] = r
}

func (m *Memory) DangerousTools(ctx context.Context, mcpTag string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.safety[mcpTag]))
	for k, v := range m.safety[mcpTag] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) UpsertToolSafety(ctx context.Context, mcpTag, producer, tool, title, description string, parameter, annotations json.RawMessage, safety string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.safety[mcpTag] == nil {
		m.safety[mcpTag] = make(map[string]string)
	}
	m.safety[mcpTag][tool] = safety
	return nil
}

func (m *Memory) Close() error { return nil }

// Findings returns a snapshot of every finding written so far. Test helper.
func (m *Memory) Findings() []mcpevent.Finding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mcpevent.Finding, len(m.findings))
	copy(out, m.findings)
	return out
}

// Events returns a snapshot of every event written so far. Test helper.
func (m *Memory) Events() []mcpevent.MCPEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mcpevent.MCPEvent, len(m.events))
	copy(out, m.events)
	return out
}
