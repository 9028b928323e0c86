package httpserver

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mcpsentinel/proxy/internal/bus"
	"github.com/mcpsentinel/proxy/internal/gatekeeper"
	"github.com/mcpsentinel/proxy/internal/journal"
	"github.com/mcpsentinel/proxy/internal/state"
)

func newTestServer() *Server {
	b := bus.New(nil, journal.NewMemory(), nil, nil, 0)
	gk := gatekeeper.New(b, nil)
	holder := state.New(0)
	return New(gk, holder, nil, nil, nil, nil)
}

func TestHandleToolsSafety_DefaultsToEmpty(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/tools/safety", bytes.NewBufferString(`{"mcp_tag":"fs"}`))
	rec := httptest.NewRecorder()

	s.handleToolsSafety(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"dangerous_tools":[]`)) {
		t.Errorf("body = %s, want empty dangerous_tools", rec.Body.String())
	}
}

func TestHandleToolsSafety_ReportsMarkedTool(t *testing.T) {
	s := newTestServer()
	s.holder.MarkDangerous("fs", "delete_everything")

	req := httptest.NewRequest(http.MethodPost, "/tools/safety", bytes.NewBufferString(`{"mcp_tag":"fs"}`))
	rec := httptest.NewRecorder()

	s.handleToolsSafety(rec, req)

	if !bytes.Contains(rec.Body.Bytes(), []byte("delete_everything")) {
		t.Errorf("body = %s, want delete_everything listed", rec.Body.String())
	}
}

func TestHandleToolsSafety_RejectsMissingTag(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/tools/safety", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()

	s.handleToolsSafety(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleAutoDetect_WithoutTransportsReturns501(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/claude/fs", nil)
	rec := httptest.NewRecorder()

	s.handleAutoDetect(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestHandleSSEMessage_RejectsMissingConnection(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/claude/fs/message", nil)
	rec := httptest.NewRecorder()

	s.handleSSEMessage(rec, req)

	if rec.Code != http.StatusNotImplemented && rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 501 or 400", rec.Code)
	}
}
