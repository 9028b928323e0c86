// Package httpserver hosts the mcpsentinel-server binary's HTTP surface:
// the STDIO proxy's out-of-band verification API, the SSE/HTTP MCP
// transports, and the operator/dashboard endpoints (health, websocket
// push, tool registration, analysis status).
package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mcpsentinel/proxy/internal/gatekeeper"
	"github.com/mcpsentinel/proxy/internal/notifier"
	"github.com/mcpsentinel/proxy/internal/protocol"
	"github.com/mcpsentinel/proxy/internal/state"
	"github.com/mcpsentinel/proxy/internal/transport/httponly"
	"github.com/mcpsentinel/proxy/internal/transport/sse"
)

// ServerInfo mirrors the serverInfo object the STDIO proxy attaches to every
// verify call: which app/server this traffic belongs to.
type ServerInfo struct {
	AppName string `json:"appName"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type verifyRequestBody struct {
	Message    protocol.Message `json:"message"`
	ToolName   string           `json:"toolName"`
	ServerInfo ServerInfo       `json:"serverInfo"`
	Stage      string           `json:"stage"`
}

type verifyResponseBody struct {
	Message      protocol.Message `json:"message"`
	ToolName     string           `json:"toolName"`
	ServerInfo   ServerInfo       `json:"serverInfo"`
	Stage        string           `json:"stage"`
	SkipAnalysis bool             `json:"skip_analysis"`
}

// verifyResult is the shape every verify endpoint answers with: whether the
// STDIO proxy should block the message, and if so, why.
type verifyResult struct {
	Blocked  bool    `json:"blocked"`
	Reason   *string `json:"reason"`
	Modified bool    `json:"modified"`
}

// Server wires the gatekeeper and process-wide state into HTTP handlers.
type Server struct {
	gk     *gatekeeper.Gatekeeper
	holder *state.Holder
	hub    *notifier.Hub
	log    *zap.Logger
	sseT   *sse.Transport
	httpT  *httponly.Transport
}

// New builds a Server. hub may be nil only in tests that don't exercise /ws.
// sseT/httpT may be nil in tests that only exercise the verification API;
// handleAutoDetect/handleSSEMessage will 501 if the matching transport is
// unset.
func New(gk *gatekeeper.Gatekeeper, holder *state.Holder, hub *notifier.Hub, log *zap.Logger, sseT *sse.Transport, httpT *httponly.Transport) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{gk: gk, holder: holder, hub: hub, log: log, sseT: sseT, httpT: httpT}
}

// Mux builds the server's route table on net/http.ServeMux's
// method+pattern matching.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /analysis/status", s.handleAnalysisStatus)
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.HandleFunc("POST /verify/request", s.handleVerifyRequest)
	mux.HandleFunc("POST /verify/response", s.handleVerifyResponse)
	mux.HandleFunc("POST /register-tools", s.handleRegisterTools)
	mux.HandleFunc("POST /tools/safety", s.handleToolsSafety)
	mux.HandleFunc("POST /{app}/{server}/message", s.handleSSEMessage)
	mux.HandleFunc("/{app}/{server}", s.handleAutoDetect)
	return mux
}

// handleAutoDetect implements the "/{app}/{server}" catch-all route: a GET
// with an SSE Accept header opens the bidirectional SSE transport,
// everything else (a plain POST) goes to the stateless HTTP transport.
func (s *Server) handleAutoDetect(w http.ResponseWriter, r *http.Request) {
	app := pathSegment(r, "app")
	server := pathSegment(r, "server")

	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		if s.sseT == nil {
			writeError(w, http.StatusNotImplemented, "SSE transport not configured")
			return
		}
		s.sseT.ServeSSE(w, r, app, server)
		return
	}
	if s.httpT == nil {
		writeError(w, http.StatusNotImplemented, "HTTP transport not configured")
		return
	}
	s.httpT.ServeHTTP(w, r, app, server)
}

// handleSSEMessage implements the companion POST /{app}/{server}/message
// endpoint an open SSE connection's rewritten "endpoint" event points the
// client back at (sse.Transport.ServeSSE sets it).
func (s *Server) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	if s.sseT == nil {
		writeError(w, http.StatusNotImplemented, "SSE transport not configured")
		return
	}
	app := pathSegment(r, "app")
	server := pathSegment(r, "server")
	connID := r.URL.Query().Get("connection")
	if connID == "" {
		writeError(w, http.StatusBadRequest, "missing connection id")
		return
	}
	s.sseT.ServeMessage(w, r, app, server, connID)
}

type toolsSafetyBody struct {
	MCPTag string `json:"mcp_tag"`
}

type toolsSafetyResponse struct {
	DangerousTools []string `json:"dangerous_tools"`
	FilterEnabled  bool     `json:"filter_enabled"`
}

// handleToolsSafety implements POST /tools/safety, which the STDIO proxy
// calls before rewriting a cached tools/list response.
func (s *Server) handleToolsSafety(w http.ResponseWriter, r *http.Request) {
	var body toolsSafetyBody
	if err := decodeJSON(r, &body); err != nil || body.MCPTag == "" {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	d := s.holder.Dangerous(body.MCPTag)
	names := make([]string, 0, len(d.Names))
	for name := range d.Names {
		names = append(names, name)
	}
	writeJSON(w, http.StatusOK, toolsSafetyResponse{DangerousTools: names, FilterEnabled: d.FilterEnabled})
}

func stageOf(s string) gatekeeper.Stage {
	if s == "pre_init" {
		return gatekeeper.StagePreInit
	}
	return gatekeeper.StageNone
}

// handleVerifyRequest implements POST /verify/request: the STDIO proxy's
// out-of-band call for every outbound (client->target) message it observes.
func (s *Server) handleVerifyRequest(w http.ResponseWriter, r *http.Request) {
	var body verifyRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if len(body.Message.JSONRPC) == 0 && body.Message.Method == "" && len(body.Message.ID) == 0 {
		writeError(w, http.StatusBadRequest, "Missing message")
		return
	}

	res := s.gk.CheckRequest(r.Context(), body.ServerInfo.AppName, body.ServerInfo.Name, &body.Message, stageOf(body.Stage))
	writeVerifyResult(w, res)
}

// handleVerifyResponse implements POST /verify/response: the STDIO proxy's
// out-of-band call for every inbound (target->client) message.
func (s *Server) handleVerifyResponse(w http.ResponseWriter, r *http.Request) {
	var body verifyResponseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if len(body.Message.JSONRPC) == 0 && len(body.Message.Result) == 0 && body.Message.Error == nil {
		writeError(w, http.StatusBadRequest, "Missing message")
		return
	}

	isToolsList := false
	if r, ok := protocol.DecodeToolsListResult(body.Message.Result); ok && len(r.Tools) > 0 {
		isToolsList = true
	}

	res := s.gk.CheckResponse(r.Context(), body.ServerInfo.AppName, body.ServerInfo.Name, &body.Message, isToolsList, body.SkipAnalysis)
	writeVerifyResult(w, res)
}

func writeVerifyResult(w http.ResponseWriter, res gatekeeper.Result) {
	out := verifyResult{Blocked: !res.Allowed, Modified: false}
	if !res.Allowed {
		out.Reason = &res.Reason
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
