// Package httponly implements the stateless HTTP MCP transport: a single POST endpoint per (app, server) for targets that speak
// plain request/response JSON-RPC without an SSE channel (Context7-style).
//
// Stateless per message: decode, gate, forward, gate the reply, respond.
package httponly

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mcpsentinel/proxy/internal/gatekeeper"
	"github.com/mcpsentinel/proxy/internal/protocol"
	"github.com/mcpsentinel/proxy/internal/rewriter"
	"github.com/mcpsentinel/proxy/internal/state"
	"github.com/mcpsentinel/proxy/internal/transport"
)

// Transport serves the stateless HTTP MCP proxy path.
type Transport struct {
	gk          *gatekeeper.Gatekeeper
	holder      *state.Holder
	client      *http.Client
	envFallback string
	log         *zap.Logger
}

// New creates a Transport. envFallback is the MCP_TARGET_URL default used
// when a request supplies neither ?target= nor X-MCP-Target-URL.
func New(gk *gatekeeper.Gatekeeper, holder *state.Holder, envFallback string, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		gk:          gk,
		holder:      holder,
		client:      &http.Client{Timeout: 30 * time.Second},
		envFallback: envFallback,
		log:         log,
	}
}

// ServeHTTP handles one POST /{app}/{server} request end to end: decode,
// gate, forward, gate the reply, rewrite if it was a tools/list, respond.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request, app, server string) {
	targetURL := transport.ResolveTargetURL(r, t.envFallback)
	if targetURL == "" {
		http.Error(w, "no target URL configured", http.StatusBadGateway)
		return
	}
	mcpTag := transport.MCPTag(targetURL)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var msg protocol.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "invalid JSON-RPC message", http.StatusBadRequest)
		return
	}

	isToolCall := msg.Method == "tools/call"
	res := t.gk.CheckRequest(r.Context(), app, mcpTag, &msg, gatekeeper.StageNone)
	if !res.Allowed {
		writeBlocked(w, &msg, res.Reason, true)
		return
	}
	if isToolCall {
		msg.Params = protocol.StripArgument(msg.Params, rewriter.ReasonArgument)
	}

	respMsg, raw, err := t.forward(r.Context(), targetURL, r.Header, &msg)
	if err != nil {
		t.log.Warn("target forward failed", zap.Error(err), zap.String("mcp_tag", mcpTag))
		http.Error(w, fmt.Sprintf("target request failed: %v", err), http.StatusBadGateway)
		return
	}
	if raw != nil {
		// Non-2xx from the target propagates verbatim.
		if raw.contentType != "" {
			w.Header().Set("Content-Type", raw.contentType)
		}
		w.WriteHeader(raw.status)
		_, _ = w.Write(raw.body)
		return
	}
	if respMsg == nil {
		// 202 Accepted passthrough: no body to gate or return.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	isToolsList := false
	if tl, ok := protocol.DecodeToolsListResult(respMsg.Result); ok && len(tl.Tools) > 0 {
		isToolsList = true
		danger := t.holder.Dangerous(mcpTag)
		rewritten := rewriter.Rewrite(tl.Tools, danger.Names, danger.FilterEnabled)
		t.holder.PutCatalog(app, mcpTag, protocol.CloneAll(tl.Tools), nil)
		if out, err := protocol.EncodeToolsListResult(protocol.ToolsListResult{Tools: rewritten, ServerInfo: tl.ServerInfo}); err == nil {
			respMsg.Result = out
		}
	}

	respRes := t.gk.CheckResponse(r.Context(), app, mcpTag, respMsg, isToolsList, false)
	if !respRes.Allowed {
		writeBlocked(w, respMsg, respRes.Reason, false)
		return
	}

	writeJSON(w, respMsg)
}

// rawReply carries a target response that must reach the client untouched
// (any non-2xx status).
type rawReply struct {
	status      int
	contentType string
	body        []byte
}

// forward POSTs msg to targetURL and decodes the reply
// response shapes: application/json (direct), text/event-stream (first
// data: event's payload), 202 (nil message), or non-2xx (rawReply, to be
// propagated verbatim).
func (t *Transport) forward(ctx context.Context, targetURL string, inHeaders http.Header, msg *protocol.Message) (*protocol.Message, *rawReply, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	transport.CopyForwardHeaders(req.Header, inHeaders)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil, nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, &rawReply{status: resp.StatusCode, contentType: resp.Header.Get("Content-Type"), body: b}, nil
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/event-stream"):
		out, err := parseFirstSSEEvent(resp.Body)
		return out, nil, err
	default:
		var out protocol.Message
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, nil, fmt.Errorf("decode JSON response: %w", err)
		}
		return &out, nil, nil
	}
}

// parseFirstSSEEvent reads a text/event-stream body until the first data:
// line and decodes it as the JSON-RPC response.
func parseFirstSSEEvent(body io.Reader) (*protocol.Message, error) {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var out protocol.Message
		if err := json.Unmarshal([]byte(payload), &out); err != nil {
			return nil, fmt.Errorf("decode SSE payload: %w", err)
		}
		return &out, nil
	}
	return nil, fmt.Errorf("no data: event in target's event-stream response")
}

func writeJSON(w http.ResponseWriter, msg *protocol.Message) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}

func writeBlocked(w http.ResponseWriter, msg *protocol.Message, reason string, isRequest bool) {
	blocked := &protocol.Message{
		JSONRPC: "2.0",
		ID:      msg.ID,
		Error:   protocol.NewBlockError(reason, isRequest),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(blocked)
}
