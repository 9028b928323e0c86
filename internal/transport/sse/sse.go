// Package sse implements the bidirectional SSE MCP transport: the proxy
// opens an SSE connection to the target, relays its events
// to the client (rewriting tool schemas / gating tool-call results along
// the way), and relays client JSON-RPC messages — delivered out of band via
// a companion POST endpoint — to whatever message endpoint the target
// advertised in its own "endpoint" SSE event.
//
// The target's endpoint event is captured and never forwarded verbatim
// (the client gets the proxy's own companion path instead), client->target
// messages queue until that endpoint is known, and the target's reply to a
// POST may arrive either inline (200) or later on the SSE stream itself
// (202). This package runs inside the same binary as the gatekeeper and
// calls it directly, following the same wiring httponly.Transport uses.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mcpsentinel/proxy/internal/gatekeeper"
	"github.com/mcpsentinel/proxy/internal/protocol"
	"github.com/mcpsentinel/proxy/internal/rewriter"
	"github.com/mcpsentinel/proxy/internal/state"
	"github.com/mcpsentinel/proxy/internal/transport"
)

var connSeq int64

func nextConnSeq() int64 { return atomic.AddInt64(&connSeq, 1) }

// chunkSize bounds every write to the client stream to avoid hitting
// intermediate proxies' default chunked-encoding limits.
const chunkSize = 4000

// endpointWaitTimeout bounds how long a queued client message waits for the
// target's endpoint event to arrive before the proxy gives up on it.
const endpointWaitTimeout = 5 * time.Second

// Transport serves the bidirectional SSE MCP proxy path.
type Transport struct {
	gk          *gatekeeper.Gatekeeper
	holder      *state.Holder
	client      *http.Client
	envFallback string
	log         *zap.Logger
}

// New creates a Transport. envFallback is the MCP_TARGET_URL default used
// when neither ?target= nor X-MCP-Target-URL is supplied.
func New(gk *gatekeeper.Gatekeeper, holder *state.Holder, envFallback string, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		gk:          gk,
		holder:      holder,
		client:      &http.Client{Timeout: 0}, // SSE streams have no total timeout
		envFallback: envFallback,
		log:         log,
	}
}

// ServeSSE handles the GET half: it opens a target SSE connection, streams
// rewritten events back to the client, and serves any client->target
// message delivered via the connection's MessageCh until either side closes.
func (t *Transport) ServeSSE(w http.ResponseWriter, r *http.Request, app, server string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	targetURL := transport.ResolveTargetURL(r, t.envFallback)
	if targetURL == "" {
		http.Error(w, "no target URL configured", http.StatusBadGateway)
		return
	}
	mcpTag := transport.MCPTag(targetURL)

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, targetURL, nil)
	if err != nil {
		http.Error(w, "failed to build target request", http.StatusBadGateway)
		return
	}
	transport.CopyForwardHeaders(req.Header, r.Header)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("target unreachable: %v", err), http.StatusBadGateway)
		return
	}

	// Some targets answer 405 to GET and require the stream to be opened by
	// POSTing the first client message instead (the "POST-SSE" profile).
	usePostSSE := false
	var stream io.ReadCloser
	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		resp.Body.Close()
		t.log.Info("target requires POST to establish SSE", zap.String("target", targetURL))
		usePostSSE = true
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeChunked(w, flusher, fmt.Sprintf("event: error\ndata: %s\n\n", mustJSON(map[string]string{"error": fmt.Sprintf("target returned %d", resp.StatusCode)})))
		return
	default:
		stream = resp.Body
		defer stream.Close()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	connID := fmt.Sprintf("%s-%d", mcpTag, nextConnSeq())
	conn := state.NewSSEConnection(connID, app, server, targetURL, r.Header.Clone(), w, flusher, 64)
	t.holder.PutSSEConnection(conn)
	defer func() {
		t.holder.RemoveSSEConnection(connID)
		conn.Close()
	}()

	// The client is told to POST future messages at the proxy's own
	// companion endpoint, never at whatever endpoint the target advertises.
	// Announced up front so the client can start posting before the target
	// emits its own endpoint event (or, in POST-SSE mode, before the stream
	// even exists).
	messageEndpoint := fmt.Sprintf("/%s/%s/message?connection=%s", app, server, connID)
	t.emit(conn, fmt.Sprintf("event: endpoint\ndata: %s\n\n", messageEndpoint))

	endpoint := newEndpointTracker()
	pending := newPendingToolCalls()

	// In GET mode the target stream is ready now; in POST-SSE mode the
	// client-message loop delivers it once the opening POST returns an
	// event-stream body.
	streamCh := make(chan io.ReadCloser, 1)
	if stream != nil {
		streamCh <- stream
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		body, ok := <-streamCh
		if !ok || body == nil {
			return
		}
		defer body.Close()
		t.forwardTargetToClient(r.Context(), conn, app, mcpTag, body, endpoint, pending)
	}()

	t.forwardClientToTarget(r.Context(), conn, app, mcpTag, targetURL, endpoint, pending, usePostSSE, streamCh)

	select {
	case <-done:
	case <-r.Context().Done():
	}
}

// ServeMessage handles the companion POST /{app}/{server}/message endpoint:
// it decodes the client's JSON-RPC message and enqueues it on the matching
// SSE connection's MessageCh for forwardClientToTarget to pick up.
func (t *Transport) ServeMessage(w http.ResponseWriter, r *http.Request, app, server, connID string) {
	conn, ok := t.holder.SSEConnectionByID(connID)
	if !ok {
		http.Error(w, "unknown SSE connection", http.StatusNotFound)
		return
	}
	body, err := readAll(r)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	select {
	case conn.MessageCh <- body:
		w.WriteHeader(http.StatusAccepted)
	case <-conn.Done():
		http.Error(w, "connection closed", http.StatusGone)
	default:
		http.Error(w, "message queue full", http.StatusServiceUnavailable)
	}
}

// endpointTracker holds the target's advertised message endpoint, captured
// from its "endpoint" SSE event, plus the base URL to resolve relative
// endpoints against. Written by the target-reader loop, read by the
// client-message loop, so access is mutex-guarded.
type endpointTracker struct {
	mu      sync.Mutex
	ch      chan struct{}
	ready   bool
	value   string
	baseURL string
}

func newEndpointTracker() *endpointTracker { return &endpointTracker{ch: make(chan struct{})} }

func (e *endpointTracker) set(v, base string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return
	}
	e.ready = true
	e.value = v
	e.baseURL = base
	close(e.ch)
}

// resolveOrFallback returns the absolute message URL, waiting up to
// endpointWaitTimeout for the target's endpoint event. If no endpoint event
// arrives in the window it falls back to "<target>/message", and on a
// cancelled context to the target URL itself.
func (e *endpointTracker) resolveOrFallback(ctx context.Context, targetURL string) string {
	e.mu.Lock()
	ready := e.ready
	e.mu.Unlock()
	if ready {
		return e.absolute()
	}
	select {
	case <-e.ch:
		return e.absolute()
	case <-time.After(endpointWaitTimeout):
		return strings.TrimRight(targetURL, "/") + "/message"
	case <-ctx.Done():
		return targetURL
	}
}

func (e *endpointTracker) absolute() string {
	e.mu.Lock()
	v, base := e.value, e.baseURL
	e.mu.Unlock()
	if !strings.HasPrefix(v, "/") {
		return v
	}
	u, err := url.Parse(base)
	if err != nil {
		return v
	}
	return u.Scheme + "://" + u.Host + v
}

// pendingToolCalls maps outstanding tool-call ids to tool names. Touched by
// both forwarding loops, so access is mutex-guarded.
type pendingToolCalls struct {
	mu   sync.Mutex
	byID map[string]string // msg id -> tool name
}

func newPendingToolCalls() *pendingToolCalls { return &pendingToolCalls{byID: make(map[string]string)} }

func (p *pendingToolCalls) put(id, toolName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[id] = toolName
}

func (p *pendingToolCalls) take(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byID[id]
	if ok {
		delete(p.byID, id)
	}
	return ok
}

// forwardTargetToClient reads the target's raw SSE byte stream, reassembles
// events on blank-line boundaries, intercepts the endpoint event, gates
// tool-call results and rewrites tools/list results, then re-emits every
// event to the client in bounded chunks.
func (t *Transport) forwardTargetToClient(ctx context.Context, conn *state.SSEConnection, app, mcpTag string, body io.Reader, endpoint *endpointTracker, pending *pendingToolCalls) {
	reader := bufio.NewReaderSize(body, 1<<16)

	var eventName string
	var dataLines []string

	flush := func() {
		defer func() { eventName, dataLines = "", nil }()
		if eventName == "" && len(dataLines) == 0 {
			return
		}
		if eventName == "endpoint" && len(dataLines) > 0 {
			// Captured for the client->target POSTs, never forwarded: the
			// client was already pointed at the proxy's companion endpoint
			// at bring-up.
			endpoint.set(strings.Join(dataLines, ""), conn.TargetURL)
			return
		}
		if len(dataLines) > 0 {
			dataLines[0] = t.processTargetPayload(ctx, conn, app, mcpTag, dataLines[0], pending)
		}
		var b strings.Builder
		if eventName != "" {
			fmt.Fprintf(&b, "event: %s\n", eventName)
		}
		for _, d := range dataLines {
			fmt.Fprintf(&b, "data: %s\n", d)
		}
		b.WriteString("\n")
		t.emit(conn, b.String())
	}

	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			trimmed := strings.TrimRight(line, "\r\n")
			switch {
			case trimmed == "":
				flush()
			case strings.HasPrefix(trimmed, "event:"):
				eventName = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
			case strings.HasPrefix(trimmed, "data:"):
				dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
			default:
				// id:, retry:, comments — forwarded untouched.
				t.emit(conn, trimmed+"\n")
			}
		}
		if err != nil {
			return
		}
		select {
		case <-conn.Done():
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

// processTargetPayload decodes one event's first data line as a JSON-RPC
// message; if it's a tools/list result it rewrites the catalog, if it's the
// response to a tracked tool call it runs the response gate, substituting a
// block notice in place of the payload when the gatekeeper says no.
func (t *Transport) processTargetPayload(ctx context.Context, conn *state.SSEConnection, app, mcpTag, payload string, pending *pendingToolCalls) string {
	var msg protocol.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return payload
	}

	isToolsList := false
	if tl, ok := protocol.DecodeToolsListResult(msg.Result); ok && len(tl.Tools) > 0 {
		isToolsList = true
		danger := t.holder.Dangerous(mcpTag)
		rewritten := rewriter.Rewrite(tl.Tools, danger.Names, danger.FilterEnabled)
		t.holder.PutCatalog(app, mcpTag, protocol.CloneAll(tl.Tools), nil)
		if out, err := protocol.EncodeToolsListResult(protocol.ToolsListResult{Tools: rewritten, ServerInfo: tl.ServerInfo}); err == nil {
			msg.Result = out
		}
	}

	isTrackedToolResp := pending.take(msg.IDString())

	res := t.gk.CheckResponse(ctx, app, mcpTag, &msg, isToolsList, false)
	if !res.Allowed && (isTrackedToolResp || isToolsList) {
		msg.Result = protocol.NewBlockResult(res.Reason, false)
		msg.Error = nil
	}

	out, err := json.Marshal(&msg)
	if err != nil {
		return payload
	}
	return string(out)
}

// forwardClientToTarget drains the connection's MessageCh, gates each
// client message, strips the reasoning argument, waits for the target's
// endpoint to be known, then POSTs the message to it — handling both the
// 200-inline-reply and 202-reply-via-SSE-stream shapes. For a POST-SSE
// target, the first message's POST is also what opens the event stream; its
// response body is handed to streamCh for forwardTargetToClient to consume.
func (t *Transport) forwardClientToTarget(ctx context.Context, conn *state.SSEConnection, app, mcpTag, targetURL string, endpoint *endpointTracker, pending *pendingToolCalls, usePostSSE bool, streamCh chan io.ReadCloser) {
	opening := usePostSSE
	defer func() {
		if opening {
			// The stream never opened; unblock the target-reader goroutine.
			close(streamCh)
		}
	}()
	for {
		select {
		case raw, ok := <-conn.MessageCh:
			if !ok {
				return
			}
			if opening {
				opening = false
				t.openPostSSE(ctx, conn, app, mcpTag, raw, streamCh)
				continue
			}
			t.handleClientMessage(ctx, conn, app, mcpTag, targetURL, raw, endpoint, pending)
		case <-conn.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// openPostSSE is the POST-SSE target's bring-up: the first client message
// (the initialize request) is gated and POSTed directly to the target URL
// with an event-stream Accept. An event-stream response body becomes the
// long-lived target->client stream; a plain JSON body is treated like any
// other inline reply and the stream never opens.
func (t *Transport) openPostSSE(ctx context.Context, conn *state.SSEConnection, app, mcpTag string, raw []byte, streamCh chan io.ReadCloser) {
	defer close(streamCh)

	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.emitMessageEvent(conn, protocol.NewBlockError("malformed JSON-RPC message", true), msg.ID)
		return
	}

	res := t.gk.CheckRequest(ctx, app, mcpTag, &msg, gatekeeper.StageNone)
	if !res.Allowed {
		blocked := &protocol.Message{JSONRPC: "2.0", ID: msg.ID, Result: protocol.NewBlockResult(res.Reason, true)}
		t.writeMessageEvent(conn, blocked)
		return
	}

	data, _ := json.Marshal(&msg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conn.TargetURL, bytes.NewReader(data))
	if err != nil {
		return
	}
	transport.CopyForwardHeaders(req.Header, conn.Headers)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		t.emitMessageEvent(conn, &protocol.RPCError{Code: -32000, Message: fmt.Sprintf("failed to communicate with target: %v", err)}, msg.ID)
		return
	}

	switch {
	case strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream"):
		streamCh <- resp.Body
	case resp.StatusCode == http.StatusAccepted:
		resp.Body.Close()
	default:
		var respMsg protocol.Message
		if err := json.NewDecoder(resp.Body).Decode(&respMsg); err == nil {
			t.writeMessageEvent(conn, &respMsg)
		}
		resp.Body.Close()
	}
}

func (t *Transport) handleClientMessage(ctx context.Context, conn *state.SSEConnection, app, mcpTag, targetURL string, raw []byte, endpoint *endpointTracker, pending *pendingToolCalls) {
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.emitMessageEvent(conn, protocol.NewBlockError("malformed JSON-RPC message", true), msg.ID)
		return
	}

	isToolCall := msg.Method == "tools/call"
	res := t.gk.CheckRequest(ctx, app, mcpTag, &msg, gatekeeper.StageNone)
	if !res.Allowed {
		blocked := &protocol.Message{JSONRPC: "2.0", ID: msg.ID, Result: protocol.NewBlockResult(res.Reason, true)}
		t.writeMessageEvent(conn, blocked)
		return
	}
	if isToolCall {
		msg.Params = protocol.StripArgument(msg.Params, rewriter.ReasonArgument)
		if tc, ok := protocol.DecodeToolCallParams(msg.Params); ok {
			pending.put(msg.IDString(), tc.Name)
		}
	}

	msgURL := endpoint.resolveOrFallback(ctx, targetURL)

	data, _ := json.Marshal(&msg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msgURL, bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.emitMessageEvent(conn, &protocol.RPCError{Code: -32000, Message: fmt.Sprintf("failed to communicate with target: %v", err)}, msg.ID)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		// Reply arrives later on the SSE stream itself; nothing to do now.
		return
	case http.StatusOK:
		var respMsg protocol.Message
		if err := json.NewDecoder(resp.Body).Decode(&respMsg); err != nil {
			return
		}
		if isToolCall {
			respRes := t.gk.CheckResponse(ctx, app, mcpTag, &respMsg, false, false)
			if !respRes.Allowed {
				respMsg.Result = protocol.NewBlockResult(respRes.Reason, false)
				respMsg.Error = nil
			}
			pending.take(msg.IDString())
		}
		t.writeMessageEvent(conn, &respMsg)
	default:
		t.emitMessageEvent(conn, &protocol.RPCError{Code: -32000, Message: fmt.Sprintf("target server error: %d", resp.StatusCode)}, msg.ID)
	}
}

func (t *Transport) writeMessageEvent(conn *state.SSEConnection, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	t.emit(conn, fmt.Sprintf("event: message\ndata: %s\n\n", data))
}

// emit serializes all outbound writes for one connection through its write
// lock so concurrent forwarding loops never interleave partial SSE events.
func (t *Transport) emit(conn *state.SSEConnection, data string) {
	conn.WriteLock()
	defer conn.WriteUnlock()
	writeChunked(conn.Writer, conn.Flusher, data)
}

func (t *Transport) emitMessageEvent(conn *state.SSEConnection, rpcErr *protocol.RPCError, id json.RawMessage) {
	msg := &protocol.Message{JSONRPC: "2.0", ID: id, Error: rpcErr}
	t.writeMessageEvent(conn, msg)
}

// writeChunked splits data into bounded writes to stay under intermediary
// chunked-encoding limits.
func writeChunked(w http.ResponseWriter, f http.Flusher, data string) {
	b := []byte(data)
	for i := 0; i < len(b); i += chunkSize {
		end := i + chunkSize
		if end > len(b) {
			end = len(b)
		}
		if _, err := w.Write(b[i:end]); err != nil {
			return
		}
		f.Flush()
	}
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func readAll(r *http.Request) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}
