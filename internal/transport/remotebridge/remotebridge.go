// Package remotebridge implements the STDIO<->remote-SSE delegation mode:
// with MCP_TARGET_URL set, command/args are ignored and the proxy relays
// against a remote server instead of a child. mcpsentinel-proxy's own
// stdin/stdout still speak newline-delimited JSON-RPC to the desktop
// client exactly like transport/stdio, but instead of spawning a child
// process this package opens an outbound HTTP+SSE connection to a remote
// MCP server and relays through that, calling the mcpsentinel-server
// binary's out-of-band verification API over HTTP just as transport/stdio
// does (it has no in-process gatekeeper to call either).
//
// Bring-up: probe the target with GET, treat a 405 as "POST-SSE" (the first client
// message is what opens the stream), capture the target's "endpoint"
// event without forwarding it to the client, and treat a companion POST's
// reply as either inline (200, possibly itself a one-shot event-stream
// body) or asynchronous-via-the-already-open-SSE-stream (202).
package remotebridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpsentinel/proxy/internal/protocol"
	"github.com/mcpsentinel/proxy/internal/rewriter"
)

// probeTimeout bounds the initial GET used to classify the target as
// GET-SSE or POST-SSE.
const probeTimeout = 30 * time.Second

// endpointWaitTimeout bounds how long a client->target POST waits for the
// target's own endpoint event before falling back to "<target>/message".
const endpointWaitTimeout = 5 * time.Second

// ServerInfo identifies this proxy instance to the verification server in
// every /verify/request and /verify/response body.
type ServerInfo struct {
	AppName string
	Name    string
	Version string
}

// Config configures one Bridge run.
type Config struct {
	// VerifyBaseURL is http://MCP_PROXY_HOST:MCP_PROXY_PORT.
	VerifyBaseURL string
	App           ServerInfo

	TargetURL      string
	TargetHeaders  string // raw JSON object from MCP_TARGET_HEADERS, takes precedence over APIAccessToken
	APIAccessToken string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Log *zap.Logger
}

// Bridge is one running remote-delegation proxy instance.
type Bridge struct {
	cfg        Config
	http       *http.Client // unbounded timeout: used for the target SSE/POST traffic
	verifyHTTP *http.Client // bounded timeout: used for the local verification API
	log        *zap.Logger

	// outMu serializes writes to the client's stdout: both forwarding loops
	// answer the client, and frames must never interleave.
	outMu sync.Mutex
}

// writeOut writes one frame to the client's stdout under the writer lock.
func (b *Bridge) writeOut(msg *protocol.Message) error {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	return writeMessage(b.cfg.Stdout, msg)
}

// New creates a Bridge from cfg, defaulting Stdin/Stdout/Stderr to the
// process's own streams as stdio.New does.
func New(cfg Config) *Bridge {
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Bridge{
		cfg:        cfg,
		http:       &http.Client{Timeout: 0},
		verifyHTTP: &http.Client{Timeout: 10 * time.Second},
		log:        cfg.Log,
	}
}

// Run probes the target, then relays client<->target traffic until stdin
// closes or the target connection dies. It always returns exit code 0 on a
// clean stdin close and 1 on a fatal setup failure.
func (b *Bridge) Run(ctx context.Context) (int, error) {
	if b.cfg.TargetURL == "" {
		return 1, fmt.Errorf("remotebridge: MCP_TARGET_URL is required")
	}

	headers, err := b.buildHeaders()
	if err != nil {
		return 1, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.cfg.TargetURL, nil)
	if err != nil {
		cancel()
		return 1, fmt.Errorf("remotebridge: build probe request: %w", err)
	}
	applyHeaders(req.Header, headers)
	resp, err := b.http.Do(req)
	cancel()
	if err != nil {
		return 1, fmt.Errorf("remotebridge: probe target: %w", err)
	}

	usePostSSE := false
	var stream io.ReadCloser
	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		b.log.Info("target requires POST to establish SSE", zap.String("target", b.cfg.TargetURL))
		resp.Body.Close()
		usePostSSE = true
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return 1, fmt.Errorf("remotebridge: target returned %d: %s", resp.StatusCode, string(body))
	default:
		stream = resp.Body
	}

	endpoint := newEndpointTracker(b.cfg.TargetURL)
	pending := newPendingCalls()
	clientR := bufio.NewReaderSize(b.cfg.Stdin, 1<<20)

	streamCh := make(chan io.ReadCloser, 1)
	if stream != nil {
		streamCh <- stream
	}

	done := make(chan struct{})
	go func() {
		b.forwardClientToTarget(ctx, clientR, headers, endpoint, pending, usePostSSE, streamCh)
		close(done)
	}()

	select {
	case body, ok := <-streamCh:
		if ok && body != nil {
			b.forwardTargetToClient(ctx, body, endpoint, pending)
		}
	case <-done:
	case <-ctx.Done():
	}
	<-done
	return 0, nil
}

func (b *Bridge) buildHeaders() (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")
	if b.cfg.TargetHeaders != "" {
		var custom map[string]string
		if err := json.Unmarshal([]byte(b.cfg.TargetHeaders), &custom); err != nil {
			return nil, fmt.Errorf("remotebridge: MCP_TARGET_HEADERS is not a JSON object: %w", err)
		}
		for k, v := range custom {
			h.Set(k, v)
		}
	} else if b.cfg.APIAccessToken != "" {
		h.Set("Authorization", "Bearer "+b.cfg.APIAccessToken)
	}
	return h, nil
}

func applyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Set(k, v)
		}
	}
}

// --- client -> target ---

// forwardClientToTarget reads newline-delimited JSON-RPC from the client,
// gates each message via the verification server, strips tool_call_reason
// from tools/call arguments, and POSTs to the target's message endpoint.
// For a POST-SSE target, the first message's POST is also what opens the
// event stream; its response body is handed to streamCh for
// forwardTargetToClient to consume.
func (b *Bridge) forwardClientToTarget(ctx context.Context, clientR *bufio.Reader, headers http.Header, endpoint *endpointTracker, pending *pendingCalls, usePostSSE bool, streamCh chan io.ReadCloser) {
	first := true
	for {
		msg, err := readMessage(clientR)
		if err != nil {
			if first && usePostSSE {
				close(streamCh)
			}
			if err != io.EOF {
				b.log.Warn("client read error", zap.Error(err))
			}
			return
		}

		toolName := msg.Method
		isToolCall := msg.Method == "tools/call"
		if tc, ok := protocol.DecodeToolCallParams(msg.Params); ok {
			toolName = tc.Name
		}

		res := b.verifyRequest(ctx, msg, toolName)
		if res.Blocked {
			blocked := &protocol.Message{JSONRPC: "2.0", ID: msg.ID, Result: protocol.NewBlockResult(res.Reason, true)}
			_ = b.writeOut(blocked)
			if first && usePostSSE {
				first = false
				close(streamCh)
			}
			continue
		}

		if isToolCall {
			msg.Params = protocol.StripArgument(msg.Params, rewriter.ReasonArgument)
			if tc, ok := protocol.DecodeToolCallParams(msg.Params); ok {
				pending.put(msg.IDString(), tc.Name)
			}
		}

		if first && usePostSSE {
			first = false
			b.openPostSSE(ctx, msg, headers, endpoint, pending, streamCh)
			continue
		}
		first = false

		b.postToTarget(ctx, msg, headers, endpoint, pending)
	}
}

// openPostSSE is the POST-SSE target's bring-up: the first client message
// (the initialize request) is POSTed directly to the target URL with
// Accept: text/event-stream. If the target answers with an event stream,
// that response body becomes the long-lived target->client stream; if it
// answers with a plain JSON object instead, the bridge treats it like any
// other inline reply and the stream never opens.
func (b *Bridge) openPostSSE(ctx context.Context, msg *protocol.Message, headers http.Header, endpoint *endpointTracker, pending *pendingCalls, streamCh chan io.ReadCloser) {
	data, _ := json.Marshal(msg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.TargetURL, bytes.NewReader(data))
	if err != nil {
		close(streamCh)
		return
	}
	applyHeaders(req.Header, headers)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		b.log.Warn("POST-SSE bring-up failed", zap.Error(err))
		close(streamCh)
		return
	}

	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "text/event-stream"):
		streamCh <- resp.Body
	case resp.StatusCode == http.StatusAccepted:
		resp.Body.Close()
		close(streamCh)
	default:
		var respMsg protocol.Message
		_ = json.NewDecoder(resp.Body).Decode(&respMsg)
		resp.Body.Close()
		b.processAndEmitResponse(ctx, &respMsg, pending)
		close(streamCh)
	}
}

// postToTarget is the steady-state client->target send once the message
// endpoint is known (or has timed out to its fallback): POST, then handle
// a 200 (inline reply, JSON or one-shot event-stream), a 202 (reply
// arrives later on the open SSE stream), or any other status (surfaced to
// the client as a JSON-RPC error).
func (b *Bridge) postToTarget(ctx context.Context, msg *protocol.Message, headers http.Header, endpoint *endpointTracker, pending *pendingCalls) {
	msgURL := endpoint.resolveOrFallback(ctx, b.cfg.TargetURL)

	data, _ := json.Marshal(msg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msgURL, bytes.NewReader(data))
	if err != nil {
		return
	}
	applyHeaders(req.Header, headers)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		failed := &protocol.Message{JSONRPC: "2.0", ID: msg.ID, Error: &protocol.RPCError{Code: -32000, Message: fmt.Sprintf("failed to communicate with target: %v", err)}}
		_ = b.writeOut(failed)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		// Reply arrives later on the SSE stream.
	case http.StatusOK:
		ct := resp.Header.Get("Content-Type")
		if strings.Contains(ct, "text/event-stream") {
			b.consumeEventStream(ctx, resp.Body, endpoint, pending)
			return
		}
		var respMsg protocol.Message
		if err := json.NewDecoder(resp.Body).Decode(&respMsg); err != nil {
			return
		}
		b.processAndEmitResponse(ctx, &respMsg, pending)
	default:
		body, _ := io.ReadAll(resp.Body)
		failed := &protocol.Message{JSONRPC: "2.0", ID: msg.ID, Error: &protocol.RPCError{Code: -32000, Message: fmt.Sprintf("target server error %d: %s", resp.StatusCode, string(body))}}
		_ = b.writeOut(failed)
	}
}

// --- target -> client ---

// forwardTargetToClient reads the target's raw SSE byte stream for the
// life of the connection, reassembling events on blank-line boundaries.
func (b *Bridge) forwardTargetToClient(ctx context.Context, body io.ReadCloser, endpoint *endpointTracker, pending *pendingCalls) {
	defer body.Close()
	b.consumeEventStream(ctx, body, endpoint, pending)
}

// consumeEventStream drains body as an SSE stream until EOF, used both for
// the long-lived GET/POST-SSE connection and for a one-shot
// text/event-stream POST reply.
func (b *Bridge) consumeEventStream(ctx context.Context, body io.Reader, endpoint *endpointTracker, pending *pendingCalls) {
	reader := bufio.NewReaderSize(body, 1<<16)

	var eventName string
	var dataLines []string

	flush := func() {
		defer func() { eventName, dataLines = "", nil }()
		if eventName == "" && len(dataLines) == 0 {
			return
		}
		if eventName == "endpoint" && len(dataLines) > 0 {
			endpoint.set(strings.Join(dataLines, ""))
			return
		}
		if len(dataLines) == 0 {
			return
		}
		payload := dataLines[0]
		var msg protocol.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			b.log.Warn("failed to parse JSON from target SSE", zap.String("payload", truncate(payload, 100)))
			return
		}
		b.processAndEmitResponse(ctx, &msg, pending)
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
			}
		}
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// processAndEmitResponse verifies a response from the target, rewrites a
// tools/list result or substitutes a block error, then writes the result
// to the client's stdout as one JSON-RPC line.
func (b *Bridge) processAndEmitResponse(ctx context.Context, msg *protocol.Message, pending *pendingCalls) {
	toolName, tracked := pending.take(msg.IDString())
	if !tracked {
		toolName = "unknown"
	}

	if tl, ok := protocol.DecodeToolsListResult(msg.Result); ok && len(tl.Tools) > 0 {
		dangerous, filterEnabled := b.toolsSafety(ctx)
		rewritten := rewriter.Rewrite(tl.Tools, dangerous, filterEnabled)
		if out, err := protocol.EncodeToolsListResult(protocol.ToolsListResult{Tools: rewritten, ServerInfo: tl.ServerInfo}); err == nil {
			msg.Result = out
		}
		b.registerTools(ctx, tl.Tools)
	}

	res := b.verifyResponse(ctx, msg, toolName)
	if res.Blocked {
		msg.Error = protocol.NewBlockError(res.Reason, false)
		msg.Result = nil
	}

	_ = b.writeOut(msg)
}

// --- endpoint tracking ---

// endpointTracker holds the target's advertised message endpoint, captured
// from its own "endpoint" SSE event.
type endpointTracker struct {
	mu      sync.Mutex
	ready   bool
	value   string
	baseURL string
	ch      chan struct{}
}

func newEndpointTracker(baseURL string) *endpointTracker {
	return &endpointTracker{baseURL: baseURL, ch: make(chan struct{})}
}

func (e *endpointTracker) set(v string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return
	}
	e.ready = true
	e.value = v
	close(e.ch)
}

// resolveOrFallback waits up to endpointWaitTimeout for the endpoint event;
// on timeout it falls back to "<target>/message", and failing that the
// target URL itself.
func (e *endpointTracker) resolveOrFallback(ctx context.Context, targetURL string) string {
	e.mu.Lock()
	ready := e.ready
	v := e.value
	e.mu.Unlock()
	if ready {
		return e.absolute(v)
	}

	select {
	case <-e.ch:
		e.mu.Lock()
		v := e.value
		e.mu.Unlock()
		return e.absolute(v)
	case <-time.After(endpointWaitTimeout):
		return strings.TrimRight(targetURL, "/") + "/message"
	case <-ctx.Done():
		return targetURL
	}
}

func (e *endpointTracker) absolute(v string) string {
	if !strings.HasPrefix(v, "/") {
		return v
	}
	u, err := url.Parse(e.baseURL)
	if err != nil {
		return v
	}
	return u.Scheme + "://" + u.Host + v
}

// --- pending tool-call tracking ---

type pendingCalls struct {
	mu   sync.Mutex
	byID map[string]string
}

func newPendingCalls() *pendingCalls { return &pendingCalls{byID: make(map[string]string)} }

func (p *pendingCalls) put(id, toolName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[id] = toolName
}

func (p *pendingCalls) take(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.byID[id]
	if ok {
		delete(p.byID, id)
	}
	return name, ok
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// --- verification HTTP client ---

type verifyResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason"`
}

type toolsSafetyResult struct {
	DangerousTools []string `json:"dangerous_tools"`
	FilterEnabled  bool     `json:"filter_enabled"`
}

type serverInfoJSON struct {
	AppName string `json:"appName"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type verifyRequestBody struct {
	Message    protocol.Message `json:"message"`
	ToolName   string           `json:"toolName"`
	ServerInfo serverInfoJSON   `json:"serverInfo"`
}

func (b *Bridge) serverInfoJSON() serverInfoJSON {
	return serverInfoJSON{AppName: b.cfg.App.AppName, Name: b.cfg.App.Name, Version: b.cfg.App.Version}
}

func (b *Bridge) verifyRequest(ctx context.Context, msg *protocol.Message, toolName string) verifyResult {
	body := verifyRequestBody{Message: *msg, ToolName: toolName, ServerInfo: b.serverInfoJSON()}
	var out verifyResult
	if err := b.post(ctx, "/verify/request", body, &out); err != nil {
		b.log.Warn("verify/request failed", zap.Error(err))
	}
	return out
}

func (b *Bridge) verifyResponse(ctx context.Context, msg *protocol.Message, toolName string) verifyResult {
	body := verifyRequestBody{Message: *msg, ToolName: toolName, ServerInfo: b.serverInfoJSON()}
	var out verifyResult
	if err := b.post(ctx, "/verify/response", body, &out); err != nil {
		b.log.Warn("verify/response failed", zap.Error(err))
	}
	return out
}

func (b *Bridge) registerTools(ctx context.Context, tools []protocol.ToolDescriptor) {
	body := map[string]any{
		"tools":      tools,
		"appName":    b.cfg.App.AppName,
		"serverName": b.cfg.App.Name,
		"serverInfo": b.serverInfoJSON(),
	}
	if err := b.post(ctx, "/register-tools", body, nil); err != nil {
		b.log.Warn("register-tools failed", zap.Error(err))
	}
}

func (b *Bridge) toolsSafety(ctx context.Context) (map[string]bool, bool) {
	var out toolsSafetyResult
	if err := b.post(ctx, "/tools/safety", map[string]string{"mcp_tag": b.cfg.App.Name}, &out); err != nil {
		b.log.Warn("tools/safety failed", zap.Error(err))
		return map[string]bool{}, false
	}
	set := make(map[string]bool, len(out.DangerousTools))
	for _, name := range out.DangerousTools {
		set[name] = true
	}
	return set, out.FilterEnabled
}

func (b *Bridge) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.VerifyBaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.verifyHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("verification server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("verification server returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- newline-delimited JSON-RPC framing, identical to transport/stdio's ---

func readMessage(r *bufio.Reader) (*protocol.Message, error) {
	for {
		line, err := r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		var msg protocol.Message
		if jsonErr := json.Unmarshal(line, &msg); jsonErr != nil {
			if err != nil {
				return nil, err
			}
			continue
		}
		return &msg, nil
	}
}

func writeMessage(w io.Writer, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
