// Package stdio implements the STDIO MCP proxy: the mcpsentinel-proxy
// binary launches a target MCP server as a child process
// and relays JSON-RPC between the client (on this process's own stdin/
// stdout) and the child, running a pre-initialization handshake first.
//
// Unlike the SSE and HTTP transports (which run inside the mcpsentinel-server
// binary and call the gatekeeper in-process), the STDIO proxy is a separate
// process the desktop client launches directly — it has no in-process
// gatekeeper to call. It instead talks to the mcpsentinel-server binary's
// out-of-band verification API (POST /verify/request, /verify/response,
// /register-tools, /tools/safety) over HTTP.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpsentinel/proxy/internal/protocol"
	"github.com/mcpsentinel/proxy/internal/rewriter"
)

// ServerInfo identifies this proxy instance to the verification server in
// every /verify/request and /verify/response body.
type ServerInfo struct {
	AppName string
	Name    string
	Version string
}

// Config configures one Proxy run.
type Config struct {
	// VerifyBaseURL is http://MCP_PROXY_HOST:MCP_PROXY_PORT.
	VerifyBaseURL string
	App           ServerInfo
	Command       string
	Args          []string
	Env           []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Log *zap.Logger
}

// verifyResult mirrors the JSON body every /verify/* call answers with.
type verifyResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason"`
}

type toolsSafetyResult struct {
	DangerousTools []string `json:"dangerous_tools"`
	FilterEnabled  bool     `json:"filter_enabled"`
}

// Proxy is one running STDIO proxy instance: the verification HTTP client
// plus the spawned child process.
type Proxy struct {
	cfg    Config
	http   *http.Client
	log    *zap.Logger
	cached []protocol.ToolDescriptor

	// outMu serializes writes to the client's stdout: both forwarding loops
	// may answer the client (blocked requests, cached tools/list), and
	// frames must never interleave.
	outMu sync.Mutex
}

// New creates a Proxy from cfg. cfg.Stdin/Stdout default to os.Stdin/
// os.Stdout, cfg.Stderr to os.Stderr, if left nil.
func New(cfg Config) *Proxy {
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
	return &Proxy{cfg: cfg, http: &http.Client{Timeout: 10 * time.Second}, log: cfg.Log}
}

// Run launches the child, runs the pre-initialization handshake, then
// forwards client<->child traffic until the child exits. It returns the
// child's exit code.
func (p *Proxy) Run(ctx context.Context) (int, error) {
	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Stderr = p.cfg.Stderr
	// Cancel propagation would send SIGKILL on ctx.Done(); closing stdin on
	// exit is the polite path this package otherwise relies on.
	cmd.Cancel = func() error { return cmd.Process.Kill() }

	childIn, err := cmd.StdinPipe()
	if err != nil {
		return 1, fmt.Errorf("stdio: child stdin pipe: %w", err)
	}
	childOut, err := cmd.StdoutPipe()
	if err != nil {
		return 1, fmt.Errorf("stdio: child stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("stdio: start target server: %w", err)
	}
	p.log.Info("target server started", zap.Int("pid", cmd.Process.Pid))

	clientR := bufio.NewReaderSize(p.cfg.Stdin, 1<<20)
	childR := bufio.NewReaderSize(childOut, 1<<20)

	if err := p.preInit(ctx, clientR, childIn, childR); err != nil {
		p.log.Error("pre-initialization failed", zap.Error(err))
		fmt.Fprintf(p.cfg.Stderr, "pre-initialization failed: %v\n", err)
		_ = cmd.Process.Kill()
		return 1, err
	}

	done := make(chan struct{}, 2)
	go func() {
		p.forwardClientToChild(ctx, clientR, childIn)
		childIn.Close()
		done <- struct{}{}
	}()
	go func() {
		p.forwardChildToClient(ctx, childR)
		done <- struct{}{}
	}()

	waitErr := cmd.Wait()
	<-done
	<-done

	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	if waitErr != nil {
		return 1, waitErr
	}
	return 0, nil
}

// preInit runs the pre-initialization handshake: read the client's
// initialize, forward it to the child, send notifications/initialized and
// a synthetic tools/list, cache the result, then deliver the child's
// initialize response to the client as if it had come through normally.
func (p *Proxy) preInit(ctx context.Context, clientR *bufio.Reader, childIn io.Writer, childR *bufio.Reader) error {
	first, err := readMessage(clientR)
	if err != nil {
		return fmt.Errorf("read client initialize: %w", err)
	}
	if first.Method != "initialize" {
		return fmt.Errorf("first client message was %q, want \"initialize\"", first.Method)
	}

	p.verifyRequest(ctx, first, "initialize", "")

	serverInit := &protocol.Message{JSONRPC: "2.0", ID: first.ID, Method: "initialize", Params: first.Params}
	p.verifyRequest(ctx, serverInit, "initialize", stagePreInit)

	if err := writeMessage(childIn, serverInit); err != nil {
		return fmt.Errorf("send initialize to child: %w", err)
	}
	serverInitResp, err := readMessage(childR)
	if err != nil {
		return fmt.Errorf("read initialize response from child: %w", err)
	}
	p.verifyResponse(ctx, serverInitResp, "initialize", stagePreInit, false)
	if v, ok := decodeServerVersion(serverInitResp.Result); ok {
		p.cfg.App.Version = v
	}

	initialized := &protocol.Message{JSONRPC: "2.0", Method: "notifications/initialized"}
	if err := writeMessage(childIn, initialized); err != nil {
		return fmt.Errorf("send notifications/initialized: %w", err)
	}

	toolsReq := &protocol.Message{JSONRPC: "2.0", ID: json.RawMessage(`"pre_tools_1"`), Method: "tools/list", Params: json.RawMessage(`{}`)}
	p.verifyRequest(ctx, toolsReq, "tools/list", stagePreInit)
	if err := writeMessage(childIn, toolsReq); err != nil {
		return fmt.Errorf("send pre-init tools/list: %w", err)
	}
	toolsResp, err := readMessage(childR)
	if err != nil {
		return fmt.Errorf("read pre-init tools/list response: %w", err)
	}
	// Synchronous: the verification server scores every discovered tool
	// before this call returns.
	p.verifyResponse(ctx, toolsResp, "tools/list", stagePreInit, false)
	if tl, ok := protocol.DecodeToolsListResult(toolsResp.Result); ok {
		p.cached = protocol.CloneAll(tl.Tools)
		p.registerTools(ctx, tl.Tools)
	}

	p.verifyResponse(ctx, serverInitResp, "initialize", "", false)
	return p.writeOut(serverInitResp)
}

// writeOut writes one frame to the client's stdout under the writer lock.
func (p *Proxy) writeOut(msg *protocol.Message) error {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	return writeMessage(p.cfg.Stdout, msg)
}

const stagePreInit = "pre_init"

// forwardClientToChild is the client->child steady-state loop.
func (p *Proxy) forwardClientToChild(ctx context.Context, clientR *bufio.Reader, childIn io.Writer) {
	for {
		msg, err := readMessage(clientR)
		if err != nil {
			if err != io.EOF {
				p.log.Warn("client read error", zap.Error(err))
			}
			return
		}

		if msg.Method == "tools/list" && p.cached != nil {
			p.serveCachedToolsList(ctx, msg)
			continue
		}

		toolName := msg.Method
		if tc, ok := protocol.DecodeToolCallParams(msg.Params); ok {
			toolName = tc.Name
		}
		res := p.verifyRequest(ctx, msg, toolName, "")
		if res.Blocked {
			blocked := &protocol.Message{JSONRPC: "2.0", ID: msg.ID, Result: protocol.NewBlockResult(res.Reason, true)}
			_ = p.writeOut(blocked)
			continue
		}

		if msg.Method == "tools/call" {
			msg.Params = protocol.StripArgument(msg.Params, rewriter.ReasonArgument)
		}

		if err := writeMessage(childIn, msg); err != nil {
			p.log.Warn("write to child failed", zap.Error(err))
			return
		}
	}
}

// serveCachedToolsList implements the cached tools/list short-circuit:
// the child is never consulted, and the resulting event
// carries skip_analysis=true so the LLM judge is not re-invoked on traffic
// that never actually reached the target.
//
// Known limitation: this assumes the child's tool catalog
// never changes mid-session, which the MCP spec does not guarantee.
func (p *Proxy) serveCachedToolsList(ctx context.Context, req *protocol.Message) {
	p.verifyRequestStage(ctx, req, "tools/list", "", false)

	dangerous, filterEnabled := p.toolsSafety(ctx)
	rewritten := rewriter.Rewrite(p.cached, dangerous, filterEnabled)
	result, err := protocol.EncodeToolsListResult(protocol.ToolsListResult{Tools: rewritten})
	if err != nil {
		p.log.Error("encode cached tools/list", zap.Error(err))
		return
	}
	resp := &protocol.Message{JSONRPC: "2.0", ID: req.ID, Result: result}
	p.verifyResponseStage(ctx, resp, "tools/list", "", true)
	_ = p.writeOut(resp)
}

// forwardChildToClient is the child->stdout steady-state loop.
func (p *Proxy) forwardChildToClient(ctx context.Context, childR *bufio.Reader) {
	for {
		msg, err := readMessage(childR)
		if err != nil {
			if err != io.EOF {
				p.log.Warn("child read error", zap.Error(err))
			}
			return
		}

		isToolsList := false
		if tl, ok := protocol.DecodeToolsListResult(msg.Result); ok && len(tl.Tools) > 0 {
			isToolsList = true
			p.cached = protocol.CloneAll(tl.Tools)
			p.registerTools(ctx, tl.Tools)
			dangerous, filterEnabled := p.toolsSafety(ctx)
			rewritten := rewriter.Rewrite(tl.Tools, dangerous, filterEnabled)
			if out, err := protocol.EncodeToolsListResult(protocol.ToolsListResult{Tools: rewritten}); err == nil {
				msg.Result = out
			}
		}

		res := p.verifyResponse(ctx, msg, "unknown", "", false)
		if isToolsList {
			_ = p.writeOut(msg)
			continue
		}
		if res.Blocked {
			blocked := &protocol.Message{JSONRPC: "2.0", ID: msg.ID, Result: protocol.NewBlockResult(res.Reason, false)}
			_ = p.writeOut(blocked)
			continue
		}

		if err := p.writeOut(msg); err != nil {
			p.log.Warn("write to client failed", zap.Error(err))
			return
		}
	}
}

func decodeServerVersion(result json.RawMessage) (string, bool) {
	if len(result) == 0 {
		return "", false
	}
	var v struct {
		ServerInfo struct {
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &v); err != nil {
		return "", false
	}
	return v.ServerInfo.Version, v.ServerInfo.Version != ""
}

// --- verification HTTP client ---

type verifyRequestBody struct {
	Message    protocol.Message `json:"message"`
	ToolName   string           `json:"toolName"`
	ServerInfo serverInfoJSON   `json:"serverInfo"`
	Stage      string           `json:"stage,omitempty"`
}

type verifyResponseBody struct {
	Message      protocol.Message `json:"message"`
	ToolName     string           `json:"toolName"`
	ServerInfo   serverInfoJSON   `json:"serverInfo"`
	Stage        string           `json:"stage,omitempty"`
	SkipAnalysis bool             `json:"skip_analysis"`
}

type serverInfoJSON struct {
	AppName string `json:"appName"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (p *Proxy) serverInfoJSON() serverInfoJSON {
	return serverInfoJSON{AppName: p.cfg.App.AppName, Name: p.cfg.App.Name, Version: p.cfg.App.Version}
}

func (p *Proxy) verifyRequest(ctx context.Context, msg *protocol.Message, toolName, stage string) verifyResult {
	return p.verifyRequestStage(ctx, msg, toolName, stage, false)
}

func (p *Proxy) verifyRequestStage(ctx context.Context, msg *protocol.Message, toolName, stage string, _ bool) verifyResult {
	body := verifyRequestBody{Message: *msg, ToolName: toolName, ServerInfo: p.serverInfoJSON(), Stage: stage}
	var out verifyResult
	if err := p.post(ctx, "/verify/request", body, &out); err != nil {
		p.log.Warn("verify/request failed", zap.Error(err))
	}
	return out
}

func (p *Proxy) verifyResponse(ctx context.Context, msg *protocol.Message, toolName, stage string, skipAnalysis bool) verifyResult {
	return p.verifyResponseStage(ctx, msg, toolName, stage, skipAnalysis)
}

func (p *Proxy) verifyResponseStage(ctx context.Context, msg *protocol.Message, toolName, stage string, skipAnalysis bool) verifyResult {
	body := verifyResponseBody{Message: *msg, ToolName: toolName, ServerInfo: p.serverInfoJSON(), Stage: stage, SkipAnalysis: skipAnalysis}
	var out verifyResult
	if err := p.post(ctx, "/verify/response", body, &out); err != nil {
		p.log.Warn("verify/response failed", zap.Error(err))
	}
	return out
}

func (p *Proxy) registerTools(ctx context.Context, tools []protocol.ToolDescriptor) {
	body := map[string]any{
		"tools":      tools,
		"appName":    p.cfg.App.AppName,
		"serverName": p.cfg.App.Name,
		"serverInfo": p.serverInfoJSON(),
	}
	if err := p.post(ctx, "/register-tools", body, nil); err != nil {
		p.log.Warn("register-tools failed", zap.Error(err))
	}
}

func (p *Proxy) toolsSafety(ctx context.Context) (map[string]bool, bool) {
	var out toolsSafetyResult
	if err := p.post(ctx, "/tools/safety", map[string]string{"mcp_tag": p.cfg.App.Name}, &out); err != nil {
		p.log.Warn("tools/safety failed", zap.Error(err))
		return map[string]bool{}, false
	}
	set := make(map[string]bool, len(out.DangerousTools))
	for _, name := range out.DangerousTools {
		set[name] = true
	}
	return set, out.FilterEnabled
}

func (p *Proxy) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.VerifyBaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("verification server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("verification server returned %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- newline-delimited JSON-RPC framing ---

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
