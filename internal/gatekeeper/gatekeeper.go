// Package gatekeeper implements the synchronous verification decision point
// every transport invokes on every JSON-RPC message.
package gatekeeper

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpsentinel/proxy/internal/bus"
	"github.com/mcpsentinel/proxy/internal/mcpevent"
	"github.com/mcpsentinel/proxy/internal/protocol"
)

// Stage marks a message as part of the STDIO pre-init handshake rather than
// steady-state traffic, which changes its event_type.
type Stage string

const (
	StageNone    Stage = ""
	StagePreInit Stage = "pre_init"
)

// callState is the per-(app,server,id) verification state machine:
// NONE -> PENDING_REQ -> (ALLOWED|BLOCKED_REQ); if ALLOWED -> PENDING_RESP ->
// (FORWARDED|BLOCKED_RESP). The reaper moves stale PENDING_RESP to DROPPED.
type callState string

const (
	stateNone        callState = "NONE"
	statePendingReq  callState = "PENDING_REQ"
	stateAllowed     callState = "ALLOWED"
	stateBlockedReq  callState = "BLOCKED_REQ"
	statePendingResp callState = "PENDING_RESP"
	stateForwarded   callState = "FORWARDED"
	stateBlockedResp callState = "BLOCKED_RESP"
	stateDropped     callState = "DROPPED"
)

// Result is the outcome of a gatekeeper decision.
type Result struct {
	Allowed bool
	Reason  string
}

// Allow is the zero-reason allow result.
var Allow = Result{Allowed: true}

// Block builds a deny result with the given human-readable reason.
func Block(reason string) Result { return Result{Allowed: false, Reason: reason} }

// denylistSubstrings is the naive substring denylist applied on the
// request path. Responses always pass.
var denylistSubstrings = []string{"rm -rf", "/etc/", "format", "del /f"}

// defaultStaleAfter is how long a PENDING_RESP call may sit unanswered
// before the reaper marks it DROPPED (distinct from state.Holder's
// PendingCall max-age, which governs the transport's own bookkeeping; this
// one governs the gatekeeper's internal state machine).
const defaultStaleAfter = 600 * time.Second

type tracked struct {
	state     callState
	createdAt time.Time
}

// DetectorVote lets a detector block synchronously instead of only
// contributing an async Finding after the fact. Left nil by default: today
// every detector runs purely on the bus's fire-and-forget/Await(tools/list)
// path and never vetoes a call in line. The
// field exists so that decision doesn't require reshaping Gatekeeper later.
type DetectorVote func(e mcpevent.MCPEvent) (block bool, reason string)

// Gatekeeper is the synchronous decision point. One instance is shared
// across all transports and connections.
type Gatekeeper struct {
	bus *bus.Bus
	log *zap.Logger

	// DetectorVote, if set, is consulted nowhere yet — see its doc comment.
	DetectorVote DetectorVote

	mu         sync.Mutex
	calls      map[string]tracked
	staleAfter time.Duration
}

// New creates a Gatekeeper dispatching accepted events to b.
func New(b *bus.Bus, log *zap.Logger) *Gatekeeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gatekeeper{
		bus:        b,
		log:        log,
		calls:      make(map[string]tracked),
		staleAfter: defaultStaleAfter,
	}
}

func key(app, server, id string) string { return app + "\x00" + server + "\x00" + id }

// CheckRequest runs the request-path policy against msg, emits the
// corresponding MCPEvent onto the bus, and advances the call's state
// machine. stage distinguishes STDIO pre-init traffic (event_type=Proxy)
// from steady-state traffic (event_type=MCP).
func (g *Gatekeeper) CheckRequest(ctx context.Context, app, server string, msg *protocol.Message, stage Stage) Result {
	id := msg.IDString()
	k := key(app, server, id)

	g.mu.Lock()
	g.calls[k] = tracked{state: statePendingReq, createdAt: time.Now()}
	g.mu.Unlock()

	res := checkDenylist(msg)

	g.mu.Lock()
	if res.Allowed {
		g.calls[k] = tracked{state: stateAllowed, createdAt: time.Now()}
	} else {
		g.calls[k] = tracked{state: stateBlockedReq, createdAt: time.Now()}
	}
	g.mu.Unlock()

	eventType := mcpevent.KindMCP
	if stage == StagePreInit {
		eventType = mcpevent.KindProxy
	}
	g.bus.Dispatch(ctx, &mcpevent.MCPEvent{
		TimestampMS: time.Now().UnixMilli(),
		Producer:    mcpevent.ProducerLocal,
		EventType:   eventType,
		MCPTag:      server,
		Data: mcpevent.EventData{
			Task:    mcpevent.TaskSend,
			Message: *msg,
		},
	})

	if res.Allowed {
		g.mu.Lock()
		g.calls[k] = tracked{state: statePendingResp, createdAt: time.Now()}
		g.mu.Unlock()
	}

	return res
}

// CheckResponse runs the response-path policy (always allow, under the
// current policy) and emits the matching MCPEvent. For tools/list
// responses the bus dispatch is synchronous (Await'd) so the resulting
// DangerousToolSet is current before the caller's rewrite step runs;
// every other response is dispatched asynchronously.
func (g *Gatekeeper) CheckResponse(ctx context.Context, app, server string, msg *protocol.Message, isToolsList bool, skipAnalysis bool) Result {
	id := msg.IDString()
	k := key(app, server, id)

	g.mu.Lock()
	g.calls[k] = tracked{state: stateForwarded, createdAt: time.Now()}
	g.mu.Unlock()

	h := g.bus.Dispatch(ctx, &mcpevent.MCPEvent{
		TimestampMS:  time.Now().UnixMilli(),
		Producer:     mcpevent.ProducerRemote,
		EventType:    mcpevent.KindMCP,
		MCPTag:       server,
		SkipAnalysis: skipAnalysis,
		Data: mcpevent.EventData{
			Task:    mcpevent.TaskRecv,
			Message: *msg,
		},
	})
	if isToolsList {
		h.Await(ctx)
	}

	return Allow
}

func checkDenylist(msg *protocol.Message) Result {
	if msg.Method != "tools/call" {
		return Allow
	}
	p, ok := protocol.DecodeToolCallParams(msg.Params)
	if !ok {
		return Allow
	}
	haystack := strings.ToLower(argumentsToString(p.Arguments))
	for _, bad := range denylistSubstrings {
		if strings.Contains(haystack, strings.ToLower(bad)) {
			return Block("matched denylisted pattern")
		}
	}
	return Allow
}

func argumentsToString(args map[string]any) string {
	var b strings.Builder
	for k, v := range args {
		b.WriteString(k)
		b.WriteByte(' ')
		switch val := v.(type) {
		case string:
			b.WriteString(val)
		default:
			// Non-string argument values don't carry denylist-relevant
			// shell text; stringifying via fmt would risk false positives
			// on map/slice punctuation, so they're skipped.
		}
		b.WriteByte(' ')
	}
	return b.String()
}

// ReapStale marks every PENDING_RESP call older than staleAfter as DROPPED
// and returns how many were reaped. Exercised directly in tests so that
// eviction is verified independently of target liveness.
func (g *Gatekeeper) ReapStale(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	dropped := 0
	for k, t := range g.calls {
		if t.state == statePendingResp && now.Sub(t.createdAt) > g.staleAfter {
			g.calls[k] = tracked{state: stateDropped, createdAt: t.createdAt}
			dropped++
		}
	}
	return dropped
}

// StateFor returns the current state machine tier for (app, server, id), as
// a string, for tests and diagnostics.
func (g *Gatekeeper) StateFor(app, server, id string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return string(g.calls[key(app, server, id)].state)
}
