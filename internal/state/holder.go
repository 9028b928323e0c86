// Package state holds the process-wide mutable registries: SSEConnections,
// PendingCalls, ToolsCatalog, and DangerousToolSet. They are guarded by
// one coarse lock inside a single Holder value passed by handle to every
// component that needs it — no package-level singletons, so tests can spin
// up independent Holders. The registries do no I/O of their own; each
// exported method takes the lock for its own short duration.
package state

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcpsentinel/proxy/internal/protocol"
)

// PendingCall is a proxy-side record of an outstanding tools/call request
// awaiting its matching response.
type PendingCall struct {
	AppName    string
	ServerName string
	RequestID  string
	ToolName   string
	Arguments  map[string]any
	CreatedAt  time.Time
}

// ToolsCatalogEntry is the most recently observed, unmodified tool list for
// one (app, server) pair, plus the server-info block from initialize.
type ToolsCatalogEntry struct {
	Tools       []protocol.ToolDescriptor
	ServerInfo  map[string]any
	LastUpdated time.Time
}

// DangerousToolSet is a per-server snapshot of tool names whose most recent
// semantic-gap safety score crossed the action-required threshold, paired
// with whether filtering is currently enabled for that server.
type DangerousToolSet struct {
	Names         map[string]bool
	FilterEnabled bool
}

// SSEConnection is the bookkeeping row for one live SSE client connection.
// Flusher/Writer are intentionally narrow interfaces so tests
// can supply fakes without standing up a real net/http server.
type SSEConnection struct {
	ID         string
	AppName    string
	ServerName string
	TargetURL  string
	Headers    http.Header
	CreatedAt  time.Time
	Writer     http.ResponseWriter
	Flusher    http.Flusher
	TargetSess any // opaque handle to the captured target session/endpoint
	MessageCh  chan []byte

	// writeMu serializes all writes to Writer: the two forwarding loops of
	// one connection share a single outbound stream, and partial SSE events
	// must never interleave.
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// WriteLock takes the connection's outbound-writer lock.
func (c *SSEConnection) WriteLock() { c.writeMu.Lock() }

// WriteUnlock releases the connection's outbound-writer lock.
func (c *SSEConnection) WriteUnlock() { c.writeMu.Unlock() }

// Close closes the connection's Done channel exactly once; MessageCh is
// left open.
func (c *SSEConnection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done returns a channel closed when the connection is shutting down.
func (c *SSEConnection) Done() <-chan struct{} { return c.done }

// NewSSEConnection constructs a connection with its message queue and done
// channel initialized. queueSize bounds the client→target backlog.
func NewSSEConnection(id, appName, serverName, targetURL string, headers http.Header, w http.ResponseWriter, f http.Flusher, queueSize int) *SSEConnection {
	return &SSEConnection{
		ID:         id,
		AppName:    appName,
		ServerName: serverName,
		TargetURL:  targetURL,
		Headers:    headers,
		CreatedAt:  time.Now(),
		Writer:     w,
		Flusher:    f,
		MessageCh:  make(chan []byte, queueSize),
		done:       make(chan struct{}),
	}
}

// Holder is the supervisor-scoped container for all process-wide mutable
// state. Zero value is not usable; construct with New.
type Holder struct {
	mu sync.Mutex

	pending  map[string]PendingCall // key: pendingKey(app, server, id)
	catalog  map[string]ToolsCatalogEntry
	danger   map[string]DangerousToolSet
	sseConns map[string]*SSEConnection

	// maxAge bounds how long a PendingCall may sit unanswered before the
	// reaper (ReapStale) evicts it. Defaults to 600s.
	maxAge time.Duration
}

// New creates an empty Holder. maxAge of 0 defaults to 600 seconds.
func New(maxAge time.Duration) *Holder {
	if maxAge <= 0 {
		maxAge = 600 * time.Second
	}
	return &Holder{
		pending:  make(map[string]PendingCall),
		catalog:  make(map[string]ToolsCatalogEntry),
		danger:   make(map[string]DangerousToolSet),
		sseConns: make(map[string]*SSEConnection),
		maxAge:   maxAge,
	}
}

func pendingKey(app, server, id string) string {
	return app + "\x00" + server + "\x00" + id
}

func catalogKey(app, server string) string {
	return app + "\x00" + server
}

// PutPendingCall records a tools/call request awaiting its response.
func (h *Holder) PutPendingCall(pc PendingCall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[pendingKey(pc.AppName, pc.ServerName, pc.RequestID)] = pc
}

// TakePendingCall consumes (removes and returns) the pending call for the
// given key, if present.
func (h *Holder) TakePendingCall(app, server, id string) (PendingCall, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := pendingKey(app, server, id)
	pc, ok := h.pending[key]
	if ok {
		delete(h.pending, key)
	}
	return pc, ok
}

// ReapStale evicts PendingCalls older than the configured max age and
// returns how many were dropped. Intended to run on a ticker; exercised
// directly in tests to verify eviction independent of target liveness.
func (h *Holder) ReapStale(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for key, pc := range h.pending {
		if now.Sub(pc.CreatedAt) > h.maxAge {
			delete(h.pending, key)
			dropped++
		}
	}
	return dropped
}

// PendingCount reports the number of currently tracked pending calls.
// Test/diagnostic helper.
func (h *Holder) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// PutCatalog records the most recently observed tool list for (app, server).
// It never mutates a previously stored entry's slice in place: callers must
// pass a fresh slice (e.g. via protocol.CloneAll) when appropriate.
func (h *Holder) PutCatalog(app, server string, tools []protocol.ToolDescriptor, serverInfo map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.catalog[catalogKey(app, server)] = ToolsCatalogEntry{
		Tools:       tools,
		ServerInfo:  serverInfo,
		LastUpdated: time.Now(),
	}
}

// Catalog returns the cached entry for (app, server), if any.
func (h *Holder) Catalog(app, server string) (ToolsCatalogEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.catalog[catalogKey(app, server)]
	return entry, ok
}

// CatalogByServer returns the most recently updated catalog entry for any
// app paired with the given server name. Used by detectors (e.g.
// semantic-gap) that only ever observe an mcp_tag, not the originating
// app_name, when looking up a tool's declared schema.
func (h *Holder) CatalogByServer(server string) (ToolsCatalogEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var best ToolsCatalogEntry
	found := false
	for k, entry := range h.catalog {
		if !strings.HasSuffix(k, "\x00"+server) {
			continue
		}
		if !found || entry.LastUpdated.After(best.LastUpdated) {
			best = entry
			found = true
		}
	}
	return best, found
}

// SetDangerous replaces the DangerousToolSet for a server name (keyed
// server-wide, not per-app).
func (h *Holder) SetDangerous(server string, names map[string]bool, filterEnabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.danger[server] = DangerousToolSet{Names: names, FilterEnabled: filterEnabled}
}

// Dangerous returns the current DangerousToolSet for a server, defaulting
// to an empty, filter-disabled set if none has been computed yet.
func (h *Holder) Dangerous(server string) DangerousToolSet {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.danger[server]
	if !ok {
		return DangerousToolSet{Names: map[string]bool{}, FilterEnabled: false}
	}
	return d
}

// MarkDangerous adds a single tool name to a server's dangerous set,
// preserving its current FilterEnabled flag. Used by the semantic-gap
// detector as it scores individual tools rather than whole catalogs.
func (h *Holder) MarkDangerous(server, toolName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.danger[server]
	if !ok {
		d = DangerousToolSet{Names: map[string]bool{}}
	}
	if d.Names == nil {
		d.Names = map[string]bool{}
	}
	d.Names[toolName] = true
	h.danger[server] = d
}

// PutSSEConnection registers a live SSE connection.
func (h *Holder) PutSSEConnection(c *SSEConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sseConns[c.ID] = c
}

// SSEConnectionByID returns the connection for id, if still live.
func (h *Holder) SSEConnectionByID(id string) (*SSEConnection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.sseConns[id]
	return c, ok
}

// RemoveSSEConnection drops a connection from the registry (does not close
// it — callers close before or after removing, as appropriate).
func (h *Holder) RemoveSSEConnection(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sseConns, id)
}

// AllSSEConnections returns a snapshot slice of every live connection, for
// shutdown fan-out.
func (h *Holder) AllSSEConnections() []*SSEConnection {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*SSEConnection, 0, len(h.sseConns))
	for _, c := range h.sseConns {
		out = append(out, c)
	}
	return out
}

// ServerAnalysisStatus is one server's tool-count/danger-count snapshot, for
// the /analysis/status dashboard endpoint.
type ServerAnalysisStatus struct {
	TotalTools     int  `json:"total_tools"`
	DangerousTools int  `json:"dangerous_tools"`
	FilterEnabled  bool `json:"filter_enabled"`
}

// AnalysisStatus reports, per server name observed in the catalog, how many
// tools are known and how many have been scored action-required.
func (h *Holder) AnalysisStatus() map[string]ServerAnalysisStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]ServerAnalysisStatus)
	for k, entry := range h.catalog {
		server := k
		if i := strings.LastIndex(k, "\x00"); i >= 0 {
			server = k[i+1:]
		}
		st := out[server]
		st.TotalTools += len(entry.Tools)
		out[server] = st
	}
	for server, d := range h.danger {
		st := out[server]
		st.DangerousTools = len(d.Names)
		st.FilterEnabled = d.FilterEnabled
		out[server] = st
	}
	return out
}
