// Package bus implements the event bus: a fan-out dispatcher that submits
// every observed MCPEvent to a bank of detectors, in both an async
// (enqueue-and-return) and a sync (await-all) mode.
package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mcpsentinel/proxy/internal/journal"
	"github.com/mcpsentinel/proxy/internal/mcpevent"
	"github.com/mcpsentinel/proxy/internal/notifier"
)

// Detector analyzes one MCPEvent and returns a Finding. Returning a Finding
// with Severity == SeverityNone (or the zero value) means "nothing to
// report" and the bus does not persist or push it.
//
// Interested reports whether this detector wants to see e at all, letting
// the bus skip detectors outside their declared event-type/producer filter
// without invoking them.
type Detector interface {
	Name() string
	Interested(e *mcpevent.MCPEvent) bool
	Analyze(ctx context.Context, e *mcpevent.MCPEvent) (mcpevent.Finding, error)
}

// Bus fans an MCPEvent out to every registered Detector, concurrently, and
// persists the event plus any findings to the journal. One detector's
// failure is caught and logged; it never suppresses the others.
type Bus struct {
	detectors []Detector
	journal   journal.Journal
	notify    notifier.Notifier
	log       *zap.Logger

	// maxInFlight bounds concurrent async dispatches so a burst of traffic
	// cannot spawn unbounded goroutines. At capacity the incoming dispatch
	// is shed and counted (see Dropped) rather than blocking the transport;
	// dispatches already in flight are never evicted.
	sem     chan struct{}
	dropped int64
	mu      sync.Mutex
}

// New creates a Bus with the given detectors, journal, and notifier.
// maxInFlight <= 0 defaults to 64.
func New(detectors []Detector, j journal.Journal, n notifier.Notifier, log *zap.Logger, maxInFlight int) *Bus {
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		detectors: detectors,
		journal:   j,
		notify:    n,
		log:       log,
		sem:       make(chan struct{}, maxInFlight),
	}
}

// Handle is returned by Dispatch. Callers on the critical path (the
// tools/list response gatekeeper hook) call Await; all other callers may
// discard the handle.
type Handle struct {
	done chan struct{}
}

// Await blocks until every detector interested in the dispatched event has
// finished (or the context is done, whichever comes first).
func (h *Handle) Await(ctx context.Context) {
	select {
	case <-h.done:
	case <-ctx.Done():
	}
}

// Dispatch submits e to every interested detector concurrently and persists
// the event row (plus findings, as they complete) to the journal. The
// returned Handle's Await blocks until all interested detectors finish.
//
// If e.SkipAnalysis is set (the STDIO cached tools/list short-circuit),
// Dispatch still journals the raw event but skips every detector — this
// avoids redundant detector work and keeps the LLM judge from being
// re-invoked on synthetic traffic.
func (b *Bus) Dispatch(ctx context.Context, e *mcpevent.MCPEvent) *Handle {
	h := &Handle{done: make(chan struct{})}

	eventID, err := b.journal.WriteEvent(ctx, e)
	if err != nil {
		b.log.Warn("journal write failed, event continues unaffected", zap.Error(err), zap.String("component", "bus"))
	}

	if e.SkipAnalysis {
		close(h.done)
		return h
	}

	interested := make([]Detector, 0, len(b.detectors))
	for _, d := range b.detectors {
		if d.Interested(e) {
			interested = append(interested, d)
		}
	}
	if len(interested) == 0 {
		close(h.done)
		return h
	}

	select {
	case b.sem <- struct{}{}:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.log.Warn("event bus at capacity, shedding dispatch", zap.String("mcp_tag", e.MCPTag))
		close(h.done)
		return h
	}

	go func() {
		defer func() { <-b.sem }()
		var wg sync.WaitGroup
		wg.Add(len(interested))
		for _, d := range interested {
			d := d
			go func() {
				defer wg.Done()
				b.runDetector(ctx, d, e, eventID)
			}()
		}
		wg.Wait()
		close(h.done)
	}()

	return h
}

func (b *Bus) runDetector(ctx context.Context, d Detector, e *mcpevent.MCPEvent, eventID int64) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("detector panicked, finding skipped", zap.String("detector", d.Name()), zap.Any("recover", r))
		}
	}()

	finding, err := d.Analyze(ctx, e)
	if err != nil {
		b.log.Warn("detector failed, finding skipped", zap.String("detector", d.Name()), zap.Error(err))
		return
	}
	if finding.IsEmpty() {
		return
	}
	finding.RawEventID = eventID

	if err := b.journal.WriteFinding(ctx, finding); err != nil {
		b.log.Warn("journal write failed for finding", zap.String("detector", d.Name()), zap.Error(err))
	}
	if b.notify != nil {
		b.notify.PushFinding(finding)
	}
}

// Dropped returns the number of dispatches shed due to backpressure.
// Diagnostic/test helper.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
