package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcpsentinel/proxy/internal/journal"
	"github.com/mcpsentinel/proxy/internal/mcpevent"
)

// stubDetector counts invocations and returns a canned finding or error.
type stubDetector struct {
	name       string
	interested bool
	finding    mcpevent.Finding
	err        error
	panics     bool
	calls      int32
}

func (d *stubDetector) Name() string { return d.name }

func (d *stubDetector) Interested(e *mcpevent.MCPEvent) bool { return d.interested }

func (d *stubDetector) Analyze(ctx context.Context, e *mcpevent.MCPEvent) (mcpevent.Finding, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.panics {
		panic("detector exploded")
	}
	return d.finding, d.err
}

func (d *stubDetector) callCount() int32 { return atomic.LoadInt32(&d.calls) }

func testEvent() *mcpevent.MCPEvent {
	return &mcpevent.MCPEvent{
		TimestampMS: 1,
		Producer:    mcpevent.ProducerLocal,
		EventType:   mcpevent.KindMCP,
		MCPTag:      "fs",
	}
}

func TestDispatch_FansOutToInterestedDetectors(t *testing.T) {
	hit := &stubDetector{name: "hit", interested: true, finding: mcpevent.Finding{Detector: "hit", Severity: mcpevent.SeverityHigh, Score: 85}}
	miss := &stubDetector{name: "miss", interested: false}
	mem := journal.NewMemory()
	b := New([]Detector{hit, miss}, mem, nil, nil, 0)

	h := b.Dispatch(context.Background(), testEvent())
	h.Await(context.Background())

	if hit.callCount() != 1 {
		t.Errorf("interested detector ran %d times, want 1", hit.callCount())
	}
	if miss.callCount() != 0 {
		t.Errorf("uninterested detector ran %d times, want 0", miss.callCount())
	}
	if got := len(mem.Findings()); got != 1 {
		t.Errorf("persisted %d findings, want 1", got)
	}
}

func TestDispatch_OneFailureDoesNotSuppressOthers(t *testing.T) {
	failing := &stubDetector{name: "failing", interested: true, err: errors.New("boom")}
	panicking := &stubDetector{name: "panicking", interested: true, panics: true}
	healthy := &stubDetector{name: "healthy", interested: true, finding: mcpevent.Finding{Detector: "healthy", Severity: mcpevent.SeverityMedium, Score: 50}}
	mem := journal.NewMemory()
	b := New([]Detector{failing, panicking, healthy}, mem, nil, nil, 0)

	h := b.Dispatch(context.Background(), testEvent())
	h.Await(context.Background())

	if healthy.callCount() != 1 {
		t.Error("healthy detector must still run when siblings fail")
	}
	findings := mem.Findings()
	if len(findings) != 1 || findings[0].Detector != "healthy" {
		t.Errorf("findings = %+v, want only the healthy detector's", findings)
	}
}

func TestDispatch_SkipAnalysisJournalsButSkipsDetectors(t *testing.T) {
	d := &stubDetector{name: "d", interested: true, finding: mcpevent.Finding{Detector: "d", Severity: mcpevent.SeverityHigh, Score: 90}}
	mem := journal.NewMemory()
	b := New([]Detector{d}, mem, nil, nil, 0)

	e := testEvent()
	e.SkipAnalysis = true
	h := b.Dispatch(context.Background(), e)
	h.Await(context.Background())

	if d.callCount() != 0 {
		t.Error("detectors must not run on skip_analysis events")
	}
	if got := len(mem.Events()); got != 1 {
		t.Errorf("journaled %d events, want 1 (raw event still recorded)", got)
	}
	if got := len(mem.Findings()); got != 0 {
		t.Errorf("persisted %d findings, want 0", got)
	}
}

func TestDispatch_FindingLinksRawEventID(t *testing.T) {
	d := &stubDetector{name: "d", interested: true, finding: mcpevent.Finding{Detector: "d", Severity: mcpevent.SeverityHigh, Score: 85}}
	mem := journal.NewMemory()
	b := New([]Detector{d}, mem, nil, nil, 0)

	b.Dispatch(context.Background(), testEvent()).Await(context.Background())
	b.Dispatch(context.Background(), testEvent()).Await(context.Background())

	findings := mem.Findings()
	if len(findings) != 2 {
		t.Fatalf("got %d findings, want 2", len(findings))
	}
	seen := map[int64]bool{}
	for _, f := range findings {
		if f.RawEventID == 0 {
			t.Error("finding not linked to a raw event id")
		}
		seen[f.RawEventID] = true
	}
	if len(seen) != 2 {
		t.Errorf("findings share a raw event id: %+v", findings)
	}
}

func TestDispatch_EmptyFindingNotPersisted(t *testing.T) {
	d := &stubDetector{name: "quiet", interested: true}
	mem := journal.NewMemory()
	b := New([]Detector{d}, mem, nil, nil, 0)

	b.Dispatch(context.Background(), testEvent()).Await(context.Background())

	if got := len(mem.Findings()); got != 0 {
		t.Errorf("persisted %d findings for a severity-none result, want 0", got)
	}
}

func TestAwait_RespectsContextCancellation(t *testing.T) {
	slow := &blockingDetector{release: make(chan struct{})}
	defer close(slow.release)
	b := New([]Detector{slow}, journal.NewMemory(), nil, nil, 0)

	// A cancelled context must unblock Await even if work is still queued.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := b.Dispatch(context.Background(), testEvent())
	done := make(chan struct{})
	go func() {
		h.Await(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Await did not honor context cancellation")
	}
}

func TestDispatch_ShedsWhenAtCapacity(t *testing.T) {
	block := make(chan struct{})
	slow := &blockingDetector{release: block}
	b := New([]Detector{slow}, journal.NewMemory(), nil, nil, 1)

	h1 := b.Dispatch(context.Background(), testEvent())
	// Give the first dispatch time to claim the only semaphore slot.
	time.Sleep(20 * time.Millisecond)

	h2 := b.Dispatch(context.Background(), testEvent())
	h2.Await(context.Background()) // shed dispatches complete immediately

	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}

	close(block)
	h1.Await(context.Background())
}

type blockingDetector struct {
	release chan struct{}
}

func (d *blockingDetector) Name() string                              { return "blocking" }
func (d *blockingDetector) Interested(e *mcpevent.MCPEvent) bool      { return true }
func (d *blockingDetector) Analyze(ctx context.Context, e *mcpevent.MCPEvent) (mcpevent.Finding, error) {
	<-d.release
	return mcpevent.Finding{}, nil
}
