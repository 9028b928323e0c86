package state

import (
	"testing"
	"time"
)

func TestPendingCall_PutAndTake(t *testing.T) {
	h := New(0)
	h.PutPendingCall(PendingCall{AppName: "claude", ServerName: "s1", RequestID: "7", ToolName: "read_file"})

	pc, ok := h.TakePendingCall("claude", "s1", "7")
	if !ok {
		t.Fatal("expected pending call to be found")
	}
	if pc.ToolName != "read_file" {
		t.Errorf("ToolName = %q, want read_file", pc.ToolName)
	}

	if _, ok := h.TakePendingCall("claude", "s1", "7"); ok {
		t.Error("TakePendingCall should consume the entry exactly once")
	}
}

func TestReapStale_EvictsIndependentlyOfTargetLiveness(t *testing.T) {
	h := New(10 * time.Millisecond)
	base := time.Now()
	h.PutPendingCall(PendingCall{AppName: "a", ServerName: "s", RequestID: "1", CreatedAt: base})
	h.PutPendingCall(PendingCall{AppName: "a", ServerName: "s", RequestID: "2", CreatedAt: base.Add(5 * time.Millisecond)})

	// Nothing is stale yet just after creation.
	if n := h.ReapStale(base); n != 0 {
		t.Fatalf("reaped %d at t=0, want 0", n)
	}

	// Both calls are older than maxAge now — no target process involved at all.
	dropped := h.ReapStale(base.Add(50 * time.Millisecond))
	if dropped != 2 {
		t.Fatalf("reaped %d, want 2", dropped)
	}
	if h.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0 after reap", h.PendingCount())
	}
}

func TestDangerousToolSet_MarkAndFilter(t *testing.T) {
	h := New(0)
	h.SetDangerous("s1", map[string]bool{}, true)
	h.MarkDangerous("s1", "run_shell")

	d := h.Dangerous("s1")
	if !d.FilterEnabled {
		t.Error("FilterEnabled should be preserved across MarkDangerous")
	}
	if !d.Names["run_shell"] {
		t.Error("run_shell should be marked dangerous")
	}
}

func TestDangerous_DefaultsToEmptyNotEnabled(t *testing.T) {
	h := New(0)
	d := h.Dangerous("unknown-server")
	if d.FilterEnabled {
		t.Error("unknown server should default to filter disabled")
	}
	if len(d.Names) != 0 {
		t.Error("unknown server should default to empty set")
	}
}

func TestCatalog_RoundTrip(t *testing.T) {
	h := New(0)
	if _, ok := h.Catalog("app", "srv"); ok {
		t.Fatal("expected no catalog entry before PutCatalog")
	}
	h.PutCatalog("app", "srv", nil, map[string]any{"version": "1.0"})
	entry, ok := h.Catalog("app", "srv")
	if !ok {
		t.Fatal("expected catalog entry after PutCatalog")
	}
	if entry.ServerInfo["version"] != "1.0" {
		t.Errorf("ServerInfo = %v", entry.ServerInfo)
	}
}

func TestCatalogByServer_FindsEntryRegardlessOfApp(t *testing.T) {
	h := New(0)
	h.PutCatalog("claude-desktop", "filesystem", nil, map[string]any{"version": "1.0"})

	entry, ok := h.CatalogByServer("filesystem")
	if !ok {
		t.Fatal("expected to find a catalog entry by server name alone")
	}
	if entry.ServerInfo["version"] != "1.0" {
		t.Errorf("ServerInfo = %v", entry.ServerInfo)
	}

	if _, ok := h.CatalogByServer("unknown-server"); ok {
		t.Error("expected no match for an unknown server")
	}
}
