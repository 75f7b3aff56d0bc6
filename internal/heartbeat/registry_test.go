package heartbeat

import (
	"errors"
	"testing"
	"time"
)

func TestSnapshotReflectsComponentStates(t *testing.T) {
	registry := NewRegistry()
	now := time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)
	registry.SetClock(func() time.Time { return now })

	registry.Starting(ComponentAPI, "binding listener")
	registry.Beat(ComponentGate, "decisions flowing")
	registry.Disabled(ComponentReplay, "replay disabled by configuration")

	snapshot := registry.Snapshot(0)
	if snapshot.Overall != StateStarting {
		t.Fatalf("a starting component must dominate healthy, got %s", snapshot.Overall)
	}
	if len(snapshot.Components) != 3 {
		t.Fatalf("expected 3 components, got %d", len(snapshot.Components))
	}
	if snapshot.Components[0].Name != ComponentAPI {
		t.Fatalf("components must be sorted by name, got %s first", snapshot.Components[0].Name)
	}

	registry.Beat(ComponentAPI, "listening")
	snapshot = registry.Snapshot(0)
	if snapshot.Overall != StateHealthy || !snapshot.Ready() {
		t.Fatalf("expected healthy and ready, got %s", snapshot.Overall)
	}
}

func TestDegradedComponentDominatesOverall(t *testing.T) {
	registry := NewRegistry()
	registry.Beat(ComponentGate, "")
	registry.Degrade(ComponentPolicyWatcher, "watch lost", errors.New("inotify: no space"))

	snapshot := registry.Snapshot(0)
	if snapshot.Overall != StateDegraded || snapshot.Ready() {
		t.Fatalf("a degraded component must fail readiness, got %s", snapshot.Overall)
	}
	for _, item := range snapshot.Components {
		if item.Name == ComponentPolicyWatcher && item.Error != "inotify: no space" {
			t.Fatalf("degrade must carry the error text, got %q", item.Error)
		}
	}
}

func TestStaleDetection(t *testing.T) {
	registry := NewRegistry()
	now := time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)
	registry.SetClock(func() time.Time { return now })
	registry.Beat(ComponentApprovalSweep, "")

	now = now.Add(5 * time.Minute)
	snapshot := registry.Snapshot(2 * time.Minute)
	if snapshot.Overall != StateDegraded {
		t.Fatalf("a silent component must degrade the snapshot, got %s", snapshot.Overall)
	}
	if !snapshot.Components[0].Stale || snapshot.Components[0].State != StateStale {
		t.Fatalf("expected a stale component, got %+v", snapshot.Components[0])
	}

	// A stopped component never goes stale.
	registry.Stopped(ComponentApprovalSweep, "shutdown")
	now = now.Add(time.Hour)
	snapshot = registry.Snapshot(2 * time.Minute)
	if snapshot.Components[0].State != StateStopped {
		t.Fatalf("stopped components do not stale, got %s", snapshot.Components[0].State)
	}
	if snapshot.Overall != "idle" {
		t.Fatalf("all-stopped registry is idle, got %s", snapshot.Overall)
	}
}
