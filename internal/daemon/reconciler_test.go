package daemon

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hostlane/hostlane/internal/gateway"
	"github.com/hostlane/hostlane/internal/models"
)

func newTestReconciler(h *harness) *Reconciler {
	r := NewReconciler(h.store, h.set, testLogger()).WithAuditWriter(h.audit)
	r.now = func() time.Time { return h.now }
	return r
}

func TestReconcilerAppliesProviderState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestReconciler(h)
	h.seed(t, "srv-stopped", models.ServerActive, "vps-1")
	h.seed(t, "srv-error", models.ServerStopped, "vps-2")
	h.seed(t, "srv-back", models.ServerError, "vps-3")
	h.seed(t, "srv-same", models.ServerActive, "vps-4")
	h.fake.Put("vps-1", gateway.StateStopped, "198.51.100.1")
	h.fake.Put("vps-2", gateway.StateError, "")
	h.fake.Put("vps-3", gateway.StateActive, "198.51.100.3")
	h.fake.Put("vps-4", gateway.StatePending, "198.51.100.4")

	result, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Checked != 4 || result.Drifted != 3 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
	want := map[string]models.ServerStatus{
		"srv-stopped": models.ServerStopped,
		"srv-error":   models.ServerError,
		"srv-back":    models.ServerActive,
		"srv-same":    models.ServerActive,
	}
	for id, status := range want {
		server := h.server(t, id)
		if server.Status != status {
			t.Fatalf("%s status = %s, want %s", id, server.Status, status)
		}
		if server.ReconciledAt.IsZero() {
			t.Fatalf("%s not marked reconciled", id)
		}
	}
	if ip := h.server(t, "srv-same").IPAddress; ip != "198.51.100.4" {
		t.Fatalf("address = %q, want patched", ip)
	}

	entries := h.activity(t, "srv-stopped")
	if len(entries) != 1 || entries[0].Action != models.ActionReconcile || entries[0].ActorID != "system" {
		t.Fatalf("entries = %+v", entries)
	}
	if !strings.Contains(entries[0].Details, "ACTIVE -> STOPPED") {
		t.Fatalf("details = %q", entries[0].Details)
	}
}

func TestReconcilerMissingResourceBecomesError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestReconciler(h)
	h.seed(t, "srv-1", models.ServerActive, "vps-1")
	h.fake.Remove("vps-1")

	changed, err := r.ReconcileServer(ctx, h.server(t, "srv-1"))
	if err != nil || !changed {
		t.Fatalf("reconcile = %v, %v", changed, err)
	}
	server := h.server(t, "srv-1")
	if server.Status != models.ServerError {
		t.Fatalf("status = %s, want ERROR", server.Status)
	}
	if server.ExternalID != "vps-1" {
		t.Fatalf("the local record must be kept, external=%q", server.ExternalID)
	}
}

func TestReconcilerNeverTouchesDeleted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestReconciler(h)
	h.seed(t, "srv-1", models.ServerActive, "vps-1")
	if _, err := h.ctrl.Delete(ctx, testUser, "srv-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	for _, state := range []gateway.State{gateway.StateActive, gateway.StateStopped, gateway.StateError, gateway.StatePending} {
		h.fake.Put("vps-1", state, "198.51.100.1")
		// A stale snapshot still carrying the provider id.
		snapshot := h.server(t, "srv-1")
		snapshot.ExternalID = "vps-1"
		if changed, err := r.ReconcileServer(ctx, snapshot); err != nil || changed {
			t.Fatalf("state %s: reconcile = %v, %v", state, changed, err)
		}
		if got := h.server(t, "srv-1").Status; got != models.ServerDeleted {
			t.Fatalf("state %s: status = %s", state, got)
		}
	}
	h.fake.Remove("vps-1")
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := h.server(t, "srv-1").Status; got != models.ServerDeleted {
		t.Fatalf("status = %s", got)
	}
	if h.fake.CallCount("status") != 0 {
		t.Fatalf("deleted servers must not be polled")
	}
}

func TestReconcilerExpiredIsBillingState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestReconciler(h)
	h.seed(t, "srv-running", models.ServerExpired, "vps-1")
	h.seed(t, "srv-gone", models.ServerExpired, "vps-2")
	h.fake.Put("vps-1", gateway.StateStopped, "")
	h.fake.Remove("vps-2")

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := h.server(t, "srv-running").Status; got != models.ServerExpired {
		t.Fatalf("srv-running = %s, want EXPIRED", got)
	}
	if got := h.server(t, "srv-gone").Status; got != models.ServerError {
		t.Fatalf("srv-gone = %s, want ERROR", got)
	}
}

func TestReconcilerSkipsClaimedServers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestReconciler(h)
	snapshot := h.seed(t, "srv-1", models.ServerActive, "vps-1")
	h.fake.Put("vps-1", gateway.StateStopped, "")
	if ok, err := h.store.CompareAndSetStatus(ctx, "srv-1", models.ServerActive, models.ServerStopping); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	// The snapshot predates the claim, so the compare-and-set loses.
	if changed, err := r.ReconcileServer(ctx, snapshot); err != nil || changed {
		t.Fatalf("reconcile = %v, %v", changed, err)
	}
	if got := h.server(t, "srv-1").Status; got != models.ServerStopping {
		t.Fatalf("status = %s, want STOPPING", got)
	}
	if changed, _ := r.ReconcileServer(ctx, h.server(t, "srv-1")); changed {
		t.Fatalf("transitional servers must be skipped")
	}
}

func TestReconcilerTransientFailureKeepsStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestReconciler(h)
	h.seed(t, "srv-1", models.ServerActive, "vps-1")
	h.fake.FailKind("status", gateway.KindTransient)

	result, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("result = %+v", result)
	}
	if got := h.server(t, "srv-1").Status; got != models.ServerActive {
		t.Fatalf("status = %s", got)
	}
}

func TestReconcilerBoundsFanOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestReconciler(h).WithSchedule(0, 50, 2)
	for i := 0; i < 6; i++ {
		id := "srv-" + string(rune('a'+i))
		h.seed(t, id, models.ServerActive, "vps-"+id)
	}

	var inFlight, peak atomic.Int32
	h.fake.OnCall("status", func(context.Context) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	})

	result, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Checked != 6 {
		t.Fatalf("checked = %d", result.Checked)
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
}

func TestReconcilerIgnoresObservationOverlappingAnAction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, "srv-1", models.ServerActive, "vps-1")
	r := newTestReconciler(h)
	snapshot := h.server(t, "srv-1")

	var interleaved atomic.Bool
	h.fake.OnCall("status", func(context.Context) {
		if !interleaved.CompareAndSwap(false, true) {
			return
		}
		// The owner stops and starts the server while the provider is still
		// answering with what it saw before the start.
		if _, err := h.ctrl.Stop(ctx, testUser, "srv-1"); err != nil {
			t.Errorf("stop: %v", err)
		}
		if _, err := h.ctrl.Start(ctx, testUser, "srv-1"); err != nil {
			t.Errorf("start: %v", err)
		}
		h.fake.Put("vps-1", gateway.StateStopped, "198.51.100.9")
	})

	changed, err := r.ReconcileServer(ctx, snapshot)
	if err != nil || changed {
		t.Fatalf("ReconcileServer() = %v, %v; want no change", changed, err)
	}
	if !interleaved.Load() {
		t.Fatalf("status hook did not run")
	}
	if got := h.server(t, "srv-1").Status; got != models.ServerActive {
		t.Fatalf("status = %s, want ACTIVE", got)
	}
	for _, entry := range h.activity(t, "srv-1") {
		if entry.Action == models.ActionReconcile {
			t.Fatalf("stale observation recorded as drift: %+v", entry)
		}
	}
}
