package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/hostlane/hostlane/internal/db"
	"github.com/hostlane/hostlane/internal/gateway"
	"github.com/hostlane/hostlane/internal/models"
	testutil "github.com/hostlane/hostlane/internal/testing"
	"github.com/shopspring/decimal"
)

var (
	testBase    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testAdmin   = models.Actor{ID: "admin-1", Role: models.RoleAdmin, SourceAddress: "10.0.0.1"}
	testUser    = models.Actor{ID: "user-1", Role: models.RoleCustomer, SourceAddress: "203.0.113.7"}
	testOther   = models.Actor{ID: "user-2", Role: models.RoleCustomer}
	testSupport = models.Actor{ID: "support-1", Role: models.RoleSupport}
	testSpec    = models.ServerSpec{CPU: 2, MemoryMB: 4096, StorageGB: 50}
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "hostlane.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testPricing() PriceTable {
	return PriceTable{
		models.ServerTypeVPS: {
			Base:         decimal.RequireFromString("2.00"),
			PerCPU:       decimal.RequireFromString("1.50"),
			PerGBMemory:  decimal.RequireFromString("0.75"),
			PerGBStorage: decimal.RequireFromString("0.04"),
		},
	}
}

type harness struct {
	store *db.Store
	fake  *gateway.Fake
	set   *gateway.Set
	audit *AuditWriter
	ctrl  *Controller
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newTestStore(t)
	fake := gateway.NewFake("fake")
	set, err := gateway.NewSet(map[models.ServerType]gateway.Gateway{models.ServerTypeVPS: fake})
	if err != nil {
		t.Fatalf("gateway set: %v", err)
	}
	audit := NewAuditWriter(store, 64, testLogger())
	t.Cleanup(func() { _ = audit.Close(context.Background()) })
	h := &harness{store: store, fake: fake, set: set, audit: audit, now: testBase}
	h.ctrl = NewController(store, set, testLogger()).
		WithAuditWriter(audit).
		WithPricing(testPricing()).
		WithClock(func() time.Time { return h.now })
	return h
}

// seed inserts a server directly, bypassing the provider.
func (h *harness) seed(t *testing.T, id string, status models.ServerStatus, externalID string) models.Server {
	t.Helper()
	server := testutil.NewTestServer(testutil.ServerOpts{
		ID:           id,
		OwnerID:      testUser.ID,
		Name:         id,
		Status:       status,
		ExternalID:   externalID,
		Spec:         testSpec,
		PriceMonthly: "10.00",
		ExpiresAt:    h.now.Add(10 * 24 * time.Hour),
		CreatedAt:    h.now,
	})
	if err := h.store.CreateServer(context.Background(), server); err != nil {
		t.Fatalf("seed server %s: %v", id, err)
	}
	if externalID != "" && status != models.ServerDeleted {
		state := gateway.StateActive
		if status == models.ServerStopped {
			state = gateway.StateStopped
		}
		h.fake.Put(externalID, state, "198.51.100.9")
	}
	return server
}

func (h *harness) server(t *testing.T, id string) models.Server {
	t.Helper()
	server, err := h.store.GetServer(context.Background(), id)
	if err != nil {
		t.Fatalf("get server %s: %v", id, err)
	}
	return server
}

// activity flushes the audit writer and returns the server's entries.
// The writer accepts no entries afterwards.
func (h *harness) activity(t *testing.T, id string) []models.ActivityLogEntry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.audit.Close(ctx); err != nil {
		t.Fatalf("close audit writer: %v", err)
	}
	entries, err := h.store.ListActivity(context.Background(), id, 0, 100)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	return entries
}

func countActions(entries []models.ActivityLogEntry, action models.ActivityAction) int {
	n := 0
	for _, e := range entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func requireConflict(t *testing.T, err error) *ConflictError {
	t.Helper()
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	return conflict
}
