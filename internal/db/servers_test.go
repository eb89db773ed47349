package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hostlane/hostlane/internal/models"
	testutil "github.com/hostlane/hostlane/internal/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = testutil.FixedTime

func testServer(id string, status models.ServerStatus) models.Server {
	return testutil.NewTestServer(testutil.ServerOpts{ID: id, Status: status})
}

func mustCreate(t *testing.T, store *Store, server models.Server) {
	t.Helper()
	require.NoError(t, store.CreateServer(context.Background(), server))
}

func TestCreateServer(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		server := testServer("a", models.ServerRequested)
		mustCreate(t, store, server)

		got, err := store.GetServer(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.OwnerID)
		assert.Equal(t, models.ServerTypeVPS, got.Type)
		assert.Equal(t, models.ServerRequested, got.Status)
		assert.Equal(t, server.Spec, got.Spec)
		assert.True(t, got.PriceMonthly.Equal(decimal.RequireFromString("12.5")))
		assert.True(t, got.ExpiresAt.Equal(server.ExpiresAt))
		assert.True(t, got.CreatedAt.Equal(baseTime))
		assert.Empty(t, got.ExternalID)
		assert.True(t, got.ReconciledAt.IsZero())
	})

	t.Run("nil store", func(t *testing.T) {
		err := (*Store)(nil).CreateServer(ctx, testServer("a", models.ServerRequested))
		assert.EqualError(t, err, "db store is nil")
	})

	t.Run("missing id", func(t *testing.T) {
		store := openTestStore(t)
		err := store.CreateServer(ctx, testServer("", models.ServerRequested))
		assert.EqualError(t, err, "server id is required")
	})

	t.Run("invalid type", func(t *testing.T) {
		store := openTestStore(t)
		server := testServer("a", models.ServerRequested)
		server.Type = "DEDICATED"
		err := store.CreateServer(ctx, server)
		assert.EqualError(t, err, `invalid server type "DEDICATED"`)
	})

	t.Run("duplicate id", func(t *testing.T) {
		store := openTestStore(t)
		mustCreate(t, store, testServer("a", models.ServerRequested))
		assert.Error(t, store.CreateServer(ctx, testServer("a", models.ServerRequested)))
	})
}

func TestGetServerNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetServer(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServerNotFound))
}

func TestCompareAndSetStatusIfUnchanged(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	mustCreate(t, store, testServer("a", models.ServerActive))
	snapshot, err := store.GetServer(ctx, "a")
	require.NoError(t, err)

	// Stop then start: the status is back to ACTIVE but the row moved on.
	for _, step := range [][2]models.ServerStatus{
		{models.ServerActive, models.ServerStopping},
		{models.ServerStopping, models.ServerStopped},
		{models.ServerStopped, models.ServerStarting},
		{models.ServerStarting, models.ServerActive},
	} {
		ok, err := store.CompareAndSetStatus(ctx, "a", step[0], step[1])
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := store.CompareAndSetStatusIfUnchanged(ctx, "a", models.ServerActive, models.ServerStopped, snapshot.UpdatedAt)
	require.NoError(t, err)
	assert.False(t, ok)

	fresh, err := store.GetServer(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.ServerActive, fresh.Status)
	ok, err = store.CompareAndSetStatusIfUnchanged(ctx, "a", models.ServerActive, models.ServerStopped, fresh.UpdatedAt)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompareAndSetStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("matching status is swapped", func(t *testing.T) {
		store := openTestStore(t)
		mustCreate(t, store, testServer("a", models.ServerActive))

		ok, err := store.CompareAndSetStatus(ctx, "a", models.ServerActive, models.ServerStopping)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.GetServer(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, models.ServerStopping, got.Status)
		assert.Equal(t, models.ServerActive, got.PreviousStatus)
		assert.True(t, got.UpdatedAt.After(baseTime))
	})

	t.Run("stale expectation is rejected", func(t *testing.T) {
		store := openTestStore(t)
		mustCreate(t, store, testServer("a", models.ServerStopped))

		ok, err := store.CompareAndSetStatus(ctx, "a", models.ServerActive, models.ServerStopping)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.GetServer(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, models.ServerStopped, got.Status)
	})

	t.Run("deleted is terminal", func(t *testing.T) {
		store := openTestStore(t)
		mustCreate(t, store, testServer("a", models.ServerDeleted))

		for _, next := range []models.ServerStatus{models.ServerActive, models.ServerError, models.ServerDeleted} {
			ok, err := store.CompareAndSetStatus(ctx, "a", models.ServerDeleted, next)
			require.NoError(t, err)
			assert.False(t, ok, "DELETED -> %s", next)
		}
	})

	t.Run("moving to deleted clears provider fields", func(t *testing.T) {
		store := openTestStore(t)
		server := testServer("a", models.ServerDeleting)
		server.ExternalID = "vps-123"
		server.IPAddress = "203.0.113.7"
		mustCreate(t, store, server)

		ok, err := store.CompareAndSetStatus(ctx, "a", models.ServerDeleting, models.ServerDeleted)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := store.GetServer(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, models.ServerDeleted, got.Status)
		assert.Empty(t, got.ExternalID)
		assert.Empty(t, got.IPAddress)
	})

	t.Run("unknown id reports false", func(t *testing.T) {
		store := openTestStore(t)
		ok, err := store.CompareAndSetStatus(ctx, "missing", models.ServerActive, models.ServerStopping)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		store := openTestStore(t)
		mustCreate(t, store, testServer("a", models.ServerActive))

		targets := []models.ServerStatus{models.ServerStopping, models.ServerDeleting, models.ServerRestarting, models.ServerExtending}
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for _, target := range targets {
			wg.Add(1)
			go func(target models.ServerStatus) {
				defer wg.Done()
				ok, err := store.CompareAndSetStatus(ctx, "a", models.ServerActive, target)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(target)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestUpdateServer(t *testing.T) {
	ctx := context.Background()
	ptr := func(s string) *string { return &s }

	t.Run("writes derived fields", func(t *testing.T) {
		store := openTestStore(t)
		mustCreate(t, store, testServer("a", models.ServerProvisioning))
		expires := baseTime.Add(90 * 24 * time.Hour)

		err := store.UpdateServer(ctx, "a", ServerPatch{ExternalID: ptr("vps-123"), IPAddress: ptr("203.0.113.7"), ExpiresAt: &expires})
		require.NoError(t, err)

		got, err := store.GetServer(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "vps-123", got.ExternalID)
		assert.Equal(t, "203.0.113.7", got.IPAddress)
		assert.True(t, got.ExpiresAt.Equal(expires))
	})

	t.Run("external id is immutable once set", func(t *testing.T) {
		store := openTestStore(t)
		server := testServer("a", models.ServerActive)
		server.ExternalID = "vps-123"
		mustCreate(t, store, server)

		require.NoError(t, store.UpdateServer(ctx, "a", ServerPatch{ExternalID: ptr("vps-123")}))
		err := store.UpdateServer(ctx, "a", ServerPatch{ExternalID: ptr("vps-999")})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrExternalIDImmutable))

		got, err := store.GetServer(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "vps-123", got.ExternalID)
	})

	t.Run("deleted servers are not patched", func(t *testing.T) {
		store := openTestStore(t)
		mustCreate(t, store, testServer("a", models.ServerDeleted))
		err := store.UpdateServer(ctx, "a", ServerPatch{IPAddress: ptr("203.0.113.7")})
		assert.True(t, errors.Is(err, ErrServerDeleted))
	})

	t.Run("missing server", func(t *testing.T) {
		store := openTestStore(t)
		err := store.UpdateServer(ctx, "missing", ServerPatch{IPAddress: ptr("203.0.113.7")})
		assert.True(t, errors.Is(err, ErrServerNotFound))
	})

	t.Run("empty patch is a no-op", func(t *testing.T) {
		store := openTestStore(t)
		assert.NoError(t, store.UpdateServer(ctx, "missing", ServerPatch{}))
	})
}

func TestListServers(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	a := testServer("a", models.ServerActive)
	b := testServer("b", models.ServerStopped)
	b.CreatedAt = baseTime.Add(time.Hour)
	c := testServer("c", models.ServerActive)
	c.OwnerID = "user-2"
	c.CreatedAt = baseTime.Add(2 * time.Hour)
	for _, s := range []models.Server{a, b, c} {
		mustCreate(t, store, s)
	}

	all, err := store.ListServers(ctx, ServerFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	owned, err := store.ListServers(ctx, ServerFilter{OwnerID: "user-1"})
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, "b", owned[0].ID)

	active, err := store.ListServers(ctx, ServerFilter{Status: models.ServerActive, Limit: 1})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c", active[0].ID)
}

func TestCountServersByStatus(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	mustCreate(t, store, testServer("a", models.ServerActive))
	mustCreate(t, store, testServer("b", models.ServerActive))
	mustCreate(t, store, testServer("c", models.ServerError))

	counts, err := store.CountServersByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[models.ServerStatus]int{models.ServerActive: 2, models.ServerError: 1}, counts)
}

func TestListReconcilable(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	withExternal := func(id string, status models.ServerStatus) models.Server {
		s := testServer(id, status)
		s.ExternalID = "ext-" + id
		return s
	}
	mustCreate(t, store, withExternal("active", models.ServerActive))
	mustCreate(t, store, withExternal("stopped", models.ServerStopped))
	mustCreate(t, store, withExternal("expired", models.ServerExpired))
	mustCreate(t, store, withExternal("error", models.ServerError))
	mustCreate(t, store, withExternal("busy", models.ServerStopping))
	mustCreate(t, store, testServer("deleted", models.ServerDeleted))
	mustCreate(t, store, testServer("requested", models.ServerRequested))
	mustCreate(t, store, testServer("noext", models.ServerError))

	require.NoError(t, store.MarkReconciled(ctx, "active", baseTime))

	got, err := store.ListReconcilable(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"error", "expired", "stopped", "active"}, ids)

	limited, err := store.ListReconcilable(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = store.ListReconcilable(ctx, 0)
	assert.EqualError(t, err, "limit must be positive")
}

func TestListExpiring(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	past := testServer("past", models.ServerActive)
	past.ExpiresAt = baseTime.Add(-time.Minute)
	stopped := testServer("stopped", models.ServerStopped)
	stopped.ExpiresAt = baseTime.Add(-time.Hour)
	future := testServer("future", models.ServerActive)
	future.ExpiresAt = baseTime.Add(time.Hour)
	already := testServer("already", models.ServerExpired)
	already.ExpiresAt = baseTime.Add(-time.Hour)
	errored := testServer("errored", models.ServerError)
	errored.ExpiresAt = baseTime.Add(-time.Hour)
	for _, s := range []models.Server{past, stopped, future, already, errored} {
		mustCreate(t, store, s)
	}

	exact := testServer("exact", models.ServerActive)
	exact.ExpiresAt = baseTime
	mustCreate(t, store, exact)

	got, err := store.ListExpiring(ctx, baseTime, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "stopped", got[0].ID)
	assert.Equal(t, "past", got[1].ID)

	// A term ending exactly now is still paid for.
	later, err := store.ListExpiring(ctx, baseTime.Add(time.Nanosecond), 10)
	require.NoError(t, err)
	assert.Len(t, later, 3)
}

func TestExpireIfDue(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	due := testServer("due", models.ServerActive)
	due.ExpiresAt = baseTime.Add(-time.Minute)
	exact := testServer("exact", models.ServerStopped)
	exact.ExpiresAt = baseTime
	extended := testServer("extended", models.ServerActive)
	extended.ExpiresAt = baseTime.Add(-time.Minute)
	for _, s := range []models.Server{due, exact, extended} {
		mustCreate(t, store, s)
	}

	ok, err := store.ExpireIfDue(ctx, "due", models.ServerActive, baseTime)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := store.GetServer(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, models.ServerExpired, got.Status)
	assert.Equal(t, models.ServerActive, got.PreviousStatus)

	ok, err = store.ExpireIfDue(ctx, "exact", models.ServerStopped, baseTime)
	require.NoError(t, err)
	assert.False(t, ok, "term ending exactly now must not expire")

	// The term was extended after the sweep listed the server; the status
	// still matches but the new expiry must win.
	newExpiry := baseTime.Add(90 * 24 * time.Hour)
	require.NoError(t, store.UpdateServer(ctx, "extended", ServerPatch{ExpiresAt: &newExpiry}))
	ok, err = store.ExpireIfDue(ctx, "extended", models.ServerActive, baseTime)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err = store.GetServer(ctx, "extended")
	require.NoError(t, err)
	assert.Equal(t, models.ServerActive, got.Status)

	_, err = store.ExpireIfDue(ctx, "due", models.ServerError, baseTime)
	assert.Error(t, err)
}

func TestListStaleClaims(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	mustCreate(t, store, testServer("held", models.ServerStopping))
	mustCreate(t, store, testServer("prov", models.ServerProvisioning))
	mustCreate(t, store, testServer("idle", models.ServerActive))
	mustCreate(t, store, testServer("orphan", models.ServerRequested))

	got, err := store.ListStaleClaims(ctx, baseTime)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"held", "prov", "orphan"}, ids)

	none, err := store.ListStaleClaims(ctx, baseTime.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, none)
}
