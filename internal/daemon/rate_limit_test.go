package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hostlane/hostlane/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRateLimiterRefills(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewClientRateLimiter(1, 2)
	require.NotNil(t, limiter)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("actor:a"))
	assert.True(t, limiter.Allow("actor:a"))
	assert.False(t, limiter.Allow("actor:a"))
	assert.True(t, limiter.Allow("actor:b"), "buckets are per client")

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("actor:a"))
	assert.False(t, limiter.Allow("actor:a"))
}

func TestClientRateLimiterEvictsIdleClients(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewClientRateLimiter(1, 1)
	limiter.now = func() time.Time { return now }

	limiter.Allow("actor:a")
	now = now.Add(defaultRateLimitTTL + time.Second)
	limiter.Allow("actor:b")

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	_, ok := limiter.entries["actor:a"]
	assert.False(t, ok)
	assert.Len(t, limiter.entries, 1)
}

func TestClientRateLimiterDisabled(t *testing.T) {
	var limiter *ClientRateLimiter = NewClientRateLimiter(0, 10)
	assert.Nil(t, limiter)
	assert.True(t, limiter.Allow("anything"))
}

func TestClientRateLimiterWrapKeysByActor(t *testing.T) {
	limiter := NewClientRateLimiter(0.001, 1)
	handler := limiter.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	send := func(actor models.Actor) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/servers", nil)
		req = req.WithContext(context.WithValue(req.Context(), actorContextKey{}, actor))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, send(testUser))
	assert.Equal(t, http.StatusTooManyRequests, send(testUser))
	assert.Equal(t, http.StatusNoContent, send(testOther))
}
