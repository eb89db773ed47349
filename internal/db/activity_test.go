package db

import (
	"context"
	"testing"
	"time"

	"github.com/hostlane/hostlane/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("append and list in order", func(t *testing.T) {
		store := openTestStore(t)
		entries := []models.ActivityLogEntry{
			{ServerID: "a", ActorID: "user-1", Action: models.ActionProvision, Timestamp: baseTime, SourceAddress: "198.51.100.4"},
			{ServerID: "a", ActorID: "user-1", Action: models.ActionStop, Timestamp: baseTime.Add(time.Minute)},
			{ServerID: "b", ActorID: "system", Action: models.ActionExpire, Timestamp: baseTime.Add(2 * time.Minute)},
			{ServerID: "a", ActorID: "user-1", Action: models.ActionExtend, Timestamp: baseTime.Add(3 * time.Minute), Details: "months=3"},
		}
		for _, entry := range entries {
			id, err := store.AppendActivity(ctx, entry)
			require.NoError(t, err)
			assert.Positive(t, id)
		}

		got, err := store.ListActivity(ctx, "a", 0, 10)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, models.ActionProvision, got[0].Action)
		assert.Equal(t, "198.51.100.4", got[0].SourceAddress)
		assert.Equal(t, models.ActionStop, got[1].Action)
		assert.Equal(t, models.ActionExtend, got[2].Action)
		assert.Equal(t, "months=3", got[2].Details)
		assert.True(t, got[2].Timestamp.Equal(baseTime.Add(3*time.Minute)))

		after, err := store.ListActivity(ctx, "a", got[0].ID, 10)
		require.NoError(t, err)
		assert.Len(t, after, 2)
	})

	t.Run("required fields", func(t *testing.T) {
		store := openTestStore(t)
		_, err := store.AppendActivity(ctx, models.ActivityLogEntry{ActorID: "x", Action: models.ActionStart})
		assert.EqualError(t, err, "activity server id is required")
		_, err = store.AppendActivity(ctx, models.ActivityLogEntry{ServerID: "a", ActorID: "x"})
		assert.EqualError(t, err, "activity action is required")
		_, err = store.AppendActivity(ctx, models.ActivityLogEntry{ServerID: "a", Action: models.ActionStart})
		assert.EqualError(t, err, "activity actor is required")
	})

	t.Run("list validates input", func(t *testing.T) {
		store := openTestStore(t)
		_, err := store.ListActivity(ctx, " ", 0, 10)
		assert.EqualError(t, err, "server id is required")
		_, err = store.ListActivity(ctx, "a", 0, 0)
		assert.EqualError(t, err, "limit must be positive")
	})
}
