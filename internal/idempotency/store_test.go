package idempotency_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"attendance-service/internal/idempotency"
	"attendance-service/testing/testredis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreIntegration(t *testing.T) {
	redisContainer := testredis.SetupSharedRedis(t)
	ctx := context.Background()

	t.Run("Begin_ReservesNewKey", func(t *testing.T) {
		store := idempotency.NewStore(redisContainer.Client(t), time.Minute)

		token, resp, err := store.Begin(ctx, "7:abc")
		require.NoError(t, err)
		assert.Nil(t, resp)
		assert.NotEmpty(t, token)
	})

	t.Run("Begin_InFlightKey", func(t *testing.T) {
		store := idempotency.NewStore(redisContainer.Client(t), time.Minute)

		_, _, err := store.Begin(ctx, "7:abc")
		require.NoError(t, err)

		_, _, err = store.Begin(ctx, "7:abc")
		assert.ErrorIs(t, err, idempotency.ErrInFlight)
	})

	t.Run("Complete_ReplaysResponse", func(t *testing.T) {
		store := idempotency.NewStore(redisContainer.Client(t), time.Minute)

		token, _, err := store.Begin(ctx, "7:abc")
		require.NoError(t, err)

		body := json.RawMessage(`{"record_ids":[11]}`)
		require.NoError(t, store.Complete(ctx, "7:abc", token, idempotency.Response{Status: 201, Body: body}))

		token, resp, err := store.Begin(ctx, "7:abc")
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Empty(t, token)
		assert.Equal(t, 201, resp.Status)
		assert.JSONEq(t, string(body), string(resp.Body))
	})

	t.Run("Release_AllowsRetry", func(t *testing.T) {
		store := idempotency.NewStore(redisContainer.Client(t), time.Minute)

		token, _, err := store.Begin(ctx, "7:abc")
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, "7:abc", token))

		token, resp, err := store.Begin(ctx, "7:abc")
		require.NoError(t, err)
		assert.Nil(t, resp)
		assert.NotEmpty(t, token)
	})

	t.Run("Begin_KeyExpires", func(t *testing.T) {
		store := idempotency.NewStore(redisContainer.Client(t), 100*time.Millisecond)

		_, _, err := store.Begin(ctx, "7:abc")
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			token, resp, err := store.Begin(ctx, "7:abc")
			return err == nil && resp == nil && token != ""
		}, 2*time.Second, 50*time.Millisecond)
	})

	t.Run("ExpiredReservationCannotTouchNewerOne", func(t *testing.T) {
		client := redisContainer.Client(t)
		short := idempotency.NewStore(client, 100*time.Millisecond)
		long := idempotency.NewStore(client, time.Minute)

		stale, _, err := short.Begin(ctx, "7:abc")
		require.NoError(t, err)

		var fresh string
		require.Eventually(t, func() bool {
			token, resp, err := long.Begin(ctx, "7:abc")
			if err != nil || resp != nil || token == "" {
				return false
			}
			fresh = token
			return true
		}, 2*time.Second, 50*time.Millisecond)
		require.NotEqual(t, stale, fresh)

		require.NoError(t, short.Release(ctx, "7:abc", stale))
		err = short.Complete(ctx, "7:abc", stale, idempotency.Response{Status: 201, Body: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, idempotency.ErrReservationLost)

		_, _, err = long.Begin(ctx, "7:abc")
		assert.ErrorIs(t, err, idempotency.ErrInFlight, "the newer reservation must survive")

		require.NoError(t, long.Complete(ctx, "7:abc", fresh, idempotency.Response{Status: 201, Body: json.RawMessage(`{}`)}))
	})

	t.Run("Ping", func(t *testing.T) {
		store := idempotency.NewStore(redisContainer.Client(t), time.Minute)
		assert.NoError(t, store.Ping(ctx))
	})
}
