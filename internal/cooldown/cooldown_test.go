// SPDX-License-Identifier: GPL-3.0-or-later
package cooldown

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/CrawX/warmupworker/internal/domain"
	"github.com/CrawX/warmupworker/internal/logging"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	logging.Init("debug")

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return &Store{client: client, l: logging.Logger(logging.Cooldown)}, srv
}

func TestMarkAndIsBlocked(t *testing.T) {
	store, srv := newTestStore(t)
	ctx := context.Background()

	ok, err := store.IsBlocked(ctx, "a@x.com")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.MarkBlocked(ctx, "a@x.com"))

	ok, err = store.IsBlocked(ctx, "a@x.com")
	require.NoError(t, err)
	require.True(t, ok)

	ttl := srv.TTL(blockedPrefix + "a@x.com")
	require.InDelta(t, blockedTTL.Seconds(), ttl.Seconds(), 2)

	require.NoError(t, store.ClearBlocked(ctx, "a@x.com"))
	ok, err = store.IsBlocked(ctx, "a@x.com")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkAndIsInCooldown(t *testing.T) {
	store, srv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkCooldown(ctx, "a@x.com"))
	ok, err := store.IsInCooldown(ctx, "a@x.com")
	require.NoError(t, err)
	require.True(t, ok)

	ttl := srv.TTL(cooldownPrefix + "a@x.com")
	require.InDelta(t, cooldownTTL.Seconds(), ttl.Seconds(), 2)
}

func TestAddToBucket_DedupsWithinHour(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	entry := domain.BatchEntry{
		WarmupRequest: domain.WarmupRequest{To: "b@y.com", ReplyFrom: "a@x.com"},
		ReceiptHandle: "rh-1",
		AddedAt:       time.Now().UnixMilli(),
	}

	inserted, err := store.AddToBucket(ctx, "a@x.com", entry)
	require.NoError(t, err)
	require.True(t, inserted)

	entry2 := entry
	entry2.ReceiptHandle = "rh-2"
	inserted, err = store.AddToBucket(ctx, "a@x.com", entry2)
	require.NoError(t, err)
	require.False(t, inserted, "second insert with the same (replyFrom, to) must coalesce")

	grouped, err := store.ReadBucket(ctx)
	require.NoError(t, err)
	require.Len(t, grouped["a@x.com"], 1)
	require.Equal(t, "rh-1", grouped["a@x.com"][0].ReceiptHandle)
}

func TestReadBucket_RegroupsByReplyFrom(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddToBucket(ctx, "a@x.com", domain.BatchEntry{
		WarmupRequest: domain.WarmupRequest{To: "b1@y.com", ReplyFrom: "a@x.com"},
	})
	require.NoError(t, err)
	_, err = store.AddToBucket(ctx, "a@x.com", domain.BatchEntry{
		WarmupRequest: domain.WarmupRequest{To: "b2@y.com", ReplyFrom: "a@x.com"},
	})
	require.NoError(t, err)
	_, err = store.AddToBucket(ctx, "c@z.com", domain.BatchEntry{
		WarmupRequest: domain.WarmupRequest{To: "d@y.com", ReplyFrom: "c@z.com"},
	})
	require.NoError(t, err)

	grouped, err := store.ReadBucket(ctx)
	require.NoError(t, err)
	require.Len(t, grouped["a@x.com"], 2)
	require.Len(t, grouped["c@z.com"], 1)
}

func TestRemoveSenders_OnlyDeletesMatchingPrefix(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddToBucket(ctx, "a@x.com", domain.BatchEntry{
		WarmupRequest: domain.WarmupRequest{To: "b@y.com", ReplyFrom: "a@x.com"},
	})
	require.NoError(t, err)
	_, err = store.AddToBucket(ctx, "c@z.com", domain.BatchEntry{
		WarmupRequest: domain.WarmupRequest{To: "d@y.com", ReplyFrom: "c@z.com"},
	})
	require.NoError(t, err)

	require.NoError(t, store.RemoveSenders(ctx, []string{"a@x.com"}))

	grouped, err := store.ReadBucket(ctx)
	require.NoError(t, err)
	require.NotContains(t, grouped, "a@x.com")
	require.Contains(t, grouped, "c@z.com")
}
