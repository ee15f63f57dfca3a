package authz

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCoherenceLocalOnlyWithoutClient(t *testing.T) {
	registry := NewVersionRegistry()
	coherence := NewCoherence(nil, registry, slog.Default(), nil)

	coherence.BumpSubject(context.Background(), UserSubject("userX"), 7)

	v, known := registry.Get(UserSubject("userX"))
	require.True(t, known)
	assert.Equal(t, int64(7), v)
}

func TestCoherencePropagatesSubjectBump(t *testing.T) {
	client := redisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerRegistry := NewVersionRegistry()
	writer := NewCoherence(client, writerRegistry, slog.Default(), nil)

	readerRegistry := NewVersionRegistry()
	reader := NewCoherence(client, readerRegistry, slog.Default(), nil)
	reader.Listen(ctx)

	// Subscription setup races the publish; retry until the reader sees it.
	require.Eventually(t, func() bool {
		writer.BumpSubject(ctx, UserSubject("userX"), 3)
		v, known := readerRegistry.Get(UserSubject("userX"))
		return known && v == 3
	}, 2*time.Second, 20*time.Millisecond)

	v, known := writerRegistry.Get(UserSubject("userX"))
	require.True(t, known)
	assert.Equal(t, int64(3), v)
}

func TestCoherencePropagatesHierarchyBump(t *testing.T) {
	client := redisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int64
	reader := NewCoherence(client, NewVersionRegistry(), slog.Default(), func(context.Context) {
		reloads.Add(1)
	})
	reader.Listen(ctx)

	writer := NewCoherence(client, NewVersionRegistry(), slog.Default(), nil)
	require.Eventually(t, func() bool {
		writer.BumpHierarchy(ctx)
		return reloads.Load() > 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCoherenceIgnoresMalformedPayloads(t *testing.T) {
	registry := NewVersionRegistry()
	coherence := NewCoherence(nil, registry, slog.Default(), nil)

	coherence.handle(context.Background(), "subject|user|userX")
	coherence.handle(context.Background(), "subject|user|userX|not-a-number")
	coherence.handle(context.Background(), "garbage")

	_, known := registry.Get(UserSubject("userX"))
	assert.False(t, known)
}
