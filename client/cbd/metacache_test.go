// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/internal/devserver"
)

func newTestCache(t *testing.T) (*metaCache, *countingMeta, *devserver.Cluster, core.FileInfo) {
	c := devserver.NewMemCluster(3, time.Second)
	info, err := c.CreateFile("vol", 16<<20, 4<<20)
	require.Equal(t, core.NoError, err)
	meta := &countingMeta{MetaTalker: newMemMetaTalker(c)}
	return newMetaCache(context.Background(), meta, testOptions(t)), meta, c, info
}

func TestResolveIsCached(t *testing.T) {
	mc, meta, c, info := newTestCache(t)
	id := core.ChunkIDFromParts(info.ID, 2)

	r, err := mc.Resolve(context.Background(), id)
	require.Equal(t, core.NoError, err)
	want, _ := c.GetLeader(id)
	require.Equal(t, want, r)
	require.Equal(t, 1, meta.count())

	for i := 0; i < 10; i++ {
		again, err := mc.Resolve(context.Background(), id)
		require.Equal(t, core.NoError, err)
		require.Equal(t, r.Leader, again.Leader)
	}
	require.Equal(t, 1, meta.count())

	// Other chunks are looked up on their own.
	_, err = mc.Resolve(context.Background(), core.ChunkIDFromParts(info.ID, 3))
	require.Equal(t, core.NoError, err)
	require.Equal(t, 2, meta.count())
}

func TestInvalidateCausesOneLookup(t *testing.T) {
	mc, meta, c, info := newTestCache(t)
	id := core.ChunkIDFromParts(info.ID, 0)

	r, _ := mc.Resolve(context.Background(), id)
	moved, _ := c.MoveLeader(id)
	mc.Invalidate(id, r.Epoch)

	// Many callers wait for the same lookup.
	meta.delay = 50 * time.Millisecond
	var wg sync.WaitGroup
	routes := make([]core.ChunkRoute, 16)
	errs := make([]core.Error, len(routes))
	for i := range routes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			routes[i], errs[i] = mc.Resolve(context.Background(), id)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 2, meta.count())
	for i, got := range routes {
		require.Equal(t, core.NoError, errs[i])
		require.Equal(t, moved.Leader, got.Leader)
		require.Equal(t, moved.Epoch, got.Epoch)
	}
}

func TestEpochOrdering(t *testing.T) {
	mc, _, _, info := newTestCache(t)
	id := core.ChunkIDFromParts(info.ID, 1)

	require.True(t, mc.UpdateLeader(id, "b", 5))
	require.False(t, mc.UpdateLeader(id, "a", 4))
	r, ok := mc.cached(id)
	require.True(t, ok)
	require.Equal(t, "b", r.Leader)
	require.EqualValues(t, 5, r.Epoch)

	// An invalidation for an older epoch than we know is stale.
	mc.Invalidate(id, 3)
	_, ok = mc.cached(id)
	require.True(t, ok)

	mc.Invalidate(id, 5)
	_, ok = mc.cached(id)
	require.False(t, ok)

	// The tombstone still remembers epoch 5.
	require.False(t, mc.UpdateLeader(id, "a", 4))
	require.True(t, mc.UpdateLeader(id, "c", 6))
	r, ok = mc.cached(id)
	require.True(t, ok)
	require.Equal(t, "c", r.Leader)
	require.Contains(t, r.Peers, "b")
	require.Contains(t, r.Peers, "c")
}

func TestResolveFailures(t *testing.T) {
	mc, meta, _, info := newTestCache(t)

	// Transient lookup errors are retried getLeaderRetry times.
	meta.fail(core.ErrTimeout)
	_, err := mc.Resolve(context.Background(), core.ChunkIDFromParts(info.ID, 0))
	require.Equal(t, core.ErrNoLeader, err)
	require.Equal(t, testOptions(t).GetLeaderRetry, meta.count())

	// A chunk that doesn't exist isn't.
	meta.fail(core.NoError)
	_, err = mc.Resolve(context.Background(), core.ChunkIDFromParts(info.ID, 9))
	require.Equal(t, core.ErrNoSuchChunk, err)
	require.Equal(t, testOptions(t).GetLeaderRetry+1, meta.count())

	// Nothing was cached for either.
	_, ok := mc.cached(core.ChunkIDFromParts(info.ID, 0))
	require.False(t, ok)
}

func TestResolveCancelled(t *testing.T) {
	mc, meta, _, info := newTestCache(t)
	meta.delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	st := time.Now()
	_, err := mc.Resolve(ctx, core.ChunkIDFromParts(info.ID, 0))
	require.Equal(t, core.ErrCanceled, err)
	require.True(t, time.Since(st) < time.Second)
}
