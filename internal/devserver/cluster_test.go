// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package devserver

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

func newTestCluster(t *testing.T) (*Cluster, core.FileInfo) {
	c := NewMemCluster(3, time.Second)
	info, err := c.CreateFile("vol", 10<<20, 4<<20)
	require.Equal(t, core.NoError, err)
	return c, info
}

func TestCreateAndStat(t *testing.T) {
	c, info := newTestCluster(t)
	require.Equal(t, 3, info.NumChunks())

	_, err := c.CreateFile("vol", 1, 0)
	require.Equal(t, core.ErrFileExists, err)
	_, err = c.CreateFile("bad", 0, 0)
	require.Equal(t, core.ErrInvalidArgument, err)

	got, err := c.StatFile("vol")
	require.Equal(t, core.NoError, err)
	require.Equal(t, info, got)
	_, err = c.StatFile("nope")
	require.Equal(t, core.ErrNoSuchFile, err)

	def, err := c.CreateFile("default", 1, 0)
	require.Equal(t, core.NoError, err)
	require.EqualValues(t, core.DefaultChunkSize, def.ChunkSize)

	// Every chunk index has to fit in 32 bits.
	_, err = c.CreateFile("huge", 1<<32+1, 1)
	require.Equal(t, core.ErrInvalidArgument, err)
	_, err = c.CreateFile("huge", math.MaxInt64, 4<<20)
	require.Equal(t, core.ErrInvalidArgument, err)
	big, err := c.CreateFile("huge", 1<<32, 1)
	require.Equal(t, core.NoError, err)
	require.Equal(t, 1<<32, big.NumChunks())
}

func TestRoutes(t *testing.T) {
	c, info := newTestCluster(t)
	id := core.ChunkIDFromParts(info.ID, 1)

	r, err := c.GetLeader(id)
	require.Equal(t, core.NoError, err)
	require.Len(t, r.Peers, 3)
	require.Equal(t, r.Peers[0], r.Leader)
	require.EqualValues(t, 1, r.Epoch)

	again, _ := c.GetLeader(id)
	require.Equal(t, r, again)

	_, err = c.GetLeader(core.ChunkIDFromParts(info.ID, 3))
	require.Equal(t, core.ErrNoSuchChunk, err)
	_, err = c.GetLeader(core.ChunkIDFromParts(99, 0))
	require.Equal(t, core.ErrNoSuchFile, err)

	moved, err := c.MoveLeader(id)
	require.Equal(t, core.NoError, err)
	require.Equal(t, r.Peers[1], moved.Leader)
	require.EqualValues(t, 2, moved.Epoch)
}

func TestChunkIO(t *testing.T) {
	c, info := newTestCluster(t)
	id := core.ChunkIDFromParts(info.ID, 2)
	r, _ := c.GetLeader(id)
	data := []byte("hello, chunk")

	// The last chunk is short: 10MB file, 4MB chunks.
	_, err := c.WriteChunk(r.Leader, id, r.Epoch, 2<<20-2, data)
	require.Equal(t, core.ErrOutOfRange, err)
	_, err = c.WriteChunk(r.Leader, id, r.Epoch, math.MaxInt64-2, data)
	require.Equal(t, core.ErrOutOfRange, err)
	_, err = c.ReadChunk(r.Leader, id, r.Epoch, math.MaxInt64-2, make([]byte, len(data)), false)
	require.Equal(t, core.ErrOutOfRange, err)

	_, err = c.WriteChunk(r.Leader, id, r.Epoch, 100, data)
	require.Equal(t, core.NoError, err)

	// A follower refuses strong reads and writes, with a hint.
	hint, err := c.WriteChunk(r.Peers[1], id, r.Epoch, 100, data)
	require.Equal(t, core.ErrNotLeader, err)
	require.Equal(t, core.LeaderHint{Leader: r.Leader, Epoch: r.Epoch}, hint)

	got := make([]byte, len(data))
	_, err = c.ReadChunk(r.Peers[1], id, r.Epoch, 100, got, false)
	require.Equal(t, core.ErrNotLeader, err)

	// But serves applied-index reads.
	_, err = c.ReadChunk(r.Peers[1], id, 0, 100, got, true)
	require.Equal(t, core.NoError, err)
	require.True(t, bytes.Equal(data, got))

	// After a leadership change the old epoch is stale at the new leader.
	moved, _ := c.MoveLeader(id)
	hint, err = c.WriteChunk(moved.Leader, id, r.Epoch, 100, data)
	require.Equal(t, core.ErrStaleEpoch, err)
	require.Equal(t, moved.Epoch, hint.Epoch)
	_, err = c.WriteChunk(moved.Leader, id, moved.Epoch, 100, data)
	require.Equal(t, core.NoError, err)
}

func TestTraceInjectsErrors(t *testing.T) {
	c, info := newTestCluster(t)
	id := core.ChunkIDFromParts(info.ID, 0)
	r, _ := c.GetLeader(id)

	var seen []TraceEntry
	c.SetTrace(func(e TraceEntry) core.Error {
		seen = append(seen, e)
		if e.Write {
			return core.ErrTimeout
		}
		return core.NoError
	})
	_, err := c.WriteChunk(r.Leader, id, r.Epoch, 0, []byte{1})
	require.Equal(t, core.ErrTimeout, err)
	_, err = c.ReadChunk(r.Leader, id, r.Epoch, 0, make([]byte, 1), false)
	require.Equal(t, core.NoError, err)
	require.Len(t, seen, 2)
	require.True(t, seen[0].Write)
	require.Equal(t, 1, seen[1].Length)

	c.SetTrace(nil)
	c.Failures().Set("write", core.ErrIO)
	_, err = c.WriteChunk(r.Leader, id, r.Epoch, 0, []byte{1})
	require.Equal(t, core.ErrIO, err)
}

func TestLeases(t *testing.T) {
	c, info := newTestCluster(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	period, err := c.AcquireLease(info.ID, "a")
	require.Equal(t, core.NoError, err)
	require.Equal(t, time.Second, period)

	_, err = c.AcquireLease(info.ID, "b")
	require.Equal(t, core.ErrLeaseDenied, err)
	_, err = c.RenewLease(info.ID, "b")
	require.Equal(t, core.ErrLeaseExpired, err)

	now = now.Add(900 * time.Millisecond)
	_, err = c.RenewLease(info.ID, "a")
	require.Equal(t, core.NoError, err)
	require.Equal(t, 1, c.Stats().Leases)

	// Expired leases can't be renewed, and can be taken over.
	now = now.Add(2 * time.Second)
	_, err = c.RenewLease(info.ID, "a")
	require.Equal(t, core.ErrLeaseExpired, err)
	_, err = c.AcquireLease(info.ID, "b")
	require.Equal(t, core.NoError, err)

	// Releasing somebody else's lease does nothing.
	require.Equal(t, core.NoError, c.ReleaseLease(info.ID, "a"))
	_, err = c.AcquireLease(info.ID, "a")
	require.Equal(t, core.ErrLeaseDenied, err)
	require.Equal(t, core.NoError, c.ReleaseLease(info.ID, "b"))
	_, err = c.AcquireLease(info.ID, "a")
	require.Equal(t, core.NoError, err)
}

func TestMetaLeader(t *testing.T) {
	c := NewMemCluster(3, time.Second)
	require.True(t, c.IsMetaLeader("1"))
	require.Equal(t, "2", c.MoveMetaLeader())
	require.False(t, c.IsMetaLeader("1"))
	require.Equal(t, "2", c.Stats().MetaLeader)
}
