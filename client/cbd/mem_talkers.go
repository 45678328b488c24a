// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"
	"time"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/internal/devserver"
)

// memMetaTalker talks to an in-process cluster.
type memMetaTalker struct {
	c *devserver.Cluster
}

func newMemMetaTalker(c *devserver.Cluster) *memMetaTalker {
	return &memMetaTalker{c: c}
}

func (m *memMetaTalker) GetLeader(ctx context.Context, id core.ChunkID) (core.ChunkRoute, core.Error) {
	return m.c.GetLeader(id)
}

func (m *memMetaTalker) CreateFile(ctx context.Context, name string, size, chunkSize int64) (core.FileInfo, core.Error) {
	return m.c.CreateFile(name, size, chunkSize)
}

func (m *memMetaTalker) StatFile(ctx context.Context, name string) (core.FileInfo, core.Error) {
	return m.c.StatFile(name)
}

func (m *memMetaTalker) AcquireLease(ctx context.Context, id core.FileID, session string) (time.Duration, core.Error) {
	return m.c.AcquireLease(id, session)
}

func (m *memMetaTalker) RenewLease(ctx context.Context, id core.FileID, session string) (time.Duration, core.Error) {
	return m.c.RenewLease(id, session)
}

func (m *memMetaTalker) ReleaseLease(ctx context.Context, id core.FileID, session string) core.Error {
	return m.c.ReleaseLease(id, session)
}

func (m *memMetaTalker) Close() {}

// memChunkTalker talks to the replicas of an in-process cluster.
type memChunkTalker struct {
	c *devserver.Cluster
}

func newMemChunkTalker(c *devserver.Cluster) *memChunkTalker {
	return &memChunkTalker{c: c}
}

func (m *memChunkTalker) Write(ctx context.Context, addr string, id core.ChunkID, epoch core.Epoch, b []byte, off int64) (core.LeaderHint, core.Error) {
	if ctx.Err() != nil {
		return core.LeaderHint{}, core.ErrCanceled
	}
	return m.c.WriteChunk(addr, id, epoch, off, b)
}

func (m *memChunkTalker) Read(ctx context.Context, addr string, id core.ChunkID, epoch core.Epoch, b []byte, off int64, applied bool) (core.LeaderHint, core.Error) {
	if ctx.Err() != nil {
		return core.LeaderHint{}, core.ErrCanceled
	}
	return m.c.ReadChunk(addr, id, epoch, off, b, applied)
}

func (m *memChunkTalker) Close() {}
