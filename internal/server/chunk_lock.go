// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"sync"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

// ChunkLock provides exclusive access to a given chunk. Different chunks are
// independent, so writes to different chunks of a file proceed in parallel.
type ChunkLock struct {
	// Protects cond and locked.
	lock sync.Mutex

	// Signals when something is unlocked.
	cond sync.Cond

	// If present, the chunk is locked.
	locked map[core.ChunkID]bool
}

// NewChunkLock creates a new ChunkLock.
func NewChunkLock() *ChunkLock {
	f := &ChunkLock{locked: make(map[core.ChunkID]bool)}
	f.cond.L = &f.lock
	return f
}

// Lock acquires exclusive access to a chunk.
func (f *ChunkLock) Lock(id core.ChunkID) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for f.locked[id] {
		f.cond.Wait()
	}
	f.locked[id] = true
}

// Unlock releases a chunk. It panics if the chunk wasn't locked.
func (f *ChunkLock) Unlock(id core.ChunkID) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.locked[id] {
		panic("wasn't locked!")
	}
	delete(f.locked, id)
	f.cond.Broadcast()
}
