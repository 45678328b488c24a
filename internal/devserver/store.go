// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package devserver

import (
	"sync"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

// pageSize is the unit in which chunk data is stored. Chunks are sparse: a
// page that was never written reads back as zeros.
const pageSize = 64 << 10

// Store keeps chunk data. Callers serialize access to any single chunk.
type Store interface {
	// ReadAt fills b from offset 'off' of a chunk.
	ReadAt(id core.ChunkID, b []byte, off int64) error

	// WriteAt writes b at offset 'off' of a chunk.
	WriteAt(id core.ChunkID, b []byte, off int64) error

	// Chunks returns the number of chunks holding any data.
	Chunks() int

	// Close releases the resources of the store.
	Close() error
}

type pageKey struct {
	chunk core.ChunkID
	page  int64
}

// pageSpan describes the part of one page covered by an IO: bytes
// [pageOff, pageOff+hi-lo) of page 'page' map to b[lo:hi].
type pageSpan struct {
	page    int64
	pageOff int
	lo, hi  int
}

// spans cuts an IO of n bytes at 'off' along page boundaries.
func spans(off int64, n int) []pageSpan {
	var out []pageSpan
	for done := 0; done < n; {
		pos := off + int64(done)
		s := pageSpan{page: pos / pageSize, pageOff: int(pos % pageSize), lo: done}
		s.hi = done + pageSize - s.pageOff
		if s.hi > n {
			s.hi = n
		}
		out = append(out, s)
		done = s.hi
	}
	return out
}

// memStore keeps pages in memory.
type memStore struct {
	lock   sync.Mutex
	pages  map[pageKey][]byte
	chunks map[core.ChunkID]bool
}

// NewMemStore returns a Store that keeps everything in memory.
func NewMemStore() Store {
	return &memStore{pages: make(map[pageKey][]byte), chunks: make(map[core.ChunkID]bool)}
}

func (m *memStore) ReadAt(id core.ChunkID, b []byte, off int64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, s := range spans(off, len(b)) {
		page, ok := m.pages[pageKey{id, s.page}]
		if !ok {
			zero(b[s.lo:s.hi])
			continue
		}
		copy(b[s.lo:s.hi], page[s.pageOff:])
	}
	return nil
}

func (m *memStore) WriteAt(id core.ChunkID, b []byte, off int64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, s := range spans(off, len(b)) {
		key := pageKey{id, s.page}
		page, ok := m.pages[key]
		if !ok {
			page = make([]byte, pageSize)
			m.pages[key] = page
		}
		copy(page[s.pageOff:], b[s.lo:s.hi])
	}
	if len(b) > 0 {
		m.chunks[id] = true
	}
	return nil
}

func (m *memStore) Chunks() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.chunks)
}

func (m *memStore) Close() error {
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
