// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/internal/devserver"
)

// A traceLog collects the chunk reads and writes a cluster saw.
type traceLog struct {
	lock sync.Mutex
	log  []devserver.TraceEntry

	// If set, decides the fate of each entry.
	inject func(devserver.TraceEntry) core.Error
}

func (l *traceLog) add(e devserver.TraceEntry) core.Error {
	l.lock.Lock()
	l.log = append(l.log, e)
	inject := l.inject
	l.lock.Unlock()
	if inject != nil {
		return inject(e)
	}
	return core.NoError
}

func (l *traceLog) setInject(f func(devserver.TraceEntry) core.Error) {
	l.lock.Lock()
	l.inject = f
	l.lock.Unlock()
}

func (l *traceLog) entries() []devserver.TraceEntry {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]devserver.TraceEntry(nil), l.log...)
}

func (l *traceLog) reset() {
	l.lock.Lock()
	l.log = nil
	l.lock.Unlock()
}

// countingMeta counts leader lookups, and can slow them down or fail them.
type countingMeta struct {
	MetaTalker

	lookups int32
	delay   time.Duration

	lock sync.Mutex
	err  core.Error // Returned by GetLeader instead of asking.
}

func (m *countingMeta) GetLeader(ctx context.Context, id core.ChunkID) (core.ChunkRoute, core.Error) {
	atomic.AddInt32(&m.lookups, 1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.lock.Lock()
	err := m.err
	m.lock.Unlock()
	if err != core.NoError {
		return core.ChunkRoute{}, err
	}
	return m.MetaTalker.GetLeader(ctx, id)
}

func (m *countingMeta) count() int {
	return int(atomic.LoadInt32(&m.lookups))
}

func (m *countingMeta) fail(err core.Error) {
	m.lock.Lock()
	m.err = err
	m.lock.Unlock()
}

// testOptions are DefaultTestOptions with a per-test metrics label.
func testOptions(t *testing.T) Options {
	opts := DefaultTestOptions
	opts.Instance = t.Name()
	return opts
}

// newTestClient returns a client of an in-memory three replica cluster that
// records every chunk access.
func newTestClient(t *testing.T, opts Options) (*Client, *devserver.Cluster, *traceLog) {
	c := devserver.NewMemCluster(3, time.Second)
	trace := &traceLog{}
	c.SetTrace(trace.add)
	cli := newMemClient(opts, c)
	t.Cleanup(func() { cli.Close() })
	return cli, c, trace
}

// fakeLease is a lease whose validity the test controls.
type fakeLease struct {
	valid int32
}

func (l *fakeLease) Valid() bool {
	return atomic.LoadInt32(&l.valid) != 0
}

func (l *fakeLease) set(v bool) {
	var i int32
	if v {
		i = 1
	}
	atomic.StoreInt32(&l.valid, i)
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}
