// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/golang/glog"
	"golang.org/x/sync/singleflight"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/pkg/retry"
)

// cachedRoute is an immutable snapshot of what we know about a chunk. An
// invalidated route keeps its epoch (and peers), so a lookup that raced with
// the invalidation and returns an older epoch can't be installed.
type cachedRoute struct {
	route core.ChunkRoute
	valid bool
}

type routeSlot struct {
	p atomic.Pointer[cachedRoute]
}

// metaCache resolves the chunks of one file to the leaders of their replica
// groups. Reads are lock-free; updates are compare-and-swap by epoch, the
// higher epoch wins.
type metaCache struct {
	meta    MetaTalker
	retrier retry.Retrier

	// Lookups are shared by every caller waiting for the same chunk, so they
	// run on this context rather than on any one caller's.
	ctx context.Context

	routes  sync.Map // core.ChunkIndex -> *routeSlot
	lookups singleflight.Group
}

func newMetaCache(ctx context.Context, meta MetaTalker, opts Options) *metaCache {
	return &metaCache{
		meta: meta,
		retrier: retry.Retrier{
			MaxNumRetries: opts.GetLeaderRetry,
			MinSleep:      opts.retryInterval(),
			Constant:      true,
		},
		ctx: ctx,
	}
}

func (mc *metaCache) slot(id core.ChunkID) *routeSlot {
	if s, ok := mc.routes.Load(id.Index); ok {
		return s.(*routeSlot)
	}
	s, _ := mc.routes.LoadOrStore(id.Index, &routeSlot{})
	return s.(*routeSlot)
}

// cached returns the cached route of a chunk, if there is a valid one.
func (mc *metaCache) cached(id core.ChunkID) (core.ChunkRoute, bool) {
	if s, ok := mc.routes.Load(id.Index); ok {
		if cur := s.(*routeSlot).p.Load(); cur != nil && cur.valid {
			return cur.route, true
		}
	}
	return core.ChunkRoute{}, false
}

type lookupResult struct {
	route core.ChunkRoute
	err   core.Error
}

// Resolve returns the route of a chunk. A cached route is returned right
// away. Otherwise the leader is looked up, with one lookup in flight per
// chunk no matter how many callers wait for it. Only the callers of this
// chunk block.
//
// Resolve fails with ErrNoLeader once the lookup retries are exhausted, with
// the metadata service's error if the chunk doesn't exist, and with
// ErrCanceled if ctx is done first.
func (mc *metaCache) Resolve(ctx context.Context, id core.ChunkID) (core.ChunkRoute, core.Error) {
	if r, ok := mc.cached(id); ok {
		return r, core.NoError
	}
	ch := mc.lookups.DoChan(id.String(), func() (interface{}, error) {
		return mc.lookup(id), nil
	})
	select {
	case res := <-ch:
		lr := res.Val.(lookupResult)
		return lr.route, lr.err
	case <-ctx.Done():
		return core.ChunkRoute{}, core.ErrCanceled
	}
}

// permanentLookupError returns whether retrying a lookup can't help.
func permanentLookupError(err core.Error) bool {
	switch err {
	case core.ErrNoSuchFile, core.ErrNoSuchChunk, core.ErrInvalidArgument:
		return true
	}
	return false
}

func (mc *metaCache) lookup(id core.ChunkID) lookupResult {
	// A lookup that finished just before this one started may have done the
	// job already.
	if r, ok := mc.cached(id); ok {
		return lookupResult{route: r}
	}

	var route core.ChunkRoute
	var err core.Error
	_, cancelled := mc.retrier.Do(mc.ctx, func(seq int) bool {
		route, err = mc.meta.GetLeader(mc.ctx, id)
		if err != core.NoError {
			log.Errorf("leader lookup of %s, attempt #%d: %s", id, seq, err)
		}
		return err == core.NoError || permanentLookupError(err)
	})
	switch {
	case cancelled:
		return lookupResult{err: core.ErrCanceled}
	case err == core.NoError:
		mc.update(route)
		// Somebody may have installed a newer one meanwhile.
		if r, ok := mc.cached(id); ok {
			route = r
		}
		log.V(1).Infof("resolved %s to %s at epoch %d", id, route.Leader, route.Epoch)
		return lookupResult{route: route}
	case permanentLookupError(err):
		return lookupResult{err: err}
	}
	log.Errorf("failed to resolve the leader of %s: %s", id, err)
	return lookupResult{err: core.ErrNoLeader}
}

// update installs a route unless a newer epoch is already known.
func (mc *metaCache) update(route core.ChunkRoute) bool {
	s := mc.slot(route.Chunk)
	next := &cachedRoute{route: route, valid: true}
	for {
		cur := s.p.Load()
		if cur != nil && route.Epoch < cur.route.Epoch {
			log.V(1).Infof("discarding route of %s at epoch %d, have epoch %d", route.Chunk, route.Epoch, cur.route.Epoch)
			return false
		}
		if s.p.CompareAndSwap(cur, next) {
			if cur != nil && cur.route.Leader != route.Leader {
				log.Infof("leader of %s changed from %s to %s at epoch %d", route.Chunk, cur.route.Leader, route.Leader, route.Epoch)
			}
			return true
		}
	}
}

// UpdateLeader records that 'leader' leads the chunk's group at 'epoch',
// typically from a redirect hint. Lower epochs than the known one are
// discarded. It returns whether the update was installed.
func (mc *metaCache) UpdateLeader(id core.ChunkID, leader string, epoch core.Epoch) bool {
	route := core.ChunkRoute{Chunk: id, Leader: leader, Epoch: epoch, Peers: []string{leader}}
	if cur := mc.slot(id).p.Load(); cur != nil {
		route.Peers = cur.route.Peers
		if !contains(route.Peers, leader) {
			route.Peers = append(append([]string(nil), route.Peers...), leader)
		}
	}
	return mc.update(route)
}

// Invalidate drops the cached route of a chunk after a request routed at
// epoch 'observed' was refused. A route with a newer epoch, installed by a
// concurrent resolution, is kept.
func (mc *metaCache) Invalidate(id core.ChunkID, observed core.Epoch) {
	s := mc.slot(id)
	for {
		cur := s.p.Load()
		if cur == nil || !cur.valid || cur.route.Epoch > observed {
			return
		}
		if s.p.CompareAndSwap(cur, &cachedRoute{route: cur.route}) {
			log.V(1).Infof("invalidated route of %s at epoch %d", id, observed)
			return
		}
	}
}

func contains(addrs []string, addr string) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}
