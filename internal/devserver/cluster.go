// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package devserver

import (
	"math"
	"strconv"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/internal/server"
)

// A TraceEntry has the args of a chunk read or write (but not the bulk data).
type TraceEntry struct {
	Write   bool
	Applied bool // An applied-index read.
	Addr    string
	Chunk   core.ChunkID
	Epoch   core.Epoch
	Off     int64
	Length  int
}

// A TraceFunc is called for each chunk read or write before the cluster does
// anything else with it. Returning anything but NoError fails the request
// with that error.
type TraceFunc func(TraceEntry) core.Error

type lease struct {
	session string
	expiry  time.Time
}

type route struct {
	peers  []string
	leader int // Index into peers.
	epoch  core.Epoch
}

func (r *route) toCore(id core.ChunkID) core.ChunkRoute {
	return core.ChunkRoute{
		Chunk:  id,
		Leader: r.peers[r.leader],
		Peers:  append([]string(nil), r.peers...),
		Epoch:  r.epoch,
	}
}

func (r *route) hint() core.LeaderHint {
	return core.LeaderHint{Leader: r.peers[r.leader], Epoch: r.epoch}
}

func (r *route) has(addr string) bool {
	for _, p := range r.peers {
		if p == addr {
			return true
		}
	}
	return false
}

// Cluster is a metadata service plus a set of chunk replicas, all in one
// process. Replicas share one Store: a write acknowledged by the leader is
// visible at every replica, which is what applied-index reads observe once
// the client has seen the write complete.
//
// Cluster is thread-safe.
type Cluster struct {
	addrs    []string
	replicas int
	period   time.Duration

	lock       sync.Mutex
	files      map[string]*core.FileInfo
	byID       map[core.FileID]*core.FileInfo
	nextID     core.FileID
	routes     map[core.ChunkID]*route
	leases     map[core.FileID]*lease
	metaLeader int
	trace      TraceFunc
	now        func() time.Time

	store     Store
	chunkLock *server.ChunkLock
	failures  *server.OpFailure
}

// NewCluster creates a cluster whose replicas are named by 'addrs'. Chunk
// data goes to 'store'; a nil store keeps it in memory.
func NewCluster(addrs []string, replicas int, leasePeriod time.Duration, store Store) *Cluster {
	if store == nil {
		store = NewMemStore()
	}
	if replicas <= 0 || replicas > len(addrs) {
		replicas = len(addrs)
	}
	return &Cluster{
		addrs:     append([]string(nil), addrs...),
		replicas:  replicas,
		period:    leasePeriod,
		files:     make(map[string]*core.FileInfo),
		byID:      make(map[core.FileID]*core.FileInfo),
		nextID:    1,
		routes:    make(map[core.ChunkID]*route),
		leases:    make(map[core.FileID]*lease),
		trace:     func(TraceEntry) core.Error { return core.NoError },
		now:       time.Now,
		store:     store,
		chunkLock: server.NewChunkLock(),
		failures:  server.NewOpFailure(),
	}
}

// NewMemCluster returns an in-memory cluster with 'n' replicas named "1".."n".
func NewMemCluster(n int, leasePeriod time.Duration) *Cluster {
	var addrs []string
	for i := 1; i <= n; i++ {
		addrs = append(addrs, strconv.Itoa(i))
	}
	return NewCluster(addrs, n, leasePeriod, nil)
}

// Addrs returns the replica addresses.
func (c *Cluster) Addrs() []string {
	return c.addrs
}

// SetTrace installs a trace function. A nil function removes it.
func (c *Cluster) SetTrace(f TraceFunc) {
	if f == nil {
		f = func(TraceEntry) core.Error { return core.NoError }
	}
	c.lock.Lock()
	c.trace = f
	c.lock.Unlock()
}

// Failures returns the injected-failure table consulted by every operation.
func (c *Cluster) Failures() *server.OpFailure {
	return c.failures
}

// Close closes the store.
func (c *Cluster) Close() error {
	return c.store.Close()
}

//----------------
// Metadata service
//----------------

// IsMetaLeader returns whether 'addr' is the current metadata leader.
func (c *Cluster) IsMetaLeader(addr string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.addrs[c.metaLeader] == addr
}

// MoveMetaLeader moves metadata leadership to the next member and returns
// its address.
func (c *Cluster) MoveMetaLeader() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.metaLeader = (c.metaLeader + 1) % len(c.addrs)
	log.Infof("metadata leadership moved to %s", c.addrs[c.metaLeader])
	return c.addrs[c.metaLeader]
}

// CreateFile creates a fixed-size file. A zero chunkSize picks the default.
func (c *Cluster) CreateFile(name string, size, chunkSize int64) (core.FileInfo, core.Error) {
	if err := c.failures.Get("create"); err != core.NoError {
		return core.FileInfo{}, err
	}
	if chunkSize == 0 {
		chunkSize = core.DefaultChunkSize
	}
	if name == "" || size <= 0 || chunkSize < 0 || chunkSize > core.MaxChunkSize {
		return core.FileInfo{}, core.ErrInvalidArgument
	}
	// Chunk indexes are 32 bits.
	if (size-1)/chunkSize > math.MaxUint32 {
		return core.FileInfo{}, core.ErrInvalidArgument
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.files[name]; ok {
		return core.FileInfo{}, core.ErrFileExists
	}
	info := &core.FileInfo{ID: c.nextID, Name: name, Size: size, ChunkSize: chunkSize}
	c.nextID++
	c.files[name] = info
	c.byID[info.ID] = info
	log.Infof("created file %q (id %s, size %d, chunk size %d)", name, info.ID, size, chunkSize)
	return *info, core.NoError
}

// StatFile looks up a file by name.
func (c *Cluster) StatFile(name string) (core.FileInfo, core.Error) {
	if err := c.failures.Get("stat"); err != core.NoError {
		return core.FileInfo{}, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	info, ok := c.files[name]
	if !ok {
		return core.FileInfo{}, core.ErrNoSuchFile
	}
	return *info, core.NoError
}

// GetLeader returns the route of a chunk, placing the chunk on a replica
// group the first time it is asked for.
func (c *Cluster) GetLeader(id core.ChunkID) (core.ChunkRoute, core.Error) {
	if err := c.failures.Get("get_leader"); err != core.NoError {
		return core.ChunkRoute{}, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	r, err := c.getRouteLocked(id)
	if err != core.NoError {
		return core.ChunkRoute{}, err
	}
	return r.toCore(id), core.NoError
}

func (c *Cluster) getRouteLocked(id core.ChunkID) (*route, core.Error) {
	info, ok := c.byID[id.File]
	if !ok {
		return nil, core.ErrNoSuchFile
	}
	if int(id.Index) >= info.NumChunks() {
		return nil, core.ErrNoSuchChunk
	}
	if r, ok := c.routes[id]; ok {
		return r, core.NoError
	}
	r := &route{epoch: 1}
	start := int(uint64(id.File)+uint64(id.Index)) % len(c.addrs)
	for i := 0; i < c.replicas; i++ {
		r.peers = append(r.peers, c.addrs[(start+i)%len(c.addrs)])
	}
	c.routes[id] = r
	return r, core.NoError
}

// MoveLeader hands leadership of a chunk's group to the next member and
// bumps the epoch.
func (c *Cluster) MoveLeader(id core.ChunkID) (core.ChunkRoute, core.Error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	r, err := c.getRouteLocked(id)
	if err != core.NoError {
		return core.ChunkRoute{}, err
	}
	r.leader = (r.leader + 1) % len(r.peers)
	r.epoch++
	log.Infof("leadership of %s moved to %s at epoch %d", id, r.peers[r.leader], r.epoch)
	return r.toCore(id), core.NoError
}

// AcquireLease grants the lease on a file to 'session' unless another
// session holds an unexpired one.
func (c *Cluster) AcquireLease(id core.FileID, session string) (time.Duration, core.Error) {
	if err := c.failures.Get("acquire_lease"); err != core.NoError {
		return 0, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.byID[id]; !ok {
		return 0, core.ErrNoSuchFile
	}
	now := c.now()
	if l, ok := c.leases[id]; ok && l.session != session && now.Before(l.expiry) {
		return 0, core.ErrLeaseDenied
	}
	c.leases[id] = &lease{session: session, expiry: now.Add(c.period)}
	log.V(1).Infof("lease on %s granted to %s", id, session)
	return c.period, core.NoError
}

// RenewLease extends a lease still held by 'session'.
func (c *Cluster) RenewLease(id core.FileID, session string) (time.Duration, core.Error) {
	if err := c.failures.Get("renew_lease"); err != core.NoError {
		return 0, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	now := c.now()
	l, ok := c.leases[id]
	if !ok || l.session != session || !now.Before(l.expiry) {
		return 0, core.ErrLeaseExpired
	}
	l.expiry = now.Add(c.period)
	return c.period, core.NoError
}

// ReleaseLease drops the lease if 'session' holds it.
func (c *Cluster) ReleaseLease(id core.FileID, session string) core.Error {
	if err := c.failures.Get("release_lease"); err != core.NoError {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if l, ok := c.leases[id]; ok && l.session == session {
		delete(c.leases, id)
	}
	return core.NoError
}

//--------------
// Chunk service
//--------------

// checkRoute decides whether replica 'addr' may serve a request for a chunk,
// and returns the length of the chunk.
func (c *Cluster) checkRoute(addr string, id core.ChunkID, epoch core.Epoch, applied bool) (int64, core.LeaderHint, core.Error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	r, err := c.getRouteLocked(id)
	if err != core.NoError {
		return 0, core.LeaderHint{}, err
	}
	if applied {
		// Any member serves from its applied state, at any epoch.
		if !r.has(addr) {
			return 0, r.hint(), core.ErrNotLeader
		}
	} else {
		if r.peers[r.leader] != addr {
			return 0, r.hint(), core.ErrNotLeader
		}
		if epoch != r.epoch {
			return 0, r.hint(), core.ErrStaleEpoch
		}
	}
	info := c.byID[id.File]
	length := info.ChunkSize
	if rest := info.Size - int64(id.Index)*info.ChunkSize; rest < length {
		length = rest
	}
	return length, core.LeaderHint{}, core.NoError
}

func (c *Cluster) traceFunc() TraceFunc {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.trace
}

// WriteChunk writes b at 'off' within a chunk, as replica 'addr'.
func (c *Cluster) WriteChunk(addr string, id core.ChunkID, epoch core.Epoch, off int64, b []byte) (core.LeaderHint, core.Error) {
	if err := c.traceFunc()(TraceEntry{Write: true, Addr: addr, Chunk: id, Epoch: epoch, Off: off, Length: len(b)}); err != core.NoError {
		return core.LeaderHint{}, err
	}
	if err := c.failures.Get("write"); err != core.NoError {
		return core.LeaderHint{}, err
	}
	length, hint, err := c.checkRoute(addr, id, epoch, false)
	if err != core.NoError {
		return hint, err
	}
	if off < 0 || int64(len(b)) > length || off > length-int64(len(b)) {
		return core.LeaderHint{}, core.ErrOutOfRange
	}

	c.chunkLock.Lock(id)
	defer c.chunkLock.Unlock(id)
	if e := c.store.WriteAt(id, b, off); e != nil {
		log.Errorf("failed to write %d bytes at %d of %s: %s", len(b), off, id, e)
		return core.LeaderHint{}, core.ErrIO
	}
	return core.LeaderHint{}, core.NoError
}

// ReadChunk fills b from 'off' within a chunk, as replica 'addr'. If applied
// is set any member of the chunk's group may serve it.
func (c *Cluster) ReadChunk(addr string, id core.ChunkID, epoch core.Epoch, off int64, b []byte, applied bool) (core.LeaderHint, core.Error) {
	if err := c.traceFunc()(TraceEntry{Applied: applied, Addr: addr, Chunk: id, Epoch: epoch, Off: off, Length: len(b)}); err != core.NoError {
		return core.LeaderHint{}, err
	}
	if err := c.failures.Get("read"); err != core.NoError {
		return core.LeaderHint{}, err
	}
	length, hint, err := c.checkRoute(addr, id, epoch, applied)
	if err != core.NoError {
		return hint, err
	}
	if off < 0 || int64(len(b)) > length || off > length-int64(len(b)) {
		return core.LeaderHint{}, core.ErrOutOfRange
	}

	c.chunkLock.Lock(id)
	defer c.chunkLock.Unlock(id)
	if e := c.store.ReadAt(id, b, off); e != nil {
		log.Errorf("failed to read %d bytes at %d of %s: %s", len(b), off, id, e)
		return core.LeaderHint{}, core.ErrCorruptData
	}
	return core.LeaderHint{}, core.NoError
}

// Stats is a summary of the cluster's state.
type Stats struct {
	Files      int
	Chunks     int // Chunks holding data.
	Routes     int // Chunks placed on a replica group.
	Leases     int // Unexpired leases.
	MetaLeader string
}

// Stats returns a summary of the cluster's state.
func (c *Cluster) Stats() Stats {
	chunks := c.store.Chunks()
	c.lock.Lock()
	defer c.lock.Unlock()
	s := Stats{
		Files:      len(c.files),
		Chunks:     chunks,
		Routes:     len(c.routes),
		MetaLeader: c.addrs[c.metaLeader],
	}
	now := c.now()
	for _, l := range c.leases {
		if now.Before(l.expiry) {
			s.Leases++
		}
	}
	return s
}
