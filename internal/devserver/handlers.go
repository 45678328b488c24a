// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package devserver

import (
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/internal/server"
	"github.com/westerndigitalcorporation/cbd/pkg/rpc"
)

// MetaSrvHandler serves the metadata service RPCs arriving at one member.
// Only the current metadata leader answers, everybody else replies
// ErrMetaNotLeader.
type MetaSrvHandler struct {
	addr string
	c    *Cluster
	ops  *server.OpMetric
}

func (h *MetaSrvHandler) leader() core.Error {
	if !h.c.IsMetaLeader(h.addr) {
		return core.ErrMetaNotLeader
	}
	return core.NoError
}

// GetLeader returns the route of a chunk.
func (h *MetaSrvHandler) GetLeader(req core.GetLeaderReq, reply *core.GetLeaderReply) error {
	op := h.ops.Start("get_leader")
	defer op.EndWithCbdError(&reply.Err)
	if reply.Err = h.leader(); reply.Err == core.NoError {
		reply.Route, reply.Err = h.c.GetLeader(req.Chunk)
	}
	return nil
}

// CreateFile creates a file.
func (h *MetaSrvHandler) CreateFile(req core.CreateFileReq, reply *core.FileInfoReply) error {
	op := h.ops.Start("create")
	defer op.EndWithCbdError(&reply.Err)
	if reply.Err = h.leader(); reply.Err == core.NoError {
		reply.Info, reply.Err = h.c.CreateFile(req.Name, req.Size, req.ChunkSize)
	}
	return nil
}

// StatFile looks up a file.
func (h *MetaSrvHandler) StatFile(req core.StatFileReq, reply *core.FileInfoReply) error {
	op := h.ops.Start("stat")
	defer op.EndWithCbdError(&reply.Err)
	if reply.Err = h.leader(); reply.Err == core.NoError {
		reply.Info, reply.Err = h.c.StatFile(req.Name)
	}
	return nil
}

// AcquireLease grants a lease.
func (h *MetaSrvHandler) AcquireLease(req core.LeaseReq, reply *core.LeaseReply) error {
	op := h.ops.Start("acquire_lease")
	defer op.EndWithCbdError(&reply.Err)
	if reply.Err = h.leader(); reply.Err == core.NoError {
		reply.Period, reply.Err = h.c.AcquireLease(req.File, req.Session)
	}
	return nil
}

// RenewLease extends a lease.
func (h *MetaSrvHandler) RenewLease(req core.LeaseReq, reply *core.LeaseReply) error {
	op := h.ops.Start("renew_lease")
	defer op.EndWithCbdError(&reply.Err)
	if reply.Err = h.leader(); reply.Err == core.NoError {
		reply.Period, reply.Err = h.c.RenewLease(req.File, req.Session)
	}
	return nil
}

// ReleaseLease drops a lease.
func (h *MetaSrvHandler) ReleaseLease(req core.LeaseReq, reply *core.Error) error {
	op := h.ops.Start("release_lease")
	defer op.EndWithCbdError(reply)
	if *reply = h.leader(); *reply == core.NoError {
		*reply = h.c.ReleaseLease(req.File, req.Session)
	}
	return nil
}

// pendingReqs tracks chunk requests by id so they can be cancelled.
type pendingReqs struct {
	lock      sync.Mutex
	cancelled map[string]bool
}

func (p *pendingReqs) add(id string) {
	if id == "" {
		return
	}
	p.lock.Lock()
	p.cancelled[id] = false
	p.lock.Unlock()
}

// done removes 'id' and returns whether it was cancelled meanwhile.
func (p *pendingReqs) done(id string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	c := p.cancelled[id]
	delete(p.cancelled, id)
	return c
}

func (p *pendingReqs) cancel(id string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.cancelled[id]; !ok {
		return false
	}
	p.cancelled[id] = true
	return true
}

// ChunkSrvHandler serves the chunk RPCs arriving at one replica.
type ChunkSrvHandler struct {
	addr string
	c    *Cluster
	ops  *server.OpMetric
	sem  server.Semaphore
	reqs *pendingReqs
}

func (h *ChunkSrvHandler) checkTarget(target string) {
	if target != "" && target != h.addr {
		log.V(1).Infof("request meant for %s arrived at %s", target, h.addr)
	}
}

// WriteChunk writes to a chunk.
func (h *ChunkSrvHandler) WriteChunk(req core.WriteChunkReq, reply *core.ChunkReply) error {
	op := h.ops.Start("write")
	defer op.EndWithCbdError(&reply.Err)
	if !h.sem.TryAcquire() {
		reply.Err = core.ErrTooBusy
		return nil
	}
	defer h.sem.Release()
	h.checkTarget(req.Target)

	h.reqs.add(req.ReqID)
	reply.Hint, reply.Err = h.c.WriteChunk(h.addr, req.Chunk, req.Epoch, req.Off, req.B)
	if h.reqs.done(req.ReqID) && reply.Err == core.NoError {
		log.Infof("write %s to %s finished after the client cancelled it", req.ReqID, req.Chunk)
	}
	return nil
}

// ReadChunk reads from a chunk.
func (h *ChunkSrvHandler) ReadChunk(req core.ReadChunkReq, reply *core.ReadChunkReply) error {
	op := h.ops.Start("read")
	defer op.EndWithCbdError(&reply.Err)
	if req.Len < 0 || int64(req.Len) > core.MaxChunkSize {
		reply.Err = core.ErrInvalidArgument
		return nil
	}
	if !h.sem.TryAcquire() {
		reply.Err = core.ErrTooBusy
		return nil
	}
	defer h.sem.Release()
	h.checkTarget(req.Target)

	h.reqs.add(req.ReqID)
	b := rpc.GetBuffer(req.Len)
	reply.Hint, reply.Err = h.c.ReadChunk(h.addr, req.Chunk, req.Epoch, req.Off, b, req.AppliedIndex)
	if h.reqs.done(req.ReqID) {
		reply.Err = core.ErrCanceled
	}
	if reply.Err != core.NoError {
		rpc.PutBuffer(b, true)
		return nil
	}
	// The codec returns the buffer to the pool once it is on the wire.
	reply.Set(b, true)
	return nil
}

// Cancel marks an in-flight request as cancelled.
func (h *ChunkSrvHandler) Cancel(id string, reply *core.Error) error {
	*reply = core.NoError
	if !h.reqs.cancel(id) {
		*reply = core.ErrCancelFailed
	}
	return nil
}
