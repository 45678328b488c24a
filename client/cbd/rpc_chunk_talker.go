// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/pkg/rpc"
)

const (
	// How many chunk servers to keep open connections to.
	chunkConnectionCacheSize = 100
)

// RPCChunkTalker implements ChunkTalker based on Go RPC.
type RPCChunkTalker struct {
	cc *rpc.ConnectionCache
}

// NewRPCChunkTalker returns a new Golang RPC based implementation of
// ChunkTalker. Every call is bounded by opts' rpcTimeoutMs.
func NewRPCChunkTalker(opts Options) ChunkTalker {
	cc := rpc.NewConnectionCache(dialTimeout, opts.rpcTimeout(), chunkConnectionCacheSize)
	cc.EnableCompression(opts.CompressBulk)
	return &RPCChunkTalker{cc: cc}
}

// rpcError translates an error from the RPC layer.
func rpcError(ctx context.Context, err error) core.Error {
	switch {
	case err == rpc.ErrorRPCTimeout:
		return core.ErrTimeout
	case err == rpc.ErrorRPCConnect:
		return core.ErrNetworkConn
	case ctx.Err() != nil:
		return core.ErrCanceled
	}
	return core.ErrRPC
}

// Write implements ChunkTalker.
func (r *RPCChunkTalker) Write(ctx context.Context, addr string, id core.ChunkID, epoch core.Epoch, b []byte, off int64) (core.LeaderHint, core.Error) {
	rpcid := rpc.GenID()
	req := core.WriteChunkReq{Target: addr, Chunk: id, Epoch: epoch, Off: off, ReqID: rpcid}
	req.Set(b, false)
	var reply core.ChunkReply
	cancel := rpc.CancelAction{Method: core.CancelReqMethod, Req: rpcid}
	if err := r.cc.SendWithCancel(ctx, addr, core.WriteChunkMethod, &req, &reply, &cancel); err != nil {
		log.Errorf("Write RPC error for chunk (id: %s, epoch: %d, offset: %d) on %s: %s", id, epoch, off, addr, err)
		return core.LeaderHint{}, rpcError(ctx, err)
	}
	if reply.Err != core.NoError {
		log.V(1).Infof("Write error for chunk (id: %s, epoch: %d, offset: %d) on %s: %s", id, epoch, off, addr, reply.Err)
	}
	return reply.Hint, reply.Err
}

// Read implements ChunkTalker. The data is decoded straight into b when the
// transport allows it.
func (r *RPCChunkTalker) Read(ctx context.Context, addr string, id core.ChunkID, epoch core.Epoch, b []byte, off int64, applied bool) (core.LeaderHint, core.Error) {
	rpcid := rpc.GenID()
	req := core.ReadChunkReq{Target: addr, Chunk: id, Epoch: epoch, Off: off, Len: len(b), ReqID: rpcid, AppliedIndex: applied}
	// Gob will decode into a provided slice if there's enough capacity. Give
	// it b, but reset the cap to len so it can't go past our segment.
	var reply core.ReadChunkReply
	reply.Set(b[0:0:len(b)], false)
	cancel := rpc.CancelAction{Method: core.CancelReqMethod, Req: rpcid}
	if err := r.cc.SendWithCancel(ctx, addr, core.ReadChunkMethod, req, &reply, &cancel); err != nil {
		log.Errorf("Read RPC error for chunk (id: %s, epoch: %d, length: %d, offset: %d) on %s: %s", id, epoch, len(b), off, addr, err)
		return core.LeaderHint{}, rpcError(ctx, err)
	}
	if reply.Err != core.NoError {
		log.V(1).Infof("Read error for chunk (id: %s, epoch: %d, length: %d, offset: %d) on %s: %s", id, epoch, len(b), off, addr, reply.Err)
		return reply.Hint, reply.Err
	}
	data, exclusive := reply.Get()
	if len(data) != len(b) {
		rpc.PutBuffer(data, exclusive)
		return core.LeaderHint{}, core.ErrShortRead
	}
	if len(data) > 0 && &data[0] != &b[0] {
		// The codec used a buffer of its own (e.g. for compressed data).
		copy(b, data)
		rpc.PutBuffer(data, exclusive)
	}
	return core.LeaderHint{}, core.NoError
}

// Close implements ChunkTalker.
func (r *RPCChunkTalker) Close() {
	r.cc.CloseAll()
}
