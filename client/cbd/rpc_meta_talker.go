// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/cbd/internal/cbdrpc"
	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/pkg/retry"
)

// RPCMetaTalker implements MetaTalker based on Go RPC. Each call fails over
// between the members of the metadata group, and the whole failover is tried
// again on transient errors.
type RPCMetaTalker struct {
	conn    *cbdrpc.FailoverConnection
	retrier retry.Retrier
}

// NewRPCMetaTalker returns a new Golang RPC based implementation of
// MetaTalker. It uses the metadata service options only: the timeout and the
// retry count are independent settings.
func NewRPCMetaTalker(opts Options) MetaTalker {
	return &RPCMetaTalker{
		conn: cbdrpc.NewFailoverConnection(opts.MetaServerAddrs(), dialTimeout, opts.metaRPCTimeout()),
		retrier: retry.Retrier{
			MaxNumRetries: opts.MetaServerRPCRetryTimes,
			MinSleep:      opts.retryInterval(),
			Constant:      true,
		},
	}
}

// call does one metadata RPC with retries. reply must have an Err field, or
// be a *core.Error.
func (r *RPCMetaTalker) call(ctx context.Context, method string, req, reply interface{}) core.Error {
	var err core.Error
	var rpcErr error
	_, cancelled := r.retrier.Do(ctx, func(seq int) bool {
		err, rpcErr = r.conn.FailoverRPC(ctx, method, req, reply)
		return err != core.ErrMetaNotLeader && !core.IsRetriableError(err)
	})
	if cancelled {
		return core.ErrCanceled
	}
	if rpcErr != nil {
		log.Errorf("RPC-level error calling %s on %v: %s", method, r.conn.Addrs(), rpcErr)
	}
	return err
}

// GetLeader implements MetaTalker.
func (r *RPCMetaTalker) GetLeader(ctx context.Context, id core.ChunkID) (core.ChunkRoute, core.Error) {
	var reply core.GetLeaderReply
	if err := r.call(ctx, core.GetLeaderMethod, core.GetLeaderReq{Chunk: id}, &reply); err != core.NoError {
		return core.ChunkRoute{}, err
	}
	return reply.Route, core.NoError
}

// CreateFile implements MetaTalker.
func (r *RPCMetaTalker) CreateFile(ctx context.Context, name string, size, chunkSize int64) (core.FileInfo, core.Error) {
	req := core.CreateFileReq{Name: name, Size: size, ChunkSize: chunkSize}
	var reply core.FileInfoReply
	if err := r.call(ctx, core.CreateFileMethod, req, &reply); err != core.NoError {
		log.Errorf("metadata-level error creating %q: %s", name, err)
		return core.FileInfo{}, err
	}
	return reply.Info, core.NoError
}

// StatFile implements MetaTalker.
func (r *RPCMetaTalker) StatFile(ctx context.Context, name string) (core.FileInfo, core.Error) {
	var reply core.FileInfoReply
	if err := r.call(ctx, core.StatFileMethod, core.StatFileReq{Name: name}, &reply); err != core.NoError {
		return core.FileInfo{}, err
	}
	return reply.Info, core.NoError
}

// AcquireLease implements MetaTalker.
func (r *RPCMetaTalker) AcquireLease(ctx context.Context, id core.FileID, session string) (time.Duration, core.Error) {
	var reply core.LeaseReply
	if err := r.call(ctx, core.AcquireLeaseMethod, core.LeaseReq{File: id, Session: session}, &reply); err != core.NoError {
		return 0, err
	}
	return reply.Period, core.NoError
}

// RenewLease implements MetaTalker.
func (r *RPCMetaTalker) RenewLease(ctx context.Context, id core.FileID, session string) (time.Duration, core.Error) {
	var reply core.LeaseReply
	if err := r.call(ctx, core.RenewLeaseMethod, core.LeaseReq{File: id, Session: session}, &reply); err != core.NoError {
		return 0, err
	}
	return reply.Period, core.NoError
}

// ReleaseLease implements MetaTalker.
func (r *RPCMetaTalker) ReleaseLease(ctx context.Context, id core.FileID, session string) core.Error {
	var reply core.Error
	return r.call(ctx, core.ReleaseLeaseMethod, core.LeaseReq{File: id, Session: session}, &reply)
}

// Close implements MetaTalker.
func (r *RPCMetaTalker) Close() {
	r.conn.Close()
}
