// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "github.com/westerndigitalcorporation/cbd/pkg/rpc"

// This file describes the RPC interface exported by chunk servers.

// WriteChunkMethod is the method name for writing to a chunk.
const WriteChunkMethod = "ChunkSrvHandler.WriteChunk"

// WriteChunkReq writes B at offset Off within a chunk. It must be handled by
// the leader of the chunk's group.
type WriteChunkReq struct {
	// Which member of the replica group the client meant to reach.
	Target string
	Chunk  ChunkID
	Epoch  Epoch
	Off    int64
	ReqID  string

	// The data to write. Sent as bulk data, outside of gob.
	B          []byte
	bExclusive bool
}

// ChunkReply is the reply to a WriteChunkReq. Hint is set when Err is a
// redirect error.
type ChunkReply struct {
	Err  Error
	Hint LeaderHint
}

// ReadChunkMethod is the method name for reading from a chunk.
const ReadChunkMethod = "ChunkSrvHandler.ReadChunk"

// ReadChunkReq reads Len bytes at offset Off within a chunk.
type ReadChunkReq struct {
	Target string
	Chunk  ChunkID
	Epoch  Epoch
	Off    int64
	Len    int
	ReqID  string

	// AppliedIndex allows any replica to serve the read from its locally
	// applied state.
	AppliedIndex bool
}

// ReadChunkReply is the reply to a ReadChunkReq.
type ReadChunkReply struct {
	Err  Error
	Hint LeaderHint

	B          []byte
	bExclusive bool
}

// CancelReqMethod is the method name for canceling an in-flight chunk
// request by its ReqID.
const CancelReqMethod = "ChunkSrvHandler.Cancel"

// The following implement the rpc.BulkData interface:

func (w *WriteChunkReq) Get() ([]byte, bool)   { b := w.B; w.B = nil; return b, w.bExclusive }
func (w *WriteChunkReq) Set(b []byte, e bool)  { w.B, w.bExclusive = b, e }
func (r *ReadChunkReply) Get() ([]byte, bool)  { b := r.B; r.B = nil; return b, r.bExclusive }
func (r *ReadChunkReply) Set(b []byte, e bool) { r.B, r.bExclusive = b, e }

var (
	// Assert that these implement rpc.BulkData.
	_ rpc.BulkData = (*WriteChunkReq)(nil)
	_ rpc.BulkData = (*ReadChunkReply)(nil)
)
