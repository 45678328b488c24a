// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "time"

// This file describes the RPC interface exported by the metadata service.

// GetLeaderMethod is the method name for looking up the leader of a chunk.
const GetLeaderMethod = "MetaSrvHandler.GetLeader"

// GetLeaderReq asks for the current route of a chunk.
type GetLeaderReq struct {
	Chunk ChunkID
}

// GetLeaderReply is the reply to a GetLeaderReq.
type GetLeaderReply struct {
	Route ChunkRoute
	Err   Error
}

// CreateFileMethod is the method name for creating a file.
const CreateFileMethod = "MetaSrvHandler.CreateFile"

// CreateFileReq creates a fixed-size file.
type CreateFileReq struct {
	Name      string
	Size      int64
	ChunkSize int64
}

// FileInfoReply is returned by CreateFile and StatFile.
type FileInfoReply struct {
	Info FileInfo
	Err  Error
}

// StatFileMethod is the method name for looking up a file by name.
const StatFileMethod = "MetaSrvHandler.StatFile"

// StatFileReq looks up a file by name.
type StatFileReq struct {
	Name string
}

// Lease methods. Acquire and renew reply with a LeaseReply; release replies
// with a bare Error.
const (
	AcquireLeaseMethod = "MetaSrvHandler.AcquireLease"
	RenewLeaseMethod   = "MetaSrvHandler.RenewLease"
	ReleaseLeaseMethod = "MetaSrvHandler.ReleaseLease"
)

// LeaseReq names the file and the client session that holds (or wants) its
// lease.
type LeaseReq struct {
	File    FileID
	Session string
}

// LeaseReply carries the granted lease period. The holder must compute the
// expiry from the time it *sent* the request, never from when the reply
// arrived.
type LeaseReply struct {
	Period time.Duration
	Err    Error
}
