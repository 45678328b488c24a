// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"
)

// This is the client API to per-call options:

// Create options:

// ChunkSize causes the file to be created with chunks of n bytes.
func ChunkSize(n int64) createOpt { return func(o *createOptions) { o.chunkSize = n } }

// CreateContext associates a context with this Create call.
func CreateContext(ctx context.Context) createOpt { return func(o *createOptions) { o.ctx = ctx } }

// Open options:

// OpenNoLease opens the file without acquiring a lease. Reads always go to
// the chunk leader.
func OpenNoLease(o *openOptions) { o.noLease = true }

// OpenContext associates a context with the file. Requests of the file are
// abandoned once it is done.
func OpenContext(ctx context.Context) openOpt { return func(o *openOptions) { o.ctx = ctx } }

// Implementation details:

type createOptions struct {
	chunkSize int64 // Zero means the client's default.
	ctx       context.Context
}

type createOpt func(*createOptions)

type openOptions struct {
	ctx     context.Context
	noLease bool
}

type openOpt func(*openOptions)
