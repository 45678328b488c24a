// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"
	"time"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

// MetaTalker manages the connection to the metadata service.
type MetaTalker interface {
	// GetLeader returns the current route of a chunk.
	GetLeader(ctx context.Context, id core.ChunkID) (core.ChunkRoute, core.Error)

	// CreateFile creates a fixed-size file.
	CreateFile(ctx context.Context, name string, size, chunkSize int64) (core.FileInfo, core.Error)

	// StatFile looks up a file by name.
	StatFile(ctx context.Context, name string) (core.FileInfo, core.Error)

	// AcquireLease asks for the lease on a file and returns its period.
	AcquireLease(ctx context.Context, id core.FileID, session string) (time.Duration, core.Error)

	// RenewLease extends a lease we hold and returns the new period.
	RenewLease(ctx context.Context, id core.FileID, session string) (time.Duration, core.Error)

	// ReleaseLease gives a lease back.
	ReleaseLease(ctx context.Context, id core.FileID, session string) core.Error

	// Close releases the connections.
	Close()
}
