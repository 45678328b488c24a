// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

// ChunkTalker manages connections to chunk servers. A redirect error
// (ErrNotLeader, ErrStaleEpoch) comes with the replica's hint about the
// current leader, if it has one.
type ChunkTalker interface {
	// Write writes b at 'off' within a chunk, through the replica at addr.
	Write(ctx context.Context, addr string, id core.ChunkID, epoch core.Epoch, b []byte, off int64) (core.LeaderHint, core.Error)

	// Read fills b from 'off' within a chunk. If applied is set, the replica
	// may serve it from its applied state without being the leader.
	Read(ctx context.Context, addr string, id core.ChunkID, epoch core.Epoch, b []byte, off int64, applied bool) (core.LeaderHint, core.Error)

	// Close releases the connections.
	Close()
}
