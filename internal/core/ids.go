// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

/*

A file is a fixed-size byte array cut into equally sized chunks. Chunks are
named by the file that owns them plus their index within that file:

     +-----------------------+-------------------------+
     |  FileID (8 bytes)     |  ChunkIndex (4 bytes)   |
     +-----------------------+-------------------------+
     |<----------------------------------------------->|
                      ChunkID (12 bytes)

Each chunk is replicated on a group of chunk servers, one of which is the
leader. Every leadership change of a group bumps the group's Epoch.

*/

// ErrInvalidID is the error returned when a string representation of an ID is invalid.
var ErrInvalidID = errors.New("invalid id format")

// FileID identifies a file. Valid FileIDs start from 1.
type FileID uint64

// IsValid returns true if the file id may have been assigned by the metadata service.
func (f FileID) IsValid() bool {
	return f != 0
}

func (f FileID) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// ChunkIndex is the index of a chunk within its file.
type ChunkIndex uint32

// ChunkID identifies a chunk in the universe.
type ChunkID struct {
	File  FileID
	Index ChunkIndex
}

// ChunkIDFromParts creates a ChunkID from its parts.
func ChunkIDFromParts(f FileID, i ChunkIndex) ChunkID {
	return ChunkID{File: f, Index: i}
}

// String returns a human-readable string representation of the ChunkID.
func (c ChunkID) String() string {
	return fmt.Sprintf("%s:%08x", c.File, uint32(c.Index))
}

// ParseChunkID parses a ChunkID from the provided string. The string must be
// in the format produced by ChunkID.String().
func ParseChunkID(s string) (ChunkID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[0]) != 16 || len(parts[1]) != 8 {
		return ChunkID{}, ErrInvalidID
	}
	f, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return ChunkID{}, ErrInvalidID
	}
	i, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return ChunkID{}, ErrInvalidID
	}
	return ChunkIDFromParts(FileID(f), ChunkIndex(i)), nil
}

// Epoch versions the leadership of a chunk's replica group. A higher epoch
// always describes a more recent leader.
type Epoch uint64

// FileInfo describes a file as known by the metadata service.
type FileInfo struct {
	ID        FileID
	Name      string
	Size      int64 // In bytes, fixed at creation.
	ChunkSize int64 // In bytes, every chunk but possibly the last has this size.
}

// NumChunks returns how many chunks the file spans.
func (f FileInfo) NumChunks() int {
	if f.ChunkSize <= 0 {
		return 0
	}
	return int((f.Size + f.ChunkSize - 1) / f.ChunkSize)
}

// ChunkOf returns the chunk that holds byte 'off' of the file, and the offset
// of that byte within the chunk.
func (f FileInfo) ChunkOf(off int64) (ChunkID, int64) {
	return ChunkIDFromParts(f.ID, ChunkIndex(off/f.ChunkSize)), off % f.ChunkSize
}

// ChunkRoute is where to send requests for a chunk.
type ChunkRoute struct {
	Chunk  ChunkID
	Leader string   // Address of the leader.
	Peers  []string // All members of the replica group, leader included.
	Epoch  Epoch
}

// LeaderHint is returned by a replica that refuses a request because it is
// not the leader. Leader may be empty if the replica doesn't know.
type LeaderHint struct {
	Leader string
	Epoch  Epoch
}
