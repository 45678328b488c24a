// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"math"
	"testing"
)

// testChunkID creates a ChunkID with the provided values, serializes to a string,
// deserializes, and checks that everything went OK.
func testChunkID(file FileID, index ChunkIndex, t *testing.T) {
	c := ChunkIDFromParts(file, index)

	cstr := c.String()
	newC, e := ParseChunkID(cstr)
	if nil != e {
		t.Fatal("error parsing from encoded string: " + e.Error())
	}
	if c != newC {
		t.Fatalf("parsed ChunkID does not match: %s and %s", c, newC)
	}
}

func TestChunkIDs(t *testing.T) {
	testChunkID(1, 0, t)
	testChunkID(1, 1, t)
	testChunkID(12345, 678, t)
	testChunkID(math.MaxUint64, math.MaxUint32, t)
}

func TestParseBadChunkIDs(t *testing.T) {
	for _, s := range []string{"", "1:2", "0000000000000001", "000000000000000g:00000000", "0000000000000001:0000000g"} {
		if _, err := ParseChunkID(s); err != ErrInvalidID {
			t.Errorf("%q: expected ErrInvalidID, got %v", s, err)
		}
	}
}

func TestChunkOf(t *testing.T) {
	info := FileInfo{ID: 7, Size: 10 << 20, ChunkSize: 4 << 20}
	if n := info.NumChunks(); n != 3 {
		t.Errorf("expected 3 chunks, got %d", n)
	}
	tests := []struct {
		off   int64
		index ChunkIndex
		inner int64
	}{
		{0, 0, 0},
		{4<<20 - 1, 0, 4<<20 - 1},
		{4 << 20, 1, 0},
		{9 << 20, 2, 1 << 20},
	}
	for _, test := range tests {
		c, inner := info.ChunkOf(test.off)
		if c.File != 7 || c.Index != test.index || inner != test.inner {
			t.Errorf("ChunkOf(%d) = %s+%d, expected index %d+%d", test.off, c, inner, test.index, test.inner)
		}
	}
}
