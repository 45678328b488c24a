// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Specialized pools for the sizes chunk IO tends to use: split sub-requests
// are bounded by the client's split size (64MB by default) and most block
// device IO is 1MB or smaller.

package rpc

import (
	"sync"
)

// Size classes, smallest first. A buffer is pooled only if its capacity is
// exactly one of these.
var classes = []int{256 << 10, 1 << 20, 4 << 20, 16 << 20, 64 << 20}

var pools = func() []*sync.Pool {
	ps := make([]*sync.Pool, len(classes))
	for i, size := range classes {
		size := size
		ps[i] = &sync.Pool{New: func() interface{} { b := make([]byte, size); return &b }}
	}
	return ps
}()

// GetBuffer returns a []byte with length n and capacity >= n.
// The buffer may not be zeroed!
func GetBuffer(n int) []byte {
	if n < classes[0]/2 {
		// Don't bother with pools for small buffers.
		return make([]byte, n)
	}
	for i, size := range classes {
		if n <= size {
			return (*pools[i].Get().(*[]byte))[:n]
		}
	}
	// Or large ones.
	return make([]byte, n)
}

// PutBuffer returns a buffer to the pool. It's okay to call this on any buffer
// that isn't going to be used again, whether it came from GetBuffer or not.
// 'exclusive' indicates whether the caller is the exclusive owner of the
// buffer. (If exclusive is false, obviously, the buffer cannot be put in a
// pool. PutBuffer has this signature to be able to use it conveniently with
// BulkData.Get)
func PutBuffer(b []byte, exclusive bool) {
	if !exclusive || b == nil {
		return
	}
	for i, size := range classes {
		if cap(b) == size {
			b = b[:size]
			pools[i].Put(&b)
			return
		}
	}
}
