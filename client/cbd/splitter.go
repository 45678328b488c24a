// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"github.com/westerndigitalcorporation/cbd/internal/core"
)

// splitter cuts a logicalRequest into sub-requests in ascending offset
// order. Sub-requests never cross a chunk boundary and are at most maxSize
// bytes. It is consumed once; there is no way to rewind it.
type splitter struct {
	req     *logicalRequest
	info    core.FileInfo
	maxSize int64
	done    int64 // Bytes of req.buf already handed out.
}

func newSplitter(req *logicalRequest, info core.FileInfo, maxSize int64) *splitter {
	return &splitter{req: req, info: info, maxSize: maxSize}
}

// next returns the next sub-request, or false once the request is covered.
func (s *splitter) next() (*subRequest, bool) {
	total := int64(len(s.req.buf))
	if s.done >= total {
		return nil, false
	}
	chunk, off := s.info.ChunkOf(s.req.off + s.done)

	n := s.info.ChunkSize - off // Up to the end of the chunk...
	if n > s.maxSize {
		n = s.maxSize // ...but no bigger than a split...
	}
	if rest := total - s.done; n > rest {
		n = rest // ...and no further than the request.
	}

	sub := &subRequest{
		parent: s.req,
		chunk:  chunk,
		off:    off,
		buf:    s.req.buf[s.done : s.done+n],
	}
	s.done += n
	return sub, true
}
