// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"fmt"
	"sync"
	"time"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

// AioOp is the operation of a request.
type AioOp int

const (
	// AioRead reads into the buffer.
	AioRead AioOp = iota
	// AioWrite writes the buffer.
	AioWrite
)

func (o AioOp) String() string {
	if o == AioWrite {
		return "write"
	}
	return "read"
}

// RequestError describes the failure of a read or write. It names the first
// sub-request that failed terminally.
type RequestError struct {
	Op     AioOp
	File   string
	Offset int64 // Of the whole request.
	Length int

	// The failed sub-request.
	Chunk       core.ChunkID
	ChunkOffset int64
	ChunkLength int

	// Err is the terminal error, Last the last error observed before giving
	// up (e.g. ErrTimeout behind ErrExhausted).
	Err  core.Error
	Last core.Error
}

func (e *RequestError) Error() string {
	s := fmt.Sprintf("%s %q [%d, +%d): chunk %s [%d, +%d): %s",
		e.Op, e.File, e.Offset, e.Length, e.Chunk, e.ChunkOffset, e.ChunkLength, e.Err)
	if e.Last != core.NoError && e.Last != e.Err {
		s += fmt.Sprintf(" (last error: %s)", e.Last)
	}
	return s
}

// Unwrap returns the terminal error as a Go error, so errors.Is works with
// core.Error values.
func (e *RequestError) Unwrap() error {
	return e.Err.Error()
}

// logicalRequest is one read or write of a File, aggregating the results of
// its sub-requests. Sub-requests hold a pointer to it but never outlive its
// completion: it completes only once every one of them has reported.
type logicalRequest struct {
	op    AioOp
	file  *File
	off   int64
	buf   []byte // Owned by the caller until completion.
	start time.Time

	// Called exactly once with the outcome.
	done func(n int, err error)

	lock        sync.Mutex
	outstanding int  // Sub-requests submitted but not finished.
	sealed      bool // No more sub-requests will be added.
	completed   bool
	err         *RequestError // First terminal failure.
}

func newLogicalRequest(f *File, op AioOp, buf []byte, off int64, done func(int, error)) *logicalRequest {
	return &logicalRequest{op: op, file: f, off: off, buf: buf, start: time.Now(), done: done}
}

// add registers a sub-request about to be submitted.
func (r *logicalRequest) add() {
	r.lock.Lock()
	r.outstanding++
	r.lock.Unlock()
}

// finish records the outcome of a sub-request. The request completes if it
// was the last one.
func (r *logicalRequest) finish(sub *subRequest, err, last core.Error) {
	r.lock.Lock()
	r.outstanding--
	r.recordLocked(sub, err, last)
	complete := r.readyLocked()
	r.lock.Unlock()
	if complete {
		r.complete()
	}
}

func (r *logicalRequest) recordLocked(sub *subRequest, err, last core.Error) {
	if err == core.NoError || r.err != nil {
		return
	}
	r.err = &RequestError{
		Op:          r.op,
		File:        r.file.info.Name,
		Offset:      r.off,
		Length:      len(r.buf),
		Chunk:       sub.chunk,
		ChunkOffset: sub.off,
		ChunkLength: len(sub.buf),
		Err:         err,
		Last:        last,
	}
}

func (r *logicalRequest) readyLocked() bool {
	if !r.sealed || r.outstanding > 0 || r.completed {
		return false
	}
	r.completed = true
	return true
}

// seal marks that every sub-request has been submitted. If they have all
// finished already, completion runs on a new goroutine so that it never runs
// on the submitter's.
func (r *logicalRequest) seal() {
	r.lock.Lock()
	r.sealed = true
	complete := r.readyLocked()
	r.lock.Unlock()
	if complete {
		go r.complete()
	}
}

func (r *logicalRequest) failed() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.err != nil
}

func (r *logicalRequest) complete() {
	r.file.cli.metrics.observe(r.op, len(r.buf), time.Since(r.start), r.err == nil)
	if r.err != nil {
		r.done(0, r.err)
		return
	}
	r.done(len(r.buf), nil)
}

// subRequest is one chunk-confined, size-bounded piece of a logicalRequest.
type subRequest struct {
	parent *logicalRequest
	chunk  core.ChunkID
	off    int64  // Within the chunk.
	buf    []byte // A slice of the parent's buffer.

	// Set when a worker picks it up.
	attempts int
	deadline time.Time
}

// run executes the sub-request and reports to its parent.
func (s *subRequest) run() {
	f := s.parent.file
	err, last := f.sender.send(f.ctx, s, f.cache, f.leaseChecker())
	s.parent.finish(s, err, last)
}

func (s *subRequest) String() string {
	return fmt.Sprintf("%s %s [%d, +%d)", s.parent.op, s.chunk, s.off, len(s.buf))
}
