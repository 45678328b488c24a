// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

// File is an open file. It binds the file to its own chunk route cache and
// lease, and runs its IO on the client's shared workers. A File is safe for
// concurrent use; requests on disjoint ranges don't interfere.
type File struct {
	cli  *Client
	info FileInfo

	// Requests are abandoned once ctx is done. It is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	cache  *metaCache
	lease  *leaseManager // nil if opened with OpenNoLease.
	sender *ioSender
	sched  *scheduler

	// Counts requests submitted and not yet completed, for Sync and Close.
	lock     sync.Mutex
	idle     *sync.Cond
	inflight int
	closed   bool
}

func newFile(cli *Client, info FileInfo, sched *scheduler, options openOptions) *File {
	ctx, cancel := context.WithCancel(options.ctx)
	f := &File{
		cli:    cli,
		info:   info,
		ctx:    ctx,
		cancel: cancel,
		cache:  newMetaCache(ctx, cli.meta, cli.opts),
		sender: cli.sender,
		sched:  sched,
	}
	f.idle = sync.NewCond(&f.lock)
	return f
}

// Info returns the file's metadata.
func (f *File) Info() FileInfo {
	return f.info
}

// Size returns the size of the file in bytes.
func (f *File) Size() int64 {
	return f.info.Size
}

// LeaseState returns the state of the file's lease.
func (f *File) LeaseState() LeaseState {
	if f.lease == nil {
		return LeaseUnleased
	}
	return f.lease.State()
}

func (f *File) leaseChecker() leaseChecker {
	if f.lease == nil {
		return noLease{}
	}
	return f.lease
}

// begin accounts for a new request, unless the file is closed or the range
// is not within the file.
func (f *File) begin(b []byte, off int64) core.Error {
	if off < 0 || int64(len(b)) > f.info.Size || off > f.info.Size-int64(len(b)) {
		return core.ErrOutOfRange
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return core.ErrClosed
	}
	f.inflight++
	return core.NoError
}

func (f *File) end() {
	f.lock.Lock()
	f.inflight--
	if f.inflight == 0 {
		f.idle.Broadcast()
	}
	f.lock.Unlock()
}

// submit splits a request and feeds it to the workers. 'done' is called
// exactly once, never on the calling goroutine.
func (f *File) submit(op AioOp, b []byte, off int64, done func(int, error)) {
	if len(b) == 0 {
		go func() {
			done(0, nil)
			f.end()
		}()
		return
	}
	req := newLogicalRequest(f, op, b, off, func(n int, err error) {
		done(n, err)
		f.end()
	})
	f.sched.Submit(f.ctx, req, newSplitter(req, f.info, f.cli.opts.splitSize()))
}

// do runs a request and waits for it.
func (f *File) do(op AioOp, b []byte, off int64) (int, error) {
	if err := f.begin(b, off); err != core.NoError {
		return 0, err.Error()
	}
	if len(b) == 0 {
		f.end()
		return 0, nil
	}

	type outcome struct {
		n   int
		err error
	}
	ch := make(chan outcome, 1)
	f.submit(op, b, off, func(n int, err error) { ch <- outcome{n, err} })
	o := <-ch
	return o.n, o.err
}

// ReadAt reads len(b) bytes at offset 'off'. It fails with ErrOutOfRange if
// the range is not entirely within the file. On failure the contents of b
// are undefined.
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	return f.do(AioRead, b, off)
}

// WriteAt writes b at offset 'off'. It fails with ErrOutOfRange if the range
// is not entirely within the file. A failed write may have been applied to
// some of the range.
func (f *File) WriteAt(b []byte, off int64) (int, error) {
	return f.do(AioWrite, b, off)
}

// AioContext is an asynchronous request. Buf must not be touched until the
// request is done.
type AioContext struct {
	Buf    []byte
	Offset int64
	Op     AioOp

	// Callback, if set, is called once the request is done, from a worker
	// goroutine and never from the submitting one.
	Callback func(*AioContext)

	done chan struct{}
	n    int
	err  error
}

// Done returns a channel that is closed once the request is done. It is nil
// before the request has been submitted.
func (a *AioContext) Done() <-chan struct{} {
	return a.done
}

// Result returns the outcome of a done request.
func (a *AioContext) Result() (int, error) {
	<-a.done
	return a.n, a.err
}

// Aio submits an asynchronous request. It blocks while the client's queue is
// full. If Aio returns an error the request was not accepted and will not
// complete; otherwise it completes exactly once.
func (f *File) Aio(a *AioContext) error {
	if a.Op != AioRead && a.Op != AioWrite {
		return core.ErrInvalidArgument.Error()
	}
	if err := f.begin(a.Buf, a.Offset); err != core.NoError {
		return err.Error()
	}
	a.done = make(chan struct{})
	f.submit(a.Op, a.Buf, a.Offset, func(n int, err error) {
		a.n, a.err = n, err
		close(a.done)
		if a.Callback != nil {
			a.Callback(a)
		}
	})
	return nil
}

// AioRead submits an asynchronous read.
func (f *File) AioRead(a *AioContext) error {
	a.Op = AioRead
	return f.Aio(a)
}

// AioWrite submits an asynchronous write.
func (f *File) AioWrite(a *AioContext) error {
	a.Op = AioWrite
	return f.Aio(a)
}

// Sync waits until every request submitted so far is done. Writes are
// acknowledged by the chunk leaders once applied, so there is nothing else
// to flush.
func (f *File) Sync() error {
	f.lock.Lock()
	for f.inflight > 0 {
		f.idle.Wait()
	}
	f.lock.Unlock()
	return nil
}

// Close waits for outstanding requests, releases the lease and detaches the
// file from its client. Requests submitted after Close fail with ErrClosed.
func (f *File) Close() error {
	f.lock.Lock()
	if f.closed {
		f.lock.Unlock()
		return core.ErrClosed.Error()
	}
	f.closed = true
	f.lock.Unlock()

	f.Sync()
	if f.lease != nil {
		f.lease.Stop(context.Background())
	}
	f.cancel()
	f.cli.detach(f)
	log.Infof("closed %q", f.info.Name)
	return nil
}
