// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"
	"sync"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

// scheduler is a bounded FIFO of sub-requests drained by a fixed pool of
// workers. Each worker runs one sub-request at a time through its whole
// retry lifecycle. Submitting to a full queue blocks.
//
// One scheduler is shared by all files of a Client.
type scheduler struct {
	queue   chan *subRequest
	workers int
	depth   prometheus.Gauge

	// Protects closed. Submitters hold it for reading while they enqueue.
	lock   sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newScheduler(capacity, workers int, depth prometheus.Gauge) *scheduler {
	return &scheduler{
		queue:   make(chan *subRequest, capacity),
		workers: workers,
		depth:   depth,
	}
}

// start launches the workers.
func (s *scheduler) start() {
	log.Infof("starting %d workers with a queue of %d", s.workers, cap(s.queue))
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

func (s *scheduler) worker() {
	defer s.wg.Done()
	for sub := range s.queue {
		s.depth.Dec()
		sub.run()
	}
}

// enqueue adds one sub-request, blocking while the queue is full.
func (s *scheduler) enqueue(ctx context.Context, sub *subRequest) core.Error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return core.ErrClosed
	}
	select {
	case s.queue <- sub:
		s.depth.Inc()
		return core.NoError
	case <-ctx.Done():
		return core.ErrCanceled
	}
}

// Submit feeds every sub-request from 'seq' to the workers and seals the
// request. Its completion fires once all submitted sub-requests have
// finished. Submission stops early if the request has already failed, or
// if the scheduler is stopped or ctx is done; the sub-request that couldn't
// be queued is reported as the failure.
func (s *scheduler) Submit(ctx context.Context, req *logicalRequest, seq *splitter) {
	for !req.failed() {
		sub, ok := seq.next()
		if !ok {
			break
		}
		req.add()
		if err := s.enqueue(ctx, sub); err != core.NoError {
			req.finish(sub, err, err)
			break
		}
	}
	req.seal()
}

// stop drains the queue and waits for the workers to exit. Submissions
// after stop fail with ErrClosed.
func (s *scheduler) stop() {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.lock.Unlock()
	s.wg.Wait()
	log.Infof("scheduler stopped")
}
