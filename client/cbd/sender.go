// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/pkg/retry"
)

// resultKind tags the outcome of one dispatch.
type resultKind int

const (
	resultSuccess  resultKind = iota
	resultRedirect            // Wrong replica, hint may name the leader.
	resultTimeout
	resultError
)

type result struct {
	kind resultKind
	err  core.Error
	hint core.LeaderHint
}

func classify(hint core.LeaderHint, err core.Error) result {
	switch {
	case err == core.NoError:
		return result{kind: resultSuccess}
	case err == core.ErrTimeout:
		return result{kind: resultTimeout, err: err}
	case core.IsRedirectError(err):
		return result{kind: resultRedirect, err: err, hint: hint}
	}
	return result{kind: resultError, err: err}
}

// permanentChunkError returns whether sending a sub-request again can't
// change the outcome.
func permanentChunkError(err core.Error) bool {
	switch err {
	case core.ErrOutOfRange, core.ErrInvalidArgument, core.ErrNoSuchFile, core.ErrNoSuchChunk, core.ErrCanceled:
		return true
	}
	return false
}

// leaseChecker tells whether applied-index reads are allowed right now.
type leaseChecker interface {
	Valid() bool
}

type noLease struct{}

func (noLease) Valid() bool { return false }

// ioSender executes sub-requests against chunk servers. Each sub-request
// goes through up to opMaxRetry cycles of resolving the chunk's leader and
// dispatching to it; each dispatch makes up to rpcRetryTimes transport
// attempts while they fail with transient errors.
type ioSender struct {
	chunks  ChunkTalker
	metrics *clientMetrics

	appliedRead   bool
	rpcRetryTimes int
	budget        time.Duration
	retrier       retry.Retrier

	// Spreads applied-index reads over replicas.
	next uint32
}

func newIOSender(chunks ChunkTalker, metrics *clientMetrics, opts Options) *ioSender {
	return &ioSender{
		chunks:        chunks,
		metrics:       metrics,
		appliedRead:   opts.EnableAppliedIndexRead,
		rpcRetryTimes: opts.RPCRetryTimes,
		budget:        opts.subRequestBudget(),
		retrier: retry.Retrier{
			MaxNumRetries: opts.OpMaxRetry,
			MinSleep:      opts.opRetryInterval(),
			Constant:      true,
		},
	}
}

// send runs one sub-request to a terminal state. err is NoError on success,
// ErrExhausted once every cycle failed, or a terminal error that retrying
// can't fix (ErrNoLeader, ErrCanceled, ErrOutOfRange, ...). last is the last
// error observed, which explains an ErrExhausted.
func (s *ioSender) send(ctx context.Context, sub *subRequest, mc *metaCache, lease leaseChecker) (err, last core.Error) {
	sub.deadline = time.Now().Add(s.budget)
	terminal := core.NoError

	success, cancelled := s.retrier.Do(ctx, func(seq int) bool {
		sub.attempts = seq + 1
		if seq > 0 && time.Now().After(sub.deadline) {
			terminal = core.ErrExhausted
			return true
		}

		route, rerr := mc.Resolve(ctx, sub.chunk)
		if rerr != core.NoError {
			last = rerr
			// Resolve has its own retries, so failing it is final.
			terminal = rerr
			return true
		}

		// Decided per dispatch: a lease that lapses only affects what is sent
		// from now on.
		applied := sub.parent.op == AioRead && s.appliedRead && len(route.Peers) > 0 && lease.Valid()
		addr := route.Leader
		if applied {
			addr = route.Peers[int(atomic.AddUint32(&s.next, 1))%len(route.Peers)]
		}

		res := s.dispatch(ctx, addr, route.Epoch, sub, applied)
		switch res.kind {
		case resultSuccess:
			return true
		case resultRedirect:
			s.metrics.retry("redirect")
			log.V(1).Infof("%s: %s from %s at epoch %d, hint %+v", sub, res.err, addr, route.Epoch, res.hint)
			mc.Invalidate(sub.chunk, route.Epoch)
			if res.hint.Leader != "" {
				mc.UpdateLeader(sub.chunk, res.hint.Leader, res.hint.Epoch)
			}
		case resultTimeout:
			s.metrics.retry("timeout")
		default:
			if permanentChunkError(res.err) {
				terminal = res.err
				last = res.err
				return true
			}
			s.metrics.retry("error")
		}
		last = res.err
		return false
	})

	switch {
	case terminal != core.NoError:
		err = terminal
	case success:
		err = core.NoError
	case cancelled:
		err = core.ErrCanceled
	default:
		err = core.ErrExhausted
	}
	if err == core.ErrExhausted {
		s.metrics.retry("exhausted")
	}
	if err != core.NoError {
		log.Errorf("%s failed after %d cycles: %s (last error: %s)", sub, sub.attempts, err, last)
	}
	return err, last
}

// dispatch sends a sub-request to 'addr', retrying transient transport
// errors up to rpcRetryTimes attempts in total.
func (s *ioSender) dispatch(ctx context.Context, addr string, epoch core.Epoch, sub *subRequest, applied bool) result {
	var res result
	for i := 0; i < s.rpcRetryTimes; i++ {
		var hint core.LeaderHint
		var err core.Error
		if sub.parent.op == AioWrite {
			hint, err = s.chunks.Write(ctx, addr, sub.chunk, epoch, sub.buf, sub.off)
		} else {
			hint, err = s.chunks.Read(ctx, addr, sub.chunk, epoch, sub.buf, sub.off, applied)
		}
		res = classify(hint, err)
		transient := res.kind == resultTimeout || res.kind == resultError && core.IsRetriableError(res.err)
		if !transient || ctx.Err() != nil {
			break
		}
		log.V(2).Infof("%s: attempt %d to %s: %s", sub, i+1, addr, res.err)
	}
	return res
}
