// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/pkg/tokenbucket"
)

// LeaseState is where a file's lease is in its lifecycle.
type LeaseState int32

const (
	// LeaseUnleased means no lease has been granted yet.
	LeaseUnleased LeaseState = iota
	// LeaseAcquiring means an acquisition is in flight.
	LeaseAcquiring
	// LeaseActive means the lease is held and not due for renewal.
	LeaseActive
	// LeaseRenewing means a renewal is in flight. The lease is still held.
	LeaseRenewing
	// LeaseExpired means renewals failed until the lease ran out.
	LeaseExpired
	// LeaseLost means the metadata service refused to renew the lease.
	LeaseLost
	// LeaseReleased means the lease was given back on close.
	LeaseReleased
)

var leaseStateNames = [...]string{
	LeaseUnleased:  "unleased",
	LeaseAcquiring: "acquiring",
	LeaseActive:    "active",
	LeaseRenewing:  "renewing",
	LeaseExpired:   "expired",
	LeaseLost:      "lost",
	LeaseReleased:  "released",
}

func (s LeaseState) String() string {
	if s >= 0 && int(s) < len(leaseStateNames) {
		return leaseStateNames[s]
	}
	return "unknown"
}

// Renewal retries within one refresh interval are spaced at least this
// fraction of it apart.
const renewRetriesPerInterval = 4

// leaseManager holds the lease on one open file. A single background
// goroutine acquires and renews it; workers only ask Valid.
type leaseManager struct {
	meta    MetaTalker
	file    core.FileID
	session string

	refreshTimes int
	reacquire    time.Duration

	// Written by the background goroutine only.
	state  int32 // LeaseState
	expiry int64 // UnixNano
	period time.Duration

	// Paces renewal retries so a dead metadata service isn't hammered.
	renewLimit *tokenbucket.TokenBucket

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

func newLeaseManager(meta MetaTalker, file core.FileID, session string, opts Options) *leaseManager {
	return &leaseManager{
		meta:         meta,
		file:         file,
		session:      session,
		refreshTimes: opts.RefreshTimesPerLease,
		reacquire:    opts.leaseReacquireInterval(),
		now:          time.Now,
	}
}

// State returns the current state.
func (l *leaseManager) State() LeaseState {
	return LeaseState(atomic.LoadInt32(&l.state))
}

// Expiry returns when the lease runs out. It is the zero time if no lease
// was ever granted.
func (l *leaseManager) Expiry() time.Time {
	if e := atomic.LoadInt64(&l.expiry); e != 0 {
		return time.Unix(0, e)
	}
	return time.Time{}
}

// Valid returns whether the lease is held right now, and so whether
// applied-index reads are allowed.
func (l *leaseManager) Valid() bool {
	switch l.State() {
	case LeaseActive, LeaseRenewing:
		return l.now().UnixNano() < atomic.LoadInt64(&l.expiry)
	}
	return false
}

func (l *leaseManager) setState(s LeaseState) {
	old := LeaseState(atomic.SwapInt32(&l.state, int32(s)))
	if old != s {
		log.V(1).Infof("lease on %s: %s -> %s", l.file, old, s)
	}
}

// grant records a lease granted for 'period' by a request sent at 'sent'.
// Counting from the send time keeps our idea of the expiry no later than the
// metadata service's.
func (l *leaseManager) grant(sent time.Time, period time.Duration) {
	if period <= 0 {
		period = core.DefaultLeasePeriod
	}
	l.period = period
	atomic.StoreInt64(&l.expiry, sent.Add(period).UnixNano())
	l.renewLimit.SetRate(float64(renewRetriesPerInterval)/l.interval().Seconds(), 1)
	l.setState(LeaseActive)
}

// interval is the time between renewals.
func (l *leaseManager) interval() time.Duration {
	return l.period / time.Duration(l.refreshTimes)
}

// Start acquires the lease and launches the renewal loop. The loop keeps
// running whether or not the first acquisition worked, and tries again every
// reacquire interval while there is no valid lease.
func (l *leaseManager) Start(ctx context.Context) core.Error {
	l.renewLimit = tokenbucket.New(1, 1)
	err := l.acquire(ctx)

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.loop(ctx)
	return err
}

func (l *leaseManager) loop(ctx context.Context) {
	defer close(l.done)
	for {
		wait := l.reacquire
		active := l.State() == LeaseActive
		if active {
			wait = l.interval()
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if active {
			l.renew(ctx)
		} else {
			l.acquire(ctx)
		}
	}
}

func (l *leaseManager) acquire(ctx context.Context) core.Error {
	prev := l.State()
	l.setState(LeaseAcquiring)
	sent := l.now()
	period, err := l.meta.AcquireLease(ctx, l.file, l.session)
	if err != core.NoError {
		log.V(1).Infof("failed to acquire lease on %s: %s", l.file, err)
		l.setState(prev)
		return err
	}
	l.grant(sent, period)
	log.Infof("acquired lease on %s for %s, renewing every %s", l.file, l.period, l.interval())
	return core.NoError
}

// renew extends the lease, retrying until it succeeds, the metadata service
// refuses, or the lease runs out. Failures don't move the expiry.
func (l *leaseManager) renew(ctx context.Context) {
	l.setState(LeaseRenewing)
	for {
		sent := l.now()
		period, err := l.meta.RenewLease(ctx, l.file, l.session)
		switch {
		case err == core.NoError:
			l.grant(sent, period)
			log.V(2).Infof("renewed lease on %s until %s", l.file, l.Expiry())
			return
		case err == core.ErrLeaseExpired || err == core.ErrLeaseDenied:
			log.Errorf("lease on %s lost: %s", l.file, err)
			l.setState(LeaseLost)
			return
		case ctx.Err() != nil:
			return
		}

		if !l.now().Before(l.Expiry()) {
			log.Errorf("lease on %s expired, last renewal error: %s", l.file, err)
			l.setState(LeaseExpired)
			return
		}
		log.Errorf("failed to renew lease on %s, will retry: %s", l.file, err)
		if l.renewLimit.Wait(ctx, 1) != nil {
			return
		}
	}
}

// Stop ends the renewal loop and gives the lease back if we hold it.
func (l *leaseManager) Stop(ctx context.Context) {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	held := l.Valid()
	if held {
		if err := l.meta.ReleaseLease(ctx, l.file, l.session); err != core.NoError {
			log.Errorf("failed to release lease on %s: %s", l.file, err)
		}
	}
	atomic.StoreInt64(&l.expiry, 0)
	l.setState(LeaseReleased)
	log.V(1).Infof("stopped lease on %s, held=%t", l.file, held)
}
