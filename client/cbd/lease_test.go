// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/internal/devserver"
)

const testLeasePeriod = 200 * time.Millisecond

// waitFor polls 'cond' until it holds or a few seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newLeaseTest(t *testing.T) (*devserver.Cluster, core.FileInfo, MetaTalker) {
	c := devserver.NewMemCluster(3, testLeasePeriod)
	info, err := c.CreateFile("vol", 1<<20, 0)
	if err != core.NoError {
		t.Fatalf("create: %s", err)
	}
	return c, info, newMemMetaTalker(c)
}

func TestLeaseRenews(t *testing.T) {
	_, info, meta := newLeaseTest(t)
	l := newLeaseManager(meta, info.ID, "s1", testOptions(t))
	if l.Valid() || l.State() != LeaseUnleased {
		t.Fatalf("new lease is %s", l.State())
	}

	if err := l.Start(context.Background()); err != core.NoError {
		t.Fatalf("start: %s", err)
	}
	defer l.Stop(context.Background())
	if !l.Valid() {
		t.Fatalf("lease not valid after start, state %s", l.State())
	}
	first := l.Expiry()

	// Renewals keep it valid for several periods.
	for i := 0; i < 5; i++ {
		time.Sleep(testLeasePeriod / 2)
		if !l.Valid() {
			t.Fatalf("lease lapsed, state %s", l.State())
		}
	}
	if !l.Expiry().After(first) {
		t.Errorf("expiry didn't move: %s -> %s", first, l.Expiry())
	}
}

func TestLeaseExpiresWhenRenewalsFail(t *testing.T) {
	c, info, meta := newLeaseTest(t)
	l := newLeaseManager(meta, info.ID, "s1", testOptions(t))
	l.Start(context.Background())
	defer l.Stop(context.Background())

	c.Failures().Set("renew_lease", core.ErrTimeout)
	c.Failures().Set("acquire_lease", core.ErrTimeout)
	waitFor(t, "expiry", func() bool { return l.State() == LeaseExpired })
	if l.Valid() {
		t.Errorf("expired lease is valid")
	}
	if time.Now().Before(l.Expiry()) {
		t.Errorf("expired before its expiry %s", l.Expiry())
	}

	// Once the metadata service is back, the lease is taken again.
	c.Failures().Set("renew_lease", core.NoError)
	c.Failures().Set("acquire_lease", core.NoError)
	waitFor(t, "reacquisition", l.Valid)
}

func TestLeaseLost(t *testing.T) {
	c, info, meta := newLeaseTest(t)
	l := newLeaseManager(meta, info.ID, "s1", testOptions(t))
	l.Start(context.Background())
	defer l.Stop(context.Background())

	c.Failures().Set("acquire_lease", core.ErrLeaseDenied)
	c.Failures().Set("renew_lease", core.ErrLeaseExpired)
	waitFor(t, "loss", func() bool { return l.State() == LeaseLost })
	if l.Valid() {
		t.Errorf("lost lease is valid")
	}

	c.Failures().Set("renew_lease", core.NoError)
	c.Failures().Set("acquire_lease", core.NoError)
	waitFor(t, "reacquisition", l.Valid)
}

func TestLeaseExclusive(t *testing.T) {
	_, info, meta := newLeaseTest(t)
	a := newLeaseManager(meta, info.ID, "a", testOptions(t))
	b := newLeaseManager(meta, info.ID, "b", testOptions(t))

	if err := a.Start(context.Background()); err != core.NoError {
		t.Fatalf("a: %s", err)
	}
	if err := b.Start(context.Background()); err != core.ErrLeaseDenied {
		t.Fatalf("b: expected denial, got %s", err)
	}
	defer b.Stop(context.Background())
	if b.Valid() || b.State() != LeaseUnleased {
		t.Fatalf("b is %s", b.State())
	}

	// b keeps trying and gets it once a lets go.
	time.Sleep(testLeasePeriod)
	if b.Valid() {
		t.Fatalf("b got a held lease")
	}
	a.Stop(context.Background())
	if a.State() != LeaseReleased || a.Valid() {
		t.Fatalf("a is %s after stop", a.State())
	}
	waitFor(t, "b to take over", b.Valid)
}

func TestLeaseStateNames(t *testing.T) {
	for s := LeaseUnleased; s <= LeaseReleased; s++ {
		if s.String() == "unknown" {
			t.Errorf("state %d has no name", s)
		}
	}
	if LeaseState(99).String() != "unknown" {
		t.Errorf("bad state has a name")
	}
}
