// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

func TestOpMetric(t *testing.T) {
	m := NewOpMetricWith(prometheus.NewRegistry(), "test_ops", "op")

	ok := m.Start("read")
	require.EqualValues(t, 1, m.Pending("read"))
	err := core.NoError
	ok.EndWithCbdError(&err)

	bad := m.Start("read")
	err = core.ErrIO
	bad.EndWithCbdError(&err)

	busy := m.Start("read")
	err = core.ErrTooBusy
	busy.EndWithCbdError(&err)

	require.EqualValues(t, 3, m.Count("all", "read"))
	require.EqualValues(t, 1, m.Count("failed", "read"))
	require.EqualValues(t, 1, m.Count("too_busy", "read"))
	require.EqualValues(t, 0, m.Pending("read"))
	require.Contains(t, m.String("read"), "Total count=1")
}

func TestOpFailureHTTP(t *testing.T) {
	f := NewOpFailure()
	srv := httptest.NewServer(f)
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"write": 11, "read": 4}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, core.Error(11), f.Get("write"))
	require.Equal(t, core.Error(4), f.Get("read"))

	resp, err = http.Post(srv.URL, "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, core.NoError, f.Get("write"))

	resp, err = http.Post(srv.URL, "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.Set("get_leader", core.ErrTimeout)
	require.Equal(t, core.ErrTimeout, f.Get("get_leader"))
	f.Set("get_leader", core.NoError)
	require.Equal(t, core.NoError, f.Get("get_leader"))
}

func TestChunkLockExcludes(t *testing.T) {
	l := NewChunkLock()
	a := core.ChunkIDFromParts(1, 0)
	b := core.ChunkIDFromParts(1, 1)

	l.Lock(a)
	// A different chunk is independent.
	l.Lock(b)
	l.Unlock(b)

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Lock(a)
		close(acquired)
		l.Unlock(a)
	}()
	select {
	case <-acquired:
		t.Fatal("second locker got a locked chunk")
	case <-time.After(20 * time.Millisecond):
	}
	l.Unlock(a)
	wg.Wait()
	require.Panics(t, func() { l.Unlock(a) })
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)
	s.Acquire()
	require.True(t, s.TryAcquire())
	require.False(t, s.TryAcquire())
	require.Equal(t, 2, s.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, s.AcquireContext(ctx))

	s.Release()
	require.NoError(t, s.AcquireContext(context.Background()))
}
