// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/beorn7/perks/quantile"
	"github.com/codegangsta/cli"
	log "github.com/golang/glog"
	"golang.org/x/time/rate"

	"github.com/westerndigitalcorporation/cbd/client/cbd"
	"github.com/westerndigitalcorporation/cbd/internal/server"
)

// benchStats collects the outcome of benchmark requests.
type benchStats struct {
	lock   sync.Mutex
	start  time.Time
	lat    *quantile.Stream // Request latency, in seconds.
	ok     int
	failed int
	bytes  int64
}

func newBenchStats() *benchStats {
	objectives := map[float64]float64{0.1: 0.05, 0.5: 0.05, 0.9: 0.01, 0.99: 0.001, 0.9999: 0.000001}
	return &benchStats{start: time.Now(), lat: quantile.NewTargeted(objectives)}
}

func (s *benchStats) add(d time.Duration, n int, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err != nil {
		s.failed++
		return
	}
	s.ok++
	s.bytes += int64(n)
	s.lat.Insert(d.Seconds())
}

func (s *benchStats) String() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	elapsed := time.Since(s.start).Seconds()
	str := fmt.Sprintf("%d ok, %d failed in %.3fs: %.1f IOPS, %.2f MB/s\n",
		s.ok, s.failed, elapsed, float64(s.ok)/elapsed, float64(s.bytes)/elapsed/1e6)
	for _, q := range []float64{0.1, 0.5, 0.9, 0.99, 0.9999} {
		str += fmt.Sprintf("%g=%.3f ms\n", q*100, s.lat.Query(q)*1000)
	}
	return str
}

// cmdBench implements the "bench" subcommand. Requests are issued through the
// asynchronous interface, up to --depth at a time, at random offsets aligned
// to --size.
func (b *cbdCli) cmdBench(c *cli.Context) {
	f := b.getFile(c)
	if f == nil {
		return
	}
	size, err := parseSize(c.String("size"))
	if err != nil || size <= 0 || size > f.Size() {
		log.Errorf("Bad request size %q", c.String("size"))
		return
	}
	var op cbd.AioOp
	switch c.String("op") {
	case "read":
		op = cbd.AioRead
	case "write":
		op = cbd.AioWrite
	default:
		log.Errorf("Unknown op %q, must be read or write", c.String("op"))
		return
	}
	depth := c.Int("depth")
	if depth <= 0 {
		depth = 1
	}

	limit := rate.Inf
	if iops := c.Int("iops"); iops > 0 {
		limit = rate.Limit(iops)
	}
	limiter := rate.NewLimiter(limit, 1)
	inflight := server.NewSemaphore(depth)
	slots := f.Size() / size
	stats := newBenchStats()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	// Buffers are reused once their request is done.
	bufs := make(chan []byte, depth)
	for i := 0; i < depth; i++ {
		buf := make([]byte, size)
		r.Read(buf)
		bufs <- buf
	}

	for i := 0; i < c.Int("count"); i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			log.Errorf("Rate limiter: %s", err)
			break
		}
		inflight.Acquire()
		buf := <-bufs
		st := time.Now()
		a := &cbd.AioContext{
			Buf:    buf,
			Offset: r.Int63n(slots) * size,
			Op:     op,
			Callback: func(a *cbd.AioContext) {
				n, err := a.Result()
				stats.add(time.Since(st), n, err)
				if err != nil {
					log.Errorf("%s at %d failed: %s", a.Op, a.Offset, err)
				}
				bufs <- a.Buf
				inflight.Release()
			},
		}
		if err := f.Aio(a); err != nil {
			log.Errorf("Submit failed: %s", err)
			bufs <- buf
			inflight.Release()
			break
		}
	}
	f.Sync()
	fmt.Print(stats)
}
