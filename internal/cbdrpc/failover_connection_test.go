// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbdrpc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/pkg/rpc"
)

type PingReq struct {
	Seq int
}

type PingReply struct {
	Seq int
	Err core.Error
}

// pingHandler refuses the next 'refuse' calls as if the member it arrived at
// was not the leader.
type pingHandler struct {
	lock   sync.Mutex
	refuse int
	calls  int
}

func (h *pingHandler) Ping(req PingReq, reply *PingReply) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.calls++
	if h.refuse > 0 {
		h.refuse--
		reply.Err = core.ErrMetaNotLeader
		return nil
	}
	reply.Seq = req.Seq
	return nil
}

func (h *pingHandler) set(refuse int) {
	h.lock.Lock()
	h.refuse, h.calls = refuse, 0
	h.lock.Unlock()
}

func (h *pingHandler) count() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.calls
}

var (
	handler     = &pingHandler{}
	srv         = rpc.NewServer()
	registerOne sync.Once
)

// startMembers starts n listeners that all serve the ping handler.
func startMembers(t *testing.T, n int) []string {
	registerOne.Do(func() {
		if err := srv.RegisterName("FailoverTest", handler); err != nil {
			t.Fatal(err)
		}
	})
	var addrs []string
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		go srv.Serve(l)
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

func TestFailoverFindsLeader(t *testing.T) {
	addrs := startMembers(t, 3)
	fc := NewFailoverConnection(addrs, time.Second, time.Second)
	defer fc.Close()

	// The first two members refuse, the third one is the leader.
	handler.set(2)
	var reply PingReply
	err, rpcErr := fc.FailoverRPC(context.Background(), "FailoverTest.Ping", PingReq{Seq: 7}, &reply)
	if err != core.NoError || rpcErr != nil || reply.Seq != 7 {
		t.Fatalf("expected success, got %s %v %+v", err, rpcErr, reply)
	}
	if handler.count() != 3 {
		t.Errorf("expected 3 calls, got %d", handler.count())
	}
	if atomic.LoadInt32(&fc.next) != 2 {
		t.Errorf("connection should stick to the leader, next=%d", fc.next)
	}

	// Steady state: the leader is tried first and only.
	handler.set(0)
	fc.FailoverRPC(context.Background(), "FailoverTest.Ping", PingReq{Seq: 8}, &reply)
	if handler.count() != 1 || atomic.LoadInt32(&fc.next) != 2 {
		t.Errorf("expected one call to the known leader, got %d calls, next=%d", handler.count(), fc.next)
	}

	// Everybody refuses: each member is tried exactly once.
	handler.set(10)
	err, _ = fc.FailoverRPC(context.Background(), "FailoverTest.Ping", PingReq{}, &reply)
	if err != core.ErrMetaNotLeader || handler.count() != 3 {
		t.Errorf("expected ErrMetaNotLeader after 3 calls, got %s after %d", err, handler.count())
	}
}

func TestFailoverUnreachable(t *testing.T) {
	// Nothing listens on these.
	fc := NewFailoverConnection([]string{"127.0.0.1:1", "127.0.0.1:2"}, 100*time.Millisecond, 100*time.Millisecond)
	defer fc.Close()
	var reply PingReply
	err, rpcErr := fc.FailoverRPC(context.Background(), "FailoverTest.Ping", PingReq{}, &reply)
	if err != core.ErrRPC || rpcErr == nil {
		t.Errorf("expected ErrRPC with a detailed error, got %s %v", err, rpcErr)
	}
}

func TestExtractError(t *testing.T) {
	e := core.ErrLeaseDenied
	if extractError(&e) != core.ErrLeaseDenied {
		t.Errorf("bare core.Error not extracted")
	}
	r := PingReply{Err: core.ErrNoSuchFile}
	if extractError(&r) != core.ErrNoSuchFile {
		t.Errorf("Err field not extracted")
	}
	clearStruct(&r)
	if r.Err != core.NoError {
		t.Errorf("clearStruct did not reset Err")
	}
}
