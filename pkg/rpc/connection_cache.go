// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"
)

var (
	// ErrorRPCConnect is returned if we can't connect to the RPC server.
	ErrorRPCConnect = errors.New("RPC couldn't connect")

	// ErrorRPCTimeout is returned if an RPC didn't complete within the
	// cache's RPC timeout. A caller-supplied context that expires first
	// yields the context's own error instead.
	ErrorRPCTimeout = errors.New("RPC timed out")
)

// ConnectionCache creates and caches RPC connections to addresses.
//
// ConnectionCache is thread-safe.
type ConnectionCache struct {
	// Protects conns.
	lock sync.Mutex

	// Holds open connections.
	conns *lru.Cache

	// What timeout to use for dialing.
	dialTimeout time.Duration

	// What timeout to use for calling RPCs.
	rpcTimeout time.Duration

	// Whether new connections compress bulk data.
	compress bool
}

// CancelAction describes the cancel RPC to send if the primary RPC is cancelled
// on the client side.
type CancelAction struct {
	Method string
	Req    interface{}
}

// NewConnectionCache makes a new ConnectionCache. dialTimeout is the timeout
// used for connecting, rpcTimeout bounds every call. maxConns is the size of
// the cache. If we have more than that many connections, we may drop idle
// connections. If maxConns is zero, we never drop idle connections.
func NewConnectionCache(dialTimeout, rpcTimeout time.Duration, maxConns int) *ConnectionCache {
	if maxConns < 0 {
		log.Fatalf("max connections can not be negative")
	}
	conns := lru.New(maxConns)
	conns.OnEvicted = onConnEvicted
	return &ConnectionCache{
		conns:       conns,
		dialTimeout: dialTimeout,
		rpcTimeout:  rpcTimeout,
	}
}

// EnableCompression makes connections dialed from now on snappy-compress
// the bulk data they send. Servers answer compressed requests in kind.
func (cc *ConnectionCache) EnableCompression(on bool) {
	cc.lock.Lock()
	cc.compress = on
	cc.lock.Unlock()
}

// RPCTimeout returns the timeout applied to each call.
func (cc *ConnectionCache) RPCTimeout() time.Duration {
	return cc.rpcTimeout
}

// get returns an RPC connection to the given address, dialing if needed. If
// the connection could not be made, returns nil. Once the RPC has completed,
// the caller MUST call "done" to mark that the rpc.Client is no longer in use
// and can be closed if it's idle.
func (cc *ConnectionCache) get(ctx context.Context, addr string) *refCntClient {
	cc.lock.Lock()
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		return rc
	}
	compress := cc.compress

	// Drop the lock while dialing.
	cc.lock.Unlock()
	nctx, cancel := context.WithTimeout(ctx, cc.dialTimeout)
	defer cancel()
	rpcc, e := dialHTTPContext(nctx, "tcp", addr, compress)
	if e != nil {
		log.Infof("error connecting to %s: %s", addr, e)
		return nil
	}

	cc.lock.Lock()
	defer cc.lock.Unlock()
	// See if somebody else did this in parallel, if so just return the conn from there.
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		rpcc.Close()
		log.Infof("established duplicate connection to %s, dropping", addr)
		return rc
	}

	log.Infof("established connection to %s", addr)

	// Both the LRU cache and the caller hold a reference.
	rc := &refCntClient{count: 2, clt: rpcc}
	cc.conns.Add(addr, rc)
	return rc
}

// done marks that the rpc.Client is no longer in use. If the call resulted in
// an RPC-level error the connection is dropped from the cache, so the next
// call reconnects.
func (cc *ConnectionCache) done(addr string, oldConn *refCntClient, err error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if oldConn.decAndMaybeClose() {
		// Already removed from the cache and nobody is using it.
		return
	}
	if err == nil {
		return
	}

	// If this call was done asynchronously, we might have already closed and
	// removed the client due to a previous error, and even created a new one.
	// Only remove the cached client if it's still this one, so each client is
	// closed exactly once.
	if newConn, ok := cc.conns.Get(addr); ok && newConn == oldConn {
		cc.conns.Remove(addr)
		log.Errorf("connection to %s lost (%s)", addr, err)
	} else {
		log.Errorf("connection to %s lost (%s) (not in cache)", addr, err)
	}
}

// Send wraps up the basic pattern of calling an RPC with a timeout.
func (cc *ConnectionCache) Send(ctx context.Context, addr, method string, req, reply interface{}) error {
	return cc.SendWithCancel(ctx, addr, method, req, reply, nil)
}

// SendWithCancel is like Send, but allows specifying an action to be taken if the RPC is cancelled
// on the client side. Currently the action must be another RPC, which will be done asynchronously,
// and its return value or error will be ignored.
func (cc *ConnectionCache) SendWithCancel(ctx context.Context, addr, method string, req, reply interface{}, can *CancelAction) error {
	nctx, cancel := context.WithTimeout(ctx, cc.rpcTimeout)
	defer cancel()
	return cc.send(ctx, nctx, addr, method, req, reply, can, true)
}

// send does one call bounded by nctx. parent is the caller's context, used to
// tell our own timeout apart from the caller's.
func (cc *ConnectionCache) send(parent, nctx context.Context, addr, method string, req, reply interface{}, can *CancelAction, mayRetry bool) error {
	rc := cc.get(nctx, addr)
	if rc == nil {
		return ErrorRPCConnect
	}

	call := rc.clt.Go(method, req, reply, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
		cc.done(addr, rc, call.Error)

		// ErrShutdown means the server reset the connection while it is still
		// alive. Reconnect and try one more time, within the same deadline.
		if call.Error == rpc.ErrShutdown && mayRetry {
			return cc.send(parent, nctx, addr, method, req, reply, can, false)
		}
		return call.Error

	case <-nctx.Done():
		err := nctx.Err()
		if parent.Err() == nil && err == context.DeadlineExceeded {
			err = ErrorRPCTimeout
		}
		if can != nil {
			log.Errorf("rpc %q to %s: %s, doing cancel rpc", method, addr, err)
			go func() {
				rc.clt.Go(can.Method, can.Req, nil, make(chan *rpc.Call, 1))
				cc.done(addr, rc, nil)
			}()
		} else {
			log.Errorf("rpc %q to %s: %s", method, addr, err)
			cc.done(addr, rc, nil)
		}
		return err
	}
}

// Remove removes and closes a connection from the cache if a connection to
// "addr" exists.
func (cc *ConnectionCache) Remove(addr string) {
	cc.lock.Lock()
	cc.conns.Remove(addr)
	cc.lock.Unlock()
}

// CloseAll drops all connections from the cache. They are closed as soon as
// nobody is using them.
func (cc *ConnectionCache) CloseAll() {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	for cc.conns.Len() > 0 {
		cc.conns.RemoveOldest()
	}
}

func onConnEvicted(key lru.Key, val interface{}) {
	log.V(10).Infof("%s has been evicted from connection cache, closing the connection", key)

	// Called from within the LRU, whose callers hold the lock already.
	val.(*refCntClient).decAndMaybeClose()
}

// refCntClient wraps a RPC client with a reference count so we know when to
// close the connection.
type refCntClient struct {
	// The count of users. The client is closed once it drops to zero.
	// Accessing it must be protected by lock.
	count int

	clt *rpc.Client
}

// decAndMaybeClose decrements the "count" and closes the connection if it
// becomes 0. This method MUST be called with lock.
func (c *refCntClient) decAndMaybeClose() (closed bool) {
	c.count--
	if c.count == 0 {
		c.clt.Close()
		return true
	}
	return false
}
