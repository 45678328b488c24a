// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbdrpc

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/pkg/rpc"
)

// FailoverConnection abstracts the rpc calls to the metadata service group,
// failing over to another member if it fails talking to the current one.
//
// FailoverConnection is thread-safe: the member to try next is an index
// bumped with CAS, so two concurrent failures on the same member move it
// only once and the loser just uses the updated index for its next try.
type FailoverConnection struct {
	addrs []string             // The members of the group.
	next  int32                // The member to try next time.
	cc    *rpc.ConnectionCache // The actual connections to members.
}

// NewFailoverConnection creates a new FailoverConnection.
func NewFailoverConnection(addrs []string, dialTimeout, rpcTimeout time.Duration) *FailoverConnection {
	return &FailoverConnection{addrs: addrs, cc: rpc.NewConnectionCache(dialTimeout, rpcTimeout, len(addrs))}
}

// Addrs returns the members this connection fails over between.
func (f *FailoverConnection) Addrs() []string {
	return f.addrs
}

// Close closes the connections.
func (f *FailoverConnection) Close() {
	f.cc.CloseAll()
}

// FailoverRPC attempts to call the given RPC method on the current leader
// member. If a call fails with an RPC-level error, or with ErrMetaNotLeader,
// it will move on to the next member, trying each member at most once.
//
// If a previous call was successful, this will try to use the same member
// first, so that in the steady state we're not creating a new connection for
// each call.
//
// reply must be a pointer to a struct with an "Err core.Error" field, or a
// *core.Error.
//
// Return value: two error values are returned, an core.Error in err and a go
// error in rpcErr. rpcErr != nil iff err is ErrRPC or ErrTimeout, and in that
// case rpcErr contains the detailed error from the RPC system.
func (f *FailoverConnection) FailoverRPC(ctx context.Context, method string, req, reply interface{}) (err core.Error, rpcErr error) {
	if len(f.addrs) == 0 {
		return core.ErrNoLeader, nil
	}
	for range f.addrs {
		idx := atomic.LoadInt32(&f.next)
		addr := f.addrs[idx]

		// Clear any old Err value from the reply.
		clearStruct(reply)

		if rpcErr = f.cc.Send(ctx, addr, method, req, reply); rpcErr != nil {
			// ConnectionCache closes the connection for us on rpc errors.
			err = core.ErrRPC
			if rpcErr == rpc.ErrorRPCTimeout {
				err = core.ErrTimeout
			}
			if ctx.Err() != nil {
				// The caller gave up, don't burn through the other members.
				return core.ErrCanceled, rpcErr
			}
			f.advance(idx)
			continue
		}

		err = extractError(reply)
		if err == core.ErrMetaNotLeader {
			// Keep the connection, we may come back to this member when
			// leadership moves again.
			f.advance(idx)
			continue
		}
		// Any other reply, success or not, came from the leader.
		if err != core.NoError {
			log.V(1).Infof("application-level error calling %s on %s: %s", method, addr, err)
		}
		return err, nil
	}

	// Return the last RPC or application-level error we got.
	if rpcErr != nil {
		log.Errorf("RPC-level error calling %s: %s", method, rpcErr)
	} else {
		log.Errorf("application-level error calling %s: %s", method, err)
	}
	return
}

// advance moves "next" past idx, unless somebody else already did.
func (f *FailoverConnection) advance(idx int32) {
	atomic.CompareAndSwapInt32(&f.next, idx, (idx+1)%int32(len(f.addrs)))
}

// extractError extracts the Err value from a reply. v is either a *core.Error
// or a pointer to a struct with an Err field.
func extractError(v interface{}) core.Error {
	if e, ok := v.(*core.Error); ok {
		return *e
	}
	errField := reflect.Indirect(reflect.ValueOf(v)).FieldByName("Err")
	if !errField.IsValid() {
		log.Fatalf("failed to extract error from %T", v)
	}
	return core.Error(errField.Int())
}

// clearStruct zeroes a reply, so that an error from a previous call doesn't
// affect this call.
func clearStruct(v interface{}) {
	val := reflect.Indirect(reflect.ValueOf(v))
	val.Set(reflect.Zero(val.Type()))
}
