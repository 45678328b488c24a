// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"io"
)

// Error is our own defined error type for sending errors over an RPC layer.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Client configuration errors ------//

	// ErrConfiguration is returned if a client option is missing or out of
	// range. It is fatal at open time.
	ErrConfiguration

	// ErrInvalidArgument is returned if an argument is bad or confusing (eg negative size).
	ErrInvalidArgument

	//------ Metadata service errors ------//

	// ErrNoSuchFile is returned when a file does not exist.
	ErrNoSuchFile

	// ErrFileExists is returned when users want to create a duplicate file.
	ErrFileExists

	// ErrNoSuchChunk is returned when a chunk index is past the end of a file.
	ErrNoSuchChunk

	// ErrMetaNotLeader is returned by a metadata service member that is not
	// the leader of its group. The caller should try another member.
	ErrMetaNotLeader

	// ErrLeaseDenied is returned if another session holds the lease on a file.
	ErrLeaseDenied

	// ErrLeaseExpired is returned when renewing a lease that has already
	// expired or was never granted. The session must acquire a new one.
	ErrLeaseExpired

	//------ Routing errors ------//

	// ErrNoLeader means the leader of a chunk's replica group could not be
	// resolved within the lookup retry budget.
	ErrNoLeader

	// ErrNotLeader is returned by a chunk replica that is not the leader of
	// its group. The reply usually carries a hint of the current leader.
	ErrNotLeader

	// ErrStaleEpoch is returned if the request was routed using an older
	// epoch than the replica knows about.
	ErrStaleEpoch

	//------ Data path errors ------//

	// ErrOutOfRange is returned if a request reaches past the end of a file.
	ErrOutOfRange

	// ErrShortRead is returned if we get less data than we wanted, in a context
	// where that is unexpected/disallowed.
	ErrShortRead

	// ErrEOF is returned when reach the end of a file.
	ErrEOF

	// ErrCorruptData is returned if stored data fails its checksum.
	ErrCorruptData

	// ErrIO is returned if there is a storage-level IO error.
	ErrIO

	// ErrExhausted is returned when every retry budget of a sub-request has
	// been consumed without success.
	ErrExhausted

	// ErrClosed is returned for operations on a closed file or client.
	ErrClosed

	//------ Client driver errors ------//

	// ErrNetworkConn is returned if we fail to connection to a host.
	ErrNetworkConn

	// ErrInvalidState is returned if we find data in our state that doesn't
	// make sense or is inconsistent.
	ErrInvalidState

	//------ Errors from any level ------//

	// ErrTooBusy means the server is too busy to do whatever it was asked to do.
	ErrTooBusy

	// ErrTooBig is returned if the client is asking for too much data allocation.
	ErrTooBig

	// ErrRPC is returned when the RPC layer errors during sending/receiving.
	ErrRPC

	// ErrTimeout is returned when a single RPC attempt exceeded its deadline.
	ErrTimeout

	//------ Meta-error ------//

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown

	// ErrNotYetImplemented is returned if the method or feature isn't implemented yet.
	ErrNotYetImplemented

	// ErrCanceled is returned when a request is canceled.
	ErrCanceled

	// ErrCancelFailed is returned when there was no request to cancel.
	ErrCancelFailed
)

var description = map[Error]string{
	NoError: "no error",

	ErrConfiguration:   "invalid client configuration",
	ErrInvalidArgument: "invalid argument",

	ErrNoSuchFile:    "file does not exist",
	ErrFileExists:    "file already exists",
	ErrNoSuchChunk:   "chunk does not exist",
	ErrMetaNotLeader: "metadata server is not leader",
	ErrLeaseDenied:   "lease is held by another session",
	ErrLeaseExpired:  "lease has expired",

	ErrNoLeader:   "chunk leader could not be resolved",
	ErrNotLeader:  "replica is not the chunk leader",
	ErrStaleEpoch: "request routed with a stale epoch",

	ErrOutOfRange:  "request out of file range",
	ErrShortRead:   "short read in unexpected context",
	ErrEOF:         "end of file",
	ErrCorruptData: "checksum is invalid, data is corrupt",
	ErrIO:          "I/O level error",
	ErrExhausted:   "retry budget exhausted",
	ErrClosed:      "file or client is closed",

	ErrNetworkConn:  "network connection error",
	ErrInvalidState: "invalid state",

	ErrTooBusy: "too busy",
	ErrTooBig:  "request is too large",
	ErrRPC:     "RPC-level error",
	ErrTimeout: "RPC timed out",

	ErrUnknown:           "unknown error!!!! contact a programming professional to diagnose",
	ErrNotYetImplemented: "not yet implemented",
	ErrCanceled:          "request canceled",
	ErrCancelFailed:      "couldn't cancel request",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	} else if e == ErrEOF {
		// io.EOF is treated specially by the Go standard library.
		return io.EOF
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath.
func (e Error) Is(g error) bool {
	if e == ErrEOF {
		return g == io.EOF
	}
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// CbdError gets the underlying core.Error from an error.
func CbdError(err error) (Error, bool) {
	if err == io.EOF {
		return ErrEOF, true
	}
	e, ok := err.(goError)
	return Error(e), ok
}

// IsRetriableCbdError checks if this is 1) core.Error 2) retriable
func IsRetriableCbdError(err error) bool {
	if goerr, ok := err.(goError); ok {
		return IsRetriableError(Error(goerr))
	}
	return false
}

// IsRetriableError checks if an error is transient at the transport level,
// so the same request can simply be sent again to the same address.
func IsRetriableError(err Error) bool {
	switch err {
	case ErrRPC, // Failed to talk to a host, reconnect and retry.
		ErrTimeout,
		ErrNetworkConn,
		// Make sense to backoff a little bit and retry.
		ErrTooBusy:
		return true
	}
	return false
}

// IsRedirectError checks if the error means the request went to the wrong
// replica, so the route must be refreshed before trying again.
func IsRedirectError(err Error) bool {
	return err == ErrNotLeader || err == ErrStaleEpoch
}
