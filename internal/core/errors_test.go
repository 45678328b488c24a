// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"io"
	"testing"
)

func TestErrorRoundTrip(t *testing.T) {
	for e := range description {
		if e == NoError {
			if e.Error() != nil {
				t.Errorf("NoError should map to a nil error")
			}
			continue
		}
		g := e.Error()
		back, ok := CbdError(g)
		if !ok || back != e {
			t.Errorf("%d: CbdError(%v) = %v, %v", e, g, back, ok)
		}
		if !e.Is(g) {
			t.Errorf("%s: Is should recognize its own error", e)
		}
		if !errors.Is(g, e.Error()) {
			t.Errorf("%s: errors.Is should match equal values", e)
		}
	}
}

func TestEOF(t *testing.T) {
	if ErrEOF.Error() != io.EOF {
		t.Errorf("ErrEOF must be io.EOF")
	}
	if !ErrEOF.Is(io.EOF) {
		t.Errorf("ErrEOF.Is(io.EOF) should be true")
	}
}

func TestClassification(t *testing.T) {
	for _, e := range []Error{ErrRPC, ErrTimeout, ErrNetworkConn, ErrTooBusy} {
		if !IsRetriableError(e) || IsRedirectError(e) {
			t.Errorf("%s should be retriable only", e)
		}
	}
	for _, e := range []Error{ErrNotLeader, ErrStaleEpoch} {
		if IsRetriableError(e) || !IsRedirectError(e) {
			t.Errorf("%s should be a redirect only", e)
		}
	}
	for _, e := range []Error{ErrNoLeader, ErrExhausted, ErrOutOfRange, ErrNoSuchFile} {
		if IsRetriableError(e) || IsRedirectError(e) {
			t.Errorf("%s should be terminal", e)
		}
	}
	if IsRetriableCbdError(errors.New("other")) {
		t.Errorf("foreign errors are not retriable")
	}
}
