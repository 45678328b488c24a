// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"bytes"
	"math/rand"
	"net/rpc"
	"testing"
)

type testMsg struct {
	Field int
	Data  []byte
}

func (t *testMsg) Get() ([]byte, bool)  { b := t.Data; t.Data = nil; return b, false }
func (t *testMsg) Set(b []byte, e bool) { t.Data = b }

type closeBuffer struct {
	bytes.Buffer
}

func (cb *closeBuffer) Close() error { return nil }

// compressible returns n bytes that snappy can shrink.
func compressible(n int) []byte {
	b := make([]byte, n)
	for i := 0; i < n; i += 512 {
		b[i] = byte(rand.Intn(256))
	}
	return b
}

func incompressible(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

func TestBulkCodecRequest(t *testing.T) {
	for _, compress := range []bool{false, true} {
		for _, bulk := range [][]byte{incompressible(8 << 20), compressible(3<<20 + 17), compressible(100)} {
			buf := &closeBuffer{bytes.Buffer{}}
			inBody := &testMsg{Field: 777, Data: bulk}
			var _ BulkData = inBody // assert that it implements BulkData

			inReq := &rpc.Request{ServiceMethod: "method", Seq: 12345}
			cc := newBulkGobCodec(buf, compress)
			if err := cc.WriteRequest(inReq, inBody); err != nil {
				t.Fatal(err)
			}

			sc := newBulkGobCodec(buf, false)
			var outReq rpc.Request
			if err := sc.ReadRequestHeader(&outReq); err != nil {
				t.Fatal(err)
			}
			if outReq.ServiceMethod != inReq.ServiceMethod || outReq.Seq != inReq.Seq {
				t.Fatal("mismatch")
			}

			var outBody testMsg
			if err := sc.ReadRequestBody(&outBody); err != nil {
				t.Fatal(err)
			}
			if outBody.Field != inBody.Field || !bytes.Equal(outBody.Data, bulk) {
				t.Fatalf("mismatch, compress=%v len=%d", compress, len(bulk))
			}
		}
	}
}

// A server codec answers in kind once it has seen a compressed request.
func TestBulkCodecMirrorsCompression(t *testing.T) {
	buf := &closeBuffer{bytes.Buffer{}}
	bulk := compressible(1 << 20)

	cc := newBulkGobCodec(buf, true)
	cc.WriteRequest(&rpc.Request{ServiceMethod: "m", Seq: 1}, &testMsg{Data: bulk})

	sc := newBulkGobCodec(buf, false)
	var req rpc.Request
	sc.ReadRequestHeader(&req)
	var body testMsg
	if err := sc.ReadRequestBody(&body); err != nil {
		t.Fatal(err)
	}
	if !sc.compress {
		t.Fatal("server codec should compress replies after a compressed request")
	}

	before := buf.Len()
	sc.WriteResponse(&rpc.Response{ServiceMethod: "m", Seq: 1}, &testMsg{Data: bulk})
	if sent := buf.Len() - before; sent >= len(bulk) {
		t.Errorf("reply was not compressed: %d bytes on the wire for %d", sent, len(bulk))
	}
}

func TestBulkCodecResponseIntoCallerBuffer(t *testing.T) {
	for _, compress := range []bool{false, true} {
		buf := &closeBuffer{bytes.Buffer{}}
		bulk := compressible(2 << 20)

		inResp := &rpc.Response{ServiceMethod: "method", Seq: 12345, Error: "none"}
		sc := newBulkGobCodec(buf, compress)
		sc.WriteResponse(inResp, &testMsg{Field: 777, Data: bulk})

		cc := newBulkGobCodec(buf, false)
		var outResp rpc.Response
		if err := cc.ReadResponseHeader(&outResp); err != nil {
			t.Fatal(err)
		}
		if outResp.ServiceMethod != inResp.ServiceMethod || outResp.Seq != inResp.Seq || outResp.Error != inResp.Error {
			t.Fatal("mismatch")
		}

		// Provide a buffer of exactly the right size: the codec must fill it in place.
		dst := make([]byte, len(bulk))
		outBody := testMsg{Data: dst[0:0:len(dst)]}
		if err := cc.ReadResponseBody(&outBody); err != nil {
			t.Fatal(err)
		}
		if outBody.Field != 777 || !bytes.Equal(outBody.Data, bulk) {
			t.Fatal("mismatch")
		}
		if &outBody.Data[0] != &dst[0] {
			t.Errorf("compress=%v: codec did not decode into the caller's buffer", compress)
		}
	}
}

func TestBulkCodecChecksum(t *testing.T) {
	buf := &closeBuffer{bytes.Buffer{}}
	cc := newBulkGobCodec(buf, false)
	cc.WriteRequest(&rpc.Request{ServiceMethod: "m", Seq: 1}, &testMsg{Data: incompressible(64 << 10)})

	// Flip a bit in the middle of the bulk payload.
	raw := buf.Bytes()
	raw[len(raw)-(32<<10)] ^= 0x10

	sc := newBulkGobCodec(buf, false)
	var req rpc.Request
	if err := sc.ReadRequestHeader(&req); err != nil {
		t.Fatal(err)
	}
	var body testMsg
	if err := sc.ReadRequestBody(&body); err != errChecksumMismatch {
		t.Errorf("expected checksum mismatch, got %v", err)
	}
}

func TestBufferPool(t *testing.T) {
	for _, n := range []int{10, 200 << 10, 1 << 20, 5 << 20, 100 << 20} {
		b := GetBuffer(n)
		if len(b) != n {
			t.Errorf("GetBuffer(%d) returned len %d", n, len(b))
		}
		PutBuffer(b, true)
	}
}
