// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// This file is heavily based on gob{Client,Server}Codec in Go's net/rpc package.
//
// bulkGobCodec reduces the amount of data copying when using Go RPC for sending
// chunk payloads. It implements a slight variation on the gob codecs. Messages
// are encoded as follows:
// 1. gob-encoded request (or response) header
// 2. gob-encoded body
// 3. length of bulk data as sent on the wire (32 bit little-endian)
// 4. bulk flags (one byte, see flagSnappy)
// 5. crc32 of 1, 2, 3 and 4 (little-endian)
// 6. if length is not zero: bulk data, snappy-compressed if flagged
// 7. if length is not zero: crc32 of the bulk data as sent (little-endian)
//
// To indicate that a message has bulk data, it should implement the BulkData interface
// below. Note that Get() should clear the []byte member so that gob doesn't also try to
// encode it. A given type must either always or never implement BulkData.
//
// When using this codec, note that request bodies must be passed as pointers to Send,
// otherwise they can't implement the interface.

package rpc

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/rpc"

	"github.com/golang/snappy"
)

// BulkData is an interface that lets a struct expose a single field as bulk data.
// The data may be exclusively owned by the caller or not; the bool value is
// true if it is.
type BulkData interface {
	Get() ([]byte, bool) // extract and return bulk data and exclusive flag
	Set([]byte, bool)    // put bulk data back and exclusive flag in the struct
}

const (
	// flagSnappy marks bulk data that was compressed with snappy block encoding.
	flagSnappy byte = 1 << 0

	// Payloads smaller than this are never compressed.
	minCompressLen = 4 * 1024
)

var (
	errChecksumMismatch = errors.New("checksum mismatch in rpc")
	crcTable            = crc32.MakeTable(crc32.Castagnoli)
)

// bulkGobCodec implements both rpc.ClientCodec and rpc.ServerCodec.
type bulkGobCodec struct {
	rwc io.ReadWriteCloser

	// Readers/Writers are wrapped like: gob(crc(bufio(rwc))), so that we can
	// control what gets crc'd.
	decBuf *bufio.Reader
	dec    *gob.Decoder
	encBuf *bufio.Writer
	enc    *gob.Encoder

	// Whether outgoing bulk data is compressed. A server codec turns this on
	// once it sees a compressed request, so replies match what the client
	// asked for.
	compress bool

	wCrc, rCrc uint32
	closed     bool
}

func newBulkGobCodec(conn io.ReadWriteCloser, compress bool) *bulkGobCodec {
	c := &bulkGobCodec{rwc: conn, compress: compress}
	c.decBuf = bufio.NewReader(conn)
	c.dec = gob.NewDecoder(c)
	c.encBuf = bufio.NewWriter(conn)
	c.enc = gob.NewEncoder(c)
	return c
}

// The codec itself acts as a checksumming writer and reader:
func (c *bulkGobCodec) Write(p []byte) (n int, err error) {
	n, err = c.encBuf.Write(p)
	c.wCrc = crc32.Update(c.wCrc, crcTable, p[:n])
	return
}

func (c *bulkGobCodec) Read(p []byte) (n int, err error) {
	n, err = c.decBuf.Read(p)
	c.rCrc = crc32.Update(c.rCrc, crcTable, p[:n])
	return
}

// Trick gob into thinking that this is a buffered reader (because it is).
func (c *bulkGobCodec) ReadByte() (byte, error) {
	panic("not implemented")
}

func (c *bulkGobCodec) WriteRequest(r *rpc.Request, body interface{}) (err error) {
	if err = c.writeBulk(r, body); err != nil {
		c.Close()
	}
	return
}

func (c *bulkGobCodec) ReadResponseHeader(r *rpc.Response) error {
	c.rCrc = 0
	return c.dec.Decode(r)
}

func (c *bulkGobCodec) ReadResponseBody(body interface{}) error {
	return c.readBulkBody(body)
}

func (c *bulkGobCodec) ReadRequestHeader(r *rpc.Request) error {
	c.rCrc = 0
	return c.dec.Decode(r)
}

func (c *bulkGobCodec) ReadRequestBody(body interface{}) error {
	return c.readBulkBody(body)
}

func (c *bulkGobCodec) WriteResponse(r *rpc.Response, body interface{}) (err error) {
	if err = c.writeBulk(r, body); err != nil {
		c.Close()
	}
	return
}

func (c *bulkGobCodec) Close() error {
	if c.closed {
		// Only call c.rwc.Close once; otherwise the semantics are undefined.
		return nil
	}
	c.closed = true
	return c.rwc.Close()
}

func (c *bulkGobCodec) writeBulk(reqOrResp, body interface{}) (err error) {
	var bulkData []byte
	var exclusive bool
	if bb, isBulk := body.(BulkData); isBulk {
		bulkData, exclusive = bb.Get()
	}
	// Whatever happens below, the caller is done with its buffer.
	defer PutBuffer(bulkData, exclusive)

	wire, flags := bulkData, byte(0)
	if c.compress && len(bulkData) >= minCompressLen {
		enc := snappy.Encode(GetBuffer(snappy.MaxEncodedLen(len(bulkData))), bulkData)
		// Incompressible data goes out as is.
		if len(enc) < len(bulkData) {
			wire, flags = enc, flagSnappy
			defer PutBuffer(enc, true)
		}
	}

	c.wCrc = 0
	if err = c.enc.Encode(reqOrResp); err != nil {
		return
	}
	if err = c.enc.Encode(body); err != nil {
		return
	}
	if err = binary.Write(c, binary.LittleEndian, uint32(len(wire))); err != nil {
		return
	}
	if _, err = c.Write([]byte{flags}); err != nil {
		return
	}
	if err = binary.Write(c, binary.LittleEndian, c.wCrc); err != nil {
		return
	}
	if len(wire) > 0 {
		// bufio.Writer passes large writes directly through to c.rwc once its
		// buffer is flushed, so most of the data is not copied again.
		c.wCrc = 0
		if _, err = c.Write(wire); err != nil {
			return
		}
		if err = binary.Write(c, binary.LittleEndian, c.wCrc); err != nil {
			return
		}
	}
	return c.encBuf.Flush()
}

func (c *bulkGobCodec) readBulkBody(body interface{}) (err error) {
	var bulkData []byte
	var exclusive bool
	bb, isBulk := body.(BulkData)
	if isBulk {
		// Get a preallocated slice from the body, if it has one.
		bulkData, exclusive = bb.Get()
	}

	// The body may be nil if the server is discarding a request it can't
	// dispatch, in which case gob decodes into nothing.
	if err = c.dec.Decode(body); err != nil {
		return
	}
	var wireLen uint32
	if err = binary.Read(c, binary.LittleEndian, &wireLen); err != nil {
		return
	}
	var flags [1]byte
	if _, err = io.ReadFull(c, flags[:]); err != nil {
		return
	}
	haveCrc := c.rCrc
	var wantCrc uint32
	if err = binary.Read(c, binary.LittleEndian, &wantCrc); err != nil {
		return
	}
	if wantCrc != haveCrc {
		return errChecksumMismatch
	}
	if wireLen == 0 {
		return
	}
	if !isBulk && body != nil {
		return fmt.Errorf("type %T doesn't implement BulkData", body)
	}

	compressed := flags[0]&flagSnappy != 0
	if compressed {
		c.compress = true
	}

	// Read into the caller's slice when possible, otherwise into a pooled one.
	var wire []byte
	fresh := true
	if !compressed && isBulk && cap(bulkData) >= int(wireLen) {
		wire, fresh = bulkData[:wireLen], false
	} else {
		wire = GetBuffer(int(wireLen))
	}
	c.rCrc = 0
	if _, err = io.ReadFull(c, wire); err != nil {
		return
	}
	haveCrc = c.rCrc
	if err = binary.Read(c, binary.LittleEndian, &wantCrc); err != nil {
		return
	}
	// Allow zero to mean "don't check this crc".
	if wantCrc != 0 && wantCrc != haveCrc {
		return errChecksumMismatch
	}
	if !isBulk {
		PutBuffer(wire, true)
		return
	}
	if !compressed {
		bb.Set(wire, exclusive || fresh)
		return
	}

	defer PutBuffer(wire, true)
	n, err := snappy.DecodedLen(wire)
	if err != nil {
		return err
	}
	if cap(bulkData) >= n {
		bulkData = bulkData[:n]
	} else {
		bulkData = GetBuffer(n)
		exclusive = true
	}
	out, err := snappy.Decode(bulkData, wire)
	if err != nil {
		return err
	}
	bb.Set(out, exclusive)
	return nil
}
