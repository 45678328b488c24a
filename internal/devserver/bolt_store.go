// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package devserver

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"
	"github.com/golang/snappy"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

var (
	mode       = 0600
	pageBucket = []byte("pages")
)

// The first byte of every stored page tells how the rest is encoded.
const (
	pageRaw    = byte(0)
	pageSnappy = byte(1)
)

// boltStore keeps pages in a boltdb file, one key per page.
type boltStore struct {
	db       *bolt.DB
	compress bool
}

// NewBoltStore opens (or creates) a bolt-backed Store at 'path'. If compress
// is set, pages are written snappy-compressed. Pages written either way can
// always be read back.
func NewBoltStore(path string, compress bool) (Store, error) {
	db, err := bolt.Open(path, os.FileMode(mode), nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pageBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("opened chunk store at %s (compress=%v)", path, compress)
	return &boltStore{db: db, compress: compress}, nil
}

// Keys sort by chunk and then by page, so a chunk's pages are contiguous.
func chunkPrefix(id core.ChunkID) []byte {
	var k [12]byte
	binary.BigEndian.PutUint64(k[0:8], uint64(id.File))
	binary.BigEndian.PutUint32(k[8:12], uint32(id.Index))
	return k[:]
}

func pageKeyBytes(id core.ChunkID, page int64) []byte {
	k := make([]byte, 20)
	copy(k, chunkPrefix(id))
	binary.BigEndian.PutUint64(k[12:20], uint64(page))
	return k
}

func (s *boltStore) ReadAt(id core.ChunkID, b []byte, off int64) error {
	return s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pageBucket)
		for _, sp := range spans(off, len(b)) {
			page, err := decodePage(bucket.Get(pageKeyBytes(id, sp.page)))
			if err != nil {
				return err
			}
			if page == nil {
				zero(b[sp.lo:sp.hi])
				continue
			}
			copy(b[sp.lo:sp.hi], page[sp.pageOff:])
		}
		return nil
	})
}

func (s *boltStore) WriteAt(id core.ChunkID, b []byte, off int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pageBucket)
		for _, sp := range spans(off, len(b)) {
			key := pageKeyBytes(id, sp.page)
			page, err := decodePage(bucket.Get(key))
			if err != nil {
				return err
			}
			if page == nil {
				page = make([]byte, pageSize)
			}
			copy(page[sp.pageOff:], b[sp.lo:sp.hi])
			if err := bucket.Put(key, s.encodePage(page)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Chunks() int {
	n := 0
	s.db.View(func(tx *bolt.Tx) error {
		var last []byte
		c := tx.Bucket(pageBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if last == nil || !bytes.Equal(last, k[:12]) {
				n++
				last = append(last[:0], k[:12]...)
			}
		}
		return nil
	})
	return n
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func (s *boltStore) encodePage(page []byte) []byte {
	if s.compress {
		return append([]byte{pageSnappy}, snappy.Encode(nil, page)...)
	}
	return append([]byte{pageRaw}, page...)
}

// decodePage returns a private copy of a stored page, or nil if v is nil.
// Values returned by bolt are only valid inside the transaction.
func decodePage(v []byte) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("empty page")
	}
	switch v[0] {
	case pageRaw:
		return append([]byte(nil), v[1:]...), nil
	case pageSnappy:
		return snappy.Decode(nil, v[1:])
	}
	return nil, fmt.Errorf("unknown page encoding %d", v[0])
}
