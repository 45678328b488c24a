// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package devserver

import (
	"fmt"
	"time"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

// Config encapsulates parameters for the development cluster.
type Config struct {
	// Addresses to listen on. Every address is both a member of the metadata
	// group and a chunk replica. Port 0 picks a free port.
	Addrs []string

	Replicas    int           // Members in each chunk's replica group.
	LeasePeriod time.Duration // Period granted to every lease.

	// If set, chunk data is kept in a boltdb file at this path instead of
	// memory.
	StorePath string
	// Whether bolt pages are snappy-compressed.
	CompressPages bool

	// Pending chunk requests beyond this are rejected with ErrTooBusy.
	RejectReqThreshold int

	// Whether POSTs to /failures may inject errors.
	UseFailure bool
}

// DefaultConfig includes default values for the development cluster.
var DefaultConfig = Config{
	Addrs:              []string{"localhost:56001", "localhost:56002", "localhost:56003"},
	Replicas:           3,
	LeasePeriod:        core.DefaultLeasePeriod,
	RejectReqThreshold: 1000,
}

// DefaultTestConfig listens on ephemeral ports with a short lease.
var DefaultTestConfig = Config{
	Addrs:              []string{"127.0.0.1:0", "127.0.0.1:0", "127.0.0.1:0"},
	Replicas:           3,
	LeasePeriod:        2 * time.Second,
	RejectReqThreshold: 1000,
	UseFailure:         true,
}

// Validate checks the config for values that make no sense.
func (c Config) Validate() error {
	if len(c.Addrs) == 0 {
		return fmt.Errorf("no addresses to listen on")
	}
	if c.Replicas <= 0 || c.Replicas > len(c.Addrs) {
		return fmt.Errorf("replicas must be in [1, %d], got %d", len(c.Addrs), c.Replicas)
	}
	if c.LeasePeriod <= 0 {
		return fmt.Errorf("lease period must be positive, got %s", c.LeasePeriod)
	}
	if c.RejectReqThreshold <= 0 {
		return fmt.Errorf("reject threshold must be positive, got %d", c.RejectReqThreshold)
	}
	return nil
}
