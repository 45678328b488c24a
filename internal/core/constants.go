// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"time"
)

// Global constants that several components need to agree on are defined here.
// If a constant is only needed for single component, probably it should not be
// placed here.
const (
	// DefaultChunkSize is the chunk size used when creating a file without
	// an explicit one.
	DefaultChunkSize = 64 * 1024 * 1024

	// MaxChunkSize bounds the chunk size a file may be created with. The RPC
	// codec frames bulk data with a 32 bit length.
	MaxChunkSize = 1024 * 1024 * 1024

	// DefaultLeasePeriod is how long a lease is granted for by the
	// development metadata service.
	DefaultLeasePeriod = 20 * time.Second
)
