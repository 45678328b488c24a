// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	processIDPrefix = strings.Replace(uuid.New().String(), "-", "", -1) + "-"
	nextID          uint64
)

// GenID returns a unique string to be used as an RPC id for cancellation. It
// combines a random per-process UUID with a 64 bit sequence number, so ids
// never repeat across client restarts. The values are printable.
func GenID() string {
	id := atomic.AddUint64(&nextID, 1)
	return processIDPrefix + strconv.FormatUint(id, 36)
}
