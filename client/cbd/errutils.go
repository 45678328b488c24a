// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"errors"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

// IsRetriableError returns if retrying a failed request at a higher level
// may help. Requests that exhausted their retry budgets, or that found no
// leader for a chunk, are worth retrying later. It assumes the error is not
// nil.
func IsRetriableError(err error) bool {
	var rerr *RequestError
	if errors.As(err, &rerr) {
		return rerr.Err == core.ErrExhausted || rerr.Err == core.ErrNoLeader || core.IsRetriableError(rerr.Err)
	}
	return core.IsRetriableCbdError(err)
}
