// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import "testing"

func TestParseSize(t *testing.T) {
	good := map[string]int64{
		"":      0,
		"4096":  4096,
		"4k":    4 << 10,
		" 64M ": 64 << 20,
		"10G":   10 << 30,
		"1t":    1 << 40,
	}
	for in, want := range good {
		if got, err := parseSize(in); err != nil || got != want {
			t.Errorf("parseSize(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"x", "1.5G", "-1", "G", "12Q"} {
		if _, err := parseSize(in); err == nil {
			t.Errorf("parseSize(%q) should fail", in)
		}
	}
}
