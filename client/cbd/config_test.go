// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"errors"
	"flag"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

func TestDefaults(t *testing.T) {
	require.NoError(t, DefaultOptions.Validate())
	require.NoError(t, DefaultTestOptions.Validate())

	o := DefaultOptions
	require.EqualValues(t, 64<<20, o.splitSize())
	require.Equal(t, 500*time.Millisecond, o.rpcTimeout())
	require.Equal(t, 500*time.Microsecond, o.opRetryInterval())
	require.Equal(t, 3*(1500*time.Millisecond+500*time.Microsecond), o.subRequestBudget())
}

func TestValidate(t *testing.T) {
	tests := []func(*Options){
		func(o *Options) { o.IOSplitMaxSize = 0 },
		func(o *Options) { o.RPCRetryTimes = -1 },
		func(o *Options) { o.QueueCapacity = 0 },
		func(o *Options) { o.ThreadpoolSize = 0 },
		func(o *Options) { o.RefreshTimesPerLease = 1 },
		func(o *Options) { o.RetryIntervalUs = -5 },
		func(o *Options) { o.MetaServerRPCRetryTimes = 0 },
		func(o *Options) { o.DefaultChunkSize = 0 },
		func(o *Options) { o.IOSplitMaxSize = 1 << 20 },
	}
	for i, mod := range tests {
		o := DefaultOptions
		mod(&o)
		err := o.Validate()
		require.Error(t, err, "case %d", i)
		require.True(t, errors.Is(err, core.ErrConfiguration.Error()), "case %d: %s", i, err)
	}

	o := DefaultOptions
	o.IOSplitMaxSize = 0
	_, err := NewClient(o)
	require.True(t, errors.Is(err, core.ErrConfiguration.Error()))
}

func TestMetaServerAddrs(t *testing.T) {
	o := Options{MetaServerAddr: " a:1, b:2,,c:3 "}
	require.Equal(t, []string{"a:1", "b:2", "c:3"}, o.MetaServerAddrs())
	require.Empty(t, Options{}.MetaServerAddrs())
}

func TestLoadOptions(t *testing.T) {
	dir, err := ioutil.TempDir("", "cbd-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	js := filepath.Join(dir, "client.json")
	require.NoError(t, ioutil.WriteFile(js, []byte(`{
		"ioSplitMaxSize": 8,
		"enableAppliedIndexRead": false,
		"rpcRetryTimes": 5,
		"metaserver_addr": "m1:9000,m2:9000",
		"someUnknownKey": 1
	}`), 0644))
	o, err := LoadOptions(js)
	require.NoError(t, err)
	require.Equal(t, 8, o.IOSplitMaxSize)
	require.False(t, o.EnableAppliedIndexRead)
	require.Equal(t, 5, o.RPCRetryTimes)
	require.Equal(t, []string{"m1:9000", "m2:9000"}, o.MetaServerAddrs())
	// Missing keys keep their defaults.
	require.Equal(t, DefaultOptions.QueueCapacity, o.QueueCapacity)
	require.Equal(t, DefaultOptions.MetaServerRPCRetryTimes, o.MetaServerRPCRetryTimes)

	yml := filepath.Join(dir, "client.yaml")
	require.NoError(t, ioutil.WriteFile(yml, []byte("threadpoolSize: 8\nqueueCapacity: 16\nmetaServerRpcTimeoutMs: 250\n"), 0644))
	o, err = LoadOptions(yml)
	require.NoError(t, err)
	require.Equal(t, 8, o.ThreadpoolSize)
	require.Equal(t, 16, o.QueueCapacity)
	require.Equal(t, 250, o.MetaServerRPCTimeoutMs)
	require.Equal(t, DefaultOptions.RPCTimeoutMs, o.RPCTimeoutMs)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, ioutil.WriteFile(bad, []byte("{"), 0644))
	_, err = LoadOptions(bad)
	require.True(t, errors.Is(err, core.ErrConfiguration.Error()))

	// A missing file means defaults, a missing path is an error.
	o, err = LoadOptions(filepath.Join(dir, "nope.json"))
	require.NoError(t, err)
	require.Equal(t, DefaultOptions, o)
	_, err = LoadOptions("")
	require.True(t, errors.Is(err, core.ErrConfiguration.Error()))
}

func TestApplyLogLevel(t *testing.T) {
	v := flag.Lookup("v")
	require.NotNil(t, v)
	old := v.Value.String()
	defer flag.Set("v", old)

	// The default level is applied like any other.
	require.NoError(t, flag.Set("v", "0"))
	applyLogLevel(DefaultOptions.LogLevel)
	require.Equal(t, strconv.Itoa(DefaultOptions.LogLevel), v.Value.String())

	// A level chosen on the command line wins.
	applyLogLevel(5)
	require.Equal(t, strconv.Itoa(DefaultOptions.LogLevel), v.Value.String())
}
