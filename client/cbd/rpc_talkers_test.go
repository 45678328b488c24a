// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/internal/devserver"
)

func newRPCClient(t *testing.T, compress bool) (*Client, *devserver.Server) {
	s, err := devserver.NewServer(devserver.DefaultTestConfig)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Close)

	opts := testOptions(t)
	opts.MetaServerAddr = strings.Join(s.Addrs(), ",")
	opts.CompressBulk = compress
	cli, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	return cli, s
}

func testRPCReadWrite(t *testing.T, compress bool) {
	cli, s := newRPCClient(t, compress)
	info, err := cli.Create("vol", 8*mib, ChunkSize(2*mib))
	require.NoError(t, err)
	f, err := cli.Open("vol")
	require.NoError(t, err)
	require.Equal(t, LeaseActive, f.LeaseState())

	data := bytes.Repeat([]byte("cbd rpc "), mib/4) // 2MiB, compresses well.
	n, err := f.WriteAt(data, mib)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	// Move the leader of both chunks the write touched; the next write finds
	// the new ones through redirects.
	for i := core.ChunkIndex(0); i < 2; i++ {
		_, cerr := s.Cluster().MoveLeader(core.ChunkIDFromParts(info.ID, i))
		require.Equal(t, core.NoError, cerr)
	}
	copy(data, "overwritten")
	_, err = f.WriteAt(data, mib)
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = f.ReadAt(got, mib)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
	require.NoError(t, f.Close())
}

func TestRPCReadWrite(t *testing.T) {
	testRPCReadWrite(t, false)
}

func TestRPCReadWriteCompressed(t *testing.T) {
	testRPCReadWrite(t, true)
}

// The metadata talker fails over when the metadata leader moves.
func TestRPCMetaFailover(t *testing.T) {
	cli, s := newRPCClient(t, false)
	_, err := cli.Create("a", mib)
	require.NoError(t, err)

	s.Cluster().MoveMetaLeader()
	_, err = cli.Create("b", mib)
	require.NoError(t, err)
	info, cerr := cli.meta.StatFile(context.Background(), "a")
	require.Equal(t, core.NoError, cerr)
	require.Equal(t, "a", info.Name)
}

// Injected chunk service errors surface as exhausted requests.
func TestRPCInjectedFailure(t *testing.T) {
	cli, s := newRPCClient(t, false)
	_, err := cli.Create("vol", mib)
	require.NoError(t, err)
	f, err := cli.Open("vol", OpenNoLease)
	require.NoError(t, err)

	s.Cluster().Failures().Set("write", core.ErrIO)
	_, err = f.WriteAt([]byte("x"), 0)
	require.True(t, core.ErrExhausted.Is(errorsUnwrap(err)))

	s.Cluster().Failures().Set("write", core.NoError)
	_, err = f.WriteAt([]byte("x"), 0)
	require.NoError(t, err)
}

func errorsUnwrap(err error) error {
	if r, ok := err.(*RequestError); ok {
		return r.Unwrap()
	}
	return err
}
