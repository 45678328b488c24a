// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"
	"gopkg.in/yaml.v2"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

// Options contains configurations of a client. Field tags carry the keys
// used in configuration files.
type Options struct {
	// glog verbosity. Only applied if the process didn't set -v itself.
	LogLevel int `json:"loglevel" yaml:"loglevel"`

	// Largest sub-request sent to a chunk server, in MiB.
	IOSplitMaxSize int `json:"ioSplitMaxSize" yaml:"ioSplitMaxSize"`

	// Whether reads may be served by any replica while the file's lease is
	// valid.
	EnableAppliedIndexRead bool `json:"enableAppliedIndexRead" yaml:"enableAppliedIndexRead"`

	// Deadline of one chunk RPC attempt.
	RPCTimeoutMs int `json:"rpcTimeoutMs" yaml:"rpcTimeoutMs"`
	// Transport-level attempts per dispatch.
	RPCRetryTimes int `json:"rpcRetryTimes" yaml:"rpcRetryTimes"`
	// Full resolve-dispatch cycles per sub-request.
	OpMaxRetry int `json:"opMaxRetry" yaml:"opMaxRetry"`
	// Delay between cycles.
	OpRetryIntervalUs int `json:"opRetryIntervalUs" yaml:"opRetryIntervalUs"`

	// Leader lookups per resolution, and the fixed delay between them.
	GetLeaderRetry  int `json:"getLeaderRetry" yaml:"getLeaderRetry"`
	RetryIntervalUs int `json:"retryIntervalUs" yaml:"retryIntervalUs"`

	// Sub-requests that may wait for a worker, and the number of workers.
	QueueCapacity  int `json:"queueCapacity" yaml:"queueCapacity"`
	ThreadpoolSize int `json:"threadpoolSize" yaml:"threadpoolSize"`

	// Lease renewals per lease period. Must be at least 2 so that one missed
	// renewal doesn't lose the lease.
	RefreshTimesPerLease int `json:"refreshTimesPerLease" yaml:"refreshTimesPerLease"`
	// How often to try again to acquire a lease we don't have.
	LeaseReacquireIntervalMs int `json:"leaseReacquireIntervalMs" yaml:"leaseReacquireIntervalMs"`

	// Comma-separated addresses of the metadata service members.
	MetaServerAddr string `json:"metaserver_addr" yaml:"metaserver_addr"`
	// Deadline and attempts for metadata service calls. Each attempt fails
	// over between members.
	MetaServerRPCTimeoutMs  int `json:"metaServerRpcTimeoutMs" yaml:"metaServerRpcTimeoutMs"`
	MetaServerRPCRetryTimes int `json:"metaServerRpcRetryTimes" yaml:"metaServerRpcRetryTimes"`

	// Chunk size of files created without an explicit one, in bytes.
	DefaultChunkSize int64 `json:"defaultChunkSize" yaml:"defaultChunkSize"`

	// Whether to snappy-compress bulk data sent to chunk servers.
	CompressBulk bool `json:"compressBulk" yaml:"compressBulk"`

	// An optional label to differentiate metrics from different client
	// instances. It will be "default" if it's not specified.
	Instance string `json:"instance" yaml:"instance"`
}

// DefaultOptions are the production defaults.
var DefaultOptions = Options{
	LogLevel:                 2,
	IOSplitMaxSize:           64,
	EnableAppliedIndexRead:   true,
	RPCTimeoutMs:             500,
	RPCRetryTimes:            3,
	OpMaxRetry:               3,
	OpRetryIntervalUs:        500,
	GetLeaderRetry:           3,
	RetryIntervalUs:          500,
	QueueCapacity:            4096,
	ThreadpoolSize:           2,
	RefreshTimesPerLease:     4,
	LeaseReacquireIntervalMs: 1000,
	MetaServerRPCTimeoutMs:   500,
	MetaServerRPCRetryTimes:  3,
	DefaultChunkSize:         core.DefaultChunkSize,
	Instance:                 "default",
}

// DefaultTestOptions have short intervals and a small pool.
var DefaultTestOptions = Options{
	LogLevel:                 2,
	IOSplitMaxSize:           1,
	EnableAppliedIndexRead:   true,
	RPCTimeoutMs:             2000,
	RPCRetryTimes:            3,
	OpMaxRetry:               3,
	OpRetryIntervalUs:        100,
	GetLeaderRetry:           3,
	RetryIntervalUs:          100,
	QueueCapacity:            64,
	ThreadpoolSize:           4,
	RefreshTimesPerLease:     4,
	LeaseReacquireIntervalMs: 50,
	MetaServerRPCTimeoutMs:   2000,
	MetaServerRPCRetryTimes:  3,
	DefaultChunkSize:         4 << 20,
	Instance:                 "test",
}

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", core.ErrConfiguration.Error(), fmt.Sprintf(format, args...))
}

// Validate checks that every option is in range. The returned error wraps
// core.ErrConfiguration.
func (o Options) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"ioSplitMaxSize", o.IOSplitMaxSize},
		{"rpcTimeoutMs", o.RPCTimeoutMs},
		{"rpcRetryTimes", o.RPCRetryTimes},
		{"opMaxRetry", o.OpMaxRetry},
		{"getLeaderRetry", o.GetLeaderRetry},
		{"queueCapacity", o.QueueCapacity},
		{"threadpoolSize", o.ThreadpoolSize},
		{"leaseReacquireIntervalMs", o.LeaseReacquireIntervalMs},
		{"metaServerRpcTimeoutMs", o.MetaServerRPCTimeoutMs},
		{"metaServerRpcRetryTimes", o.MetaServerRPCRetryTimes},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return configError("%s must be positive, got %d", p.name, p.v)
		}
	}
	if o.OpRetryIntervalUs < 0 || o.RetryIntervalUs < 0 {
		return configError("retry intervals can't be negative")
	}
	if int64(o.IOSplitMaxSize)<<20 > core.MaxChunkSize {
		return configError("ioSplitMaxSize %dMiB is larger than the largest chunk", o.IOSplitMaxSize)
	}
	if o.RefreshTimesPerLease < 2 {
		return configError("refreshTimesPerLease must be at least 2, got %d", o.RefreshTimesPerLease)
	}
	if o.DefaultChunkSize <= 0 || o.DefaultChunkSize > core.MaxChunkSize {
		return configError("defaultChunkSize %d out of range", o.DefaultChunkSize)
	}
	return nil
}

// MetaServerAddrs splits MetaServerAddr into addresses.
func (o Options) MetaServerAddrs() []string {
	var addrs []string
	for _, a := range strings.Split(o.MetaServerAddr, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

func (o Options) splitSize() int64 {
	return int64(o.IOSplitMaxSize) << 20
}

func (o Options) rpcTimeout() time.Duration {
	return time.Duration(o.RPCTimeoutMs) * time.Millisecond
}

func (o Options) opRetryInterval() time.Duration {
	return time.Duration(o.OpRetryIntervalUs) * time.Microsecond
}

func (o Options) retryInterval() time.Duration {
	return time.Duration(o.RetryIntervalUs) * time.Microsecond
}

func (o Options) metaRPCTimeout() time.Duration {
	return time.Duration(o.MetaServerRPCTimeoutMs) * time.Millisecond
}

func (o Options) leaseReacquireInterval() time.Duration {
	return time.Duration(o.LeaseReacquireIntervalMs) * time.Millisecond
}

// subRequestBudget is the implicit deadline of one sub-request: every cycle
// may spend all its transport attempts and then wait for the next cycle.
func (o Options) subRequestBudget() time.Duration {
	return time.Duration(o.OpMaxRetry) * (o.rpcTimeout()*time.Duration(o.RPCRetryTimes) + o.opRetryInterval())
}

// LoadOptions reads options from a file. Keys missing from the file keep
// their default values and unknown keys are ignored. Files ending in .yaml or
// .yml are decoded as YAML, anything else as JSON.
//
// An empty path is a configuration error. A file that can't be read is not:
// the defaults are returned after logging a warning.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions
	if path == "" {
		return opts, configError("no configuration file given")
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		log.Warningf("failed to load config from %s, using defaults: %s", path, err)
		return opts, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &opts)
	default:
		err = json.Unmarshal(data, &opts)
	}
	if err != nil {
		return DefaultOptions, configError("failed to decode %s: %s", path, err)
	}
	return opts, nil
}

// applyLogLevel sets glog's verbosity from the options, unless the process
// chose one on its own.
func applyLogLevel(level int) {
	f := flag.Lookup("v")
	if f == nil || level <= 0 || f.Value.String() != "0" {
		return
	}
	if err := flag.Set("v", strconv.Itoa(level)); err != nil {
		log.Errorf("failed to set log level %d: %s", level, err)
	}
}
