// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cbd

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/cbd/internal/core"
	"github.com/westerndigitalcorporation/cbd/internal/devserver"
)

var (
	clientOpLatenciesSet = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Subsystem: "cbd_client",
		Name:      "latencies",
	}, []string{"op", "instance"})
	clientOpSizesSet = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Subsystem: "cbd_client",
		Name:      "sizes",
	}, []string{"op", "instance"})
	clientOpBytesSet = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "cbd_client",
		Name:      "bytes",
	}, []string{"op", "instance"})
	clientRetriesSet = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "cbd_client",
		Name:      "retries",
	}, []string{"kind", "instance"})
	clientQueueDepthSet = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "cbd_client",
		Name:      "queue_depth",
	}, []string{"instance"})
)

const (
	dialTimeout = 5 * time.Second // timeout for dial to a server

	// FileInfoCacheSize is the number of files whose metadata we cache. File
	// sizes and chunk sizes never change once created.
	FileInfoCacheSize = 100
)

// FileInfo describes a file: its id, name, size and chunk size.
type FileInfo = core.FileInfo

// clientMetrics are the metrics of one Client, labelled by its instance.
type clientMetrics struct {
	instance string

	open          prometheus.Observer
	create        prometheus.Observer
	readDuration  prometheus.Observer
	readSizes     prometheus.Observer
	readBytes     prometheus.Counter
	writeDuration prometheus.Observer
	writeSizes    prometheus.Observer
	writeBytes    prometheus.Counter
	failed        prometheus.Counter
	queueDepth    prometheus.Gauge
}

func newClientMetrics(instance string) *clientMetrics {
	return &clientMetrics{
		instance:      instance,
		open:          clientOpLatenciesSet.WithLabelValues("open", instance),
		create:        clientOpLatenciesSet.WithLabelValues("create", instance),
		readDuration:  clientOpLatenciesSet.WithLabelValues("read", instance),
		writeDuration: clientOpLatenciesSet.WithLabelValues("write", instance),
		readSizes:     clientOpSizesSet.WithLabelValues("read", instance),
		writeSizes:    clientOpSizesSet.WithLabelValues("write", instance),
		readBytes:     clientOpBytesSet.WithLabelValues("read", instance),
		writeBytes:    clientOpBytesSet.WithLabelValues("write", instance),
		failed:        clientRetriesSet.WithLabelValues("failed_request", instance),
		queueDepth:    clientQueueDepthSet.WithLabelValues(instance),
	}
}

// observe records a completed logical request.
func (m *clientMetrics) observe(op AioOp, n int, d time.Duration, ok bool) {
	if !ok {
		m.failed.Inc()
		return
	}
	if op == AioWrite {
		m.writeDuration.Observe(d.Seconds())
		m.writeSizes.Observe(float64(n))
		m.writeBytes.Add(float64(n))
	} else {
		m.readDuration.Observe(d.Seconds())
		m.readSizes.Observe(float64(n))
		m.readBytes.Add(float64(n))
	}
}

// retry counts one retry of a sub-request, by the reason for it.
func (m *clientMetrics) retry(kind string) {
	clientRetriesSet.WithLabelValues(kind, m.instance).Inc()
}

// Client is the context shared by the files a process opens on one cluster.
// It owns the connections, the session identity used for leases, and the
// worker pool that runs every file's IO. The pool starts with the first Open
// and stops after the last File.Close.
type Client struct {
	opts Options

	// Identifies this client to the metadata service when taking leases.
	session string

	// How we talk to the metadata service.
	meta MetaTalker

	// How we talk to chunk servers.
	chunks ChunkTalker

	// Shared by all files.
	sender  *ioSender
	metrics *clientMetrics

	// Cache of name->FileInfo.
	infoLock  sync.Mutex
	infoCache *lru.Cache

	// Lock for sched, refs, files and closed.
	lock   sync.Mutex
	sched  *scheduler
	refs   int // Files holding sched.
	files  map[*File]struct{}
	closed bool
}

// newBaseClient returns a new Client with common fields initialized, but
// without talkers.
func newBaseClient(opts Options) *Client {
	if opts.Instance == "" {
		opts.Instance = "default"
	}
	return &Client{
		opts:      opts,
		session:   uuid.New().String(),
		metrics:   newClientMetrics(opts.Instance),
		infoCache: lru.New(FileInfoCacheSize),
		files:     make(map[*File]struct{}),
	}
}

func (cli *Client) setTalkers(meta MetaTalker, chunks ChunkTalker) {
	cli.meta = meta
	cli.chunks = chunks
	cli.sender = newIOSender(chunks, cli.metrics, cli.opts)
}

// NewClient returns a new Client talking to the metadata servers named in
// 'opts'. It fails with an ErrConfiguration error if the options are not
// usable.
func NewClient(opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	applyLogLevel(opts.LogLevel)
	cli := newBaseClient(opts)
	cli.setTalkers(NewRPCMetaTalker(opts), NewRPCChunkTalker(opts))
	log.Infof("client %s (session %s) using metadata servers %v", opts.Instance, cli.session, opts.MetaServerAddrs())
	return cli, nil
}

// NewClientFromFile loads options from a JSON or YAML file and returns a
// Client using them.
func NewClientFromFile(path string) (*Client, error) {
	opts, err := LoadOptions(path)
	if err != nil {
		return nil, err
	}
	return NewClient(opts)
}

// NewMockClient returns a new client backed by an in-memory three replica
// cluster. It can only be used for testing.
func NewMockClient() *Client {
	return newMemClient(DefaultTestOptions, devserver.NewMemCluster(3, core.DefaultLeasePeriod))
}

// newMemClient returns a client that talks to 'c' directly.
func newMemClient(opts Options, c *devserver.Cluster) *Client {
	cli := newBaseClient(opts)
	cli.setTalkers(newMemMetaTalker(c), newMemChunkTalker(c))
	return cli
}

// Options returns the options the client was created with.
func (cli *Client) Options() Options {
	return cli.opts
}

// Session returns the session id this client takes leases with.
func (cli *Client) Session() string {
	return cli.session
}

// Create creates a file of 'size' bytes named 'name'.
func (cli *Client) Create(name string, size int64, opts ...createOpt) (FileInfo, error) {
	options := createOptions{ctx: context.Background()}
	for _, o := range opts {
		o(&options)
	}
	if options.chunkSize == 0 {
		options.chunkSize = cli.opts.DefaultChunkSize
	}

	st := time.Now()
	info, err := cli.meta.CreateFile(options.ctx, name, size, options.chunkSize)
	cli.metrics.create.Observe(time.Since(st).Seconds())
	if err != core.NoError {
		log.Errorf("failed to create %q (size %d, chunk size %d): %s", name, size, options.chunkSize, err)
		return FileInfo{}, err.Error()
	}
	cli.cacheInfo(info)
	log.Infof("created %q as %s with %d chunks", name, info.ID, info.NumChunks())
	return info, nil
}

// Stat returns the metadata of the file named 'name'.
func (cli *Client) Stat(name string) (FileInfo, error) {
	return cli.stat(context.Background(), name)
}

func (cli *Client) stat(ctx context.Context, name string) (FileInfo, error) {
	cli.infoLock.Lock()
	v, ok := cli.infoCache.Get(name)
	cli.infoLock.Unlock()
	if ok {
		return v.(FileInfo), nil
	}

	info, err := cli.meta.StatFile(ctx, name)
	if err != core.NoError {
		return FileInfo{}, err.Error()
	}
	cli.cacheInfo(info)
	return info, nil
}

func (cli *Client) cacheInfo(info FileInfo) {
	cli.infoLock.Lock()
	cli.infoCache.Add(info.Name, info)
	cli.infoLock.Unlock()
}

// Open opens the file named 'name' for reading and writing. Unless
// OpenNoLease is given, it also takes a lease on the file. Failing to get
// the lease doesn't fail Open; reads are then routed to chunk leaders until
// a lease is granted.
func (cli *Client) Open(name string, opts ...openOpt) (*File, error) {
	options := openOptions{ctx: context.Background()}
	for _, o := range opts {
		o(&options)
	}

	st := time.Now()
	defer func() { cli.metrics.open.Observe(time.Since(st).Seconds()) }()

	info, err := cli.stat(options.ctx, name)
	if err != nil {
		log.Errorf("failed to open %q: %s", name, err)
		return nil, err
	}

	f, cerr := cli.attach(info, options)
	if cerr != core.NoError {
		return nil, cerr.Error()
	}

	if !options.noLease {
		// A concurrent Client.Close may have closed the file already.
		f.lock.Lock()
		closed := f.closed
		if !closed {
			f.lease = newLeaseManager(cli.meta, info.ID, cli.session, cli.opts)
			if lerr := f.lease.Start(f.ctx); lerr != core.NoError {
				log.Errorf("no lease on %q yet, reads go to leaders: %s", name, lerr)
			}
		}
		f.lock.Unlock()
		if closed {
			return nil, core.ErrClosed.Error()
		}
	}

	log.Infof("opened %q (%s, %d bytes in %d chunks)", name, info.ID, info.Size, info.NumChunks())
	return f, nil
}

// attach creates and registers a File, starting the scheduler for the first
// one. Once registered, the file is closed by Client.Close.
func (cli *Client) attach(info FileInfo, options openOptions) (*File, core.Error) {
	cli.lock.Lock()
	defer cli.lock.Unlock()
	if cli.closed {
		return nil, core.ErrClosed
	}
	if cli.sched == nil {
		cli.sched = newScheduler(cli.opts.QueueCapacity, cli.opts.ThreadpoolSize, cli.metrics.queueDepth)
		cli.sched.start()
	}
	cli.refs++
	f := newFile(cli, info, cli.sched, options)
	cli.files[f] = struct{}{}
	return f, core.NoError
}

// detach forgets a closed file, and stops the scheduler after the last one.
func (cli *Client) detach(f *File) {
	cli.lock.Lock()
	delete(cli.files, f)
	cli.refs--
	var sched *scheduler
	if cli.refs == 0 {
		sched, cli.sched = cli.sched, nil
	}
	cli.lock.Unlock()

	if sched != nil {
		sched.stop()
	}
}

// Close closes every file still open and the connections. The client can't
// be used afterwards.
func (cli *Client) Close() error {
	cli.lock.Lock()
	if cli.closed {
		cli.lock.Unlock()
		return nil
	}
	cli.closed = true
	var files []*File
	for f := range cli.files {
		files = append(files, f)
	}
	cli.lock.Unlock()

	for _, f := range files {
		if err := f.Close(); err != nil {
			log.Errorf("closing %q: %s", f.info.Name, err)
		}
	}
	cli.meta.Close()
	cli.chunks.Close()
	log.Infof("client %s closed", cli.opts.Instance)
	return nil
}
