// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package devserver

import (
	"net"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/cbd/internal/server"
	"github.com/westerndigitalcorporation/cbd/pkg/rpc"
)

// Server serves a Cluster over RPC. Every configured address gets its own
// listener and RPC receivers, so a request is handled as the replica (and
// metadata member) named by the address it arrived at.
type Server struct {
	cfg       Config
	cluster   *Cluster
	listeners []net.Listener
	servers   []*rpc.Server
	reg       *prometheus.Registry
	metaOps   *server.OpMetric
	chunkOps  *server.OpMetric
	start     time.Time
}

// NewServer listens on every address in 'cfg' and builds a cluster whose
// replicas are named by the addresses actually bound.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var store Store
	if cfg.StorePath != "" {
		var err error
		if store, err = NewBoltStore(cfg.StorePath, cfg.CompressPages); err != nil {
			return nil, err
		}
	}

	s := &Server{cfg: cfg, reg: prometheus.NewRegistry(), start: time.Now()}
	var addrs []string
	for _, addr := range cfg.Addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			if store != nil {
				store.Close()
			}
			return nil, err
		}
		s.listeners = append(s.listeners, l)
		addrs = append(addrs, l.Addr().String())
	}
	s.cluster = NewCluster(addrs, cfg.Replicas, cfg.LeasePeriod, store)
	s.metaOps = server.NewOpMetricWith(s.reg, "cbd_devserver_meta_ops", "op")
	s.chunkOps = server.NewOpMetricWith(s.reg, "cbd_devserver_chunk_ops", "op")

	sem := server.NewSemaphore(cfg.RejectReqThreshold)
	reqs := &pendingReqs{cancelled: make(map[string]bool)}
	metrics := promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
	for _, addr := range addrs {
		srv := rpc.NewServer()
		if err := srv.RegisterName("MetaSrvHandler", &MetaSrvHandler{addr: addr, c: s.cluster, ops: s.metaOps}); err != nil {
			log.Fatalf("failed to register metadata handler: %s", err)
		}
		chunk := &ChunkSrvHandler{addr: addr, c: s.cluster, ops: s.chunkOps, sem: sem, reqs: reqs}
		if err := srv.RegisterName("ChunkSrvHandler", chunk); err != nil {
			log.Fatalf("failed to register chunk handler: %s", err)
		}
		srv.Handle("/status", s)
		srv.Handle("/metrics", metrics)
		if cfg.UseFailure {
			srv.Handle("/failures", s.cluster.Failures())
		}
		s.servers = append(s.servers, srv)
	}
	return s, nil
}

// Start serves every listener in the background.
func (s *Server) Start() {
	for i, l := range s.listeners {
		go func(srv *rpc.Server, l net.Listener) {
			log.Infof("serving on %s", l.Addr())
			if err := srv.Serve(l); err != nil {
				log.V(1).Infof("stopped serving on %s: %s", l.Addr(), err)
			}
		}(s.servers[i], l)
	}
}

// Addrs returns the addresses being served, in the order configured.
func (s *Server) Addrs() []string {
	return s.cluster.Addrs()
}

// Cluster returns the cluster behind the server.
func (s *Server) Cluster() *Cluster {
	return s.cluster
}

// Close stops serving and closes the store.
func (s *Server) Close() {
	s.closeListeners()
	if err := s.cluster.Close(); err != nil {
		log.Errorf("failed to close chunk store: %s", err)
	}
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		l.Close()
	}
}

// Operations reported in the status page.
var (
	metaOpNames  = []string{"get_leader", "create", "stat", "acquire_lease", "renew_lease", "release_lease"}
	chunkOpNames = []string{"read", "write"}
)

// rejected returns how many chunk requests were turned away as too busy.
func (s *Server) rejected() uint64 {
	var n uint64
	for _, op := range chunkOpNames {
		n += s.chunkOps.Count("too_busy", op)
	}
	return n
}
