// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package devserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"
)

// StatusData is what the /status page returns.
type StatusData struct {
	JobName  string
	Cfg      Config
	Addrs    []string
	Cluster  Stats
	FreeMem  uint64
	TotalMem uint64
	Rejected uint64
	MetaOps  map[string]string
	ChunkOps map[string]string
	Uptime   string
	Now      time.Time
}

func (s *Server) genStatus() StatusData {
	// Pull memory info.
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	return StatusData{
		JobName:  "cbddev",
		Cfg:      s.cfg,
		Addrs:    s.Addrs(),
		Cluster:  s.cluster.Stats(),
		FreeMem:  mem.ActualFree,
		TotalMem: mem.Total,
		Rejected: s.rejected(),
		MetaOps:  s.metaOps.Strings(metaOpNames...),
		ChunkOps: s.chunkOps.Strings(chunkOpNames...),
		Uptime:   time.Since(s.start).Round(time.Second).String(),
		Now:      time.Now(),
	}
}

// ServeHTTP sends the json encoded status.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(s.genStatus()); err != nil {
		log.Errorf("failed to encode json status data: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}
