// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/cbd/internal/devserver"
)

/*

Configuring the development cluster follows three steps:

  (1) Default parameters come from 'devserver.DefaultConfig'.

  (2) An optional configuration file (in json format) given by '-cfg' overrides the defaults.

  (3) Optional flags override individual parameters set in the previous two steps, e.g., '-replicas=1'.

*/

var (
	cfg = devserver.DefaultConfig

	cfgFile = flag.String("cfg", "", "configuration file for the development cluster")

	addrs       = flag.String("addrs", "", "comma separated addresses to listen on")
	replicas    = flag.Int("replicas", 0, "members in each chunk's replica group")
	leasePeriod = flag.Duration("leasePeriod", 0, "period granted to every lease")
	storePath   = flag.String("storePath", "", "boltdb file for chunk data, memory if empty")
	compress    = flag.Bool("compress", false, "whether to snappy-compress stored pages")
	useFailure  = flag.Bool("useFailure", false, "whether to enable the failure service")
)

func init() {
	flag.Parse()

	if "" != *cfgFile {
		f, err := os.Open(*cfgFile)
		if nil != err {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err = dec.Decode(&cfg); nil != err {
			log.Fatalf("failed to decode the config file: %s", err)
		}
		f.Close()
	}

	// Flags left at their zero values don't override anything.
	if "" != *addrs {
		cfg.Addrs = strings.Split(*addrs, ",")
	}
	if *replicas > 0 {
		cfg.Replicas = *replicas
	}
	if *leasePeriod > 0 {
		cfg.LeasePeriod = *leasePeriod
	}
	if "" != *storePath {
		cfg.StorePath = *storePath
	}
	if *compress {
		cfg.CompressPages = true
	}
	if *useFailure {
		cfg.UseFailure = true
	}
}

func main() {
	srv, err := devserver.NewServer(cfg)
	if nil != err {
		log.Fatalf("couldn't create development cluster: %s", err)
	}
	log.Infof("starting development cluster on %s, %d replicas, %s leases",
		strings.Join(srv.Addrs(), ","), cfg.Replicas, cfg.LeasePeriod)
	srv.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Infof("got %s, shutting down", s)

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Errorf("timed out closing the store")
	}
	log.Flush()
}
