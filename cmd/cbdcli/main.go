// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// We should send our own log output to stderr. The command line belongs
	// to the cli framework; glog only needs flag parsing to have happened.
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse(nil)

	cli := newCbdCli()

	// Close open files on INT and TERM so leases are given back.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cli.stop()
		os.Exit(1)
	}()

	cli.run(os.Args)
	cli.stop()
}
