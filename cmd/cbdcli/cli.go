// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	log "github.com/golang/glog"
	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/cbd/client/cbd"
)

var usage = `
	cbdcli is a tool to interact with a cbd cluster: create and stat files,
	read and write them, and measure the client IO path.

	You can use cbdcli in two modes: either issue one command, by typing
	something like:

		cbdcli [--meta <addrs>] [--conf <file>] <subcommand> [<flags>...]

	or start a command line interpreter to issue commands interactively:

		cbdcli [--meta <addrs>] [--conf <file>] shell

	With --mock, cbdcli runs against an in-memory cluster that lives as long
	as the process, which is mostly useful together with 'shell'.
	`

// cbdCli lets users interact with a cbd cluster. It keeps one client and the
// files it opened, so that commands in a shell share leases and caches.
type cbdCli struct {
	// the actual client we'll use to talk to the cluster.
	clt *cbd.Client
	// Cache key to know when we can reuse clt.
	cltCacheKey string
	// Files opened by commands, by name.
	files map[string]*cbd.File
	// the command line framework we'll use to launch commands.
	app *cli.App
	// Whether the metrics endpoint is up.
	serving bool
	// True if we are running a shell.
	inShell bool
}

// newCbdCli creates a new cbdCli object.
func newCbdCli() *cbdCli {
	b := &cbdCli{files: make(map[string]*cbd.File)}
	app := cli.NewApp()
	app.Name = "cbdcli"

	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "meta, m",
			Usage: "Comma-separated addresses of the metadata servers, overrides the config file",
		},
		cli.StringFlag{
			Name:  "conf, c",
			Usage: "Client options file (JSON, or YAML if it ends in .yaml)",
		},
		cli.BoolFlag{
			Name:  "mock",
			Usage: "Use an in-memory cluster",
		},
		cli.StringFlag{
			Name:  "metrics",
			Usage: "Address to serve prometheus metrics on",
		},
		cli.IntFlag{
			Name:  "verbosity",
			Usage: "glog verbosity",
		},
	}

	nameflag := cli.StringFlag{
		Name:  "name, n",
		Usage: "file name",
	}
	offsetflag := cli.StringFlag{
		Name:  "offset, o",
		Usage: "offset within the file to read/write (default: 0)",
	}
	lengthflag := cli.StringFlag{
		Name:  "length, l",
		Usage: "data length to read (unset means to the end of the file)",
	}
	datafileflag := cli.StringFlag{
		Name:  "file, f",
		Usage: "file to read or write data from (required for input, output defaults to stdout)",
	}

	app.Commands = []cli.Command{
		{
			Name:    "create",
			Aliases: []string{"c"},
			Usage:   "Creates a new file.",
			Flags: []cli.Flag{
				nameflag,
				cli.StringFlag{
					Name:  "size, s",
					Usage: "file size, with an optional K, M, G or T suffix",
				},
				cli.StringFlag{
					Name:  "chunk",
					Usage: "chunk size (default: the client's defaultChunkSize)",
				},
			},
			Action: b.cmdCreate,
		},
		{
			Name:    "stat",
			Aliases: []string{"s"},
			Usage:   "Stats a file.",
			Flags: []cli.Flag{
				nameflag,
			},
			Action: b.cmdStat,
		},
		{
			Name:    "read",
			Aliases: []string{"r"},
			Usage:   "Reads from a file.",
			Flags: []cli.Flag{
				nameflag,
				offsetflag,
				lengthflag,
				datafileflag,
			},
			Action: b.cmdRead,
		},
		{
			Name:    "write",
			Aliases: []string{"w"},
			Usage:   "Writes to a file.",
			Flags: []cli.Flag{
				nameflag,
				offsetflag,
				datafileflag,
			},
			Action: b.cmdWrite,
		},
		{
			Name:  "bench",
			Usage: "Runs random reads or writes against a file and reports latencies.",
			Flags: []cli.Flag{
				nameflag,
				cli.StringFlag{
					Name:  "op",
					Usage: "read or write",
					Value: "read",
				},
				cli.StringFlag{
					Name:  "size",
					Usage: "request size",
					Value: "4K",
				},
				cli.IntFlag{
					Name:  "count",
					Usage: "number of requests",
					Value: 1000,
				},
				cli.IntFlag{
					Name:  "depth",
					Usage: "requests in flight",
					Value: 16,
				},
				cli.IntFlag{
					Name:  "iops",
					Usage: "requests per second, 0 for as fast as possible",
				},
			},
			Action: b.cmdBench,
		},
		{
			Name:    "close",
			Usage:   "Closes a file opened by an earlier command, giving its lease back.",
			Flags:   []cli.Flag{nameflag},
			Action:  b.cmdClose,
			Aliases: []string{"x"},
		},
		{
			Name:   "shell",
			Usage:  "Starts a shell for interaction.",
			Action: b.cmdShell,
		},
	}
	app.Before = b.beforeSubcommandRun
	b.app = app

	// By default 'HelpName' will be the parent command name('cli' in our case) +
	// command name. Overwrite 'HelpName' to be command name only.
	for i := range b.app.Commands {
		b.app.Commands[i].HelpName = b.app.Commands[i].Name
	}
	return b
}

// run starts a command specified by users.
func (b *cbdCli) run(args []string) error {
	return b.app.Run(args)
}

// stop closes open files and the client.
func (b *cbdCli) stop() {
	for name, f := range b.files {
		f.Close()
		delete(b.files, name)
	}
	if b.clt != nil {
		b.clt.Close()
		b.clt = nil
	}
}

// This function will be called before any subcommand gets started.
func (b *cbdCli) beforeSubcommandRun(c *cli.Context) error {
	if v := c.GlobalInt("verbosity"); v > 0 {
		flag.Set("v", strconv.Itoa(v))
	}
	if addr := c.GlobalString("metrics"); addr != "" && !b.serving {
		b.serving = true
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Errorf("metrics server exited: %s", http.ListenAndServe(addr, mux))
		}()
	}
	return nil
}

// getClient returns the client used to talk to the cluster. If there's
// already one for the same settings, reuse it, otherwise create a new one.
func (b *cbdCli) getClient(c *cli.Context) *cbd.Client {
	key := fmt.Sprintf("%t/%s/%s", c.GlobalBool("mock"), c.GlobalString("conf"), c.GlobalString("meta"))
	if b.clt != nil && b.cltCacheKey == key {
		return b.clt
	}
	b.stop()

	if c.GlobalBool("mock") {
		b.clt = cbd.NewMockClient()
		b.cltCacheKey = key
		return b.clt
	}

	opts := cbd.DefaultOptions
	if conf := c.GlobalString("conf"); conf != "" {
		var err error
		if opts, err = cbd.LoadOptions(conf); err != nil {
			log.Errorf("Bad config file: %s", err)
			return nil
		}
	}
	if meta := c.GlobalString("meta"); meta != "" {
		opts.MetaServerAddr = meta
	}
	if len(opts.MetaServerAddrs()) == 0 {
		log.Errorf("No metadata server address provided. Use --meta or --conf.")
		return nil
	}
	clt, err := cbd.NewClient(opts)
	if err != nil {
		log.Errorf("Failed to create client: %s", err)
		return nil
	}
	b.clt, b.cltCacheKey = clt, key
	return b.clt
}

// getFile opens the file named by --name, or returns the one opened before.
func (b *cbdCli) getFile(c *cli.Context) *cbd.File {
	client := b.getClient(c)
	if client == nil {
		return nil
	}
	name := c.String("name")
	if name == "" {
		log.Errorf("File name required. Use --name.")
		return nil
	}
	if f, ok := b.files[name]; ok {
		return f
	}
	f, err := client.Open(name)
	if err != nil {
		log.Errorf("Couldn't open %q: %s", name, err)
		return nil
	}
	b.files[name] = f
	return f
}

// cmdCreate implements the "create" subcommand.
func (b *cbdCli) cmdCreate(c *cli.Context) {
	client := b.getClient(c)
	if client == nil {
		return
	}
	size, err := parseSize(c.String("size"))
	if err != nil || size <= 0 {
		log.Errorf("Bad size %q. Use --size.", c.String("size"))
		return
	}
	chunk, err := parseSize(c.String("chunk"))
	if err != nil {
		log.Errorf("Bad chunk size %q", c.String("chunk"))
		return
	}
	info, err := client.Create(c.String("name"), size, cbd.ChunkSize(chunk))
	if err != nil {
		log.Errorf("Failed to create file: %s", err)
		return
	}
	printInfo(info)
}

// cmdStat implements the "stat" subcommand.
func (b *cbdCli) cmdStat(c *cli.Context) {
	client := b.getClient(c)
	if client == nil {
		return
	}
	info, err := client.Stat(c.String("name"))
	if err != nil {
		log.Errorf("Failed to stat file: %s", err)
		return
	}
	printInfo(info)
	if f, ok := b.files[info.Name]; ok {
		fmt.Printf("lease: %s\n", f.LeaseState())
	}
}

func printInfo(info cbd.FileInfo) {
	js, err := json.MarshalIndent(struct {
		cbd.FileInfo
		Chunks int
	}{info, info.NumChunks()}, "", "  ")
	if err != nil {
		log.Errorf("Failed to encode %+v: %s", info, err)
		return
	}
	fmt.Println(string(js))
}

// cmdRead implements the "read" subcommand.
func (b *cbdCli) cmdRead(c *cli.Context) {
	f := b.getFile(c)
	if f == nil {
		return
	}
	off, err := parseSize(c.String("offset"))
	if err != nil {
		log.Errorf("Bad offset: %s", err)
		return
	}
	length, err := parseSize(c.String("length"))
	if err != nil {
		log.Errorf("Bad length: %s", err)
		return
	}
	if length == 0 {
		length = f.Size() - off
	}

	var output io.WriteCloser = os.Stdout
	if filename := c.String("file"); filename != "" {
		var e error
		output, e = os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if e != nil {
			log.Errorf("Couldn't open output file: %v", e)
			return
		}
		defer output.Close()
	}

	p := make([]byte, length)
	if _, err := f.ReadAt(p, off); err != nil {
		log.Errorf("Read error: %v", err)
		return
	}
	output.Write(p)
}

// cmdWrite implements the "write" subcommand.
func (b *cbdCli) cmdWrite(c *cli.Context) {
	f := b.getFile(c)
	if f == nil {
		return
	}
	off, err := parseSize(c.String("offset"))
	if err != nil {
		log.Errorf("Bad offset: %s", err)
		return
	}
	filename := c.String("file")
	if filename == "" {
		log.Errorf("Input file required.")
		return
	}
	data, e := ioutil.ReadFile(filename)
	if e != nil {
		log.Errorf("Couldn't open input file: %v", e)
		return
	}
	if _, e := f.WriteAt(data, off); e != nil {
		log.Errorf("Write error: %v", e)
		return
	}
	log.Infof("Wrote %d bytes at %d", len(data), off)
}

// cmdClose implements the "close" subcommand.
func (b *cbdCli) cmdClose(c *cli.Context) {
	name := c.String("name")
	f, ok := b.files[name]
	if !ok {
		log.Errorf("%q is not open", name)
		return
	}
	delete(b.files, name)
	if err := f.Close(); err != nil {
		log.Errorf("Close error: %v", err)
	}
}

// cmdShell implements the "shell" subcommand.
func (b *cbdCli) cmdShell(c *cli.Context) {
	b.inShell = true
	defer func() { b.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)

	// Complete command names.
	liner.SetCompleter(func(line string) (c []string) {
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				c = append(c, cmd.Name)
			}
		}
		return
	})

	defer liner.Close()

	for {
		input, err := liner.Prompt("(cbd) ")
		if err != nil {
			if err != io.EOF {
				log.Errorf("error: %v", err)
			}
			return
		}

		// Split the line with shell-style quoting rules.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error:%v", err)
			continue
		}

		// Skip empty line.
		if 0 == len(args) {
			continue
		}

		if args[0] == "exit" || args[0] == "quit" {
			return
		}

		if b.runCommand(c, args...) == nil {
			liner.AppendHistory(input)
		}
	}
}

// runCommand runs a command from the shell, with the global flags the shell
// was started with.
func (b *cbdCli) runCommand(c *cli.Context, args ...string) error {
	cbdArgs := []string{"cli",
		"--meta", c.GlobalString("meta"),
		"--conf", c.GlobalString("conf"),
		"--mock=" + strconv.FormatBool(c.GlobalBool("mock")),
	}
	cbdArgs = append(cbdArgs, args...)
	return b.run(cbdArgs)
}

// parseSize parses a byte count with an optional K, M, G or T suffix (powers
// of 1024). An empty string is zero.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, nil
	}
	shift := uint(0)
	switch s[len(s)-1] {
	case 'K':
		shift = 10
	case 'M':
		shift = 20
	case 'G':
		shift = 30
	case 'T':
		shift = 40
	}
	if shift > 0 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return n << shift, nil
}
