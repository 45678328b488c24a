// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"io"
	"net"
	"net/http"
	"net/rpc"

	log "github.com/golang/glog"
)

const (
	bulkRPCPath     = "/_goRPC_bulk_crc_"
	connectedStatus = "200 Connected to Go RPC" // rpc.connected is not exported
)

// Server serves RPC receivers with the bulk codec, plus any other HTTP
// handlers (status pages, metrics) on the same listeners.
type Server struct {
	rpc *rpc.Server
	mux *http.ServeMux
}

// NewServer creates a Server with its own RPC receivers and HTTP mux, so
// several servers can live in one process.
func NewServer() *Server {
	s := &Server{rpc: rpc.NewServer(), mux: http.NewServeMux()}
	s.mux.HandleFunc(bulkRPCPath, s.bulkServeHTTP)
	return s
}

// RegisterName publishes the methods of rcvr under 'name'.
func (s *Server) RegisterName(name string, rcvr interface{}) error {
	return s.rpc.RegisterName(name, rcvr)
}

// Handle registers an HTTP handler next to the RPC endpoint.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Serve accepts connections on l. It blocks until l is closed.
func (s *Server) Serve(l net.Listener) error {
	return http.Serve(l, s.mux)
}

func (s *Server) bulkServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Adapted from net/rpc/server.go, replacing ServeConn with ServeCodec.
	if req.Method != "CONNECT" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		io.WriteString(w, "405 must CONNECT\n")
		return
	}
	conn, _, err := w.(http.Hijacker).Hijack()
	if err != nil {
		log.Errorf("rpc hijacking %s: %s", req.RemoteAddr, err)
		return
	}
	io.WriteString(conn, "HTTP/1.0 "+connectedStatus+"\n\n")
	s.rpc.ServeCodec(newBulkGobCodec(conn, false))
}
