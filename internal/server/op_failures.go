// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/cbd/internal/core"
)

// OpFailure maps operation names to errors that the operation should fail
// with. Servers consult it before doing real work so failures can be injected
// into a running process.
//
// It also serves HTTP: GET returns the current map as JSON, POST replaces it
// with the JSON object in the body (e.g. '{"write": 11}'), and an empty object
// clears all failures.
type OpFailure struct {
	lock     sync.Mutex
	failures map[string]core.Error
}

// NewOpFailure creates a new OpFailure.
func NewOpFailure() *OpFailure {
	return &OpFailure{failures: make(map[string]core.Error)}
}

// Get returns the registered error for the given operation 'op'. NoError is
// returned if no error is registered for 'op'.
func (f *OpFailure) Get(op string) core.Error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.failures[op]
}

// Set registers 'err' for 'op'. Setting NoError clears it.
func (f *OpFailure) Set(op string, err core.Error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err == core.NoError {
		delete(f.failures, op)
	} else {
		f.failures[op] = err
	}
}

// Update replaces all failures with the ones in 'config'. A nil config clears
// them.
func (f *OpFailure) Update(config json.RawMessage) error {
	failures := make(map[string]core.Error)
	if config != nil {
		if err := json.Unmarshal(config, &failures); nil != err {
			log.Errorf("failed to unmarshal failure config: %s", err)
			return err
		}
	}
	log.Infof("received new failure config: %v", failures)

	f.lock.Lock()
	f.failures = failures
	f.lock.Unlock()
	return nil
}

// ServeHTTP implements http.Handler.
func (f *OpFailure) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		f.lock.Lock()
		defer f.lock.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.failures)
	case "POST":
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := f.Update(raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	default:
		http.Error(w, fmt.Sprintf("Unsupported method %s", r.Method), http.StatusMethodNotAllowed)
	}
}
