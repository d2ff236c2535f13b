// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

// Package health serves liveness/readiness state over HTTP.
package health

import (
	"fmt"
	"net/http"
	"sync"
)

// Health wraps an error (nil means "healthy"), and provides HTTP handling
// logic to serve that error.
type Health struct {
	mu  sync.Mutex
	err error
}

// New creates a new health object, with initial health set based on the
// 'initial' error (nil==healthy).
func New(initial error) *Health {
	return &Health{err: initial}
}

// Set sets the underlying error for this Health object; err=nil means "OK"
func (h *Health) Set(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// Err returns the current error, nil if healthy.
func (h *Health) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// ServeHTTP implements http.Handler.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.Err(); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "error: %v", err)
		return
	}
	fmt.Fprintf(w, "ok")
}
