// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

// Package middleware wraps http handlers on the agent's control server.
package middleware

import (
	"net/http"
	"strconv"

	"github.com/hashicorp/go-metrics"
)

// Instrument wraps an http.Handler and updates metrics with the http response
func Instrument(inner http.Handler) http.Handler {
	return &handler{inner: inner}
}

type handler struct {
	inner http.Handler
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ww := &writerWrapper{w: w}
	h.inner.ServeHTTP(ww, r)
	if ww.recorded {
		metrics.IncrCounterWithLabels([]string{"http", "response"}, 1, []metrics.Label{
			{Name: "method", Value: r.Method},
			{Name: "endpoint", Value: r.URL.Path},
			{Name: "status", Value: strconv.Itoa(ww.statusCode)},
		})
	}
}

// When a response is written, record the status code so it can be instrumented later
type writerWrapper struct {
	w          http.ResponseWriter
	statusCode int
	recorded   bool
}

var _ http.ResponseWriter = (*writerWrapper)(nil)

func (ww *writerWrapper) Header() http.Header {
	return ww.w.Header()
}

func (ww *writerWrapper) Write(b []byte) (int, error) {
	if !ww.recorded {
		ww.recorded = true
		ww.statusCode = http.StatusOK
	}
	return ww.w.Write(b)
}

func (ww *writerWrapper) WriteHeader(statusCode int) {
	ww.recorded = true
	ww.statusCode = statusCode
	ww.w.WriteHeader(statusCode)
}
