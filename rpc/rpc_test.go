// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/p11ne/vtok/schema"
)

// serve runs an HTTP server for the enclave RPC endpoint on a loopback
// listener and returns a client pointed at it.
func serve(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle(schema.URL, handler)
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return &Client{Host: "localhost", Port: uint32(port)}
}

func TestCall(t *testing.T) {
	var gotReq schema.Request
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(&schema.Response{
			Status: schema.StatusOk,
			Device: &schema.DeviceInfo{Version: "0.1", Slots: 8, FreeSlots: 8},
		})
	})
	resp, err := c.Call(&schema.Request{Op: schema.OpDescribeDevice})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotReq.Op != schema.OpDescribeDevice {
		t.Errorf("server saw op %q, want %q", gotReq.Op, schema.OpDescribeDevice)
	}
	if !resp.Ok() {
		t.Errorf("response not ok: %+v", resp)
	}
	want := &schema.DeviceInfo{Version: "0.1", Slots: 8, FreeSlots: 8}
	if diff := cmp.Diff(want, resp.Device); diff != "" {
		t.Errorf("device diff (-want +got):\n%s", diff)
	}
}

func TestCallRejection(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&schema.Response{
			Status: schema.StatusAttestationPending,
			Error:  "attestation document not yet sealed",
		})
	})
	resp, err := c.Call(&schema.Request{Op: schema.OpAddToken})
	if err != nil {
		t.Fatalf("rejection must not be an error: %v", err)
	}
	if resp.Ok() {
		t.Error("rejection reported as ok")
	}
	if resp.Status != schema.StatusAttestationPending {
		t.Errorf("status=%v, want %v", resp.Status, schema.StatusAttestationPending)
	}
}

func TestCallConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close() // nothing listening on that port anymore

	c := &Client{Host: "localhost", Port: uint32(port)}
	_, err = c.Call(&schema.Request{Op: schema.OpDescribeDevice})
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Errorf("err=%v, want *ConnectError", err)
	}
}

func TestCallTransportErrorOnClose(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close() // accept, then hang up before responding
		}
	}()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	c := &Client{Host: "localhost", Port: uint32(port)}
	_, err = c.Call(&schema.Request{Op: schema.OpDescribeDevice})
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Errorf("err=%v, want *TransportError", err)
	}
}

func TestCallTransportErrorOnBadStatus(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	_, err := c.Call(&schema.Request{Op: schema.OpDescribeDevice})
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Errorf("err=%v, want *TransportError", err)
	}
}

func TestCallTransportErrorOnGarbageBody(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})
	_, err := c.Call(&schema.Request{Op: schema.OpDescribeDevice})
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Errorf("err=%v, want *TransportError", err)
	}
}

func TestInvalidClientConfig(t *testing.T) {
	c := &Client{Port: 10000}
	_, err := c.Call(&schema.Request{Op: schema.OpDescribeDevice})
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Errorf("err=%v, want *ConnectError for empty config", err)
	}
}
