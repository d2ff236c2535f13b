// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the agent side of the enclave's request/response
// protocol: JSON bodies carried over HTTP on a fresh vsock connection per
// call. There is no connection reuse and never more than one request in
// flight, so no pipelining or response matching is needed.
package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/mdlayher/vsock"

	"github.com/p11ne/vtok/schema"
)

// ConnectError means the vsock (or test TCP) connection could not be opened
// at all. It is never retried: the channel itself is broken.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("rpc connect: %v", e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError covers every framing and I/O failure after the connection
// was established, including a malformed or non-200 response.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("rpc transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Client issues one-shot RPCs to the enclave endpoint.
//
// Only one of CID and Host must be set. If Host is set, calls dial an
// AF_INET socket (used by tests and local development); if CID is set, calls
// dial AF_VSOCK.
type Client struct {
	Port uint32
	CID  uint32
	Host string
}

func (c *Client) dial() (net.Conn, error) {
	switch {
	case c.Host != "":
		return net.Dial("tcp", net.JoinHostPort(c.Host, strconv.FormatUint(uint64(c.Port), 10)))
	case c.CID != 0:
		return vsock.Dial(c.CID, c.Port, nil)
	default:
		return nil, fmt.Errorf("invalid rpc client config: %+v", *c)
	}
}

// Call opens a connection, sends one encoded request, reads one decoded
// response, and closes the connection. A rejection by the enclave is a
// normal response, not an error; errors are *ConnectError or
// *TransportError only.
func (c *Client) Call(req *schema.Request) (*schema.Response, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, &ConnectError{Err: err}
	}
	defer conn.Close()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("encoding request: %w", err)}
	}
	httpReq, err := http.NewRequest(http.MethodPost, schema.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	httpReq.Host = "vtok"
	httpReq.Header.Set("Content-Type", "application/json")
	if err := httpReq.Write(conn); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("writing request: %w", err)}
	}

	httpResp, err := http.ReadResponse(bufio.NewReader(conn), httpReq)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("reading response: %w", err)}
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, &TransportError{Err: fmt.Errorf("unexpected http status %v", httpResp.Status)}
	}
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("reading response body: %w", err)}
	}
	var resp schema.Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decoding response: %w", err)}
	}
	return &resp, nil
}
