// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

// Package servicetest provides helpers shared by the agent's tests.
package servicetest

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/p11ne/vtok/util"
)

// RetryFun calls fun until it succeeds or timeout elapses, returning the
// last error on timeout.
func RetryFun[T any](timeout time.Duration, fun func() (T, error)) (T, error) {
	timech := time.After(timeout)
	var err error
	var res T
	for {
		select {
		case <-timech:
			return res, fmt.Errorf("timeout: %w", err)
		default:
			if res, err = fun(); err == nil {
				return res, nil
			}
			time.Sleep(util.Min(50*time.Millisecond, timeout/10))
		}
	}
}

// WaitFor200 polls url until it answers 200, or fails after timeout.
func WaitFor200(timeout time.Duration, url string) error {
	_, err := RetryFun(timeout, func() (interface{}, error) {
		resp, err := http.Get(url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("status=%v : %v", resp.Status, body)
		}
		return nil, nil
	})
	return err
}
