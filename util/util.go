// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

// Package util contains general purpose utilities
package util

import (
	"context"
	"time"

	"golang.org/x/exp/constraints"
)

// Min returns the minimum of a and b
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the maximum of a and b
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Sleep waits for d to elapse, or returns ctx.Err() early if the context is
// cancelled first. It is the sole suspension point of the agent's poll and
// backoff loops, so a user interrupt always aborts a wait immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
