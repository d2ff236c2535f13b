// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"context"
	"testing"
	"time"
)

func TestSleepElapses(t *testing.T) {
	start := time.Now()
	if err := Sleep(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if took := time.Since(start); took < 10*time.Millisecond {
		t.Errorf("sleep returned after %v, want >= 10ms", took)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Sleep(ctx, time.Minute)
	if err != context.Canceled {
		t.Errorf("sleep err=%v, want context.Canceled", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Errorf("cancelled sleep took %v, should abort immediately", took)
	}
}

func TestSleepAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Minute); err != context.Canceled {
		t.Errorf("sleep err=%v, want context.Canceled", err)
	}
}

func TestTestAt(t *testing.T) {
	now := time.Now()
	ta := TestAt(now)
	if got := ta.Now(); got != now {
		t.Errorf("TestAt.Now: got %v want %v", got, now)
	}
}

func TestRealClock(t *testing.T) {
	t1 := time.Now()
	time.Sleep(time.Millisecond * 10)
	v1 := RealClock.Now()
	if !v1.After(t1) {
		t.Errorf("v1 (%v) before t1 (%v)", v1, t1)
	}
}
