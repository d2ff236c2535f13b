// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWriteAndRemove(t *testing.T) {
	b := &Bridge{Dir: t.TempDir()}
	if err := b.Write(16, 9999); err != nil {
		t.Fatalf("write: %v", err)
	}
	bs, err := os.ReadFile(filepath.Join(b.Dir, ModuleName+".module"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := "remote:vsock:cid=16;port=9999\nmodule:" + ModuleName + "\n"
	if string(bs) != want {
		t.Errorf("module file = %q, want %q", bs, want)
	}
	if err := b.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(b.path()); !os.IsNotExist(err) {
		t.Errorf("module file still present after Remove: %v", err)
	}
}

func TestWriteTruncates(t *testing.T) {
	b := &Bridge{Dir: t.TempDir()}
	if err := os.WriteFile(b.path(), []byte("stale contents that are much longer than the replacement\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(3, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	bs, _ := os.ReadFile(b.path())
	want := "remote:vsock:cid=3;port=1\nmodule:" + ModuleName + "\n"
	if string(bs) != want {
		t.Errorf("module file = %q, want %q", bs, want)
	}
}

func TestWriteMissingDir(t *testing.T) {
	b := &Bridge{Dir: filepath.Join(t.TempDir(), "nope")}
	if err := b.Write(16, 9999); err == nil {
		t.Error("want error writing into missing directory")
	}
}

func TestRemoveMissing(t *testing.T) {
	b := &Bridge{Dir: t.TempDir()}
	if err := b.Remove(); err == nil {
		t.Error("want error removing missing module file")
	}
}

func fakeSystemctl(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "systemctl")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRestartProxy(t *testing.T) {
	b := &Bridge{Systemctl: fakeSystemctl(t, "exit 0")}
	if err := b.RestartProxy(); err != nil {
		t.Errorf("restart: %v", err)
	}
}

func TestRestartProxyExitStatus(t *testing.T) {
	b := &Bridge{Systemctl: fakeSystemctl(t, "exit 5")}
	err := b.RestartProxy()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("restart err=%v, want *ExitError", err)
	}
	if exitErr.Code != 5 {
		t.Errorf("exit code=%d, want 5", exitErr.Code)
	}
}

func TestRestartProxyExecFailure(t *testing.T) {
	b := &Bridge{Systemctl: filepath.Join(t.TempDir(), "no-such-systemctl")}
	err := b.RestartProxy()
	if err == nil {
		t.Fatal("want error for missing systemctl")
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		t.Errorf("exec failure reported as ExitError: %v", err)
	}
}
