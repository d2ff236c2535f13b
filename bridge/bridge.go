// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge manages the host-side p11-kit wiring that lets local PKCS#11
// middleware reach the enclave's token provider over vsock: the module file
// under /etc/pkcs11/modules and the vsock proxy service that forwards it.
//
// Only one bridge may exist per host. The module file lives at a fixed path,
// so a second concurrently-managed enclave would silently overwrite the
// first one's configuration.
package bridge

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	// ModuleName names the p11-kit module the bridge exposes.
	ModuleName = "vtok-p11ne"
	// ProxyUnit is the systemd unit forwarding vsock to the enclave.
	ProxyUnit = "nitro-enclaves-vsock-proxy"

	defaultDir = "/etc/pkcs11/modules"
)

// ExitError reports a proxy restart that ran but exited non-zero, as opposed
// to one that could not be executed at all.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s restart exited with status %d", ProxyUnit, e.Code)
}

// Bridge writes and removes the p11-kit module file and restarts the vsock
// proxy. The zero value uses the system paths; tests override them.
type Bridge struct {
	// Dir is the p11-kit module directory; empty means /etc/pkcs11/modules.
	Dir string
	// Systemctl is the systemctl binary; empty means "systemctl" from PATH.
	Systemctl string
}

func (b *Bridge) path() string {
	dir := b.Dir
	if dir == "" {
		dir = defaultDir
	}
	return filepath.Join(dir, ModuleName+".module")
}

// Write points the p11-kit module at the enclave's vsock endpoint,
// truncating any previous contents.
func (b *Bridge) Write(cid, port uint32) error {
	contents := fmt.Sprintf("remote:vsock:cid=%d;port=%d\nmodule:%s\n", cid, port, ModuleName)
	return os.WriteFile(b.path(), []byte(contents), 0644)
}

// Remove deletes the module file.
func (b *Bridge) Remove() error {
	return os.Remove(b.path())
}

// RestartProxy restarts (not reloads) the vsock proxy so it picks up the
// rewritten module file. An exec failure and a non-zero exit are distinct
// errors; the latter is an *ExitError.
func (b *Bridge) RestartProxy() error {
	systemctl := b.Systemctl
	if systemctl == "" {
		systemctl = "systemctl"
	}
	cmd := exec.Command(systemctl, "restart", ProxyUnit)
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return err
}
