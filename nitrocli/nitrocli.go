// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

// Package nitrocli launches and terminates Nitro enclaves by shelling out to
// the nitro-cli binary and parsing its JSON output.
package nitrocli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// EnclaveInfo is the subset of `nitro-cli run-enclave` output the agent
// needs: the vsock channel of the enclave and the process supervising it.
type EnclaveInfo struct {
	EnclaveID  string `json:"EnclaveID"`
	EnclaveCID uint32 `json:"EnclaveCID"`
	ProcessID  int    `json:"ProcessID"`
}

// CLI invokes nitro-cli subcommands.
type CLI struct {
	// Bin is the nitro-cli binary to execute; empty means "nitro-cli" from PATH.
	Bin string
}

func (c *CLI) bin() string {
	if c.Bin == "" {
		return "nitro-cli"
	}
	return c.Bin
}

// Run launches an enclave from the given image and returns its channel and
// process identifiers. The enclave keeps running after this process exits;
// callers own its termination.
func (c *CLI) Run(ctx context.Context, eifPath string, cpuCount, memoryMiB int) (EnclaveInfo, error) {
	cmd := exec.CommandContext(ctx, c.bin(), "run-enclave",
		"--eif-path", eifPath,
		"--cpu-count", strconv.Itoa(cpuCount),
		"--memory", strconv.Itoa(memoryMiB))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return EnclaveInfo{}, fmt.Errorf("nitro-cli run-enclave: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return parseRunOutput(stdout.Bytes())
}

// Terminate stops the enclave with the given ID. Used by operators and
// tests; the agent's own teardown signals the supervising process instead.
func (c *CLI) Terminate(ctx context.Context, enclaveID string) error {
	cmd := exec.CommandContext(ctx, c.bin(), "terminate-enclave", "--enclave-id", enclaveID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("nitro-cli terminate-enclave: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

func parseRunOutput(out []byte) (EnclaveInfo, error) {
	var info EnclaveInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return EnclaveInfo{}, fmt.Errorf("parsing nitro-cli output: %w", err)
	}
	if info.EnclaveCID == 0 {
		return EnclaveInfo{}, fmt.Errorf("nitro-cli output missing EnclaveCID: %s", bytes.TrimSpace(out))
	}
	if info.ProcessID == 0 {
		return EnclaveInfo{}, fmt.Errorf("nitro-cli output missing ProcessID: %s", bytes.TrimSpace(out))
	}
	return info, nil
}
