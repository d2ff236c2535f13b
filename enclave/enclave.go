// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

// Package enclave manages the lifecycle of the vtok enclave: launch, boot
// readiness, token RPCs with attestation-aware retry, and teardown.
//
// An Enclave is the single owner of the launched enclave process and of the
// host-side p11-kit bridge configuration; both are released together by
// Close. At most one Enclave may be live per host, because the bridge module
// file lives at a fixed path.
package enclave

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/p11ne/vtok/config"
	"github.com/p11ne/vtok/logger"
	"github.com/p11ne/vtok/nitrocli"
	"github.com/p11ne/vtok/rpc"
	"github.com/p11ne/vtok/schema"
	"github.com/p11ne/vtok/util"
)

const (
	// DefaultEIFPath is where the p11ne enclave image is installed.
	DefaultEIFPath = "/usr/share/nitro_enclaves/p11ne/p11ne.eif"
	// DefaultBridgePort is the vsock port the p11-kit bridge connects to.
	DefaultBridgePort uint32 = 9999
	// DefaultRPCPort is the vsock port of the enclave's RPC endpoint.
	DefaultRPCPort uint32 = 10000
	// DefaultBootTimeout bounds the post-launch readiness wait.
	DefaultBootTimeout = 30 * time.Second
	// DefaultAttestationRetryCount bounds retries of operations rejected
	// while the enclave finishes its internal attestation work.
	DefaultAttestationRetryCount = 10

	bootPollInterval = 100 * time.Millisecond
	retryBaseBackoff = 100 * time.Millisecond
)

// LaunchError means the enclave could not be started at all; nothing was
// created that needs cleaning up.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launching enclave: %v", e.Err) }
func (e *LaunchError) Unwrap() error { return e.Err }

// BridgeSetupError means the p11-kit module file could not be written. The
// enclave process is already running at that point and is not reaped here:
// no handle exists yet to attach a teardown to, so external supervision must
// terminate it.
type BridgeSetupError struct {
	Err error
}

func (e *BridgeSetupError) Error() string { return fmt.Sprintf("p11-kit bridge setup: %v", e.Err) }
func (e *BridgeSetupError) Unwrap() error { return e.Err }

// ProxyRestartError means the vsock proxy restart failed, either because
// systemctl could not run or because it exited non-zero (see
// bridge.ExitError). Same leak caveat as BridgeSetupError.
type ProxyRestartError struct {
	Err error
}

func (e *ProxyRestartError) Error() string { return fmt.Sprintf("vsock proxy restart: %v", e.Err) }
func (e *ProxyRestartError) Unwrap() error { return e.Err }

// Launcher starts an enclave process. Implemented by *nitrocli.CLI.
type Launcher interface {
	Run(ctx context.Context, eifPath string, cpuCount, memoryMiB int) (nitrocli.EnclaveInfo, error)
}

// BridgeSetup wires and unwires the host-side p11-kit bridge. Implemented by
// *bridge.Bridge.
type BridgeSetup interface {
	Write(cid, port uint32) error
	RestartProxy() error
	Remove() error
}

// caller issues one request/response exchange with the enclave.
type caller interface {
	Call(req *schema.Request) (*schema.Response, error)
}

// Enclave is a handle to a launched vtok enclave. All connection-derived
// fields are immutable after New, so methods may be called from a single
// goroutine without locking; Close is safe to call at most once concurrently
// with nothing else.
type Enclave struct {
	cid                   uint32
	pid                   int
	enclaveID             string
	bootTimeout           time.Duration
	rpcPort               uint32
	attestationRetryCount int

	rpc    caller
	bridge BridgeSetup
	kill   func(pid int) error
	sleep  func(ctx context.Context, d time.Duration) error
	clock  util.Clock

	closeOnce sync.Once
}

// New launches the enclave, writes the p11-kit bridge configuration, and
// restarts the vsock proxy. It does not wait for the enclave to boot; call
// WaitBoot next. On success the returned handle owns the enclave process and
// the bridge file until Close.
func New(ctx context.Context, cfg config.Enclave, launcher Launcher, br BridgeSetup) (*Enclave, error) {
	eifPath := cfg.ImagePath
	if eifPath == "" {
		eifPath = DefaultEIFPath
	}
	info, err := launcher.Run(ctx, eifPath, cfg.CPUCount, cfg.MemoryMiB)
	if err != nil {
		return nil, &LaunchError{Err: err}
	}
	logger.Infow("launched enclave", "cid", info.EnclaveCID, "pid", info.ProcessID, "id", info.EnclaveID)

	bridgePort := cfg.BridgePort
	if bridgePort == 0 {
		bridgePort = DefaultBridgePort
	}
	logger.Infof("setting up p11-kit bridge for cid %d port %d", info.EnclaveCID, bridgePort)
	if err := br.Write(info.EnclaveCID, bridgePort); err != nil {
		return nil, &BridgeSetupError{Err: err}
	}

	logger.Infof("restarting vsock proxy")
	if err := br.RestartProxy(); err != nil {
		return nil, &ProxyRestartError{Err: err}
	}

	rpcPort := cfg.RPCPort
	if rpcPort == 0 {
		rpcPort = DefaultRPCPort
	}
	bootTimeout := cfg.BootTimeout
	if bootTimeout == 0 {
		bootTimeout = DefaultBootTimeout
	}
	retries := cfg.AttestationRetryCount
	if retries == 0 {
		retries = DefaultAttestationRetryCount
	}
	return &Enclave{
		cid:                   info.EnclaveCID,
		pid:                   info.ProcessID,
		enclaveID:             info.EnclaveID,
		bootTimeout:           bootTimeout,
		rpcPort:               rpcPort,
		attestationRetryCount: retries,
		rpc:                   &rpc.Client{CID: info.EnclaveCID, Port: rpcPort},
		bridge:                br,
		kill:                  func(pid int) error { return syscall.Kill(pid, syscall.SIGTERM) },
		sleep:                 util.Sleep,
		clock:                 util.RealClock,
	}, nil
}

// CID returns the enclave's vsock channel id.
func (e *Enclave) CID() uint32 { return e.cid }

// PID returns the process id of the enclave's supervising process.
func (e *Enclave) PID() int { return e.pid }

// EnclaveID returns the launcher-assigned enclave identifier.
func (e *Enclave) EnclaveID() string { return e.enclaveID }

// WaitBoot polls the enclave with a describe-device request every 100ms
// until any response arrives (even a rejection), and reports whether that
// happened within the boot timeout. Transport failures of any kind mean
// "not booted yet". Cancelling ctx during a poll sleep returns false
// immediately.
func (e *Enclave) WaitBoot(ctx context.Context) bool {
	start := e.clock.Now()
	limit := start.Add(e.bootTimeout)
	for e.clock.Now().Before(limit) {
		if _, err := e.rpc.Call(&schema.Request{Op: schema.OpDescribeDevice}); err == nil {
			metrics.MeasureSince([]string{"enclave", "boot_wait"}, start)
			return true
		}
		if err := e.sleep(ctx, bootPollInterval); err != nil {
			return false
		}
	}
	return false
}

// AddToken provisions a token. Rejections are retried while the enclave's
// attestation work may still be pending.
func (e *Enclave) AddToken(ctx context.Context, token schema.Token) (*schema.Response, error) {
	logger.Infow("adding token", "label", token.Label)
	return e.retryRPC(ctx, &schema.Request{Op: schema.OpAddToken, Token: &token})
}

// UpdateToken replaces the material of an existing token. Retried like
// AddToken.
func (e *Enclave) UpdateToken(ctx context.Context, label, pin string, token schema.Token) (*schema.Response, error) {
	return e.retryRPC(ctx, &schema.Request{Op: schema.OpUpdateToken, Label: label, Pin: pin, Token: &token})
}

// RefreshToken re-encrypts a token's material under its envelope key.
// Retried like AddToken.
func (e *Enclave) RefreshToken(ctx context.Context, label, pin string, key schema.EnvelopeKey) (*schema.Response, error) {
	return e.retryRPC(ctx, &schema.Request{Op: schema.OpRefreshToken, Label: label, Pin: pin, EnvelopeKey: &key})
}

// RemoveToken removes a token. Single-shot: a rejection here is a definitive
// outcome, not a boot-ordering artifact, so retrying would only mask it.
func (e *Enclave) RemoveToken(label, pin string) (*schema.Response, error) {
	return e.call(&schema.Request{Op: schema.OpRemoveToken, Label: label, Pin: pin})
}

// DescribeToken returns the state of a provisioned token. Single-shot.
func (e *Enclave) DescribeToken(label, pin string) (*schema.Response, error) {
	return e.call(&schema.Request{Op: schema.OpDescribeToken, Label: label, Pin: pin})
}

// DescribeDevice returns the state of the virtual PKCS#11 device. Single-shot.
func (e *Enclave) DescribeDevice() (*schema.Response, error) {
	return e.call(&schema.Request{Op: schema.OpDescribeDevice})
}

func (e *Enclave) call(req *schema.Request) (*schema.Response, error) {
	metrics.IncrCounterWithLabels([]string{"rpc", "attempts"}, 1,
		[]metrics.Label{{Name: "op", Value: string(req.Op)}})
	resp, err := e.rpc.Call(req)
	if err != nil {
		metrics.IncrCounterWithLabels([]string{"rpc", "transport_errors"}, 1,
			[]metrics.Label{{Name: "op", Value: string(req.Op)}})
		return nil, err
	}
	return resp, nil
}

// retryRPC wraps call with bounded exponential backoff driven by the
// response content. Transport and connect errors are returned immediately,
// never retried. A rejection is retried after 100ms*2^(attempt-1) until the
// enclave accepts or the attempt budget is spent; exhausting the budget (or
// a ctx cancellation during backoff) surfaces the last rejection as the
// result, not an error.
func (e *Enclave) retryRPC(ctx context.Context, req *schema.Request) (*schema.Response, error) {
	count := 1
	for {
		resp, err := e.call(req)
		if err != nil {
			return nil, err
		}
		if resp.Ok() || count == e.attestationRetryCount {
			return resp, nil
		}
		backoff := retryBaseBackoff * time.Duration(1<<(count-1))
		logger.Warnw("enclave rejected request, will retry",
			"op", req.Op, "backoff", backoff, "rejection", resp.Reject())
		metrics.IncrCounterWithLabels([]string{"rpc", "retries"}, 1,
			[]metrics.Label{{Name: "op", Value: string(req.Op)}})
		if err := e.sleep(ctx, backoff); err != nil {
			return resp, nil
		}
		count++
	}
}

// Close terminates the enclave process and removes the bridge configuration.
// Both actions are attempted unconditionally and independently; neither
// failure is escalated, since teardown must stay best-effort. Close is
// idempotent.
func (e *Enclave) Close() {
	e.closeOnce.Do(func() {
		logger.Infow("terminating enclave", "pid", e.pid)
		if err := e.kill(e.pid); err != nil {
			// Process already gone is fine; teardown proceeds regardless.
			logger.Debugw("enclave signal failed", "pid", e.pid, "err", err)
		}
		logger.Infof("removing p11-kit bridge config")
		if err := e.bridge.Remove(); err != nil {
			logger.Warnw("bridge cleanup failed", "err", err)
		}
	})
}
