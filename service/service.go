// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

// Package service runs the vtok agent: it waits for the enclave to boot,
// provisions the configured tokens, and keeps them refreshed until shutdown.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/p11ne/vtok/config"
	"github.com/p11ne/vtok/health"
	"github.com/p11ne/vtok/logger"
	"github.com/p11ne/vtok/middleware"
	"github.com/p11ne/vtok/schema"
)

// Enclave is the handle surface the agent drives. Implemented by
// *enclave.Enclave.
type Enclave interface {
	WaitBoot(ctx context.Context) bool
	AddToken(ctx context.Context, token schema.Token) (*schema.Response, error)
	RefreshToken(ctx context.Context, label, pin string, key schema.EnvelopeKey) (*schema.Response, error)
	DescribeDevice() (*schema.Response, error)
}

// Run drives the agent against an already-launched enclave and only returns
// when a component fails or ctx is cancelled. Teardown of the enclave handle
// stays with the caller.
func Run(ctx context.Context, cfg *config.Config, enc Enclave) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// fail tears the already-started components back down before surfacing
	// a startup error.
	fail := func(err error) error {
		cancel()
		g.Wait()
		return err
	}

	// Control server comes up first so liveness is observable during boot.
	bootPending := errors.New("waiting for enclave boot")
	live, ready := health.New(bootPending), health.New(bootPending)
	mux := http.NewServeMux()
	mux.Handle("/health/live", middleware.Instrument(live))
	mux.Handle("/health/ready", middleware.Instrument(ready))
	srv := &http.Server{Addr: cfg.ControlListenAddr, Handler: mux}
	g.Go(func() error {
		logger.Infof("starting control http server on %v", cfg.ControlListenAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	})

	logger.Infof("waiting for enclave boot")
	if !enc.WaitBoot(ctx) {
		return fail(errors.New("enclave did not boot before the timeout"))
	}
	live.Set(nil)
	logger.Infof("enclave is up")

	for _, tc := range cfg.Tokens {
		token, err := tokenFromConfig(tc)
		if err != nil {
			return fail(fmt.Errorf("loading token %q: %w", tc.Label, err))
		}
		resp, err := enc.AddToken(ctx, token)
		if err != nil {
			return fail(fmt.Errorf("provisioning token %q: %w", tc.Label, err))
		}
		if !resp.Ok() {
			return fail(fmt.Errorf("provisioning token %q rejected: %s", tc.Label, resp.Reject()))
		}
		logger.Infow("provisioned token", "label", tc.Label)
	}
	ready.Set(nil)

	if cfg.RefreshInterval > 0 {
		g.Go(func() error { return refreshLoop(ctx, cfg, enc) })
	}
	if cfg.LivenessCheckPeriod > 0 {
		g.Go(func() error { return livenessChecks(ctx, cfg, enc, live) })
	}

	return g.Wait()
}

// refreshLoop periodically re-provisions the key material of every
// configured token under its envelope key. Failures are logged and retried
// on the next tick; a refresh miss is not fatal to the agent.
func refreshLoop(ctx context.Context, cfg *config.Config, enc Enclave) error {
	logger.Infof("starting token refresh loop, interval %v", cfg.RefreshInterval)
	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, tc := range cfg.Tokens {
				var key schema.EnvelopeKey
				if tc.EnvelopeKey != nil {
					key = envelopeKeyFromConfig(*tc.EnvelopeKey)
				}
				resp, err := enc.RefreshToken(ctx, tc.Label, tc.Pin, key)
				if err != nil {
					logger.Warnw("token refresh failed", "label", tc.Label, "err", err)
				} else if !resp.Ok() {
					logger.Warnw("token refresh rejected", "label", tc.Label, "rejection", resp.Reject())
				}
			}
		}
	}
}

// livenessChecks updates the live health state by periodically describing
// the device. An individual describe has no transport timeout, so the call
// runs under a goroutine bounded by LivenessCheckTimeout.
func livenessChecks(ctx context.Context, cfg *config.Config, enc Enclave, live *health.Health) error {
	ticker := time.NewTicker(cfg.LivenessCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			live.Set(ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			live.Set(livenessCheck(ctx, cfg, enc))
		}
	}
}

func livenessCheck(ctx context.Context, cfg *config.Config, enc Enclave) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.LivenessCheckTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		resp, err := enc.DescribeDevice()
		if err != nil {
			done <- fmt.Errorf("describe device: %w", err)
		} else if !resp.Ok() {
			done <- fmt.Errorf("describe device rejected: %s", resp.Reject())
		} else {
			done <- nil
		}
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("liveness check: %w", ctx.Err())
	}
}

func envelopeKeyFromConfig(k config.EnvelopeKey) schema.EnvelopeKey {
	return schema.EnvelopeKey{
		Scheme:   k.Scheme,
		KmsKeyID: k.KmsKeyID,
		Region:   k.Region,
		Raw:      k.Raw,
	}
}

// tokenFromConfig resolves a configured token into the provisioning payload,
// reading any key PEMs referenced by path.
func tokenFromConfig(tc config.Token) (schema.Token, error) {
	token := schema.Token{
		Label: tc.Label,
		Pin:   tc.Pin,
	}
	if tc.EnvelopeKey != nil {
		key := envelopeKeyFromConfig(*tc.EnvelopeKey)
		token.EnvelopeKey = &key
	}
	for _, kc := range tc.Keys {
		pem := kc.EncryptedPem
		if kc.EncryptedPemPath != "" {
			bs, err := os.ReadFile(kc.EncryptedPemPath)
			if err != nil {
				return schema.Token{}, fmt.Errorf("key %q: %w", kc.Label, err)
			}
			pem = string(bs)
		}
		token.Keys = append(token.Keys, schema.PrivateKey{
			ID:           kc.ID,
			Label:        kc.Label,
			EncryptedPem: pem,
		})
	}
	return token, nil
}
