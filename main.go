// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	stdlog "log"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/datadog"

	"github.com/p11ne/vtok/bridge"
	"github.com/p11ne/vtok/config"
	"github.com/p11ne/vtok/enclave"
	"github.com/p11ne/vtok/logger"
	vtokmetrics "github.com/p11ne/vtok/metrics"
	"github.com/p11ne/vtok/nitrocli"
	"github.com/p11ne/vtok/service"
)

var configPath = flag.String("config_path", "", "Path to agent configuration yaml file")

func main() {
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		stdlog.Fatalf("could not read configuration: %v", err)
	}
	logger.Init(cfg)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(interrupts)
		cancel()
	}()
	go func() {
		select {
		case <-interrupts:
			logger.Infof("received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	// configure metrics
	var sinks metrics.FanoutSink
	if cfg.DatadogAgentHost != "" {
		logger.Infof("initializing datadog at %v", cfg.DatadogAgentHost)
		sink, err := datadog.NewDogStatsdSink(cfg.DatadogAgentHost, "")
		if err != nil {
			logger.Fatalf("error initializing statsd client: %v", err)
		}
		defer sink.Shutdown()
		sinks = append(sinks, sink)
	}
	if cfg.OTLPMetrics {
		sink, err := vtokmetrics.NewOTLPSink(ctx)
		if err != nil {
			logger.Fatalf("error initializing otlp metrics: %v", err)
		}
		defer sink.Shutdown()
		sinks = append(sinks, sink)
	}
	if len(sinks) > 0 {
		// disable hostname tagging, this can be provided by the downstream sink
		mcfg := metrics.DefaultConfig("vtok")
		mcfg.EnableHostname = false
		mcfg.EnableHostnameLabel = false
		if _, err := metrics.NewGlobal(mcfg, sinks); err != nil {
			logger.Fatalf("error initializing metrics: %v", err)
		}
	}

	enc, err := enclave.New(ctx, cfg.Enclave, &nitrocli.CLI{Bin: cfg.Enclave.CLIPath}, &bridge.Bridge{})
	if err != nil {
		logger.Fatalf("enclave bootstrap: %v", err)
	}
	defer enc.Close()

	err = service.Run(ctx, cfg, enc)
	logger.Errorw("shutting down", "error", err)
}
