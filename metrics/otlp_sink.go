// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports the agent's go-metrics stream over OTLP.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	metricSDK "go.opentelemetry.io/otel/sdk/metric"

	"github.com/p11ne/vtok/logger"
)

// OTLPSink adapts a go-metrics sink onto the OpenTelemetry metrics SDK. The
// OTLP endpoint is taken from the standard OTEL_* environment variables.
type OTLPSink struct {
	meter         metric.Meter
	meterProvider *metricSDK.MeterProvider
}

var _ metrics.ShutdownSink = (*OTLPSink)(nil)

// NewOTLPSink initializes the OpenTelemetry metrics pipeline and returns a
// sink feeding it.
func NewOTLPSink(ctx context.Context) (*OTLPSink, error) {
	exporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating otlp metric exporter: %w", err)
	}
	provider := metricSDK.NewMeterProvider(
		metricSDK.WithReader(metricSDK.NewPeriodicReader(exporter)))
	otel.SetMeterProvider(provider)
	return &OTLPSink{
		meter:         otel.Meter(metrics.Default().ServiceName),
		meterProvider: provider,
	}, nil
}

// Shutdown flushes and stops the pipeline.
func (s *OTLPSink) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = s.meterProvider.Shutdown(ctx)
}

func (s *OTLPSink) SetGauge(key []string, val float32) {
	s.SetGaugeWithLabels(key, val, nil)
}

func (s *OTLPSink) SetGaugeWithLabels(key []string, val float32, labels []metrics.Label) {
	g, err := s.meter.Float64Gauge(name(key))
	if err != nil {
		logger.Errorf("gauge %s: %v", name(key), err)
		return
	}
	g.Record(context.Background(), float64(val), metric.WithAttributes(attrs(labels)...))
}

// EmitKey is not implemented
func (s *OTLPSink) EmitKey(_ []string, _ float32) {}

func (s *OTLPSink) IncrCounter(key []string, val float32) {
	s.IncrCounterWithLabels(key, val, nil)
}

func (s *OTLPSink) IncrCounterWithLabels(key []string, val float32, labels []metrics.Label) {
	c, err := s.meter.Float64Counter(name(key))
	if err != nil {
		logger.Errorf("counter %s: %v", name(key), err)
		return
	}
	c.Add(context.Background(), float64(val), metric.WithAttributes(attrs(labels)...))
}

func (s *OTLPSink) AddSample(key []string, val float32) {
	s.AddSampleWithLabels(key, val, nil)
}

func (s *OTLPSink) AddSampleWithLabels(key []string, val float32, labels []metrics.Label) {
	h, err := s.meter.Float64Histogram(name(key))
	if err != nil {
		logger.Errorf("histogram %s: %v", name(key), err)
		return
	}
	h.Record(context.Background(), float64(val), metric.WithAttributes(attrs(labels)...))
}

func attrs(labels []metrics.Label) []attribute.KeyValue {
	var out []attribute.KeyValue
	for _, label := range labels {
		out = append(out, attribute.String(label.Name, label.Value))
	}
	return out
}

func name(key []string) string {
	return strings.Join(key, ".")
}
