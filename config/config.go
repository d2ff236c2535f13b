// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the yaml configuration of the vtok host agent.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

type Config struct {
	// See zap.Config
	Log *zap.Config `yaml:"log"`
	// Address for the http control server (health endpoints) to listen on
	ControlListenAddr string `yaml:"controlListenAddr"`
	// Address to reach a datadog compatible statsd
	DatadogAgentHost string `yaml:"datadogAgentHost"`
	// If true, export metrics over OTLP (endpoint via OTEL_* env vars)
	OTLPMetrics bool `yaml:"otlpMetrics"`
	// Enclave launch and RPC parameters
	Enclave Enclave `yaml:"enclave"`
	// Tokens to provision once the enclave is up
	Tokens []Token `yaml:"tokens"`
	// How often provisioned tokens are refreshed; zero disables refresh
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	// Periodicity/timeout for local liveness checks against the enclave
	LivenessCheckPeriod  time.Duration `yaml:"livenessCheckPeriod"`
	LivenessCheckTimeout time.Duration `yaml:"livenessCheckTimeout"`
}

// Enclave configures the launch of the vtok enclave. Zero values fall back
// to the fixed defaults in the enclave package.
type Enclave struct {
	// Path to the nitro-cli binary used to launch the enclave
	CLIPath string `yaml:"cliPath"`
	// Path to the enclave image file (EIF)
	ImagePath string `yaml:"imagePath"`
	// Number of vCPUs given to the enclave
	CPUCount int `yaml:"cpuCount"`
	// Memory given to the enclave, in MiB
	MemoryMiB int `yaml:"memoryMib"`
	// vsock port the p11-kit bridge connects to
	BridgePort uint32 `yaml:"bridgePort"`
	// vsock port of the enclave's RPC endpoint
	RPCPort uint32 `yaml:"rpcPort"`
	// Maximum time to wait for the enclave to boot
	BootTimeout time.Duration `yaml:"bootTimeout"`
	// Maximum attempts for operations rejected while attestation is pending
	AttestationRetryCount int `yaml:"attestationRetryCount"`
}

// Key is a single private key to install on a provisioned token. The PEM may
// be given inline or as a file path, and is expected to be encrypted under
// the token's envelope key.
type Key struct {
	ID               uint64 `yaml:"id"`
	Label            string `yaml:"label"`
	EncryptedPem     string `yaml:"encryptedPem"`
	EncryptedPemPath string `yaml:"encryptedPemPath"`
}

// EnvelopeKey configures how the enclave decrypts the token's key material.
type EnvelopeKey struct {
	Scheme   string `yaml:"scheme"`
	KmsKeyID string `yaml:"kmsKeyId"`
	Region   string `yaml:"region"`
	Raw      string `yaml:"raw"`
}

// Token is a token to provision on the enclave after boot.
type Token struct {
	Label       string       `yaml:"label"`
	Pin         string       `yaml:"pin"`
	Keys        []Key        `yaml:"keys"`
	EnvelopeKey *EnvelopeKey `yaml:"envelopeKey"`
}

// validate returns a list of validation errors, or empty if there are no errors.
type validator interface{ validate() []string }

func (e *Enclave) validate() []string {
	var errs []string
	if e.CPUCount <= 0 {
		errs = append(errs, "enclave.cpuCount must be positive")
	}
	if e.MemoryMiB <= 0 {
		errs = append(errs, "enclave.memoryMib must be positive")
	}
	if e.AttestationRetryCount < 0 {
		errs = append(errs, "enclave.attestationRetryCount must not be negative")
	}
	return errs
}

func (t *Token) validate() []string {
	var errs []string
	if t.Label == "" {
		errs = append(errs, "token label must be set")
	}
	if t.Pin == "" {
		errs = append(errs, fmt.Sprintf("token %q: pin must be set", t.Label))
	}
	for _, k := range t.Keys {
		if k.EncryptedPem != "" && k.EncryptedPemPath != "" {
			errs = append(errs, fmt.Sprintf("token %q key %q: encryptedPem and encryptedPemPath are mutually exclusive", t.Label, k.Label))
		}
	}
	return errs
}

func (c *Config) validate() error {
	validators := []validator{&c.Enclave}
	for i := range c.Tokens {
		validators = append(validators, &c.Tokens[i])
	}
	var errs []string
	for _, validator := range validators {
		errs = append(errs, validator.validate()...)
	}
	if len(errs) != 0 {
		return fmt.Errorf("invalid config: %v", strings.Join(errs, ","))
	}
	return nil
}

// Read parses the yaml file at the provided path into a Config
func Read(path string) (*Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	withenv := []byte(os.ExpandEnv(string(bs)))
	c, err := unmarshal(withenv)
	if err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshal(bs []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(bs, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default provides reasonable default parameters that may be overridden by a config file
func Default() *Config {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config := zap.Config{
		Level:             zap.NewAtomicLevelAt(zap.DebugLevel),
		Development:       true,
		Encoding:          "console",
		EncoderConfig:     encoderConfig,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}

	return &Config{
		Log:               &config,
		ControlListenAddr: "localhost:8081",
		Enclave: Enclave{
			CPUCount:  2,
			MemoryMiB: 512,
		},
		RefreshInterval:      0,
		LivenessCheckPeriod:  time.Minute,
		LivenessCheckTimeout: time.Minute,
	}
}
