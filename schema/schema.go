// Copyright 2024 The vtok Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the JSON request/response messages exchanged with
// the vtok enclave over its RPC endpoint. The agent treats these as opaque
// values; the only field it interprets is the response status.
package schema

import (
	"fmt"
)

// URL is the fixed request path the enclave RPC server is bound to.
const URL = "/rpc/v1"

// Op selects the token operation a Request performs.
type Op string

const (
	OpDescribeDevice Op = "describe-device"
	OpDescribeToken  Op = "describe-token"
	OpAddToken       Op = "add-token"
	OpUpdateToken    Op = "update-token"
	OpRemoveToken    Op = "remove-token"
	OpRefreshToken   Op = "refresh-token"
)

// Status is the application-level outcome of a request. Anything other than
// StatusOk is a rejection; rejections are ordinary responses, not transport
// errors.
type Status string

const (
	StatusOk Status = "ok"
	// StatusAttestationPending is returned while the enclave is still
	// completing its internal attestation work after boot. Requests that
	// provision key material are expected to succeed once it resolves.
	StatusAttestationPending Status = "attestation-pending"
	StatusTokenExists        Status = "token-exists"
	StatusTokenNotFound      Status = "token-not-found"
	StatusAccessDenied       Status = "access-denied"
	StatusInternal           Status = "internal-error"
)

// EnvelopeKey identifies the key used to open encrypted private keys carried
// in a Token.
type EnvelopeKey struct {
	Scheme   string `json:"scheme"`
	KmsKeyID string `json:"kms_key_id,omitempty"`
	Region   string `json:"region,omitempty"`
	Raw      string `json:"raw,omitempty"`
}

// PrivateKey is a single (possibly envelope-encrypted) PEM key to install on
// a token.
type PrivateKey struct {
	ID           uint64 `json:"id"`
	Label        string `json:"label"`
	EncryptedPem string `json:"encrypted_pem"`
}

// Token is the provisioning payload for a PKCS#11 token hosted by the
// enclave.
type Token struct {
	Label       string       `json:"label"`
	Pin         string       `json:"pin"`
	Keys        []PrivateKey `json:"keys"`
	EnvelopeKey *EnvelopeKey `json:"envelope_key,omitempty"`
}

// Request is the envelope for every RPC sent to the enclave. Fields other
// than Op are set depending on the operation.
type Request struct {
	Op          Op           `json:"op"`
	Label       string       `json:"label,omitempty"`
	Pin         string       `json:"pin,omitempty"`
	Token       *Token       `json:"token,omitempty"`
	EnvelopeKey *EnvelopeKey `json:"envelope_key,omitempty"`
}

// DeviceInfo describes the virtual PKCS#11 device, returned by
// OpDescribeDevice.
type DeviceInfo struct {
	Version   string `json:"version"`
	FreeSlots int    `json:"free_slots"`
	Slots     int    `json:"slots"`
}

// TokenInfo describes a single provisioned token, returned by
// OpDescribeToken.
type TokenInfo struct {
	Label    string   `json:"label"`
	KeyCount int      `json:"key_count"`
	Labels   []string `json:"labels,omitempty"`
}

// Response is the envelope for every RPC reply from the enclave.
type Response struct {
	Status Status      `json:"status"`
	Error  string      `json:"error,omitempty"`
	Device *DeviceInfo `json:"device,omitempty"`
	Token  *TokenInfo  `json:"token,omitempty"`
}

// Ok reports whether the enclave accepted the request.
func (r *Response) Ok() bool {
	return r.Status == StatusOk
}

// Reject formats a response as an error-ish string for logging. It is not an
// error value; rejections stay ordinary responses.
func (r *Response) Reject() string {
	if r.Error != "" {
		return fmt.Sprintf("%s: %s", r.Status, r.Error)
	}
	return string(r.Status)
}
