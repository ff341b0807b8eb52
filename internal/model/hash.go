package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for fingerprints.
// Version suffix enables future algorithm migration.
const (
	DomainIdempotency = "intentd/idempotency/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotencyKey computes the fingerprint of an intent.
//
// Only intent_type, parameters and tenant_id participate. session_id and
// wall-clock time are excluded so a retried submission from another
// session of the same tenant resolves to the same execution.
func IdempotencyKey(intentType string, params map[string]any, tenantID string) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	obj := map[string]any{
		"intent_type": intentType,
		"parameters":  params,
		"tenant_id":   tenantID,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("IdempotencyKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainIdempotency, canonical), nil
}

// UniqueIdempotencyKey fingerprints a non-idempotent intent. The
// execution id makes every submission distinct.
func UniqueIdempotencyKey(intentType string, params map[string]any, tenantID, executionID string) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	obj := map[string]any{
		"execution_id": executionID,
		"intent_type":  intentType,
		"parameters":   params,
		"tenant_id":    tenantID,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("UniqueIdempotencyKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainIdempotency, canonical), nil
}
