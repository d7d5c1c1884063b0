package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain prefixes for content hashes.
// Version suffix enables future algorithm migration.
const (
	DomainRun  = "steptrace/run/v1"
	DomainStep = "steptrace/step/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalOf renders any JSON-encodable value as canonical JSON.
func canonicalOf(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := ParseValue(data)
	if err != nil {
		return nil, err
	}
	return MarshalCanonical(val)
}

// RunHash computes the content hash of a run delivery.
// Identical deliveries hash identically regardless of map ordering.
func RunHash(r RunEvent) (string, error) {
	canonical, err := canonicalOf(r)
	if err != nil {
		return "", fmt.Errorf("RunHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRun, canonical), nil
}

// StepHash computes the content hash of a step delivery.
func StepHash(s StepEvent) (string, error) {
	canonical, err := canonicalOf(s)
	if err != nil {
		return "", fmt.Errorf("StepHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainStep, canonical), nil
}

// CanonicalEvent renders an event as canonical JSON.
// Used for golden snapshots and the ingest command's dry-run output.
func CanonicalEvent(e Event) ([]byte, error) {
	return canonicalOf(e)
}
