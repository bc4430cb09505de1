package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// hashableDecision is the subset of Decision whose canonical form is
// hashed — excluding the hash field itself. Grounded in
// pkg/pdp.ComputeDecisionHash.
type hashableDecision struct {
	Allowed  bool   `json:"allowed"`
	Action   Action `json:"action"`
	Reason   string `json:"reason"`
	PolicyID string `json:"policy_id"`
	RuleID   string `json:"rule_id"`
}

// computeHash produces a deterministic "sha256:<hex>" fingerprint of a
// decision via JCS canonical JSON, so two processes evaluating the
// same transaction against the same policy state can compare decisions
// byte-for-byte without re-running evaluation.
func computeHash(d Decision) (string, error) {
	raw, err := json.Marshal(hashableDecision{
		Allowed:  d.Allowed,
		Action:   d.Action,
		Reason:   d.Reason,
		PolicyID: d.PolicyID,
		RuleID:   d.RuleID,
	})
	if err != nil {
		return "", fmt.Errorf("policy: marshal decision for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("policy: jcs canonicalization: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
