package policy_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/agentpay-io/control-plane/pkg/policy"
	"github.com/agentpay-io/control-plane/pkg/txn"
)

// The rule scan must be stable: among rules sharing the lowest
// priority, the one declared first fires.
func TestRuleScanStabilityProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("first-declared rule with minimal priority fires", prop.ForAll(
		func(priorities []int) bool {
			if len(priorities) == 0 {
				return true
			}
			rules := make([]policy.Rule, len(priorities))
			for i, p := range priorities {
				rules[i] = policy.Rule{
					ID:       fmt.Sprintf("r%d", i),
					Enabled:  true,
					Priority: p,
					Action:   policy.ActionDeny,
				}
			}
			expected := 0
			for i, p := range priorities {
				if p < priorities[expected] {
					expected = i
				}
			}

			e := policy.New()
			if err := e.LoadPolicy(policy.SpendPolicy{ID: "p", Name: "p", Enabled: true, Rules: rules}); err != nil {
				return false
			}
			tx, err := txn.New("agent-1", "svc-1", 1, "USD", "test", txn.ProtocolX402, nil, nil)
			if err != nil {
				return false
			}
			d, err := e.Evaluate(tx)
			if err != nil {
				return false
			}
			return d.RuleID == fmt.Sprintf("r%d", expected)
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}

// Evaluating the same transaction against the same engine state twice
// yields byte-identical decisions, hash included.
func TestEvaluateReferentiallyTransparent(t *testing.T) {
	e := policy.New()
	require.NoError(t, e.LoadPolicy(policy.SpendPolicy{
		ID: "p", Name: "p", Enabled: true,
		Rules: []policy.Rule{{ID: "r", Enabled: true, Action: policy.ActionFlag, Condition: policy.Condition{}}},
	}))
	tx := newTx(t, "agent-1", "svc-1", 10)
	d1, err := e.Evaluate(tx)
	require.NoError(t, err)
	d2, err := e.Evaluate(tx)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}
