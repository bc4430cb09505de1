package policy_test

import (
	"testing"
	"time"

	"github.com/agentpay-io/control-plane/pkg/identifier"
	"github.com/agentpay-io/control-plane/pkg/policy"
	"github.com/agentpay-io/control-plane/pkg/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTx(t *testing.T, agent, recipient string, amount float64) *txn.Transaction {
	t.Helper()
	tx, err := txn.New(agent, recipient, amount, "USD", "test", txn.ProtocolX402, nil, nil)
	require.NoError(t, err)
	return tx
}

func TestEvaluateNoPoliciesAllows(t *testing.T) {
	e := policy.New()
	d, err := e.Evaluate(newTx(t, "agent-1", "svc-1", 10))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, policy.ActionAllow, d.Action)
	assert.NotEmpty(t, d.Hash)
}

func TestEvaluateAllowRequireApprovalDenyTiers(t *testing.T) {
	e := policy.New()
	require.NoError(t, e.LoadPolicy(policy.SpendPolicy{
		ID:      "p1",
		Name:    "tiered",
		Enabled: true,
		Rules: []policy.Rule{
			{ID: "r-deny", Enabled: true, Priority: 1, Action: policy.ActionDeny,
				Condition: policy.Condition{Recipients: []string{"blocked-*"}}},
			{ID: "r-approval", Enabled: true, Priority: 2, Action: policy.ActionRequireApproval,
				Condition: policy.Condition{MinAmount: f(100)}},
			{ID: "r-allow", Enabled: true, Priority: 3, Action: policy.ActionAllow,
				Condition: policy.Condition{}},
		},
	}))

	d, err := e.Evaluate(newTx(t, "agent-1", "blocked-vendor", 5))
	require.NoError(t, err)
	assert.Equal(t, policy.ActionDeny, d.Action)
	assert.False(t, d.Allowed)

	d, err = e.Evaluate(newTx(t, "agent-1", "vendor", 150))
	require.NoError(t, err)
	assert.Equal(t, policy.ActionRequireApproval, d.Action)
	assert.False(t, d.Allowed)

	d, err = e.Evaluate(newTx(t, "agent-1", "vendor", 5))
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAllow, d.Action)
	assert.True(t, d.Allowed)
}

func TestBudgetExhaustion(t *testing.T) {
	e := policy.New()
	require.NoError(t, e.LoadPolicy(policy.SpendPolicy{
		ID:      "p1",
		Name:    "daily cap",
		Enabled: true,
		Budgets: []policy.BudgetLimit{{Window: identifier.WindowDaily, MaxAmount: 100}},
		Rules: []policy.Rule{
			{ID: "r-allow", Enabled: true, Action: policy.ActionAllow, Condition: policy.Condition{}},
		},
	}))

	tx1 := newTx(t, "agent-1", "svc-1", 60)
	d, err := e.Evaluate(tx1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	e.RecordTransaction(tx1)

	tx2 := newTx(t, "agent-1", "svc-1", 60)
	d, err = e.Evaluate(tx2)
	require.NoError(t, err)
	assert.Equal(t, policy.ActionDeny, d.Action)
	assert.False(t, d.Allowed)
}

func TestCooldownBlocksUntilElapsed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	e := policy.New().WithClock(clock)
	require.NoError(t, e.LoadPolicy(policy.SpendPolicy{
		ID:         "p1",
		Name:       "cooldown",
		Enabled:    true,
		CooldownMs: 1000,
		Rules: []policy.Rule{
			{ID: "r-allow", Enabled: true, Action: policy.ActionAllow, Condition: policy.Condition{}},
		},
	}))

	tx1 := newTx(t, "agent-1", "svc-1", 10)
	d, err := e.Evaluate(tx1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	e.RecordTransaction(tx1)

	tx2 := newTx(t, "agent-1", "svc-1", 10)
	d, err = e.Evaluate(tx2)
	require.NoError(t, err)
	assert.Equal(t, policy.ActionDeny, d.Action)
	assert.Equal(t, int64(1000), d.DetailsMs)

	now = now.Add(1100 * time.Millisecond)
	d, err = e.Evaluate(tx2)
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAllow, d.Action)
}

func TestPerTransactionBudgetDoesNotAccumulate(t *testing.T) {
	e := policy.New()
	require.NoError(t, e.LoadPolicy(policy.SpendPolicy{
		ID: "p1", Name: "per-tx cap", Enabled: true,
		Budgets: []policy.BudgetLimit{{Window: identifier.WindowPerTransaction, MaxAmount: 100}},
	}))

	d, err := e.Evaluate(newTx(t, "agent-1", "svc-1", 150))
	require.NoError(t, err)
	assert.Equal(t, policy.ActionDeny, d.Action)
	assert.Contains(t, d.Reason, "budget exceeded")

	// Lifetime volume well past the cap must not affect later
	// evaluations: each transaction is judged on its own amount.
	for i := 0; i < 5; i++ {
		tx := newTx(t, "agent-1", "svc-1", 90)
		d, err = e.Evaluate(tx)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		e.RecordTransaction(tx)
	}

	d, err = e.Evaluate(newTx(t, "agent-1", "svc-1", 90))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGetCurrentSpendTracksAmountAndCount(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e := policy.New().WithClock(func() time.Time { return now })
	b := policy.BudgetLimit{Window: identifier.WindowDaily, MaxAmount: 1000}
	require.NoError(t, e.LoadPolicy(policy.SpendPolicy{
		ID: "p1", Name: "cap", Enabled: true, Budgets: []policy.BudgetLimit{b},
	}))

	tx1 := newTx(t, "agent-1", "svc-1", 25)
	tx2 := newTx(t, "agent-1", "svc-1", 15)
	e.RecordTransaction(tx1)
	e.RecordTransaction(tx2)

	spend := e.GetCurrentSpend("p1", 0, b, tx1, now)
	assert.Equal(t, 40.0, spend.Amount)
	assert.Equal(t, 2, spend.Count)

	nextDay := now.AddDate(0, 0, 1)
	assert.Equal(t, policy.Spend{}, e.GetCurrentSpend("p1", 0, b, tx1, nextDay))

	e.Reset()
	assert.Equal(t, policy.Spend{}, e.GetCurrentSpend("p1", 0, b, tx1, now))
}

func TestConditionMetadataMustMatchVerbatim(t *testing.T) {
	e := policy.New()
	require.NoError(t, e.LoadPolicy(policy.SpendPolicy{
		ID: "p1", Name: "meta", Enabled: true,
		Rules: []policy.Rule{{
			ID: "r-deny", Enabled: true, Action: policy.ActionDeny,
			Condition: policy.Condition{Metadata: map[string]string{"env": "prod"}},
		}},
	}))

	tagged, err := txn.New("agent-1", "svc-1", 10, "USD", "test", txn.ProtocolX402, map[string]string{"env": "prod"}, nil)
	require.NoError(t, err)
	d, err := e.Evaluate(tagged)
	require.NoError(t, err)
	assert.Equal(t, policy.ActionDeny, d.Action)

	d, err = e.Evaluate(newTx(t, "agent-1", "svc-1", 10))
	require.NoError(t, err)
	assert.Equal(t, policy.ActionAllow, d.Action)
}

func TestCrossPolicyMostRestrictiveWins(t *testing.T) {
	e := policy.New()
	require.NoError(t, e.LoadPolicy(policy.SpendPolicy{
		ID: "permissive", Name: "permissive", Enabled: true,
		Rules: []policy.Rule{{ID: "r", Enabled: true, Action: policy.ActionAllow, Condition: policy.Condition{}}},
	}))
	require.NoError(t, e.LoadPolicy(policy.SpendPolicy{
		ID: "strict", Name: "strict", Enabled: true,
		Rules: []policy.Rule{{ID: "r", Enabled: true, Action: policy.ActionFlag, Condition: policy.Condition{}}},
	}))

	d, err := e.Evaluate(newTx(t, "agent-1", "svc-1", 10))
	require.NoError(t, err)
	assert.Equal(t, policy.ActionFlag, d.Action)
	assert.Equal(t, "strict", d.PolicyID)
}

func TestHashDeterministicAcrossEquivalentDecisions(t *testing.T) {
	e1 := policy.New()
	e2 := policy.New()
	pol := policy.SpendPolicy{
		ID: "p1", Name: "x", Enabled: true,
		Rules: []policy.Rule{{ID: "r", Enabled: true, Action: policy.ActionDeny, Condition: policy.Condition{}}},
	}
	require.NoError(t, e1.LoadPolicy(pol))
	require.NoError(t, e2.LoadPolicy(pol))

	tx := newTx(t, "agent-1", "svc-1", 10)
	d1, err := e1.Evaluate(tx)
	require.NoError(t, err)
	d2, err := e2.Evaluate(tx)
	require.NoError(t, err)
	assert.Equal(t, d1.Hash, d2.Hash)
}

func TestLoadPolicyFileFromJSON(t *testing.T) {
	raw := []byte(`{
		"id": "p1",
		"name": "json policy",
		"rules": [
			{"id": "r1", "action": "deny", "priority": 1, "conditions": {"minAmount": 500}}
		],
		"budgets": [
			{"window": "daily", "maxAmount": 1000}
		]
	}`)
	p, err := policy.LoadPolicyFile(raw)
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.True(t, p.Enabled)
	require.Len(t, p.Rules, 1)
	assert.Equal(t, policy.ActionDeny, p.Rules[0].Action)
	require.Len(t, p.Budgets, 1)
	assert.Equal(t, identifier.WindowDaily, p.Budgets[0].Window)
}

func TestLoadPolicyFileRejectsInvalidAction(t *testing.T) {
	raw := []byte(`{"id": "p1", "name": "bad", "rules": [{"id": "r1", "action": "explode"}]}`)
	_, err := policy.LoadPolicyFile(raw)
	assert.Error(t, err)
}

func f(v float64) *float64 { return &v }
