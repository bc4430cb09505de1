package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentpay-io/control-plane/pkg/identifier"
	"github.com/agentpay-io/control-plane/pkg/telemetry"
	"github.com/agentpay-io/control-plane/pkg/txn"
)

// bucketKey identifies one accumulating budget window: the policy and
// budget that owns it, a scope key derived from the budget's agent/
// service filters (so distinct agents under the same policy do not
// share a bucket unless the budget is unscoped), and the window's
// deterministic key.
type bucketKey struct {
	policyID  string
	budgetIdx int
	scope     string
	window    string
}

// bucket accumulates settled spend within one window instance.
type bucket struct {
	amount float64
	count  int
}

// Spend is the current accumulation of one budget bucket.
type Spend struct {
	Amount float64
	Count  int
}

// Engine evaluates transactions against a set of loaded policies.
// Grounded on pkg/budget/enforcer.go's fail-closed Check and window
// reset shape, and pkg/pdp/pdp.go's overall evaluate-then-hash flow.
type Engine struct {
	mu       sync.Mutex
	policies map[string]*SpendPolicy
	order    []string // insertion order, for deterministic cross-policy combination
	spend    map[bucketKey]*bucket
	lastTxAt map[string]time.Time // policyID + ":" + agentID -> last allowed tx time
	clock    func() time.Time
	tel      *telemetry.Telemetry
}

// New returns an empty Engine with no policies loaded.
func New() *Engine {
	return &Engine{
		policies: make(map[string]*SpendPolicy),
		spend:    make(map[bucketKey]*bucket),
		lastTxAt: make(map[string]time.Time),
		clock:    time.Now,
	}
}

// WithTelemetry attaches a telemetry bundle so evaluations are counted
// through the host's metric provider.
func (e *Engine) WithTelemetry(tel *telemetry.Telemetry) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tel = tel
	return e
}

// WithClock overrides the engine's time source, for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
	return e
}

// LoadPolicy installs or replaces a policy by ID.
func (e *Engine) LoadPolicy(p SpendPolicy) error {
	if p.ID == "" {
		return fmt.Errorf("policy: policy id must not be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.policies[p.ID]; !exists {
		e.order = append(e.order, p.ID)
	}
	cp := p
	e.policies[p.ID] = &cp
	return nil
}

// RemovePolicy removes a policy and its accumulated budget buckets.
func (e *Engine) RemovePolicy(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[id]; !ok {
		return
	}
	delete(e.policies, id)
	for i, pid := range e.order {
		if pid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	for k := range e.spend {
		if k.policyID == id {
			delete(e.spend, k)
		}
	}
	for k := range e.lastTxAt {
		if len(k) > len(id) && k[:len(id)] == id && k[len(id)] == ':' {
			delete(e.lastTxAt, k)
		}
	}
}

// GetPolicies returns a defensive copy of every loaded policy, in load order.
func (e *Engine) GetPolicies() []SpendPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SpendPolicy, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.policies[id])
	}
	return out
}

// Reset clears all accumulated budget and cooldown state, leaving
// loaded policies intact.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spend = make(map[bucketKey]*bucket)
	e.lastTxAt = make(map[string]time.Time)
}

// Evaluate runs tx through every enabled policy and combines the
// results by restrictiveness, per spec §4.2 "Multi-policy evaluation":
// the most restrictive single-policy decision wins (deny beats
// require_approval beats flag beats allow), and ties break on load
// order. With no policies loaded, the default is allow.
func (e *Engine) Evaluate(tx *txn.Transaction) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.order) == 0 {
		d := Decision{Allowed: true, Action: ActionAllow, Reason: "no policies loaded"}
		return e.finalize(d)
	}

	var best *Decision
	for _, id := range e.order {
		p := e.policies[id]
		if !p.Enabled {
			continue
		}
		d := e.evaluatePolicyLocked(p, tx)
		if best == nil || severityRank[d.Action] < severityRank[best.Action] {
			best = &d
		}
	}
	if best == nil {
		d := Decision{Allowed: true, Action: ActionAllow, Reason: "no enabled policies"}
		return e.finalize(d)
	}
	return e.finalize(*best)
}

func (e *Engine) finalize(d Decision) (Decision, error) {
	d.Allowed = d.Action == ActionAllow || d.Action == ActionFlag
	h, err := computeHash(d)
	if err != nil {
		return Decision{}, err
	}
	d.Hash = h
	if e.tel != nil {
		e.tel.DecisionsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("action", string(d.Action))))
	}
	return d, nil
}

// evaluatePolicyLocked runs the 3-step per-policy order of spec §4.2:
// budget check, then cooldown check, then rule scan by priority
// (stable on ties, i.e. declaration order).
func (e *Engine) evaluatePolicyLocked(p *SpendPolicy, tx *txn.Transaction) Decision {
	now := e.clock()

	if d, hit := e.checkBudgetsLocked(p, tx, now); hit {
		return d
	}
	if d, hit := e.checkCooldownLocked(p, tx, now); hit {
		return d
	}
	return e.scanRules(p, tx)
}

func (e *Engine) checkBudgetsLocked(p *SpendPolicy, tx *txn.Transaction, now time.Time) (Decision, bool) {
	for i, b := range p.Budgets {
		if !budgetApplies(b, tx) {
			continue
		}
		// Each evaluation is its own window for a per-transaction
		// budget: the amount alone is compared, no bucket is consulted
		// and none accumulates.
		if b.Window == identifier.WindowPerTransaction {
			if tx.Amount > b.MaxAmount {
				return Decision{
					Action:   ActionDeny,
					Reason:   fmt.Sprintf("budget exceeded: per_transaction limit %.2f, amount %.2f", b.MaxAmount, tx.Amount),
					PolicyID: p.ID,
				}, true
			}
			continue
		}
		key := bucketKey{
			policyID:  p.ID,
			budgetIdx: i,
			scope:     budgetScopeKey(b, tx),
			window:    identifier.WindowKey(b.Window, now),
		}
		var current float64
		if b, ok := e.spend[key]; ok {
			current = b.amount
		}
		projected := current + tx.Amount
		if projected > b.MaxAmount {
			return Decision{
				Action:   ActionDeny,
				Reason:   fmt.Sprintf("budget exceeded: %s window, limit %.2f, projected %.2f", b.Window, b.MaxAmount, projected),
				PolicyID: p.ID,
			}, true
		}
	}
	return Decision{}, false
}

func (e *Engine) checkCooldownLocked(p *SpendPolicy, tx *txn.Transaction, now time.Time) (Decision, bool) {
	if p.CooldownMs <= 0 {
		return Decision{}, false
	}
	key := p.ID + ":" + tx.AgentID
	last, ok := e.lastTxAt[key]
	if !ok {
		return Decision{}, false
	}
	elapsed := now.Sub(last).Milliseconds()
	if elapsed >= p.CooldownMs {
		return Decision{}, false
	}
	return Decision{
		Action:    ActionDeny,
		Reason:    fmt.Sprintf("cooldown active: %dms remaining", p.CooldownMs-elapsed),
		PolicyID:  p.ID,
		DetailsMs: p.CooldownMs - elapsed,
	}, true
}

// scanRules evaluates rules in ascending priority order (lower
// priority number runs earlier), stable on ties, returning the first
// match. A policy with no matching rule defaults to allow.
func (e *Engine) scanRules(p *SpendPolicy, tx *txn.Transaction) Decision {
	rules := make([]Rule, len(p.Rules))
	copy(rules, p.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.Condition.Matches(tx) {
			return Decision{
				Action:   r.Action,
				Reason:   fmt.Sprintf("matched rule %q", r.Name),
				PolicyID: p.ID,
				RuleID:   r.ID,
			}
		}
	}
	return Decision{Action: ActionAllow, Reason: "no rule matched", PolicyID: p.ID}
}

// RecordTransaction commits tx's amount into every budget bucket it
// applies to and refreshes cooldown timestamps, across all enabled
// policies. Callers should invoke this only for transactions the
// engine (or a downstream approval) actually allowed through.
func (e *Engine) RecordTransaction(tx *txn.Transaction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	for _, id := range e.order {
		p := e.policies[id]
		if !p.Enabled {
			continue
		}
		for i, b := range p.Budgets {
			if !budgetApplies(b, tx) {
				continue
			}
			// Per-transaction budgets carry no state across
			// evaluations, so there is nothing to record.
			if b.Window == identifier.WindowPerTransaction {
				continue
			}
			key := bucketKey{
				policyID:  p.ID,
				budgetIdx: i,
				scope:     budgetScopeKey(b, tx),
				window:    identifier.WindowKey(b.Window, now),
			}
			bk, ok := e.spend[key]
			if !ok {
				bk = &bucket{}
				e.spend[key] = bk
			}
			bk.amount += tx.Amount
			bk.count++
		}
		if p.CooldownMs > 0 {
			e.lastTxAt[p.ID+":"+tx.AgentID] = now
		}
	}
}

// GetCurrentSpend returns the accumulated amount and count in budget
// b's current window for the given policy and transaction scope, as of
// reference (or now, if reference is the zero value).
func (e *Engine) GetCurrentSpend(policyID string, budgetIdx int, b BudgetLimit, tx *txn.Transaction, reference time.Time) Spend {
	e.mu.Lock()
	defer e.mu.Unlock()
	if reference.IsZero() {
		reference = e.clock()
	}
	key := bucketKey{
		policyID:  policyID,
		budgetIdx: budgetIdx,
		scope:     budgetScopeKey(b, tx),
		window:    identifier.WindowKey(b.Window, reference),
	}
	bk, ok := e.spend[key]
	if !ok {
		return Spend{}
	}
	return Spend{Amount: bk.amount, Count: bk.count}
}

// budgetScopeKey derives the bucket scope discriminator from a
// budget's own filters rather than from every field on tx, so two
// agents share a bucket exactly when the budget does not distinguish
// between them.
func budgetScopeKey(b BudgetLimit, tx *txn.Transaction) string {
	scope := ""
	if len(b.AgentIDs) > 0 {
		scope += "a:" + tx.AgentID + "|"
	}
	if len(b.ServiceIDs) > 0 {
		scope += "s:" + tx.Service + "|"
	}
	return scope
}
