package alerts

import (
	"fmt"
	"math"
	"time"

	"github.com/agentpay-io/control-plane/pkg/identifier"
	"github.com/agentpay-io/control-plane/pkg/ledger"
	"github.com/agentpay-io/control-plane/pkg/txn"
)

// BudgetThresholdRule fires when projected spend within a sliding
// window crosses alertAtPercent of threshold (spec §4.4).
type BudgetThresholdRule struct {
	ruleBase
	AgentID        string // optional filter
	Currency       string
	WindowMs       int64
	Threshold      float64
	AlertAtPercent float64
}

// NewBudgetThresholdRule constructs an enabled rule with the given parameters.
func NewBudgetThresholdRule(id, name string, severity Severity, agentID, currency string, windowMs int64, threshold, alertAtPercent float64) *BudgetThresholdRule {
	return &BudgetThresholdRule{
		ruleBase:       ruleBase{id: id, name: name, severity: severity, enabled: true},
		AgentID:        agentID,
		Currency:       currency,
		WindowMs:       windowMs,
		Threshold:      threshold,
		AlertAtPercent: alertAtPercent,
	}
}

func (r *BudgetThresholdRule) evaluate(l *ledger.Ledger, tx *txn.Transaction, now time.Time) []Alert {
	f := ledger.Filter{
		Status:   txn.StatusCompleted,
		Currency: r.Currency,
		Agent:    r.AgentID,
		After:    identifier.Timestamp(now.Add(-time.Duration(r.WindowMs) * time.Millisecond)),
	}
	var sum float64
	for _, t := range l.Query(f) {
		sum += t.Amount
	}
	projected := sum + tx.Amount
	if r.Threshold <= 0 {
		return nil
	}
	if projected < r.Threshold*r.AlertAtPercent {
		return nil
	}
	percent := projected / r.Threshold * 100
	return []Alert{r.alert("budget_threshold", tx.ID, tx.AgentID,
		fmt.Sprintf("projected spend %.2f%% of threshold %.2f", percent, r.Threshold),
		map[string]any{"projected": projected, "threshold": r.Threshold, "percent": percent})}
}

// LargeTransactionRule fires when a single transaction meets or
// exceeds a flat threshold in a given currency.
type LargeTransactionRule struct {
	ruleBase
	Currency  string
	Threshold float64
}

func NewLargeTransactionRule(id, name string, severity Severity, currency string, threshold float64) *LargeTransactionRule {
	return &LargeTransactionRule{ruleBase: ruleBase{id: id, name: name, severity: severity, enabled: true}, Currency: currency, Threshold: threshold}
}

func (r *LargeTransactionRule) evaluate(_ *ledger.Ledger, tx *txn.Transaction, _ time.Time) []Alert {
	if tx.Currency != r.Currency || tx.Amount < r.Threshold {
		return nil
	}
	return []Alert{r.alert("large_transaction", tx.ID, tx.AgentID,
		fmt.Sprintf("transaction amount %.2f %s meets or exceeds threshold %.2f", tx.Amount, tx.Currency, r.Threshold),
		map[string]any{"amount": tx.Amount, "threshold": r.Threshold})}
}

// RateSpikeRule fires when an agent's transaction count within a
// sliding window exceeds maxTransactions.
type RateSpikeRule struct {
	ruleBase
	AgentID         string
	MaxTransactions int
	WindowMs        int64
}

func NewRateSpikeRule(id, name string, severity Severity, agentID string, maxTransactions int, windowMs int64) *RateSpikeRule {
	return &RateSpikeRule{ruleBase: ruleBase{id: id, name: name, severity: severity, enabled: true}, AgentID: agentID, MaxTransactions: maxTransactions, WindowMs: windowMs}
}

func (r *RateSpikeRule) evaluate(l *ledger.Ledger, tx *txn.Transaction, now time.Time) []Alert {
	agent := r.AgentID
	if agent == "" {
		agent = tx.AgentID
	}
	if agent != tx.AgentID {
		return nil
	}
	f := ledger.Filter{
		Agent: agent,
		After: identifier.Timestamp(now.Add(-time.Duration(r.WindowMs) * time.Millisecond)),
	}
	count := len(l.Query(f)) + 1 // plus the current tx, not yet recorded
	if count <= r.MaxTransactions {
		return nil
	}
	return []Alert{r.alert("rate_spike", tx.ID, tx.AgentID,
		fmt.Sprintf("%d transactions in window exceeds max %d", count, r.MaxTransactions),
		map[string]any{"count": count, "max": r.MaxTransactions})}
}

// NewRecipientRule fires the first time a given scope (agent id, or
// "*" for global) sends to a recipient not previously seen. State is
// seeded lazily from the ledger on first evaluation per scope.
type NewRecipientRule struct {
	ruleBase
	AgentID string // optional; empty means global scope "*"
	seen    map[string]map[string]struct{}
	seeded  map[string]bool
}

func NewNewRecipientRule(id, name string, severity Severity, agentID string) *NewRecipientRule {
	return &NewRecipientRule{
		ruleBase: ruleBase{id: id, name: name, severity: severity, enabled: true},
		AgentID:  agentID,
		seen:     make(map[string]map[string]struct{}),
		seeded:   make(map[string]bool),
	}
}

func (r *NewRecipientRule) scopeKey(tx *txn.Transaction) string {
	if r.AgentID != "" {
		return r.AgentID
	}
	return "*"
}

func (r *NewRecipientRule) evaluate(l *ledger.Ledger, tx *txn.Transaction, _ time.Time) []Alert {
	scope := r.scopeKey(tx)
	if r.AgentID != "" && tx.AgentID != r.AgentID {
		return nil
	}
	if r.seen[scope] == nil {
		r.seen[scope] = make(map[string]struct{})
	}
	if !r.seeded[scope] {
		r.seedLocked(l, scope)
		r.seeded[scope] = true
	}
	if _, ok := r.seen[scope][tx.Recipient]; ok {
		return nil
	}
	r.seen[scope][tx.Recipient] = struct{}{}
	return []Alert{r.alert("new_recipient", tx.ID, tx.AgentID,
		fmt.Sprintf("first transaction to recipient %q", tx.Recipient),
		map[string]any{"recipient": tx.Recipient})}
}

func (r *NewRecipientRule) seedLocked(l *ledger.Ledger, scope string) {
	var txs []*txn.Transaction
	if scope == "*" {
		txs = l.Query(ledger.Filter{})
	} else {
		txs = l.GetByAgent(scope)
	}
	for _, t := range txs {
		r.seen[scope][t.Recipient] = struct{}{}
	}
}

// AnomalyRule fires when a transaction's amount lies above the
// agent+currency population mean by more than stdDevThreshold standard
// deviations, once enough samples exist. Amounts below the mean never
// fire.
type AnomalyRule struct {
	ruleBase
	AgentID         string
	StdDevThreshold float64
	MinSampleSize   int
}

func NewAnomalyRule(id, name string, severity Severity, agentID string, stdDevThreshold float64, minSampleSize int) *AnomalyRule {
	return &AnomalyRule{ruleBase: ruleBase{id: id, name: name, severity: severity, enabled: true}, AgentID: agentID, StdDevThreshold: stdDevThreshold, MinSampleSize: minSampleSize}
}

func (r *AnomalyRule) evaluate(l *ledger.Ledger, tx *txn.Transaction, _ time.Time) []Alert {
	agent := r.AgentID
	if agent == "" {
		agent = tx.AgentID
	}
	if agent != tx.AgentID {
		return nil
	}
	txs := l.Query(ledger.Filter{Agent: agent, Currency: tx.Currency, Status: txn.StatusCompleted})
	n := len(txs)
	if n < r.MinSampleSize {
		return nil
	}
	var sum float64
	for _, t := range txs {
		sum += t.Amount
	}
	mean := sum / float64(n)
	var variance float64
	for _, t := range txs {
		d := t.Amount - mean
		variance += d * d
	}
	variance /= float64(n)
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return nil
	}
	z := (tx.Amount - mean) / stddev
	if z <= r.StdDevThreshold {
		return nil
	}
	return []Alert{r.alert("anomaly", tx.ID, tx.AgentID,
		fmt.Sprintf("amount %.2f is %.2f standard deviations above mean %.2f", tx.Amount, z, mean),
		map[string]any{"zScore": z, "mean": mean, "stdDev": stddev})}
}
