package ledger

import (
	"sort"

	"github.com/agentpay-io/control-plane/pkg/txn"
)

// Summary aggregates spend over a set of transactions.
type Summary struct {
	Count       int
	TotalAmount float64
	ByCurrency  map[string]float64
	ByAgent     map[string]float64
	ByStatus    map[string]int
}

// Analytics computes aggregated summaries over a Spend Ledger, read-only.
type Analytics struct {
	ledger *Ledger
}

// NewAnalytics wraps l for aggregation queries.
func NewAnalytics(l *Ledger) *Analytics {
	return &Analytics{ledger: l}
}

// Summarize aggregates every transaction matching f (Limit is ignored:
// analytics always scans the full matching set).
func (a *Analytics) Summarize(f Filter) Summary {
	f.Limit = 0
	txs := a.ledger.Query(f)

	s := Summary{
		ByCurrency: make(map[string]float64),
		ByAgent:    make(map[string]float64),
		ByStatus:   make(map[string]int),
	}
	for _, tx := range txs {
		s.Count++
		s.TotalAmount += tx.Amount
		s.ByCurrency[tx.Currency] += tx.Amount
		s.ByAgent[tx.AgentID] += tx.Amount
		s.ByStatus[string(tx.Status)]++
	}
	return s
}

// TopRecipients returns the n recipients with the highest completed
// spend, descending. Ties are broken by recipient name for determinism.
func (a *Analytics) TopRecipients(n int, currency string) []RecipientTotal {
	f := Filter{Status: txn.StatusCompleted}
	if currency != "" {
		f.Currency = currency
	}
	txs := a.ledger.Query(f)

	totals := make(map[string]float64)
	for _, tx := range txs {
		totals[tx.Recipient] += tx.Amount
	}
	out := make([]RecipientTotal, 0, len(totals))
	for r, amt := range totals {
		out = append(out, RecipientTotal{Recipient: r, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Recipient < out[j].Recipient
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// RecipientTotal pairs a recipient with its aggregated spend.
type RecipientTotal struct {
	Recipient string
	Amount    float64
}
