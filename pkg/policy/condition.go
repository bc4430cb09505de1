package policy

import (
	"github.com/agentpay-io/control-plane/pkg/glob"
	"github.com/agentpay-io/control-plane/pkg/txn"
)

// Matches reports whether tx satisfies every present field of c, per
// spec §4.2 "Condition matching": agents/recipients use glob, the rest
// use exact match, amount bounds are inclusive, and every listed
// metadata key must exist with the identical value.
func (c Condition) Matches(tx *txn.Transaction) bool {
	if len(c.Agents) > 0 && !glob.MatchAny(tx.AgentID, c.Agents) {
		return false
	}
	if len(c.Recipients) > 0 && !glob.MatchAny(tx.Recipient, c.Recipients) {
		return false
	}
	if len(c.Services) > 0 && !exactMatch(tx.Service, c.Services) {
		return false
	}
	if len(c.Protocols) > 0 && !exactMatch(string(tx.Protocol), c.Protocols) {
		return false
	}
	if len(c.Currencies) > 0 && !exactMatch(tx.Currency, c.Currencies) {
		return false
	}
	if c.MinAmount != nil && tx.Amount < *c.MinAmount {
		return false
	}
	if c.MaxAmount != nil && tx.Amount > *c.MaxAmount {
		return false
	}
	for k, v := range c.Metadata {
		actual, ok := tx.Metadata[k]
		if !ok || actual != v {
			return false
		}
	}
	if c.Expression != "" {
		ok, err := evalExpression(c.Expression, tx)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func exactMatch(value string, candidates []string) bool {
	for _, c := range candidates {
		if value == c {
			return true
		}
	}
	return false
}

// budgetApplies reports whether a BudgetLimit's scope filters allow tx
// to count against it (currency/agent/service filters of spec §3).
func budgetApplies(b BudgetLimit, tx *txn.Transaction) bool {
	if b.Currency != "" && b.Currency != tx.Currency {
		return false
	}
	if len(b.AgentIDs) > 0 && !glob.MatchAny(tx.AgentID, b.AgentIDs) {
		return false
	}
	if len(b.ServiceIDs) > 0 && !exactMatch(tx.Service, b.ServiceIDs) {
		return false
	}
	return true
}
