// Package ledger implements the Spend Ledger: a mutex-guarded primary
// store of transactions plus the secondary indices and chronological
// scan needed to serve the query shapes of spec §4.3.
package ledger

import (
	"sort"
	"sync"

	"github.com/agentpay-io/control-plane/pkg/txn"
)

// Ledger stores and indexes the transaction stream for a single process.
type Ledger struct {
	mu sync.RWMutex

	byID        map[string]*txn.Transaction
	byAgent     map[string]map[string]struct{}
	byService   map[string]map[string]struct{}
	byRecipient map[string]map[string]struct{}
	order       []string // insertion order, oldest first
}

// New creates an empty Spend Ledger.
func New() *Ledger {
	return &Ledger{
		byID:        make(map[string]*txn.Transaction),
		byAgent:     make(map[string]map[string]struct{}),
		byService:   make(map[string]map[string]struct{}),
		byRecipient: make(map[string]map[string]struct{}),
	}
}

// Record inserts a new transaction or overwrites an existing one in
// place. Only a first-seen insert updates the secondary indices and
// the chronological list; updates replace the primary entry only, so
// an id never appears twice in the chronological scan.
func (l *Ledger) Record(tx *txn.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()

	clone := tx.Clone()
	if _, exists := l.byID[tx.ID]; !exists {
		l.order = append(l.order, tx.ID)
		addToIndex(l.byAgent, clone.AgentID, clone.ID)
		if clone.Service != "" {
			addToIndex(l.byService, clone.Service, clone.ID)
		}
		addToIndex(l.byRecipient, clone.Recipient, clone.ID)
	}
	l.byID[tx.ID] = clone
}

func addToIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

// Get returns the transaction with the given id, or nil if absent.
func (l *Ledger) Get(id string) *txn.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tx, ok := l.byID[id]
	if !ok {
		return nil
	}
	return tx.Clone()
}

// GetByAgent returns every transaction for agentID, newest first.
func (l *Ledger) GetByAgent(agentID string) []*txn.Transaction {
	return l.scanIndex(l.byAgent, agentID)
}

// GetByService returns every transaction tagged with service, newest first.
func (l *Ledger) GetByService(service string) []*txn.Transaction {
	return l.scanIndex(l.byService, service)
}

// GetByRecipient returns every transaction to recipient, newest first.
func (l *Ledger) GetByRecipient(recipient string) []*txn.Transaction {
	return l.scanIndex(l.byRecipient, recipient)
}

func (l *Ledger) scanIndex(idx map[string]map[string]struct{}, key string) []*txn.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set := idx[key]
	out := make([]*txn.Transaction, 0, len(set))
	for i := len(l.order) - 1; i >= 0; i-- {
		id := l.order[i]
		if _, ok := set[id]; ok {
			out = append(out, l.byID[id].Clone())
		}
	}
	return out
}

// Filter narrows a Query over the Spend Ledger. Every non-zero field is
// ANDed together.
type Filter struct {
	Agent     string
	Recipient string
	Service   string
	Protocol  txn.Protocol
	Status    txn.Status
	Currency  string
	MinAmount *float64
	MaxAmount *float64
	After     string // ISO-8601, exclusive-or-inclusive left to caller convention: >=
	Before    string // ISO-8601: <=
	Limit     int
}

// Query selects the most selective available index (agent, then
// service, then recipient, in that order) as the starting candidate
// set, applies every remaining predicate as an AND filter, and returns
// newest-first truncated to Limit (0 means unlimited).
func (l *Ledger) Query(f Filter) []*txn.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var candidateIDs map[string]struct{}
	switch {
	case f.Agent != "":
		candidateIDs = l.byAgent[f.Agent]
	case f.Service != "":
		candidateIDs = l.byService[f.Service]
	case f.Recipient != "":
		candidateIDs = l.byRecipient[f.Recipient]
	}

	out := make([]*txn.Transaction, 0)
	for i := len(l.order) - 1; i >= 0; i-- {
		id := l.order[i]
		if candidateIDs != nil {
			if _, ok := candidateIDs[id]; !ok {
				continue
			}
		}
		tx := l.byID[id]
		if !matches(tx, f) {
			continue
		}
		out = append(out, tx.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func matches(tx *txn.Transaction, f Filter) bool {
	if f.Agent != "" && tx.AgentID != f.Agent {
		return false
	}
	if f.Recipient != "" && tx.Recipient != f.Recipient {
		return false
	}
	if f.Service != "" && tx.Service != f.Service {
		return false
	}
	if f.Protocol != "" && tx.Protocol != f.Protocol {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.Currency != "" && tx.Currency != f.Currency {
		return false
	}
	if f.MinAmount != nil && tx.Amount < *f.MinAmount {
		return false
	}
	if f.MaxAmount != nil && tx.Amount > *f.MaxAmount {
		return false
	}
	if f.After != "" && tx.CreatedAt < f.After {
		return false
	}
	if f.Before != "" && tx.CreatedAt > f.Before {
		return false
	}
	return true
}

// Size returns the number of distinct transactions held.
func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// Agents returns every distinct agent id seen, sorted for determinism.
func (l *Ledger) Agents() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.byAgent)
}

// Recipients returns every distinct recipient seen, sorted for determinism.
func (l *Ledger) Recipients() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.byRecipient)
}

func sortedKeys(m map[string]map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
