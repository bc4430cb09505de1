// Package provenance implements the append-only per-transaction stage
// log of spec §4.5. Grounded in pkg/ledger.Ledger's append discipline
// (mutex-guarded slice, injectable clock) but without hash-chaining:
// the spec's Provenance Record carries no hash field, so none is added.
package provenance

import (
	"sync"
	"time"

	"github.com/agentpay-io/control-plane/pkg/identifier"
)

// Stage is the closed set of lifecycle stages a Record can carry.
type Stage string

const (
	StageIntent      Stage = "intent"
	StagePolicyCheck Stage = "policy_check"
	StageApproval    Stage = "approval"
	StageExecution   Stage = "execution"
	StageSettlement  Stage = "settlement"
	StageDispute     Stage = "dispute"
)

// Outcome is the closed set of outcomes a Record can carry.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomePending Outcome = "pending"
)

// Record is a single immutable provenance entry.
type Record struct {
	TransactionID string
	Stage         Stage
	Timestamp     string
	Action        string
	Outcome       Outcome
	Details       map[string]any
}

// Log is the append-only store of Records across every transaction.
type Log struct {
	mu      sync.RWMutex
	chains  map[string][]Record
	txOrder []string
	clock   func() time.Time
	total   int
}

// New creates an empty provenance log.
func New() *Log {
	return &Log{
		chains: make(map[string][]Record),
		clock:  time.Now,
	}
}

// WithClock overrides the clock used to stamp records, for deterministic tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

func (l *Log) append(txID string, stage Stage, action string, outcome Outcome, details map[string]any) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		TransactionID: txID,
		Stage:         stage,
		Timestamp:     identifier.Timestamp(l.clock()),
		Action:        action,
		Outcome:       outcome,
		Details:       details,
	}
	if _, ok := l.chains[txID]; !ok {
		l.txOrder = append(l.txOrder, txID)
	}
	l.chains[txID] = append(l.chains[txID], rec)
	l.total++
	return rec
}

// RecordIntent appends an "intent" stage record.
func (l *Log) RecordIntent(txID, action string, details map[string]any) Record {
	return l.append(txID, StageIntent, action, OutcomePending, details)
}

// RecordPolicyCheck appends a "policy_check" stage record.
func (l *Log) RecordPolicyCheck(txID string, outcome Outcome, details map[string]any) Record {
	return l.append(txID, StagePolicyCheck, "policy check", outcome, details)
}

// RecordApproval appends an "approval" stage record.
func (l *Log) RecordApproval(txID string, outcome Outcome, details map[string]any) Record {
	return l.append(txID, StageApproval, "approval", outcome, details)
}

// RecordExecution appends an "execution" stage record.
func (l *Log) RecordExecution(txID string, outcome Outcome, details map[string]any) Record {
	return l.append(txID, StageExecution, "execution", outcome, details)
}

// RecordSettlement appends a "settlement" stage record.
func (l *Log) RecordSettlement(txID string, outcome Outcome, details map[string]any) Record {
	return l.append(txID, StageSettlement, "settlement", outcome, details)
}

// RecordDispute appends a "dispute" stage record.
func (l *Log) RecordDispute(txID string, outcome Outcome, details map[string]any) Record {
	return l.append(txID, StageDispute, "dispute", outcome, details)
}

// GetChain returns the chronological record list for txID, read-only.
func (l *Log) GetChain(txID string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	chain := l.chains[txID]
	out := make([]Record, len(chain))
	copy(out, chain)
	return out
}

// IsComplete reports whether txID has an "intent" record and at least
// one of "settlement" or "dispute".
func (l *Log) IsComplete(txID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var hasIntent, hasTerminal bool
	for _, r := range l.chains[txID] {
		switch r.Stage {
		case StageIntent:
			hasIntent = true
		case StageSettlement, StageDispute:
			hasTerminal = true
		}
	}
	return hasIntent && hasTerminal
}

// GetLastStage returns the most recently appended stage for txID, or
// the empty string if no records exist.
func (l *Log) GetLastStage(txID string) Stage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	chain := l.chains[txID]
	if len(chain) == 0 {
		return ""
	}
	return chain[len(chain)-1].Stage
}

// TransactionIDs returns every transaction id that has at least one
// record, in first-appended order.
func (l *Log) TransactionIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.txOrder))
	copy(out, l.txOrder)
	return out
}

// TotalRecords returns the count of records across every transaction.
func (l *Log) TotalRecords() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}
