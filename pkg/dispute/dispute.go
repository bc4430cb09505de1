// Package dispute implements the Dispute Manager of spec §4.6: dispute
// lifecycle tracking, evidence accumulation, and resolution, with a
// provenance hand-off grounded in escalation.Manager's own
// status-notify-listeners shape.
package dispute

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentpay-io/control-plane/pkg/clog"
	"github.com/agentpay-io/control-plane/pkg/identifier"
	"github.com/agentpay-io/control-plane/pkg/ledger"
	"github.com/agentpay-io/control-plane/pkg/provenance"
	"github.com/agentpay-io/control-plane/pkg/txn"
)

// Status is the closed set of dispute lifecycle states.
type Status string

const (
	StatusOpen             Status = "open"
	StatusInvestigating    Status = "investigating"
	StatusResolvedRefunded Status = "resolved_refunded"
	StatusResolvedDenied   Status = "resolved_denied"
	StatusResolvedPartial  Status = "resolved_partial"
	StatusEscalated        Status = "escalated"
)

func (s Status) closed() bool {
	switch s {
	case StatusResolvedRefunded, StatusResolvedDenied, StatusResolvedPartial:
		return true
	default:
		return false
	}
}

// Liability is the closed set of fault attributions for a resolved dispute.
type Liability string

const (
	LiabilityAgent           Liability = "agent"
	LiabilityServiceProvider Liability = "service_provider"
	LiabilityProtocol        Liability = "protocol"
	LiabilityUser            Liability = "user"
	LiabilityUndetermined    Liability = "undetermined"
)

// Evidence is a single item attached to a dispute's evidence list.
type Evidence struct {
	Type    string
	Data    map[string]any
	AddedAt string
}

// Case is a single dispute record.
type Case struct {
	ID              string
	TransactionID   string
	AgentID         string
	Reason          string
	Status          Status
	Liability       Liability
	RequestedAmount float64
	ResolvedAmount  *float64
	CreatedAt       string
	UpdatedAt       string
	ResolvedAt      string
	Evidence        []Evidence
}

// Clone returns a defensive copy safe to hand to callers.
func (c *Case) Clone() *Case {
	cp := *c
	cp.Evidence = make([]Evidence, len(c.Evidence))
	copy(cp.Evidence, c.Evidence)
	if c.ResolvedAmount != nil {
		v := *c.ResolvedAmount
		cp.ResolvedAmount = &v
	}
	return &cp
}

// FileInput is the caller-supplied data for File.
type FileInput struct {
	TransactionID   string
	AgentID         string
	Reason          string
	RequestedAmount float64
	Evidence        []Evidence
}

// ResolveInput is the caller-supplied data for Resolve.
type ResolveInput struct {
	Status         Status
	Liability      Liability
	ResolvedAmount *float64
}

// Listener is notified of every status change, including File (prior
// status is the empty string) and Resolve.
type Listener func(c *Case, previousStatus Status)

// Stats summarizes the current dispute population.
type Stats struct {
	Total       int
	ByStatus    map[Status]int
	ByLiability map[Liability]int
}

// Manager tracks dispute cases. Grounded on HELM's escalation.Manager:
// mutex-guarded map, optional provenance hand-off, listener dispatch
// with error isolation.
type Manager struct {
	mu        sync.Mutex
	cases     map[string]*Case
	order     []string
	provLog   *provenance.Log
	txs       *ledger.Ledger
	listeners []Listener
	clock     func() time.Time
	log       clog.Logger
}

// New constructs a Manager. provLog may be nil to disable provenance
// hand-off (tests or standalone use).
func New(provLog *provenance.Log, log clog.Logger) *Manager {
	if log == nil {
		log = clog.NoOp()
	}
	return &Manager{
		cases:   make(map[string]*Case),
		provLog: provLog,
		clock:   time.Now,
		log:     log,
	}
}

// WithClock overrides the manager's time source, for deterministic tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	return m
}

// WithLedger attaches the Spend Ledger so filing and resolving a
// dispute drives the underlying transaction's status forward
// (completed/failed -> disputed on File, disputed -> completed on a
// denied resolution). The ledger owns transactions; the manager only
// looks them up by id.
func (m *Manager) WithLedger(l *ledger.Ledger) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = l
	return m
}

// transitionTxLocked moves the ledger transaction for txID to next,
// skipping silently when no ledger is attached, the transaction is
// unknown, or the move is illegal for its current status.
func (m *Manager) transitionTxLocked(txID string, next txn.Status) {
	if m.txs == nil {
		return
	}
	tx := m.txs.Get(txID)
	if tx == nil {
		return
	}
	if err := tx.Transition(next, m.clock); err != nil {
		m.log.Warn("dispute: transaction status not advanced", map[string]any{"transactionId": txID, "error": err.Error()})
		return
	}
	m.txs.Record(tx)
}

// OnStatusChange registers a listener invoked after File (previous
// status empty) and after every status mutation.
func (m *Manager) OnStatusChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// File opens a new dispute for a transaction. Rejects if a non-closed
// dispute already exists for the same transaction id. When a
// provenance log is configured, the current chain is folded into a
// "transaction_log" evidence entry before any caller-supplied evidence.
func (m *Manager) File(in FileInput) (*Case, error) {
	m.mu.Lock()

	for _, c := range m.cases {
		if c.TransactionID == in.TransactionID && !c.Status.closed() {
			m.mu.Unlock()
			return nil, fmt.Errorf("dispute: active dispute already exists for transaction %s", in.TransactionID)
		}
	}

	now := m.clock()
	ts := identifier.Timestamp(now)
	c := &Case{
		ID:              identifier.NewAt(identifier.PrefixDispute, now),
		TransactionID:   in.TransactionID,
		AgentID:         in.AgentID,
		Reason:          in.Reason,
		Status:          StatusOpen,
		Liability:       LiabilityUndetermined,
		RequestedAmount: in.RequestedAmount,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}

	if m.provLog != nil {
		chain := m.provLog.GetChain(in.TransactionID)
		c.Evidence = append(c.Evidence, Evidence{
			Type:    "transaction_log",
			Data:    map[string]any{"chain": chain},
			AddedAt: ts,
		})
	}
	c.Evidence = append(c.Evidence, in.Evidence...)

	m.cases[c.ID] = c
	m.order = append(m.order, c.ID)
	m.transitionTxLocked(in.TransactionID, txn.StatusDisputed)
	out := c.Clone()
	m.mu.Unlock()

	if m.provLog != nil {
		m.provLog.RecordDispute(in.TransactionID, provenance.OutcomePending, map[string]any{"disputeId": c.ID})
	}

	m.notify(out, "")
	return out, nil
}

// AddEvidence appends ev to the dispute's evidence list. Fails if the
// dispute does not exist or is closed.
func (m *Manager) AddEvidence(id string, ev Evidence) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, fmt.Errorf("dispute: no such dispute %s", id)
	}
	if c.Status.closed() {
		return nil, fmt.Errorf("dispute: cannot add evidence to closed dispute %s", id)
	}
	if ev.AddedAt == "" {
		ev.AddedAt = identifier.Timestamp(m.clock())
	}
	c.Evidence = append(c.Evidence, ev)
	c.UpdatedAt = identifier.Timestamp(m.clock())
	return c.Clone(), nil
}

// UpdateStatus moves the dispute to next, notifying listeners with the
// prior status. Always succeeds on an existing dispute, even onto a
// closed status (closure is enforced for subsequent mutation, not for
// the transition itself); moving onto a closed status stamps
// ResolvedAt just as Resolve does, so resolvedAt is set iff the
// dispute is closed regardless of which path closed it.
func (m *Manager) UpdateStatus(id string, next Status) (*Case, error) {
	m.mu.Lock()
	c, ok := m.cases[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("dispute: no such dispute %s", id)
	}
	prev := c.Status
	now := identifier.Timestamp(m.clock())
	c.Status = next
	c.UpdatedAt = now
	if next.closed() {
		c.ResolvedAt = now
	}
	out := c.Clone()
	m.mu.Unlock()

	m.notify(out, prev)
	return out, nil
}

// Resolve sets status/liability/resolvedAmount and stamps resolvedAt,
// then notifies listeners.
func (m *Manager) Resolve(id string, in ResolveInput) (*Case, error) {
	m.mu.Lock()
	c, ok := m.cases[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("dispute: no such dispute %s", id)
	}
	prev := c.Status
	now := identifier.Timestamp(m.clock())
	c.Status = in.Status
	c.Liability = in.Liability
	c.ResolvedAmount = in.ResolvedAmount
	c.UpdatedAt = now
	if in.Status.closed() {
		c.ResolvedAt = now
	}
	// A denied resolution settles the transaction as-is; refund
	// resolutions leave it disputed until the Recovery Engine lands
	// the refund and advances it to refunded.
	if in.Status == StatusResolvedDenied {
		m.transitionTxLocked(c.TransactionID, txn.StatusCompleted)
	}
	out := c.Clone()
	m.mu.Unlock()

	m.notify(out, prev)
	return out, nil
}

// Get returns the dispute with the given id, or nil if absent.
func (m *Manager) Get(id string) *Case {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return nil
	}
	return c.Clone()
}

// GetByTransaction returns every dispute filed for txID, newest first.
func (m *Manager) GetByTransaction(txID string) []*Case {
	return m.Query(Filter{TransactionID: txID})
}

// GetByAgent returns every dispute for agentID, newest first.
func (m *Manager) GetByAgent(agentID string) []*Case {
	return m.Query(Filter{AgentID: agentID})
}

// Filter narrows Query; every non-zero field is ANDed together.
type Filter struct {
	Status        Status
	AgentID       string
	TransactionID string
	Liability     Liability
	Limit         int
}

// Query returns disputes matching f, newest first, truncated to Limit.
func (m *Manager) Query(f Filter) []*Case {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Case, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		c := m.cases[m.order[i]]
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.AgentID != "" && c.AgentID != f.AgentID {
			continue
		}
		if f.TransactionID != "" && c.TransactionID != f.TransactionID {
			continue
		}
		if f.Liability != "" && c.Liability != f.Liability {
			continue
		}
		out = append(out, c.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// GetStats summarizes the current dispute population by status and liability.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{ByStatus: make(map[Status]int), ByLiability: make(map[Liability]int)}
	for _, c := range m.cases {
		s.Total++
		s.ByStatus[c.Status]++
		s.ByLiability[c.Liability]++
	}
	return s
}

func (m *Manager) notify(c *Case, prev Status) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		m.safeNotify(l, c, prev)
	}
}

func (m *Manager) safeNotify(l Listener, c *Case, prev Status) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("dispute listener panicked", map[string]any{"recover": r, "disputeId": c.ID})
		}
	}()
	l(c, prev)
}
