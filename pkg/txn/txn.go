// Package txn defines the canonical Transaction value and the lifecycle
// graph that governs its status transitions.
package txn

import (
	"fmt"
	"time"

	"github.com/agentpay-io/control-plane/pkg/identifier"
)

// Protocol is the closed set of payment-protocol tags a Transaction can carry.
type Protocol string

const (
	ProtocolX402          Protocol = "x402-style"
	ProtocolAgentCommerce Protocol = "agent-commerce"
	ProtocolAgentMandate  Protocol = "agent-mandate"
	ProtocolCard          Protocol = "card"
	ProtocolCustom        Protocol = "custom"
)

// Status is the closed set of lifecycle states of spec §3/§4.1.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDisputed  Status = "disputed"
	StatusRefunded  Status = "refunded"
)

// edges encodes the lifecycle graph of spec §4.1.
var edges = map[Status]map[Status]bool{
	StatusPending:   {StatusApproved: true, StatusRejected: true},
	StatusApproved:  {StatusExecuting: true},
	StatusExecuting: {StatusCompleted: true, StatusFailed: true},
	StatusCompleted: {StatusDisputed: true, StatusRefunded: true},
	StatusFailed:    {StatusDisputed: true},
	StatusDisputed:  {StatusCompleted: true, StatusRefunded: true},
}

// CanTransitionTo reports whether moving from s to next is legal under
// the lifecycle graph. rejected and refunded have no outgoing edges;
// completed keeps its edges to disputed and refunded whether or not it
// was reached through a dispute resolution.
func (s Status) CanTransitionTo(next Status) bool {
	return edges[s][next]
}

// Transaction is the canonical in-memory record shared by every
// component in the control plane (spec §3).
type Transaction struct {
	ID           string
	AgentID      string
	Recipient    string
	Amount       float64
	Currency     string
	Purpose      string
	Protocol     Protocol
	Status       Status
	Service      string // optional
	CreatedAt    string // ISO-8601 UTC, millisecond precision
	UpdatedAt    string
	ProtocolTxID string // optional, set once settled
	Metadata     map[string]string
}

// New constructs a Transaction in the pending state, stamping
// CreatedAt/UpdatedAt from clock and generating a fresh id.
// Metadata is copied defensively so later caller mutation cannot
// violate the "metadata is immutable after construction" invariant.
func New(agentID, recipient string, amount float64, currency, purpose string, protocol Protocol, metadata map[string]string, clock func() time.Time) (*Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("txn: amount must be strictly positive, got %v", amount)
	}
	if clock == nil {
		clock = time.Now
	}
	now := identifier.Timestamp(clock())
	frozen := make(map[string]string, len(metadata))
	for k, v := range metadata {
		frozen[k] = v
	}
	return &Transaction{
		ID:        identifier.New(identifier.PrefixTransaction),
		AgentID:   agentID,
		Recipient: recipient,
		Amount:    amount,
		Currency:  currency,
		Purpose:   purpose,
		Protocol:  protocol,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  frozen,
	}, nil
}

// Transition moves the transaction to next, stamping UpdatedAt, or
// returns an error if the move is illegal under the lifecycle graph.
func (t *Transaction) Transition(next Status, clock func() time.Time) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("txn: illegal transition %s -> %s for %s", t.Status, next, t.ID)
	}
	if clock == nil {
		clock = time.Now
	}
	t.Status = next
	t.UpdatedAt = identifier.Timestamp(clock())
	return nil
}

// Clone returns a shallow copy safe to hand to callers outside the
// owning store without risking later in-place mutation of shared state.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
