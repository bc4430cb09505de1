// Package alerts implements the Alert Evaluator: rule-driven alert
// generation over the transaction stream, dispatched to registered
// handlers whose failures never interrupt delivery to the rest.
package alerts

import (
	"time"

	"github.com/agentpay-io/control-plane/pkg/identifier"
	"github.com/agentpay-io/control-plane/pkg/ledger"
	"github.com/agentpay-io/control-plane/pkg/txn"
)

// Severity is the closed set of alert severities.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single fired notification.
type Alert struct {
	Type          string
	Severity      Severity
	Message       string
	Timestamp     string
	AgentID       string
	TransactionID string
	Data          map[string]any
}

// Handler receives fired alerts; errors are caught by the evaluator
// and must not prevent delivery to other handlers.
type Handler func(Alert) error

// Rule is the interface every alert rule type implements. evaluate
// returns zero or more alerts for tx, given the ledger state as of now.
type Rule interface {
	ID() string
	Name() string
	Severity() Severity
	Enabled() bool
	evaluate(l *ledger.Ledger, tx *txn.Transaction, now time.Time) []Alert
}

// ruleBase factors the shared enabled/id/name/severity bookkeeping
// every concrete rule embeds.
type ruleBase struct {
	id       string
	name     string
	severity Severity
	enabled  bool
}

func (b ruleBase) ID() string         { return b.id }
func (b ruleBase) Name() string       { return b.name }
func (b ruleBase) Severity() Severity { return b.severity }
func (b ruleBase) Enabled() bool      { return b.enabled }

func (b ruleBase) alert(typ, txID, agentID, message string, data map[string]any) Alert {
	if data == nil {
		data = make(map[string]any)
	}
	data["ruleId"] = b.id
	data["ruleName"] = b.name
	return Alert{
		Type:          typ,
		Severity:      b.severity,
		Message:       message,
		Timestamp:     identifier.Now(),
		AgentID:       agentID,
		TransactionID: txID,
		Data:          data,
	}
}
