// Package policy implements the Policy Engine of spec §4.2: declarative
// rule and budget evaluation against a Transaction, deterministic given
// the same bucket state and clock reading.
package policy

import "github.com/agentpay-io/control-plane/pkg/identifier"

// Action is the closed set of outcomes a matching Rule can produce.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionFlag            Action = "flag"
	ActionRequireApproval Action = "require_approval"
	ActionDeny            Action = "deny"
)

// severityRank implements the restrictiveness ordering of spec §4.2 and
// §9: deny(0) < require_approval(1) < flag(2) < allow(3) — lowest rank
// wins when combining decisions across policies.
var severityRank = map[Action]int{
	ActionDeny:            0,
	ActionRequireApproval: 1,
	ActionFlag:            2,
	ActionAllow:           3,
}

// Condition is the AND of every present field (spec §3 "Condition").
type Condition struct {
	Agents     []string
	Recipients []string
	Services   []string
	Protocols  []string
	MinAmount  *float64
	MaxAmount  *float64
	Currencies []string
	Metadata   map[string]string

	// Expression is an optional CEL boolean expression evaluated against
	// the transaction (see eval_cel.go), ANDed with the fields above.
	// Additive beyond spec §3: a rule with no Expression behaves exactly
	// as specified.
	Expression string
}

// Rule is a single entry in a SpendPolicy's ordered rule list.
type Rule struct {
	ID          string
	Name        string
	Description string
	Enabled     bool
	Priority    int
	Condition   Condition
	Action      Action
}

// BudgetLimit caps cumulative spend within a window (spec §3 "Budget limit").
type BudgetLimit struct {
	Window     identifier.WindowKind
	MaxAmount  float64
	Currency   string   // optional filter
	AgentIDs   []string // optional scope
	ServiceIDs []string // optional scope
}

// SpendPolicy is the top-level declarative policy document of spec §3.
type SpendPolicy struct {
	ID         string
	Name       string
	Enabled    bool
	Rules      []Rule
	Budgets    []BudgetLimit
	CooldownMs int64 // 0 disables the cooldown check
}

// Decision is the outcome of evaluating a transaction against one or
// more policies.
type Decision struct {
	Allowed   bool
	Action    Action
	Reason    string
	PolicyID  string
	RuleID    string
	DetailsMs int64 // cooldown remaining-ms, when applicable
	Hash      string
}
