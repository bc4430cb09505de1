package policy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/agentpay-io/control-plane/pkg/identifier"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// windowKindFromString maps the policy file's window string to the
// identifier.WindowKind enum; the schema already constrains the value
// to one of these, so an unrecognized string cannot reach here.
func windowKindFromString(s string) identifier.WindowKind {
	return identifier.WindowKind(s)
}

// policySchemaDoc is the JSON Schema a policy file must satisfy before
// it is decoded into a SpendPolicy (spec §6 "Policy file format").
// Kept inline rather than as a separate asset since the policy package
// has no other use for an embed.
const policySchemaDoc = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["id", "name", "rules"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"enabled": {"type": "boolean"},
		"cooldownMs": {"type": "integer", "minimum": 0},
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "action"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string"},
					"description": {"type": "string"},
					"enabled": {"type": "boolean"},
					"priority": {"type": "integer"},
					"action": {"enum": ["allow", "flag", "require_approval", "deny"]},
					"conditions": {"type": "object"}
				}
			}
		},
		"budgets": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["window", "maxAmount"],
				"properties": {
					"window": {"enum": ["per_transaction", "hourly", "daily", "weekly", "monthly"]},
					"maxAmount": {"type": "number", "exclusiveMinimum": 0},
					"currency": {"type": "string"},
					"agentIds": {"type": "array", "items": {"type": "string"}},
					"serviceIds": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

var policySchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("policy.schema.json", bytes.NewReader([]byte(policySchemaDoc))); err != nil {
		panic(fmt.Sprintf("policy: compiling embedded schema: %v", err))
	}
	schema, err := compiler.Compile("policy.schema.json")
	if err != nil {
		panic(fmt.Sprintf("policy: compiling embedded schema: %v", err))
	}
	return schema
}

// conditionDoc/ruleDoc/budgetDoc/policyDoc mirror the JSON policy file
// shape validated by policySchemaDoc above (spec §6); LoadPolicyFile
// translates them into the engine's internal SpendPolicy types.
type conditionDoc struct {
	Agents     []string          `json:"agents,omitempty"`
	Recipients []string          `json:"recipients,omitempty"`
	Services   []string          `json:"services,omitempty"`
	Protocols  []string          `json:"protocols,omitempty"`
	MinAmount  *float64          `json:"minAmount,omitempty"`
	MaxAmount  *float64          `json:"maxAmount,omitempty"`
	Currencies []string          `json:"currencies,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Expression string            `json:"expression,omitempty"`
}

type ruleDoc struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Enabled     *bool        `json:"enabled"`
	Priority    int          `json:"priority"`
	Conditions  conditionDoc `json:"conditions"`
	Action      Action       `json:"action"`
}

type budgetDoc struct {
	Window     string   `json:"window"`
	MaxAmount  float64  `json:"maxAmount"`
	Currency   string   `json:"currency"`
	AgentIDs   []string `json:"agentIds"`
	ServiceIDs []string `json:"serviceIds"`
}

type policyDoc struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Enabled    *bool       `json:"enabled"`
	CooldownMs int64       `json:"cooldownMs"`
	Rules      []ruleDoc   `json:"rules"`
	Budgets    []budgetDoc `json:"budgets"`
}

// LoadPolicyFile validates raw against the policy file schema and
// decodes it into a SpendPolicy ready for Engine.LoadPolicy. Rules and
// policies default to enabled when the field is absent.
func LoadPolicyFile(raw []byte) (SpendPolicy, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return SpendPolicy{}, fmt.Errorf("policy: invalid json: %w", err)
	}
	if err := policySchema.Validate(v); err != nil {
		return SpendPolicy{}, fmt.Errorf("policy: schema validation failed: %w", err)
	}

	var doc policyDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return SpendPolicy{}, fmt.Errorf("policy: decoding policy document: %w", err)
	}

	p := SpendPolicy{
		ID:         doc.ID,
		Name:       doc.Name,
		Enabled:    doc.Enabled == nil || *doc.Enabled,
		CooldownMs: doc.CooldownMs,
	}
	for _, rd := range doc.Rules {
		p.Rules = append(p.Rules, Rule{
			ID:          rd.ID,
			Name:        rd.Name,
			Description: rd.Description,
			Enabled:     rd.Enabled == nil || *rd.Enabled,
			Priority:    rd.Priority,
			Action:      rd.Action,
			Condition: Condition{
				Agents:     rd.Conditions.Agents,
				Recipients: rd.Conditions.Recipients,
				Services:   rd.Conditions.Services,
				Protocols:  rd.Conditions.Protocols,
				MinAmount:  rd.Conditions.MinAmount,
				MaxAmount:  rd.Conditions.MaxAmount,
				Currencies: rd.Conditions.Currencies,
				Metadata:   rd.Conditions.Metadata,
				Expression: rd.Conditions.Expression,
			},
		})
	}
	for _, bd := range doc.Budgets {
		p.Budgets = append(p.Budgets, BudgetLimit{
			Window:     windowKindFromString(bd.Window),
			MaxAmount:  bd.MaxAmount,
			Currency:   bd.Currency,
			AgentIDs:   bd.AgentIDs,
			ServiceIDs: bd.ServiceIDs,
		})
	}
	return p, nil
}
