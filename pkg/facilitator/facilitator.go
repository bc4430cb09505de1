// Package facilitator implements the policy-gated x402-style protocol
// wrapper of spec §4.10: verify/settle/supported forwarded through the
// Policy Engine and a per-operation Circuit Breaker, with provenance,
// ledger, and alert hooks on the settlement path.
package facilitator

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/agentpay-io/control-plane/pkg/alerts"
	"github.com/agentpay-io/control-plane/pkg/breaker"
	"github.com/agentpay-io/control-plane/pkg/clog"
	"github.com/agentpay-io/control-plane/pkg/ledger"
	"github.com/agentpay-io/control-plane/pkg/policy"
	"github.com/agentpay-io/control-plane/pkg/provenance"
	"github.com/agentpay-io/control-plane/pkg/telemetry"
	"github.com/agentpay-io/control-plane/pkg/txn"
)

// Payload is the opaque x402-style payment payload the core consumes
// only for its payer/amount-deriving fields (spec §6).
type Payload struct {
	X402Version int
	Scheme      string
	Network     string
	Payload     any
	Resource    string
	Payer       string
}

// Requirements is the x402-style payment requirements document.
type Requirements struct {
	Scheme            string
	Network           string
	MaxAmountRequired string // stringified integer base units
	Resource          string
	PayTo             string
	Description       string
}

// VerifyReply mirrors the FacilitatorClient.verify reply shape.
type VerifyReply struct {
	IsValid       bool
	Payer         string
	InvalidReason string
}

// SettleReply mirrors the FacilitatorClient.settle reply shape.
type SettleReply struct {
	Success bool
	TxHash  string
	Network string
	Error   string
}

// SupportedReply mirrors the FacilitatorClient.supported reply shape.
type SupportedReply struct {
	Schemes  []string
	Networks []string
}

// Client is the external collaborator the Adapter wraps.
type Client interface {
	Verify(ctx context.Context, payload Payload, req Requirements) (VerifyReply, error)
	Settle(ctx context.Context, payload Payload, req Requirements) (SettleReply, error)
	Supported(ctx context.Context) (SupportedReply, error)
}

// currencyDecimals is the default base-units divisor table of spec §6.
// A non-nil Config.CurrencyDecimals replaces this table as a whole;
// currencies missing from the table in use get 6 decimals.
var currencyDecimals = map[string]int{
	"USDC": 6,
	"ETH":  18,
}

// Config tunes the Adapter's transaction-derivation defaults.
type Config struct {
	FacilitatorKey   string
	DefaultCurrency  string
	DefaultAgent     string // fallback agent id when payload carries none
	CurrencyDecimals map[string]int
}

// Adapter wraps a Client with policy gating, breaker protection, and
// ledger/provenance/alert observation. Grounded on the reliability-wrap
// shape of xela07ax's engine/reliability.go and the x402 payload
// vocabulary of the pack's peac/coinbase reference files.
type Adapter struct {
	client  Client
	cfg     Config
	engine  *policy.Engine
	brk     *breaker.Breaker
	ledger  *ledger.Ledger
	prov    *provenance.Log
	alertEv *alerts.Evaluator
	log     clog.Logger
	tel     *telemetry.Telemetry

	mu      sync.Mutex
	byTxKey map[string]*txn.Transaction // de-duplication per spec §6 transactionKey
}

// New constructs an Adapter. alertEv may be nil to skip alert dispatch.
func New(client Client, cfg Config, engine *policy.Engine, brk *breaker.Breaker, l *ledger.Ledger, prov *provenance.Log, alertEv *alerts.Evaluator, log clog.Logger) *Adapter {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USDC"
	}
	if cfg.CurrencyDecimals == nil {
		cfg.CurrencyDecimals = currencyDecimals
	}
	if log == nil {
		log = clog.NoOp()
	}
	return &Adapter{client: client, cfg: cfg, engine: engine, brk: brk, ledger: l, prov: prov, alertEv: alertEv, log: log, byTxKey: make(map[string]*txn.Transaction)}
}

// WithTelemetry attaches a telemetry bundle so verify/settle calls open
// spans through the host's tracer provider.
func (a *Adapter) WithTelemetry(tel *telemetry.Telemetry) *Adapter {
	a.tel = tel
	return a
}

func (a *Adapter) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if a.tel == nil {
		return ctx, func() {}
	}
	var span trace.Span
	ctx, span = a.tel.StartSpan(ctx, name)
	return ctx, func() { span.End() }
}

// decimalsFor returns the configured decimals for currency, defaulting
// to 6 (matching spec §4.10's USDC-shaped default) when unconfigured.
func (a *Adapter) decimalsFor(currency string) int {
	if d, ok := a.cfg.CurrencyDecimals[currency]; ok {
		return d
	}
	return 6
}

// deriveTransaction builds (or, for a transactionKey already seen by
// this adapter, reuses) the internal Transaction for a payload and
// requirements pair, per spec §4.10 step 1. Reuse lets verify and
// settle calls for the same logical payment share one provenance
// chain, keyed as spec §6 specifies.
func (a *Adapter) deriveTransaction(payload Payload, req Requirements) (*txn.Transaction, error) {
	key := transactionKey(payload, req)

	a.mu.Lock()
	defer a.mu.Unlock()
	if tx, ok := a.byTxKey[key]; ok {
		return tx, nil
	}

	agent := payload.Payer
	if agent == "" {
		agent = a.cfg.DefaultAgent
	}
	units, err := strconv.ParseFloat(req.MaxAmountRequired, 64)
	if err != nil {
		return nil, fmt.Errorf("facilitator: parsing maxAmountRequired %q: %w", req.MaxAmountRequired, err)
	}
	currency := a.cfg.DefaultCurrency
	decimals := a.decimalsFor(currency)
	amount := units / pow10(decimals)

	tx, err := txn.New(agent, req.PayTo, amount, currency, req.Description, txn.ProtocolX402, map[string]string{
		"x402Resource": req.Resource,
		"x402Scheme":   req.Scheme,
		"x402Network":  req.Network,
	}, nil)
	if err != nil {
		return nil, err
	}
	if a.prov != nil {
		a.prov.RecordIntent(tx.ID, "x402 payment intent", map[string]any{"key": key})
	}
	a.byTxKey[key] = tx
	return tx, nil
}

func pow10(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

// transactionKey builds the de-duplication key of spec §6.
func transactionKey(payload Payload, req Requirements) string {
	return fmt.Sprintf("x402:%s:%s:%s", payload.Payer, req.PayTo, req.MaxAmountRequired)
}

func (a *Adapter) breakerKey(op string) string {
	return a.cfg.FacilitatorKey + ":" + op
}

// Verify derives a Transaction, policy-gates it, and forwards to the
// wrapped client's Verify through the "<facilitatorKey>:verify" breaker.
func (a *Adapter) Verify(ctx context.Context, payload Payload, req Requirements) (VerifyReply, error) {
	ctx, end := a.startSpan(ctx, "facilitator.verify")
	defer end()

	tx, err := a.deriveTransaction(payload, req)
	if err != nil {
		return VerifyReply{}, err
	}

	decision, err := a.engine.Evaluate(tx)
	if err != nil {
		return VerifyReply{}, err
	}
	outcome := provenance.OutcomeFail
	if decision.Allowed {
		outcome = provenance.OutcomePass
	}
	if a.prov != nil {
		a.prov.RecordPolicyCheck(tx.ID, outcome, map[string]any{"action": decision.Action, "reason": decision.Reason})
	}

	if !decision.Allowed {
		return VerifyReply{IsValid: false, InvalidReason: fmt.Sprintf("%s: %s", a.cfg.FacilitatorKey, decision.Reason)}, nil
	}

	return breaker.Execute(ctx, a.brk, a.breakerKey("verify"), func(ctx context.Context) (VerifyReply, error) {
		return a.client.Verify(ctx, payload, req)
	})
}

// Settle derives a Transaction, forwards to the wrapped client's Settle
// through the "<facilitatorKey>:settle" breaker, and records the
// outcome into the Spend Ledger, Provenance Log, and Alert Evaluator.
func (a *Adapter) Settle(ctx context.Context, payload Payload, req Requirements) (SettleReply, error) {
	ctx, end := a.startSpan(ctx, "facilitator.settle")
	defer end()

	tx, err := a.deriveTransaction(payload, req)
	if err != nil {
		return SettleReply{}, err
	}
	if a.prov != nil {
		a.prov.RecordExecution(tx.ID, provenance.OutcomePending, map[string]any{"key": transactionKey(payload, req)})
	}

	reply, callErr := breaker.Execute(ctx, a.brk, a.breakerKey("settle"), func(ctx context.Context) (SettleReply, error) {
		return a.client.Settle(ctx, payload, req)
	})

	if callErr != nil {
		if _, isOpen := callErr.(*breaker.OpenError); isOpen {
			return SettleReply{}, callErr
		}
		a.log.Error("facilitator settle failed", map[string]any{"transactionId": tx.ID, "error": callErr.Error()})
		a.recordSettlementOutcome(tx, false, "", callErr.Error())
		return SettleReply{}, callErr
	}

	a.recordSettlementOutcome(tx, reply.Success, reply.TxHash, reply.Error)
	return reply, nil
}

func (a *Adapter) recordSettlementOutcome(tx *txn.Transaction, success bool, txHash, errMsg string) {
	next := txn.StatusFailed
	outcome := provenance.OutcomeFail
	if success {
		next = txn.StatusCompleted
		outcome = provenance.OutcomePass
	}
	for _, step := range []txn.Status{txn.StatusApproved, txn.StatusExecuting, next} {
		if tx.Status.CanTransitionTo(step) {
			_ = tx.Transition(step, nil)
		}
	}
	if txHash != "" {
		tx.ProtocolTxID = txHash
	}

	if a.ledger != nil {
		a.ledger.Record(tx)
	}
	if a.prov != nil {
		details := map[string]any{}
		if errMsg != "" {
			details["error"] = errMsg
		}
		if txHash != "" {
			details["txHash"] = txHash
		}
		a.prov.RecordSettlement(tx.ID, outcome, details)
	}
	if a.alertEv != nil {
		a.alertEv.Evaluate(tx)
	}
	if success && a.engine != nil {
		a.engine.RecordTransaction(tx)
	}
}

// Supported is a direct passthrough to the wrapped client.
func (a *Adapter) Supported(ctx context.Context) (SupportedReply, error) {
	return a.client.Supported(ctx)
}
