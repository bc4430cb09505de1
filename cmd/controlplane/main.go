// Command controlplane wires the Agent Payment Control Plane's
// components into a single process and runs a short demonstration
// cycle: load policies, evaluate and settle a sample transaction, and
// print the verify and settle replies and the ledger size. It is a
// composition root, not a production server — HTTP transport is an
// external collaborator per spec §1.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/agentpay-io/control-plane/pkg/alerts"
	"github.com/agentpay-io/control-plane/pkg/breaker"
	"github.com/agentpay-io/control-plane/pkg/clog"
	"github.com/agentpay-io/control-plane/pkg/config"
	"github.com/agentpay-io/control-plane/pkg/dispute"
	"github.com/agentpay-io/control-plane/pkg/facilitator"
	"github.com/agentpay-io/control-plane/pkg/ledger"
	"github.com/agentpay-io/control-plane/pkg/policy"
	"github.com/agentpay-io/control-plane/pkg/provenance"
	"github.com/agentpay-io/control-plane/pkg/recovery"
	"github.com/agentpay-io/control-plane/pkg/telemetry"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint, mirroring the teacher's
// Run(args, stdout, stderr) int dispatch shape.
func Run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("controlplane", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file (optional)")
	policyPath := fs.String("policy", "", "path to a policy JSON file (optional)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}

	log := clog.New()
	app := build(cfg, log)

	if *policyPath != "" {
		raw, err := os.ReadFile(*policyPath)
		if err != nil {
			fmt.Fprintln(stderr, "policy file:", err)
			return 1
		}
		p, err := policy.LoadPolicyFile(raw)
		if err != nil {
			fmt.Fprintln(stderr, "policy file:", err)
			return 1
		}
		if err := app.engine.LoadPolicy(p); err != nil {
			fmt.Fprintln(stderr, "load policy:", err)
			return 1
		}
	}

	if err := app.demo(context.Background(), stdout); err != nil {
		fmt.Fprintln(stderr, "demo:", err)
		return 1
	}
	return 0
}

// components bundles the wired core for the demo cycle.
type components struct {
	cfg      config.Config
	log      clog.Logger
	ledger   *ledger.Ledger
	prov     *provenance.Log
	engine   *policy.Engine
	alertEv  *alerts.Evaluator
	disputes *dispute.Manager
	recover  *recovery.Engine
	brk      *breaker.Breaker
	adapter  *facilitator.Adapter
}

func build(cfg config.Config, log clog.Logger) *components {
	tel, err := telemetry.New()
	if err != nil {
		log.Warn("telemetry unavailable, continuing without", map[string]any{"error": err.Error()})
		tel = nil
	}

	l := ledger.New()
	prov := provenance.New()
	engine := policy.New().WithTelemetry(tel)
	alertEv := alerts.New(l, log).WithTelemetry(tel)
	alertEv.AddRule(alerts.NewLargeTransactionRule("large-default", "large transaction", alerts.SeverityWarning, cfg.Facilitator.DefaultCurrency, 500))
	alertEv.AddRule(alerts.NewNewRecipientRule("new-recipient-default", "new recipient", alerts.SeverityInfo, ""))

	disputes := dispute.New(prov, log).WithLedger(l)
	recov := recovery.New(disputes, demoExecutor, recovery.Config{
		MaxRetries:    cfg.Recovery.MaxRetries,
		RetryDelayMs:  cfg.Recovery.RetryDelayMs,
		DrainRatePerS: cfg.Recovery.DrainRatePerS,
		DrainBurst:    cfg.Recovery.DrainBurst,
	}, log).WithLedger(l).WithTelemetry(tel)

	brk := breaker.New(breaker.Config{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		RecoveryTimeoutMs:   cfg.Breaker.RecoveryTimeoutMs,
		HalfOpenMaxRequests: cfg.Breaker.HalfOpenMaxRequests,
	}).WithTelemetry(tel)

	adapter := facilitator.New(demoClient{}, facilitator.Config{
		FacilitatorKey:   cfg.Facilitator.Key,
		DefaultCurrency:  cfg.Facilitator.DefaultCurrency,
		DefaultAgent:     "agent-demo",
		CurrencyDecimals: cfg.Facilitator.CurrencyDecimals,
	}, engine, brk, l, prov, alertEv, log).WithTelemetry(tel)

	return &components{cfg: cfg, log: log, ledger: l, prov: prov, engine: engine, alertEv: alertEv, disputes: disputes, recover: recov, brk: brk, adapter: adapter}
}

// demo runs one verify+settle cycle against the in-process demoClient
// through the adapter (policy engine, breaker, ledger, provenance and
// alerts) and prints the replies and the ledger size. The dispute
// manager and recovery engine are wired but not exercised.
func (c *components) demo(ctx context.Context, out io.Writer) error {
	payload := facilitator.Payload{Payer: "agent-demo"}
	req := facilitator.Requirements{MaxAmountRequired: "10000000", PayTo: "merchant-1", Description: "demo purchase"}

	verifyReply, err := c.adapter.Verify(ctx, payload, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "verify: valid=%v reason=%q\n", verifyReply.IsValid, verifyReply.InvalidReason)
	if !verifyReply.IsValid {
		return nil
	}

	settleReply, err := c.adapter.Settle(ctx, payload, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "settle: success=%v txHash=%s\n", settleReply.Success, settleReply.TxHash)
	fmt.Fprintf(out, "ledger size: %d\n", c.ledger.Size())
	return nil
}

func demoExecutor(ctx context.Context, a recovery.Action) (recovery.ExecutorResult, error) {
	return recovery.ExecutorResult{Success: true, RefundTxID: "demo-refund-" + a.ID}, nil
}

// demoClient is an in-memory stand-in for an external FacilitatorClient,
// used only so `go run` has something to settle against.
type demoClient struct{}

func (demoClient) Verify(ctx context.Context, p facilitator.Payload, r facilitator.Requirements) (facilitator.VerifyReply, error) {
	return facilitator.VerifyReply{IsValid: true, Payer: p.Payer}, nil
}

func (demoClient) Settle(ctx context.Context, p facilitator.Payload, r facilitator.Requirements) (facilitator.SettleReply, error) {
	return facilitator.SettleReply{Success: true, TxHash: "0xdemo", Network: "base"}, nil
}

func (demoClient) Supported(ctx context.Context) (facilitator.SupportedReply, error) {
	return facilitator.SupportedReply{Schemes: []string{"exact"}, Networks: []string{"base"}}, nil
}
