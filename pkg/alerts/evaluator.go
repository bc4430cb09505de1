package alerts

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentpay-io/control-plane/pkg/clog"
	"github.com/agentpay-io/control-plane/pkg/ledger"
	"github.com/agentpay-io/control-plane/pkg/telemetry"
	"github.com/agentpay-io/control-plane/pkg/txn"
)

// Evaluator runs every registered Rule against a transaction and
// dispatches fired alerts to every registered Handler (spec §4.4).
// Grounded on ledger.Analytics for the read-only-wrap-a-ledger shape.
type Evaluator struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	rules    []Rule
	handlers []Handler
	clock    func() time.Time
	log      clog.Logger
	tel      *telemetry.Telemetry
}

// New wraps l for alert evaluation; log may be nil (a no-op logger is used).
func New(l *ledger.Ledger, log clog.Logger) *Evaluator {
	if log == nil {
		log = clog.NoOp()
	}
	return &Evaluator{ledger: l, clock: time.Now, log: log}
}

// WithClock overrides the evaluator's time source, for deterministic tests.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
	return e
}

// WithTelemetry attaches a telemetry bundle so fired alerts are counted
// through the host's metric provider.
func (e *Evaluator) WithTelemetry(tel *telemetry.Telemetry) *Evaluator {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tel = tel
	return e
}

// AddRule registers r.
func (e *Evaluator) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// RemoveRule removes the rule with the given id, if present.
func (e *Evaluator) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID() == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return
		}
	}
}

// GetRules returns every registered rule, in registration order.
func (e *Evaluator) GetRules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// OnAlert registers a handler invoked for every alert fired by Evaluate.
func (e *Evaluator) OnAlert(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Evaluate runs every enabled rule against tx and dispatches the
// resulting alerts to every handler, isolating handler errors so one
// failing handler never blocks delivery to the others or to other
// alerts. Rule evaluation runs under the evaluator lock (rules like
// new-recipient keep per-scope state); handler dispatch runs outside
// it, since handlers may block.
func (e *Evaluator) Evaluate(tx *txn.Transaction) []Alert {
	e.mu.Lock()
	now := e.clock()
	var fired []Alert
	for _, r := range e.rules {
		if !r.Enabled() {
			continue
		}
		fired = append(fired, r.evaluate(e.ledger, tx, now)...)
	}
	handlers := make([]Handler, len(e.handlers))
	copy(handlers, e.handlers)
	tel := e.tel
	e.mu.Unlock()

	for _, a := range fired {
		if tel != nil {
			tel.AlertsTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("type", a.Type)))
		}
		for _, h := range handlers {
			e.dispatch(h, a)
		}
	}
	return fired
}

func (e *Evaluator) dispatch(h Handler, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("alert handler panicked", map[string]any{"recover": r, "alertType": a.Type})
		}
	}()
	if err := h(a); err != nil {
		e.log.Error("alert handler returned error", map[string]any{"error": err.Error(), "alertType": a.Type})
	}
}
