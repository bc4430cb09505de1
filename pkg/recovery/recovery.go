// Package recovery implements the Recovery Engine of spec §4.7: a FIFO
// refund queue retried with linear backoff against an external
// executor, throttled on drain. Grounded on pkg/kernel/retry's
// linear-vs-exponential backoff shape (simplified here to the spec's
// flat retryDelayMs × attempt formula) and pkg/receipts/policies's
// Effect/Receipt status vocabulary.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/agentpay-io/control-plane/pkg/clog"
	"github.com/agentpay-io/control-plane/pkg/dispute"
	"github.com/agentpay-io/control-plane/pkg/identifier"
	"github.com/agentpay-io/control-plane/pkg/ledger"
	"github.com/agentpay-io/control-plane/pkg/telemetry"
	"github.com/agentpay-io/control-plane/pkg/txn"
)

// ActionType is the closed set of recovery action kinds.
type ActionType string

const (
	ActionFullRefund    ActionType = "full_refund"
	ActionPartialRefund ActionType = "partial_refund"
	ActionChargeback    ActionType = "chargeback"
	ActionCredit        ActionType = "credit"
)

// Status is the closed set of recovery action lifecycle states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Action is a single recovery (refund) attempt.
type Action struct {
	ID            string
	DisputeID     string
	TransactionID string
	AgentID       string
	Type          ActionType
	Amount        float64
	Currency      string
	Status        Status
	CreatedAt     string
	UpdatedAt     string
	CompletedAt   string
	RefundTxID    string
	Error         string
}

func (a *Action) clone() *Action {
	cp := *a
	return &cp
}

// ExecutorResult is the outcome the external RefundExecutor reports.
type ExecutorResult struct {
	Success    bool
	RefundTxID string
	Error      string
}

// Executor performs the external refund action; may block and may error.
type Executor func(ctx context.Context, a Action) (ExecutorResult, error)

// Config tunes retry behavior and queue-drain throttling.
type Config struct {
	MaxRetries    int
	RetryDelayMs  int64
	DrainRatePerS float64 // tokens/sec offered to the queue drain; 0 disables throttling
	DrainBurst    int
}

// Stats summarizes the current recovery action population.
type Stats struct {
	Total    int
	ByStatus map[Status]int
}

// Engine drains disputed-refund actions through an external executor.
type Engine struct {
	mu       sync.Mutex
	disputes *dispute.Manager
	txs      *ledger.Ledger
	executor Executor
	cfg      Config
	queue    []*Action
	byID     map[string]*Action
	order    []string
	limiter  *rate.Limiter
	clock    func() time.Time
	sleep    func(time.Duration)
	log      clog.Logger
	tel      *telemetry.Telemetry
}

// New constructs an Engine. ProcessQueue calls executor for every
// attempt, so it must not be nil.
func New(disputes *dispute.Manager, executor Executor, cfg Config, log clog.Logger) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayMs <= 0 {
		cfg.RetryDelayMs = 1000
	}
	if log == nil {
		log = clog.NoOp()
	}
	var limiter *rate.Limiter
	if cfg.DrainRatePerS > 0 {
		burst := cfg.DrainBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.DrainRatePerS), burst)
	}
	return &Engine{
		disputes: disputes,
		executor: executor,
		cfg:      cfg,
		byID:     make(map[string]*Action),
		limiter:  limiter,
		clock:    time.Now,
		sleep:    time.Sleep,
		log:      log,
	}
}

// WithClock overrides the engine's time source, for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
	return e
}

// WithSleep overrides the engine's backoff sleep function, for tests
// that want to assert retry counts without waiting in real time.
func (e *Engine) WithSleep(sleep func(time.Duration)) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sleep = sleep
	return e
}

// WithLedger attaches the Spend Ledger so initiated actions carry the
// disputed transaction's currency and completed refunds advance the
// transaction to refunded. The ledger owns transactions; the engine
// only looks them up by id.
func (e *Engine) WithLedger(l *ledger.Ledger) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.txs = l
	return e
}

// WithTelemetry attaches a telemetry bundle so queue drains are traced
// and executor attempts counted through the host's providers.
func (e *Engine) WithTelemetry(tel *telemetry.Telemetry) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tel = tel
	return e
}

// Initiate enqueues a new recovery action for a resolved dispute.
// Rejects unless the dispute is resolved_refunded or resolved_partial,
// and unless no non-terminal recovery already exists for it.
func (e *Engine) Initiate(disputeID string) (*Action, error) {
	d := e.disputes.Get(disputeID)
	if d == nil {
		return nil, fmt.Errorf("recovery: no such dispute %s", disputeID)
	}
	if d.Status != dispute.StatusResolvedRefunded && d.Status != dispute.StatusResolvedPartial {
		return nil, fmt.Errorf("recovery: dispute %s is not resolved for refund", disputeID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.byID {
		if a.DisputeID == disputeID && !a.Status.terminal() {
			return nil, fmt.Errorf("recovery: non-terminal recovery already exists for dispute %s", disputeID)
		}
	}

	amount := d.RequestedAmount
	if d.ResolvedAmount != nil {
		amount = *d.ResolvedAmount
	}
	actionType := ActionFullRefund
	if d.Status == dispute.StatusResolvedPartial {
		actionType = ActionPartialRefund
	}

	var currency string
	if e.txs != nil {
		if tx := e.txs.Get(d.TransactionID); tx != nil {
			currency = tx.Currency
		}
	}

	now := e.clock()
	ts := identifier.Timestamp(now)
	a := &Action{
		ID:            identifier.NewAt(identifier.PrefixRecovery, now),
		DisputeID:     disputeID,
		TransactionID: d.TransactionID,
		AgentID:       d.AgentID,
		Type:          actionType,
		Amount:        amount,
		Currency:      currency,
		Status:        StatusPending,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	e.byID[a.ID] = a
	e.order = append(e.order, a.ID)
	e.queue = append(e.queue, a)
	return a.clone(), nil
}

// ProcessQueue drains the FIFO queue, attempting each non-cancelled
// action up to MaxRetries times with linear backoff between attempts,
// throttled by the configured drain rate limiter.
func (e *Engine) ProcessQueue(ctx context.Context) ([]*Action, error) {
	e.mu.Lock()
	pending := e.queue
	e.queue = nil
	tel := e.tel
	e.mu.Unlock()

	if tel != nil {
		var span trace.Span
		ctx, span = tel.StartSpan(ctx, "recovery.processQueue")
		defer span.End()
	}

	out := make([]*Action, 0, len(pending))
	for _, a := range pending {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return out, err
			}
		}
		out = append(out, e.processOne(ctx, a))
	}
	return out, nil
}

func (e *Engine) processOne(ctx context.Context, a *Action) *Action {
	e.mu.Lock()
	if a.Status == StatusCancelled {
		e.mu.Unlock()
		return a.clone()
	}
	a.Status = StatusProcessing
	a.UpdatedAt = identifier.Timestamp(e.clock())
	e.mu.Unlock()

	var lastResult ExecutorResult
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		lastResult, lastErr = e.executor(ctx, *a)
		e.countAttempt(ctx, lastErr == nil && lastResult.Success)
		if lastErr == nil && lastResult.Success {
			break
		}
		if attempt < e.cfg.MaxRetries {
			e.sleep(time.Duration(e.cfg.RetryDelayMs*int64(attempt)) * time.Millisecond)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := identifier.Timestamp(e.clock())
	a.UpdatedAt = now
	if lastErr == nil && lastResult.Success {
		a.Status = StatusCompleted
		a.RefundTxID = lastResult.RefundTxID
		a.CompletedAt = now
		e.refundTxLocked(a.TransactionID)
	} else {
		a.Status = StatusFailed
		if lastErr != nil {
			a.Error = lastErr.Error()
		} else {
			a.Error = lastResult.Error
		}
	}
	return a.clone()
}

// refundTxLocked advances the disputed transaction to its terminal
// refunded status in the ledger once the refund has landed. Skips
// silently when no ledger is attached or the transaction is unknown.
func (e *Engine) refundTxLocked(txID string) {
	if e.txs == nil {
		return
	}
	tx := e.txs.Get(txID)
	if tx == nil {
		return
	}
	if err := tx.Transition(txn.StatusRefunded, e.clock); err != nil {
		e.log.Warn("recovery: transaction status not advanced", map[string]any{"transactionId": txID, "error": err.Error()})
		return
	}
	e.txs.Record(tx)
}

func (e *Engine) countAttempt(ctx context.Context, success bool) {
	e.mu.Lock()
	tel := e.tel
	e.mu.Unlock()
	if tel == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	tel.RecoveryAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Cancel marks a pending action cancelled. Only pending actions may be
// cancelled.
func (e *Engine) Cancel(id string) (*Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.byID[id]
	if !ok {
		return nil, fmt.Errorf("recovery: no such action %s", id)
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("recovery: cannot cancel action %s in status %s", id, a.Status)
	}
	a.Status = StatusCancelled
	a.UpdatedAt = identifier.Timestamp(e.clock())
	return a.clone(), nil
}

// Get returns the action with the given id, or nil if absent.
func (e *Engine) Get(id string) *Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.byID[id]
	if !ok {
		return nil
	}
	return a.clone()
}

// GetByDispute returns every recovery action for disputeID, newest first.
func (e *Engine) GetByDispute(disputeID string) []*Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Action, 0)
	for i := len(e.order) - 1; i >= 0; i-- {
		a := e.byID[e.order[i]]
		if a.DisputeID == disputeID {
			out = append(out, a.clone())
		}
	}
	return out
}

// GetAll returns every action, optionally filtered by status, newest first.
func (e *Engine) GetAll(status Status) []*Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Action, 0)
	for i := len(e.order) - 1; i >= 0; i-- {
		a := e.byID[e.order[i]]
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a.clone())
	}
	return out
}

// GetStats summarizes the current recovery action population by status.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{ByStatus: make(map[Status]int)}
	for _, a := range e.byID {
		s.Total++
		s.ByStatus[a.Status]++
	}
	return s
}
