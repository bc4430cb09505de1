// Package telemetry wires the control plane's OpenTelemetry tracer and
// meter, defaulting to the no-op global providers so the core carries
// no network dependency; hosts that want export configure their own
// TracerProvider/MeterProvider and otel.SetTracerProvider/SetMeterProvider
// before constructing components.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/agentpay-io/control-plane"

// Telemetry bundles the tracer and the counters the core
// components record against, built once per process.
type Telemetry struct {
	Tracer trace.Tracer

	DecisionsTotal   metric.Int64Counter
	AlertsTotal      metric.Int64Counter
	BreakerTrips     metric.Int64Counter
	RecoveryAttempts metric.Int64Counter
}

// New builds a Telemetry bundle from the currently-registered global
// providers (otel.GetTracerProvider/GetMeterProvider).
func New() (*Telemetry, error) {
	tracer := otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)

	decisions, err := meter.Int64Counter("controlplane.policy.decisions",
		metric.WithDescription("policy decisions by action"))
	if err != nil {
		return nil, err
	}
	alerts, err := meter.Int64Counter("controlplane.alerts.fired",
		metric.WithDescription("alerts fired by type"))
	if err != nil {
		return nil, err
	}
	trips, err := meter.Int64Counter("controlplane.breaker.trips",
		metric.WithDescription("circuit breaker trips by key"))
	if err != nil {
		return nil, err
	}
	recov, err := meter.Int64Counter("controlplane.recovery.attempts",
		metric.WithDescription("recovery executor attempts by outcome"))
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Tracer:           tracer,
		DecisionsTotal:   decisions,
		AlertsTotal:      alerts,
		BreakerTrips:     trips,
		RecoveryAttempts: recov,
	}, nil
}

// StartSpan is a small convenience wrapper matching the teacher's
// per-component span-naming convention ("<component>.<operation>").
func (t *Telemetry) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.Tracer.Start(ctx, name)
}
