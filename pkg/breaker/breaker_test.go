package breaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentpay-io/control-plane/pkg/breaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosedOnSuccess(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 2})
	_, err := breaker.Execute(context.Background(), b, "svc", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, b.GetState("svc"))
}

func TestTripsAfterThreshold(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 2, RecoveryTimeoutMs: 1000})
	fail := func(context.Context) (string, error) { return "", errors.New("boom") }

	_, err := breaker.Execute(context.Background(), b, "svc", fail)
	require.Error(t, err)
	assert.Equal(t, breaker.StateClosed, b.GetState("svc"))

	_, err = breaker.Execute(context.Background(), b, "svc", fail)
	require.Error(t, err)
	assert.Equal(t, breaker.StateOpen, b.GetState("svc"))

	_, err = breaker.Execute(context.Background(), b, "svc", func(context.Context) (string, error) { return "ok", nil })
	var openErr *breaker.OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "svc", openErr.Key)
}

func TestHalfOpenProbeSucceedsCloses(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := breaker.New(breaker.Config{FailureThreshold: 1, RecoveryTimeoutMs: 100}).WithClock(clock)

	_, err := breaker.Execute(context.Background(), b, "svc", func(context.Context) (string, error) { return "", errors.New("x") })
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, b.GetState("svc"))

	now = now.Add(150 * time.Millisecond)
	_, err = breaker.Execute(context.Background(), b, "svc", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, b.GetState("svc"))
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := breaker.New(breaker.Config{FailureThreshold: 1, RecoveryTimeoutMs: 100}).WithClock(clock)

	_, _ = breaker.Execute(context.Background(), b, "svc", func(context.Context) (string, error) { return "", errors.New("x") })
	now = now.Add(150 * time.Millisecond)
	_, err := breaker.Execute(context.Background(), b, "svc", func(context.Context) (string, error) { return "", errors.New("still bad") })
	require.Error(t, err)
	assert.Equal(t, breaker.StateOpen, b.GetState("svc"))
}

func TestIndependentKeys(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 1})
	_, _ = breaker.Execute(context.Background(), b, "a", func(context.Context) (string, error) { return "", errors.New("x") })
	assert.Equal(t, breaker.StateOpen, b.GetState("a"))
	assert.Equal(t, breaker.StateClosed, b.GetState("b"))
}

func TestConcurrentFailureBurstTripsOnce(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 5, RecoveryTimeoutMs: 60_000})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = breaker.Execute(context.Background(), b, "svc", func(context.Context) (string, error) {
				return "", errors.New("boom")
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, breaker.StateOpen, b.GetState("svc"))
	snaps := b.GetSnapshot()
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].OpenedAt.IsZero())
}

func TestReset(t *testing.T) {
	b := breaker.New(breaker.Config{FailureThreshold: 1})
	_, _ = breaker.Execute(context.Background(), b, "a", func(context.Context) (string, error) { return "", errors.New("x") })
	require.Equal(t, breaker.StateOpen, b.GetState("a"))
	b.Reset("a")
	assert.Equal(t, breaker.StateClosed, b.GetState("a"))
}
