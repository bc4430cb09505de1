package txn_test

import (
	"testing"
	"time"

	"github.com/agentpay-io/control-plane/pkg/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewRejectsNonPositiveAmount(t *testing.T) {
	_, err := txn.New("agent-1", "merchant-1", 0, "USDC", "test", txn.ProtocolX402, nil, nil)
	require.Error(t, err)
	_, err = txn.New("agent-1", "merchant-1", -5, "USDC", "test", txn.ProtocolX402, nil, nil)
	require.Error(t, err)
}

func TestNewStampsCreatedEqualsUpdated(t *testing.T) {
	tx, err := txn.New("agent-1", "merchant-1", 10, "USDC", "test", txn.ProtocolX402, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, tx.CreatedAt, tx.UpdatedAt)
	assert.Equal(t, txn.StatusPending, tx.Status)
}

func TestMetadataIsCopied(t *testing.T) {
	md := map[string]string{"k": "v"}
	tx, err := txn.New("agent-1", "merchant-1", 10, "USDC", "test", txn.ProtocolX402, md, nil)
	require.NoError(t, err)
	md["k"] = "mutated"
	assert.Equal(t, "v", tx.Metadata["k"])
}

func TestLifecycleTransitions(t *testing.T) {
	later := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	tx, err := txn.New("agent-1", "merchant-1", 10, "USDC", "test", txn.ProtocolX402, nil, fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	require.NoError(t, tx.Transition(txn.StatusApproved, fixedClock(later)))
	assert.True(t, tx.UpdatedAt > tx.CreatedAt)
	require.NoError(t, tx.Transition(txn.StatusExecuting, nil))
	require.NoError(t, tx.Transition(txn.StatusCompleted, nil))
	require.NoError(t, tx.Transition(txn.StatusDisputed, nil))
	require.NoError(t, tx.Transition(txn.StatusRefunded, nil))
}

func TestIllegalTransitionRejected(t *testing.T) {
	tx, err := txn.New("agent-1", "merchant-1", 10, "USDC", "test", txn.ProtocolX402, nil, nil)
	require.NoError(t, err)
	err = tx.Transition(txn.StatusCompleted, nil)
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	tx, err := txn.New("agent-1", "merchant-1", 10, "USDC", "test", txn.ProtocolX402, map[string]string{"a": "b"}, nil)
	require.NoError(t, err)
	c := tx.Clone()
	c.Metadata["a"] = "z"
	assert.Equal(t, "b", tx.Metadata["a"])
}
