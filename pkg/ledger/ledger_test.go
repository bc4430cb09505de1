package ledger_test

import (
	"testing"

	"github.com/agentpay-io/control-plane/pkg/ledger"
	"github.com/agentpay-io/control-plane/pkg/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTx(t *testing.T, agent, recipient string, amount float64) *txn.Transaction {
	t.Helper()
	tx, err := txn.New(agent, recipient, amount, "USDC", "test", txn.ProtocolX402, nil, nil)
	require.NoError(t, err)
	return tx
}

func TestRecordAndGet(t *testing.T) {
	l := ledger.New()
	tx := newTx(t, "agent-1", "merchant-1", 10)
	l.Record(tx)

	got := l.Get(tx.ID)
	require.NotNil(t, got)
	assert.Equal(t, tx.ID, got.ID)
	assert.Contains(t, idsOf(l.GetByAgent("agent-1")), tx.ID)
}

func TestRecordIdempotentOnReRecord(t *testing.T) {
	l := ledger.New()
	tx := newTx(t, "agent-1", "merchant-1", 10)
	l.Record(tx)
	l.Record(tx)
	assert.Equal(t, 1, l.Size())
	assert.Len(t, l.GetByAgent("agent-1"), 1)
}

func TestRecordUpdateInPlaceKeepsSingleChronologicalEntry(t *testing.T) {
	l := ledger.New()
	tx := newTx(t, "agent-1", "merchant-1", 10)
	l.Record(tx)
	tx.Status = txn.StatusCompleted
	l.Record(tx)

	byAgent := l.GetByAgent("agent-1")
	require.Len(t, byAgent, 1)
	assert.Equal(t, txn.StatusCompleted, byAgent[0].Status)
}

func TestGetByAgentNewestFirst(t *testing.T) {
	l := ledger.New()
	first := newTx(t, "agent-1", "merchant-1", 10)
	l.Record(first)
	second := newTx(t, "agent-1", "merchant-1", 20)
	l.Record(second)

	got := l.GetByAgent("agent-1")
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, first.ID, got[1].ID)
}

func TestQuerySelectsMostSelectiveIndex(t *testing.T) {
	l := ledger.New()
	a := newTx(t, "agent-1", "merchant-1", 10)
	a.Service = "svc-a"
	l.Record(a)
	b := newTx(t, "agent-2", "merchant-1", 15)
	b.Service = "svc-a"
	l.Record(b)

	got := l.Query(ledger.Filter{Agent: "agent-1", Service: "svc-a"})
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
}

func TestQueryAmountBoundsInclusive(t *testing.T) {
	l := ledger.New()
	tx := newTx(t, "agent-1", "merchant-1", 100)
	l.Record(tx)

	min, max := 100.0, 100.0
	got := l.Query(ledger.Filter{MinAmount: &min, MaxAmount: &max})
	assert.Len(t, got, 1)
}

func TestQueryLimit(t *testing.T) {
	l := ledger.New()
	for i := 0; i < 5; i++ {
		l.Record(newTx(t, "agent-1", "merchant-1", float64(i+1)))
	}
	got := l.Query(ledger.Filter{Agent: "agent-1", Limit: 2})
	assert.Len(t, got, 2)
}

func TestClonedTransactionsAreIndependent(t *testing.T) {
	l := ledger.New()
	tx := newTx(t, "agent-1", "merchant-1", 10)
	l.Record(tx)
	got := l.Get(tx.ID)
	got.Amount = 9999
	assert.Equal(t, float64(10), l.Get(tx.ID).Amount)
}

func idsOf(txs []*txn.Transaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}
