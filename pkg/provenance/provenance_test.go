package provenance_test

import (
	"testing"

	"github.com/agentpay-io/control-plane/pkg/provenance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendOrderPreserved(t *testing.T) {
	log := provenance.New()
	log.RecordIntent("tx-1", "init", nil)
	log.RecordPolicyCheck("tx-1", provenance.OutcomePass, nil)
	log.RecordExecution("tx-1", provenance.OutcomePending, nil)
	log.RecordSettlement("tx-1", provenance.OutcomePass, nil)

	chain := log.GetChain("tx-1")
	require.Len(t, chain, 4)
	assert.Equal(t, provenance.StageIntent, chain[0].Stage)
	assert.Equal(t, provenance.StagePolicyCheck, chain[1].Stage)
	assert.Equal(t, provenance.StageExecution, chain[2].Stage)
	assert.Equal(t, provenance.StageSettlement, chain[3].Stage)
}

func TestIsComplete(t *testing.T) {
	log := provenance.New()
	log.RecordIntent("tx-1", "init", nil)
	assert.False(t, log.IsComplete("tx-1"))
	log.RecordSettlement("tx-1", provenance.OutcomePass, nil)
	assert.True(t, log.IsComplete("tx-1"))
}

func TestIsCompleteViaDispute(t *testing.T) {
	log := provenance.New()
	log.RecordIntent("tx-1", "init", nil)
	log.RecordDispute("tx-1", provenance.OutcomePending, nil)
	assert.True(t, log.IsComplete("tx-1"))
}

func TestGetLastStageEmptyWhenNone(t *testing.T) {
	log := provenance.New()
	assert.Equal(t, provenance.Stage(""), log.GetLastStage("missing"))
}

func TestTotalRecordsAndTransactionIDs(t *testing.T) {
	log := provenance.New()
	log.RecordIntent("tx-1", "init", nil)
	log.RecordIntent("tx-2", "init", nil)
	log.RecordPolicyCheck("tx-1", provenance.OutcomePass, nil)

	assert.Equal(t, 3, log.TotalRecords())
	assert.Equal(t, []string{"tx-1", "tx-2"}, log.TransactionIDs())
}

func TestRecordsNeverReordered(t *testing.T) {
	log := provenance.New()
	for i := 0; i < 50; i++ {
		log.RecordPolicyCheck("tx-1", provenance.OutcomePass, map[string]any{"i": i})
	}
	chain := log.GetChain("tx-1")
	for i, r := range chain {
		assert.Equal(t, i, r.Details["i"])
	}
}
