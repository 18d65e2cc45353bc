package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func req(name string) RawRequest { return RawRequest{[]byte(name)} }

func TestArrivingRequestPendingAccumulates(t *testing.T) {
	cell := newPendingCell()
	r1 := arrivingRequest(cell, req("GET"), DefaultPipelineFlushThreshold)
	require.Same(t, cell, r1.targetCell)
	require.Equal(t, 0, r1.index)
	require.Nil(t, r1.flushNow)
	require.Same(t, cell, r1.installCell)

	r2 := arrivingRequest(cell, req("SET"), DefaultPipelineFlushThreshold)
	require.Equal(t, 1, r2.index)
	require.Nil(t, r2.flushNow)
}

func TestArrivingRequestMultiFlushesPendingAndOpensTransaction(t *testing.T) {
	cell := newPendingCell()
	arrivingRequest(cell, req("GET"), DefaultPipelineFlushThreshold)

	r := arrivingRequest(cell, req("MULTI"), DefaultPipelineFlushThreshold)
	require.NotNil(t, r.flushNow)
	require.Same(t, cell, r.flushNow)
	require.False(t, r.asTxn)
	require.Equal(t, stateTransactionPending, r.installCell.state.kind)
	require.NotSame(t, cell, r.targetCell)
	require.Equal(t, 0, r.index)
}

func TestArrivingRequestExecFlushesTransactionally(t *testing.T) {
	cell := newPendingCell()
	mr := arrivingRequest(cell, req("MULTI"), DefaultPipelineFlushThreshold)
	txnCell := mr.installCell

	arrivingRequest(txnCell, req("SET"), DefaultPipelineFlushThreshold)
	r := arrivingRequest(txnCell, req("EXEC"), DefaultPipelineFlushThreshold)

	require.Same(t, txnCell, r.flushNow)
	require.True(t, r.asTxn)
	require.Equal(t, statePending, r.installCell.state.kind)
}

func TestArrivingRequestFlushThresholdForcesFlush(t *testing.T) {
	cell := newPendingCell()
	threshold := 3
	var lastResult transitionResult
	for i := 0; i < threshold; i++ {
		lastResult = arrivingRequest(cell, req("GET"), threshold)
	}
	require.Nil(t, lastResult.flushNow)

	over := arrivingRequest(cell, req("GET"), threshold)
	require.NotNil(t, over.flushNow)
	require.Same(t, cell, over.flushNow)
	require.NotSame(t, cell, over.installCell)
}

func TestArrivingRequestAfterExecutedStartsFreshCell(t *testing.T) {
	cell := newPendingCell()
	cell.seal(false, func(reqs []RawRequest, asTxn bool) ([]Reply, error) {
		return []Reply{okReply("x")}, nil
	})

	r := arrivingRequest(cell, req("GET"), DefaultPipelineFlushThreshold)
	require.NotSame(t, cell, r.targetCell)
	require.Equal(t, 0, r.index)
	require.Equal(t, statePending, r.targetCell.state.kind)
}

func TestPipelineCellSealIsIdempotent(t *testing.T) {
	cell := newPendingCell()
	arrivingRequest(cell, req("GET"), DefaultPipelineFlushThreshold)

	calls := 0
	fn := func(reqs []RawRequest, asTxn bool) ([]Reply, error) {
		calls++
		return []Reply{okReply("v")}, nil
	}

	r1, err1 := cell.seal(false, fn)
	r2, err2 := cell.seal(false, fn)

	require.NoError(t, err1)
	require.NoError(t, err2)
	require.Equal(t, r1, r2)
	require.Equal(t, 1, calls)
}

func TestReversedQueuePreservesSubmissionOrder(t *testing.T) {
	cell := newPendingCell()
	arrivingRequest(cell, req("A"), DefaultPipelineFlushThreshold)
	arrivingRequest(cell, req("B"), DefaultPipelineFlushThreshold)
	arrivingRequest(cell, req("C"), DefaultPipelineFlushThreshold)

	q := reversedQueue(cell.state.queue)
	require.Equal(t, []string{"A", "B", "C"}, []string{q[0].Name(), q[1].Name(), q[2].Name()})
}
