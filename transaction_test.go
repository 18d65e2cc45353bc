package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mkTxnEvaluator(sm *ShardMap, conns map[NodeID]*NodeConnection) *transactionEvaluator {
	return &transactionEvaluator{
		shardMap:  newShardMapCell(sm),
		nodeConns: conns,
		infoMap:   fakeInfoMap{},
		refresh:   func() error { return nil },
	}
}

func TestTransactionEvaluatorRoutesWholeBatchToOneMaster(t *testing.T) {
	sm := NewShardMap([]ShardMapEntry{
		{StartSlot: 0, EndSlot: 8191, Shard: Shard{Master: node("a", 7000)}},
		{StartSlot: 8192, EndSlot: 16383, Shard: Shard{Master: node("b", 7001)}},
	})
	// "bar" -> slot 5061, within node a's range.
	fc := &fakeConnCtx{inbox: [][]byte{[]byte("OK\nQUEUED\nOK\nv\n")}}
	connA := newNodeConnection("a", fc, lineRenderer{}, lineParser{}, nil)
	conns := map[NodeID]*NodeConnection{"a": connA}

	ev := mkTxnEvaluator(sm, conns)
	replies, err := ev.evaluate([]RawRequest{
		{[]byte("MULTI")},
		{[]byte("SET"), []byte("bar"), []byte("1")},
		{[]byte("EXEC")},
	}, true)
	require.NoError(t, err)
	require.Len(t, replies, 3)
	require.Equal(t, "SET bar 1\nEXEC\n", string(fc.outbox)[len("MULTI\n"):])
}

func TestTransactionEvaluatorCrossSlotFails(t *testing.T) {
	sm := NewShardMap([]ShardMapEntry{
		{StartSlot: 0, EndSlot: 16383, Shard: Shard{Master: node("a", 7000)}},
	})
	conns := map[NodeID]*NodeConnection{"a": newNodeConnection("a", nil, nil, nil, nil)}
	ev := mkTxnEvaluator(sm, conns)

	_, err := ev.evaluate([]RawRequest{
		{[]byte("MULTI")},
		{[]byte("SET"), []byte("foo"), []byte("1")},
		{[]byte("SET"), []byte("bar"), []byte("2")},
		{[]byte("EXEC")},
	}, true)
	require.Error(t, err)
	require.True(t, IsKind(err, KindCrossSlot))
}

func TestTransactionEvaluatorMissingNodeFails(t *testing.T) {
	sm := NewShardMap([]ShardMapEntry{
		{StartSlot: 0, EndSlot: 16383, Shard: Shard{Master: node("ghost", 7000)}},
	})
	conns := map[NodeID]*NodeConnection{}
	ev := mkTxnEvaluator(sm, conns)

	_, err := ev.evaluate([]RawRequest{
		{[]byte("MULTI")},
		{[]byte("SET"), []byte("k"), []byte("1")},
		{[]byte("EXEC")},
	}, true)
	require.Error(t, err)
	require.True(t, IsKind(err, KindMissingNode))
}

func TestTransactionEvaluatorRetriesOnceAfterMoved(t *testing.T) {
	sm := NewShardMap([]ShardMapEntry{
		{StartSlot: 0, EndSlot: 16383, Shard: Shard{Master: node("a", 7000)}},
	})
	connA := newNodeConnection("a", &fakeConnCtx{inbox: [][]byte{[]byte("-MOVED 100 10.0.0.1:7001\nOK\n")}}, lineRenderer{}, lineParser{}, nil)
	connB := newNodeConnection("b", &fakeConnCtx{inbox: [][]byte{[]byte("OK\nOK\n")}}, lineRenderer{}, lineParser{}, nil)
	conns := map[NodeID]*NodeConnection{"a": connA, "b": connB}

	shardCell := newShardMapCell(sm)
	refreshed := 0
	ev := &transactionEvaluator{
		shardMap:  shardCell,
		nodeConns: conns,
		infoMap:   fakeInfoMap{},
		refresh: func() error {
			refreshed++
			shardCell.Set(NewShardMap([]ShardMapEntry{
				{StartSlot: 0, EndSlot: 16383, Shard: Shard{Master: node("b", 7001)}},
			}))
			return nil
		},
	}

	replies, err := ev.evaluate([]RawRequest{
		{[]byte("MULTI")},
		{[]byte("EXEC")},
	}, true)
	require.NoError(t, err)
	require.Equal(t, 1, refreshed)
	require.Len(t, replies, 2)
}

func TestTransactionEvaluatorRetriesOnceAfterAskOnExec(t *testing.T) {
	// The key-less transaction runs on slot 0's master (a); the ASK target
	// 10.0.0.1:7001 is b, which the shard map must know.
	sm := NewShardMap([]ShardMapEntry{
		{StartSlot: 0, EndSlot: 8191, Shard: Shard{Master: node("a", 7000)}},
		{StartSlot: 8192, EndSlot: 16383, Shard: Shard{Master: node("b", 7001)}},
	})
	connA := newNodeConnection("a", &fakeConnCtx{inbox: [][]byte{[]byte("OK\n-ASK 100 10.0.0.1:7001\n")}}, lineRenderer{}, lineParser{}, nil)
	connB := newNodeConnection("b", &fakeConnCtx{inbox: [][]byte{[]byte("OK\nOK\nOK\n")}}, lineRenderer{}, lineParser{}, nil)
	conns := map[NodeID]*NodeConnection{"a": connA, "b": connB}

	ev := mkTxnEvaluator(sm, conns)

	replies, err := ev.evaluate([]RawRequest{
		{[]byte("MULTI")},
		{[]byte("EXEC")},
	}, true)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	// The ASKING ack was sent and discarded; outbox on connB starts with it.
	require.Equal(t, "ASKING\nMULTI\nEXEC\n", string(connB.ctx.(*fakeConnCtx).outbox))
}
