package cluster

import "sync"

// DefaultPipelineFlushThreshold is the queue length (spec §4.6) beyond
// which a Pending batch is forced to flush, so a bulk producer that never
// observes a reply cannot accumulate unbounded queue memory. Open Question
// in spec §9: the source never documented a rationale for 1000; it is
// preserved here as a tunable constant.
const DefaultPipelineFlushThreshold = 1000

// pipelineStateKind tags which variant of pipelineState is live.
type pipelineStateKind int

const (
	statePending pipelineStateKind = iota
	stateTransactionPending
	stateExecuted
)

// pipelineState is the tagged union described in spec §3/§4.5. queue is
// held in arrival order (oldest request first), since appending is Go's
// cheap operation; reversedQueue hands the evaluator a copy in that same
// submission order. Only one of queue/replies is meaningful depending on
// kind.
type pipelineState struct {
	kind    pipelineStateKind
	queue   []RawRequest // arrival order; Pending/TransactionPending
	replies []Reply      // Executed
	err     error        // Executed; non-nil if the batch evaluation failed
}

// pipelineCell is a mutable cell holding the current pipelineState,
// guarded by its own mutex (CMutex in spec §5). It is lifetime-tied to a
// Connection but a fresh cell is installed whenever a batch seals, so
// outstanding LazyReply handles keep the old, now-immutable Executed cell
// alive independent of new arrivals (the "cell-swap pattern", spec §9).
type pipelineCell struct {
	mu    sync.Mutex
	state pipelineState

	// isTransaction is fixed at construction: true for a cell opened by
	// MULTI. It tells a LazyReply which evaluator to invoke on first
	// resolution, without needing to inspect state (which may already
	// have moved on to stateExecuted by the time Resolve runs).
	isTransaction bool
}

func newPendingCell() *pipelineCell {
	return &pipelineCell{state: pipelineState{kind: statePending}}
}

func newTransactionPendingCell(first RawRequest) *pipelineCell {
	return &pipelineCell{
		state:         pipelineState{kind: stateTransactionPending, queue: []RawRequest{first}},
		isTransaction: true,
	}
}

// transitionResult is what arrivingRequest produced: where the new
// request's reply will land, and (if a flush was triggered inline) the
// detached cell that must now be evaluated outside PMutex.
type transitionResult struct {
	targetCell  *pipelineCell // cell whose replies[index] is this request's answer
	index       int           // index into targetCell's eventual reply vector
	flushNow    *pipelineCell // non-nil if this arrival must flush immediately
	asTxn       bool          // whether flushNow (if any) should run as a transaction
	installCell *pipelineCell // the new current cell the connection must store
}

// arrivingRequest implements the state transition table in spec §4.5. It
// must be called under the connection's PMutex; it only manipulates cells
// and never performs I/O itself — any inline flush is left for the caller
// to run on the detached cell after releasing PMutex, per spec §5.
func arrivingRequest(current *pipelineCell, req RawRequest, flushThreshold int) transitionResult {
	current.mu.Lock()
	defer current.mu.Unlock()

	isMulti := req.Name() == "MULTI"
	isExec := req.Name() == "EXEC"

	switch current.state.kind {
	case statePending:
		if isMulti {
			flushed := current
			next := newTransactionPendingCell(req)
			return transitionResult{targetCell: next, index: 0, flushNow: flushed, asTxn: false, installCell: next}
		}
		current.state.queue = append(current.state.queue, req)
		index := len(current.state.queue) - 1
		if len(current.state.queue) > flushThreshold {
			return transitionResult{targetCell: current, index: index, flushNow: current, asTxn: false, installCell: newPendingCell()}
		}
		return transitionResult{targetCell: current, index: index, installCell: current}

	case stateTransactionPending:
		current.state.queue = append(current.state.queue, req)
		index := len(current.state.queue) - 1
		if isExec {
			return transitionResult{targetCell: current, index: index, flushNow: current, asTxn: true, installCell: newPendingCell()}
		}
		return transitionResult{targetCell: current, index: index, installCell: current}

	case stateExecuted:
		if isMulti {
			next := newTransactionPendingCell(req)
			return transitionResult{targetCell: next, index: 0, installCell: next}
		}
		next := newPendingCell()
		next.state.queue = append(next.state.queue, req)
		return transitionResult{targetCell: next, index: 0, installCell: next}

	default:
		panic("unreachable pipeline state")
	}
}

// reversedQueue returns the queue in submission order (spec's invariant:
// stored queues are reverse-arrival order for cheap prepend; Go's append
// makes forward-append the cheap operation instead, but we keep the
// "reverse then use" contract explicit here so the evaluator's semantics
// match the spec precisely, independent of the append-vs-prepend
// implementation detail).
func reversedQueue(q []RawRequest) []RawRequest {
	out := make([]RawRequest, len(q))
	copy(out, q)
	return out
}

// seal transitions a cell from Pending/TransactionPending to Executed,
// running fn (the evaluator) against the submission-ordered queue. It takes
// only this cell's lock, and holds it while fn runs, so concurrent seals of
// one cell run fn once and an arrival cannot join a queue that is already
// being evaluated. It must not be called while holding PMutex (spec §5).
// seal is idempotent: if another goroutine already sealed the cell, it
// returns the existing result without re-running fn.
func (c *pipelineCell) seal(asTransaction bool, fn func(reqs []RawRequest, asTransaction bool) ([]Reply, error)) ([]Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.kind == stateExecuted {
		return c.state.replies, c.state.err
	}

	replies, err := fn(reversedQueue(c.state.queue), asTransaction)
	c.state = pipelineState{kind: stateExecuted, replies: replies, err: err}
	return replies, err
}
