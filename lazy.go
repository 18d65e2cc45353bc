package cluster

import "sync"

// evalFunc evaluates a sealed batch of requests, in submission order,
// against the cluster and returns one Reply per request.
type evalFunc func(reqs []RawRequest, asTransaction bool) ([]Reply, error)

// LazyReply is a handle to a single request's eventual reply. Submitting
// a request never talks to the network; a LazyReply only does so the
// first time Resolve is called on it, or on any other handle sharing its
// batch, whichever comes first (spec §4.6's implicit pipelining: batching
// emerges from how many requests were submitted before any one of their
// replies was observed).
type LazyReply struct {
	cell  *pipelineCell
	index int
	eval  evalFunc
}

// Resolve runs the handle's batch (if not already run) and returns this
// request's reply. Concurrent Resolve calls on handles into the same
// batch run the evaluator at most once; the result is memoized on the
// cell (spec §8 invariant: idempotent resolution).
func (l *LazyReply) Resolve() (Reply, error) {
	replies, err := l.cell.seal(l.cell.isTransaction, l.eval)
	if err != nil {
		return nil, err
	}
	if l.index >= len(replies) {
		return nil, newClusterError(KindFatal, "reply index %d out of range for batch of %d", l.index, len(replies))
	}
	return replies[l.index], nil
}

// pipelineFront is the request submission front-end (spec §4.6): it owns
// the connection's single current pipeline cell behind PMutex and decides,
// for each arriving request, which cell its reply belongs to and whether
// that cell has just sealed.
type pipelineFront struct {
	mu        sync.Mutex // PMutex: guards only which cell is "current"
	current   *pipelineCell
	threshold int
	nonTxnEval evalFunc
	txnEval    evalFunc
}

func newPipelineFront(nonTxnEval, txnEval evalFunc, threshold int) *pipelineFront {
	if threshold <= 0 {
		threshold = DefaultPipelineFlushThreshold
	}
	return &pipelineFront{
		current:    newPendingCell(),
		threshold:  threshold,
		nonTxnEval: nonTxnEval,
		txnEval:    txnEval,
	}
}

// submit enqueues req onto whichever cell is current, installs a fresh
// current cell if this arrival sealed the old one, and returns a handle to
// req's eventual reply. PMutex is held only long enough to mutate the
// queue and swap the current pointer; arrivingRequest takes the current
// cell's CMutex inside it, which is the PMutex -> CMutex order of spec §5.
// PMutex is always released before any evaluator runs: seal takes its
// cell's CMutex on its own, for an inline flush below or when Resolve is
// called.
func (f *pipelineFront) submit(req RawRequest) *LazyReply {
	f.mu.Lock()
	result := arrivingRequest(f.current, req, f.threshold)
	f.current = result.installCell
	f.mu.Unlock()

	eval := f.nonTxnEval
	if result.targetCell.isTransaction {
		eval = f.txnEval
	}

	// A forced flush (MULTI opening a transaction, the request that takes
	// the queue past the threshold, or EXEC closing one) seals the
	// outgoing cell right here,
	// holding only that cell's own CMutex, never PMutex: the cell is
	// already detached from f.current by the time we reach this point, so
	// sealing it cannot race with a new arrival being routed onto the
	// fresh current cell. If nobody ever calls Resolve on a handle into
	// the flushed cell, its send must still happen now, not on whatever
	// later, unrelated Resolve call happens to touch it.
	if result.flushNow != nil {
		flushEval := f.nonTxnEval
		if result.flushNow.isTransaction {
			flushEval = f.txnEval
		}
		result.flushNow.seal(result.asTxn, flushEval)
	}

	return &LazyReply{cell: result.targetCell, index: result.index, eval: eval}
}
