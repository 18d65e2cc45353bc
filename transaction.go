package cluster

import "context"

// transactionEvaluator runs one sealed MULTI..EXEC batch to completion
// (spec §4.8). Unlike the non-transactional evaluator, every request in
// the batch must resolve to the same single master: Redis transactions
// have no cross-node semantics, so the whole batch either lands on one
// node or fails cross-slot before anything is sent.
type transactionEvaluator struct {
	shardMap  *shardMapCell
	nodeConns map[NodeID]*NodeConnection
	infoMap   InfoMap
	refresh   func() error

	// nodeConnsFn, if set, is called again after a MOVED-triggered refresh
	// to pick up a newly discovered master before the retry.
	nodeConnsFn func() map[NodeID]*NodeConnection
}

func (e *transactionEvaluator) evaluate(reqs []RawRequest, _ bool) ([]Reply, error) {
	sm := e.shardMap.Get()

	slot, err := unionSlot(e.infoMap, reqs)
	if err != nil {
		return nil, err
	}

	master := sm.ShardForSlot(slot).Master
	conn, ok := e.nodeConns[master.ID]
	if !ok {
		return nil, newClusterError(KindMissingNode, "no connection for transaction master %s (%s:%d)", master.ID, master.Host, master.Port)
	}

	replies, err := conn.requestNode(context.Background(), reqs)
	if err != nil {
		return nil, err
	}

	// A MOVED or ASK reply anywhere in the batch means the whole
	// transaction must be retried against the node the reply points to,
	// applying the same §4.9 redirection routine the non-transactional
	// evaluator uses, just against the whole batch at once rather than a
	// single request. TRYAGAIN propagates unchanged — Redis itself asks
	// the client to retry the transaction, which is left to the caller
	// (spec Non-goals: no automatic retry policy beyond the redirection
	// protocol).
	for _, r := range replies {
		if mv, ok := isMoved(r); ok {
			if err := e.refresh(); err != nil {
				return nil, err
			}
			if e.nodeConnsFn != nil {
				e.nodeConns = e.nodeConnsFn()
			}
			return e.resendAt(reqs, mv.host, mv.port, false, 0)
		}
		if ak, ok := parseAsk(r); ok {
			return e.resendAt(reqs, ak.host, ak.port, true, 0)
		}
	}

	return replies, nil
}

// resendAt re-issues the whole transaction batch against the node at
// host:port, prefixing it with ASKING (and discarding the ASKING ack) when
// asking is true (spec §4.9/§4.10 applied to a whole batch rather than a
// single request). askC bounds the ASK-not-found retry to a single
// refresh, matching the non-transactional redirector's behavior.
func (e *transactionEvaluator) resendAt(reqs []RawRequest, host string, port uint16, asking bool, askC int) ([]Reply, error) {
	sm := e.shardMap.Get()
	target, found := sm.NodeByHostPort(host, port)
	if !found {
		if asking {
			if askC > 0 {
				return nil, newClusterError(KindMissingNode, "ASK target %s:%d not found after refresh", host, port)
			}
			if err := e.refresh(); err != nil {
				return nil, err
			}
			if e.nodeConnsFn != nil {
				e.nodeConns = e.nodeConnsFn()
			}
			return e.resendAt(reqs, host, port, asking, askC+1)
		}
		return nil, newClusterError(KindMissingNode, "MOVED target %s:%d not found in shard map", host, port)
	}

	conn, ok := e.nodeConns[target.ID]
	if !ok {
		return nil, newClusterError(KindMissingNode, "no connection for redirection target %s", target.ID)
	}

	toSend := reqs
	if asking {
		toSend = append([]RawRequest{askingRequest()}, reqs...)
	}
	replies, err := conn.requestNode(context.Background(), toSend)
	if err != nil {
		return nil, err
	}
	if asking {
		replies = replies[1:] // drop the ASKING ack
	}
	return replies, nil
}

// unionSlot computes the single hash slot every keyed request in reqs must
// share. MULTI and EXEC themselves carry no keys and are skipped; a
// request with no keys at all does not constrain the slot (it will run on
// whichever master the keyed requests settle on, or slot 0 if none of them
// have keys either).
func unionSlot(infoMap InfoMap, reqs []RawRequest) (HashSlot, error) {
	haveSlot := false
	var slot HashSlot

	for _, req := range reqs {
		name := req.Name()
		if name == "MULTI" || name == "EXEC" {
			continue
		}
		keys, known := infoMap.KeysForRequest(req)
		if !known {
			return 0, newClusterError(KindUnsupportedCommand, "unsupported cluster command %q", name)
		}
		for _, k := range keys {
			s := KeyToSlot(k)
			if !haveSlot {
				slot = s
				haveSlot = true
				continue
			}
			if s != slot {
				return 0, newClusterError(KindCrossSlot, "transaction spans multiple hash slots")
			}
		}
	}

	return slot, nil
}
