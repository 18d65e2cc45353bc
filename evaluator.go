package cluster

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BroadcastReply aggregates the per-master replies to a broadcast command
// (FLUSHALL, FLUSHDB, QUIT, UNWATCH) back into the single Reply the caller
// submitted one request for (spec §4.4, Open Question: the source is
// silent on aggregation; this core reports an error if any master
// errored, otherwise reports success, and always keeps every individual
// reply available for diagnostics).
type BroadcastReply struct {
	Replies []Reply
}

func (b BroadcastReply) IsError() bool {
	for _, r := range b.Replies {
		if r != nil && r.IsError() {
			return true
		}
	}
	return false
}

func (b BroadcastReply) ErrorPayload() string {
	for _, r := range b.Replies {
		if r != nil && r.IsError() {
			return r.ErrorPayload()
		}
	}
	return ""
}

// nodeBatch is one target node's share of a sealed pipeline, in submission
// order.
type nodeBatch struct {
	conn    *NodeConnection
	reqs    []RawRequest
	indices []int // submission index each entry in reqs came from
}

// pipelineEvaluator runs one sealed batch of non-transactional requests to
// completion (spec §4.7): it snapshots the shard map once, routes and
// groups every request by target node, dispatches each node's sub-batch
// (optionally in parallel via errgroup), resolves any MOVED/ASK replies,
// and returns replies in original submission order.
type pipelineEvaluator struct {
	shardMap  *shardMapCell
	nodeConns map[NodeID]*NodeConnection
	infoMap   InfoMap
	refresh   func() error
	parallel  bool

	// nodeConnsFn, if set, is called again after a MOVED-triggered refresh
	// to pick up any newly discovered node before redirection retries run.
	// Tests that pre-populate every node in nodeConns can leave this nil.
	nodeConnsFn func() map[NodeID]*NodeConnection
}

func (e *pipelineEvaluator) evaluate(reqs []RawRequest, _ bool) ([]Reply, error) {
	sm := e.shardMap.Get()

	routedByReq := make([][]routedRequest, len(reqs))
	batches := make(map[NodeID]*nodeBatch)
	var order []NodeID

	for i, req := range reqs {
		routed, err := nodeConnectionsFor(sm, e.nodeConns, e.infoMap, req)
		if err != nil {
			return nil, err
		}
		routedByReq[i] = routed
		for _, rr := range routed {
			b, ok := batches[rr.conn.ID()]
			if !ok {
				b = &nodeBatch{conn: rr.conn}
				batches[rr.conn.ID()] = b
				order = append(order, rr.conn.ID())
			}
			b.reqs = append(b.reqs, rr.request)
			b.indices = append(b.indices, i)
		}
	}

	results, err := e.dispatch(order, batches)
	if err != nil {
		return nil, err
	}

	// Place physical replies back against their submission index, and
	// flag a refresh if any came back MOVED.
	perRequest := make([][]Reply, len(reqs))
	slotOf := make(map[NodeID]int, len(batches))
	needsRefresh := false
	for i, routed := range routedByReq {
		perRequest[i] = make([]Reply, len(routed))
		for j, rr := range routed {
			id := rr.conn.ID()
			reply := results[id][slotOf[id]]
			slotOf[id]++
			perRequest[i][j] = reply
			if _, ok := isMoved(reply); ok {
				needsRefresh = true
			}
		}
	}
	if needsRefresh {
		if err := e.refresh(); err != nil {
			return nil, err
		}
		if e.nodeConnsFn != nil {
			e.nodeConns = e.nodeConnsFn()
		}
	}

	rd := &redirector{shardMap: e.shardMap, nodeConns: e.nodeConns, refresh: e.refresh}
	out := make([]Reply, len(reqs))
	for i, req := range reqs {
		if len(perRequest[i]) == 1 {
			resolved, err := resolveRedirect(rd, req, perRequest[i][0])
			if err != nil {
				return nil, err
			}
			out[i] = resolved
			continue
		}
		resolvedAll := make([]Reply, len(perRequest[i]))
		for j, r := range perRequest[i] {
			resolved, err := resolveRedirect(rd, req, r)
			if err != nil {
				return nil, err
			}
			resolvedAll[j] = resolved
		}
		out[i] = BroadcastReply{Replies: resolvedAll}
	}

	return out, nil
}

// dispatch sends every node's sub-batch, sequentially or concurrently
// depending on e.parallel, and collects the results keyed by node.
func (e *pipelineEvaluator) dispatch(order []NodeID, batches map[NodeID]*nodeBatch) (map[NodeID][]Reply, error) {
	results := make(map[NodeID][]Reply, len(batches))

	if !e.parallel || len(order) <= 1 {
		for _, id := range order {
			b := batches[id]
			replies, err := b.conn.requestNode(context.Background(), b.reqs)
			if err != nil {
				return nil, err
			}
			results[id] = replies
		}
		return results, nil
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	for _, id := range order {
		id := id
		g.Go(func() error {
			b := batches[id]
			replies, err := b.conn.requestNode(context.Background(), b.reqs)
			if err != nil {
				return err
			}
			mu.Lock()
			results[id] = replies
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// resolveRedirect applies a single MOVED/ASK retry to reply if needed,
// passing every other reply through unchanged (including TRYAGAIN, which
// this core never retries automatically). The caller has already refreshed
// the shard map once for the whole batch if any reply in it came back
// MOVED, so a MOVED reply here must not trigger a second refresh.
func resolveRedirect(rd *redirector, req RawRequest, reply Reply) (Reply, error) {
	if _, ok := isMoved(reply); ok {
		return rd.resolve(req, reply, 0, true)
	}
	if _, ok := parseAsk(reply); ok {
		return rd.resolve(req, reply, 0, false)
	}
	return reply, nil
}
