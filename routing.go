package cluster

// broadcastCommands is the set of requests that fan out to every master
// rather than resolving to a single key's slot (spec §4.4). UNWATCH has no
// keys and must reach every node that might be holding a WATCH for this
// client's connection; QUIT and the FLUSH* commands are inherently
// cluster-wide.
var broadcastCommands = map[string]struct{}{
	"FLUSHALL": {},
	"FLUSHDB":  {},
	"QUIT":     {},
	"UNWATCH":  {},
}

func isBroadcastCommand(name string) bool {
	_, ok := broadcastCommands[name]
	return ok
}

// routedRequest pairs a request with the single NodeConnection it must be
// sent to. Broadcasting a request produces one routedRequest per target
// master, all sharing the caller's original submission index so the
// evaluator can recombine them (spec §4.7).
type routedRequest struct {
	request RawRequest
	conn    *NodeConnection
}

// nodeConnectionsFor resolves req to the NodeConnections it must be sent
// to, per spec §4.4:
//
//   - broadcast commands go to every distinct master in shardMap; any
//     master lacking a live NodeConnection fails the whole request with
//     KindMissingNode.
//   - otherwise infoMap.KeysForRequest determines the request's keys; an
//     unrecognized command fails with KindUnsupportedCommand; keys
//     spanning more than one slot fail with KindCrossSlot; a key-less but
//     recognized command (e.g. PING) routes to slot 0, matching the
//     source's behavior for commands it knows carry no keys.
func nodeConnectionsFor(shardMap *ShardMap, nodeConns map[NodeID]*NodeConnection, infoMap InfoMap, req RawRequest) ([]routedRequest, error) {
	name := req.Name()

	if isBroadcastCommand(name) {
		masters := shardMap.Masters()
		out := make([]routedRequest, 0, len(masters))
		for _, m := range masters {
			conn, ok := nodeConns[m.ID]
			if !ok {
				return nil, newClusterError(KindMissingNode, "no connection for master %s (%s:%d)", m.ID, m.Host, m.Port)
			}
			out = append(out, routedRequest{request: req, conn: conn})
		}
		return out, nil
	}

	slot, err := slotForRequest(infoMap, req)
	if err != nil {
		return nil, err
	}

	master := shardMap.ShardForSlot(slot).Master
	conn, ok := nodeConns[master.ID]
	if !ok {
		return nil, newClusterError(KindMissingNode, "no connection for master %s (%s:%d)", master.ID, master.Host, master.Port)
	}
	return []routedRequest{{request: req, conn: conn}}, nil
}

// slotForRequest determines the single hash slot a (non-broadcast) request
// belongs to, per spec §4.4. A request with no keys routes to slot 0; a
// request whose keys span more than one slot fails cross-slot.
func slotForRequest(infoMap InfoMap, req RawRequest) (HashSlot, error) {
	keys, known := infoMap.KeysForRequest(req)
	if !known {
		return 0, newClusterError(KindUnsupportedCommand, "unsupported cluster command %q", req.Name())
	}
	if len(keys) == 0 {
		return 0, nil
	}

	slot := KeyToSlot(keys[0])
	for _, k := range keys[1:] {
		if s := KeyToSlot(k); s != slot {
			return 0, newClusterError(KindCrossSlot, "request %q spans multiple hash slots", req.Name())
		}
	}
	return slot, nil
}
