package cluster

import (
	"context"
	"strconv"
	"strings"
)

// movedInfo is the parsed payload of a "MOVED <slot> <host>:<port>" error.
type movedInfo struct {
	slot HashSlot
	host string
	port uint16
}

// askInfo is the parsed payload of an "ASK <slot> <host>:<port>" error.
type askInfo struct {
	slot HashSlot
	host string
	port uint16
}

// isMoved reports whether reply is a MOVED redirection and, if so, its
// target (spec §4.9).
func isMoved(reply Reply) (movedInfo, bool) {
	if reply == nil || !reply.IsError() {
		return movedInfo{}, false
	}
	return parseRedirect(reply.ErrorPayload(), "MOVED")
}

// parseAsk reports whether reply is an ASK redirection and, if so, its
// target (spec §4.10).
func parseAsk(reply Reply) (askInfo, bool) {
	if reply == nil || !reply.IsError() {
		return askInfo{}, false
	}
	m, ok := parseRedirect(reply.ErrorPayload(), "ASK")
	if !ok {
		return askInfo{}, false
	}
	return askInfo(m), true
}

// parseRedirect parses "<prefix> <slot> <host>:<port>", the wire shape
// shared by MOVED and ASK.
func parseRedirect(payload, prefix string) (movedInfo, bool) {
	fields := strings.Fields(payload)
	if len(fields) != 3 || fields[0] != prefix {
		return movedInfo{}, false
	}
	slot, err := strconv.Atoi(fields[1])
	if err != nil {
		return movedInfo{}, false
	}
	hostPort := fields[2]
	idx := strings.LastIndexByte(hostPort, ':')
	if idx < 0 {
		return movedInfo{}, false
	}
	host := hostPort[:idx]
	port, err := strconv.ParseUint(hostPort[idx+1:], 10, 16)
	if err != nil {
		return movedInfo{}, false
	}
	return movedInfo{slot: slot, host: host, port: uint16(port)}, true
}

func isTryAgain(reply Reply) bool {
	if reply == nil || !reply.IsError() {
		return false
	}
	return strings.HasPrefix(reply.ErrorPayload(), "TRYAGAIN")
}

// askingRequest is the ASKING command the client must prefix before
// re-issuing a request on an ASK redirection (spec §4.10).
func askingRequest() RawRequest { return RawRequest{[]byte("ASKING")} }

// redirector resolves a single reply that came back MOVED or ASK, by
// re-issuing the original request against the corrected target. It is
// invoked per-reply by the evaluators after a round of requestNode calls
// completes (spec §4.9/§4.10); it never retries TRYAGAIN itself, leaving
// that reply to propagate unchanged (spec Non-goals: no automatic retry
// policy beyond the redirection protocol).
type redirector struct {
	shardMap  *shardMapCell
	nodeConns map[NodeID]*NodeConnection
	refresh   func() error // triggers a shard-map refresh (deduplicated via singleflight upstream)
}

// resolve re-issues req against the node a MOVED/ASK reply points to. askC
// is the retry counter for ASK-not-found (spec §4.10): callers start at 0
// and this function recurses at most once with askC=1 before failing
// KindMissingNode. skipMovedRefresh is set by callers that have already
// refreshed the shard map once for the whole batch this reply belongs to
// (spec §4.9/§7: at most one refresh per batch-evaluation), so the MOVED
// branch here does not refresh a second time for the same round.
func (r *redirector) resolve(req RawRequest, reply Reply, askC int, skipMovedRefresh bool) (Reply, error) {
	if mv, ok := isMoved(reply); ok {
		if !skipMovedRefresh {
			if err := r.refresh(); err != nil {
				return nil, err
			}
		}
		conn, err := r.connForHostPort(mv.host, mv.port)
		if err != nil {
			return nil, err
		}
		replies, err := conn.requestNode(context.Background(), []RawRequest{req})
		if err != nil {
			return nil, err
		}
		return replies[0], nil
	}

	if ak, ok := parseAsk(reply); ok {
		sm := r.shardMap.Get()
		target, found := sm.NodeByHostPort(ak.host, ak.port)
		if !found {
			if askC > 0 {
				return nil, newClusterError(KindMissingNode, "ASK target %s:%d not found after refresh", ak.host, ak.port)
			}
			if err := r.refresh(); err != nil {
				return nil, err
			}
			return r.resolve(req, reply, askC+1, skipMovedRefresh)
		}
		conn, ok := r.nodeConns[target.ID]
		if !ok {
			return nil, newClusterError(KindMissingNode, "no connection for ASK target %s", target.ID)
		}
		replies, err := conn.requestNode(context.Background(), []RawRequest{askingRequest(), req})
		if err != nil {
			return nil, err
		}
		// replies[0] is the ASKING ack; discard it per spec §4.10.
		return replies[1], nil
	}

	return reply, nil
}

func (r *redirector) connForHostPort(host string, port uint16) (*NodeConnection, error) {
	sm := r.shardMap.Get()
	target, found := sm.NodeByHostPort(host, port)
	if !found {
		return nil, newClusterError(KindMissingNode, "MOVED target %s:%d not found in shard map", host, port)
	}
	conn, ok := r.nodeConns[target.ID]
	if !ok {
		return nil, newClusterError(KindMissingNode, "no connection for MOVED target %s", target.ID)
	}
	return conn, nil
}
