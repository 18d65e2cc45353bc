// Package cluster implements the cluster-aware pipelining engine for a
// sharded in-memory key-value store client: given a live shard map, it
// routes requests to the node that owns them, batches requests destined
// for the same node into per-node pipelines, dispatches those pipelines,
// reassembles replies in submission order, and recovers from MOVED/ASK
// cluster redirections — including MULTI/EXEC transactions confined to a
// single hash slot.
//
// The byte-level wire codec, the TCP/TLS transport, and cluster topology
// discovery are not implemented here; callers supply them as the
// Renderer, Parser, ConnectionDialer/ConnectionContext, and InfoMap
// interfaces defined in codec.go, plus the shard-map refresh function
// passed to connect in connection.go.
package cluster
