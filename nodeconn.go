package cluster

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NodeConnection is a single TCP stream to one node, carrying the
// incremental-parser receive remainder across calls. A Connection keeps a
// pool of PoolSize instances per known node (spec §3); they are not
// recreated on a shard-map refresh. A node's pool is disconnected and
// dropped when the node is absent from a refreshed shard map (see
// Connection.gcNodeConnections) or when it sits idle past IdleTimeout (see
// Connection.reapStale). The generation stamp records the Connection's
// generation counter at dial time; GC does not consult it.
//
// A NodeConnection is single-writer: callers must not invoke requestNode
// concurrently for the same instance (spec §5). The pipeline evaluator
// enforces this by construction — one goroutine per target node.
type NodeConnection struct {
	id NodeID

	renderer Renderer
	parser   Parser
	log      *zap.Logger

	mu            sync.Mutex
	ctx           ConnectionContext
	recvRemainder []byte

	generation uint32 // atomic; the Connection's generation counter when this instance was dialed
}

func newNodeConnection(id NodeID, ctx ConnectionContext, renderer Renderer, parser Parser, log *zap.Logger) *NodeConnection {
	return &NodeConnection{id: id, ctx: ctx, renderer: renderer, parser: parser, log: log}
}

// ID returns this connection's node identifier.
func (n *NodeConnection) ID() NodeID { return n.id }

func (n *NodeConnection) generationStamp() uint32 { return atomic.LoadUint32(&n.generation) }

func (n *NodeConnection) setGeneration(gen uint32) {
	for {
		cur := atomic.LoadUint32(&n.generation)
		if gen <= cur {
			return
		}
		if atomic.CompareAndSwapUint32(&n.generation, cur, gen) {
			return
		}
	}
}

// requestNode sends every request in reqs, flushes once, and reads back
// exactly len(reqs) replies in order (spec §4.3). It holds the connection
// lock for the duration: requestNode calls on the same NodeConnection
// never interleave their bytes on the wire.
func (n *NodeConnection) requestNode(ctx context.Context, reqs []RawRequest) ([]Reply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, req := range reqs {
		b := n.renderer.RenderRequest(req)
		if err := n.ctx.Send(ctx, b); err != nil {
			return nil, wrapClusterError(KindConnClosed, err)
		}
	}
	if err := n.ctx.Flush(ctx); err != nil {
		return nil, wrapClusterError(KindConnClosed, err)
	}

	replies := make([]Reply, 0, len(reqs))
	remainder := n.recvRemainder
	for range reqs {
		reply, tail, err := n.readOneReply(ctx, remainder)
		if err != nil {
			n.recvRemainder = tail
			return nil, err
		}
		remainder = tail
		replies = append(replies, reply)
	}
	n.recvRemainder = remainder
	return replies, nil
}

// readOneReply drives the incremental parser to completion for a single
// reply, pulling more bytes off the wire as needed.
func (n *NodeConnection) readOneReply(ctx context.Context, remainder []byte) (Reply, []byte, error) {
	for {
		res := n.parser.ParseReply(remainder)
		if res.Err != nil {
			return nil, res.Remainder, wrapClusterError(KindConnClosed, res.Err)
		}
		if res.Done {
			return res.Reply, res.Remainder, nil
		}
		if !res.More {
			return nil, remainder, newClusterError(KindFatal, "parser returned neither Done nor More")
		}

		chunk, err := n.ctx.Recv(ctx)
		if err != nil {
			return nil, remainder, wrapClusterError(KindConnClosed, err)
		}
		if len(chunk) == 0 {
			// The stream hit EOF while the parser still needs more input:
			// the reply can never complete, so fail with the canonical
			// closed-stream error rather than retrying (spec §4.3).
			return nil, remainder, errors.WithStack(ErrConnClosed)
		}
		remainder = append(remainder, chunk...)
	}
}

func (n *NodeConnection) disconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ctx.Disconnect()
}
