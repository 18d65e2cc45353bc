package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Hooks lets a caller observe shard-map refreshes without the core taking
// a position on metrics or logging backends beyond what it already does
// internally (spec §6 leaves instrumentation to the caller). OnRefresh is
// called after every successful refresh. OnMoved and OnAsk are carried in
// the struct but are not called by this package.
type Hooks struct {
	OnMoved   func(from, to Node)
	OnAsk     func(to Node)
	OnRefresh func(sm *ShardMap)
}

// ConnectOptions configures a Connection.
type ConnectOptions struct {
	// PoolSize is the number of parallel NodeConnections kept per node,
	// mirroring the source's per-node connection pool (spec §4, supplemented
	// feature). 1 means every request to a node serializes behind that
	// node's single connection.
	PoolSize int
	// FlushThreshold overrides DefaultPipelineFlushThreshold.
	FlushThreshold int
	// Parallel dispatches a pipeline's per-node sub-batches concurrently
	// instead of sequentially.
	Parallel bool
	// IdleTimeout is how long a pooled NodeConnection may sit unused before
	// the reaper disconnects it. Zero disables reaping.
	IdleTimeout time.Duration
	Hooks       Hooks
	Log         *zap.Logger
}

// nodeConnPool is a small round-robin pool of NodeConnections to one node,
// the supplemented per-node connection pool (spec §4; grounded on the
// source's PoolSize/pool.ConnPool).
type nodeConnPool struct {
	mu       sync.Mutex
	conns    []*pooledConn
	next     int
	lastUsed time.Time
}

type pooledConn struct {
	conn     *NodeConnection
	lastUsed time.Time
}

func (p *nodeConnPool) acquire() *NodeConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.conns[p.next%len(p.conns)]
	p.next++
	c.lastUsed = time.Now()
	p.lastUsed = c.lastUsed
	return c.conn
}

func (p *nodeConnPool) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

func (p *nodeConnPool) disconnectAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.conn.disconnect()
	}
}

// Connection is the top-level handle a caller holds: it owns the shard
// map, one connection pool per node, the pipeline submission front-end,
// and the background shard-map refresh/reaper machinery (spec §3).
type Connection struct {
	shardMap *shardMapCell
	infoMap  InfoMap
	dialer   ConnectionDialer
	renderer Renderer
	parser   Parser
	log      *zap.Logger
	hooks    Hooks

	mu    sync.RWMutex
	pools map[NodeID]*nodeConnPool

	poolSize    int
	idleTimeout time.Duration

	refreshGroup singleflight.Group
	refreshFn    func(ctx context.Context) (*ShardMap, error)
	generation   uint32

	front *pipelineFront

	stopReaper chan struct{}
	closeOnce  sync.Once
}

// connect dials every node in the initial shard map and, when
// opts.IdleTimeout is positive, starts the background reaper. refreshFn is
// called (deduplicated via singleflight) whenever a MOVED reply, or an ASK
// reply naming a node missing from the shard map, needs a fresh CLUSTER
// SLOTS view.
func connect(
	ctx context.Context,
	initial *ShardMap,
	dialer ConnectionDialer,
	renderer Renderer,
	parser Parser,
	infoMap InfoMap,
	refreshFn func(ctx context.Context) (*ShardMap, error),
	opts ConnectOptions,
) (*Connection, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	c := &Connection{
		shardMap:    newShardMapCell(initial),
		infoMap:     infoMap,
		dialer:      dialer,
		renderer:    renderer,
		parser:      parser,
		log:         log,
		hooks:       opts.Hooks,
		pools:       make(map[NodeID]*nodeConnPool),
		poolSize:    opts.PoolSize,
		idleTimeout: opts.IdleTimeout,
		refreshFn:   refreshFn,
		stopReaper:  make(chan struct{}),
	}

	if err := c.ensurePools(ctx, initial.Nodes()); err != nil {
		return nil, err
	}

	c.front = newPipelineFront(
		(&pipelineEvaluator{shardMap: c.shardMap, nodeConns: nil, infoMap: infoMap, refresh: c.refreshBlocking, parallel: opts.Parallel}).boundEvaluate(c),
		(&transactionEvaluator{shardMap: c.shardMap, nodeConns: nil, infoMap: infoMap, refresh: c.refreshBlocking}).boundEvaluate(c),
		opts.FlushThreshold,
	)

	if opts.IdleTimeout > 0 {
		go c.reapLoop()
	}

	return c, nil
}

// boundEvaluate closes over c so every call dispatches against a fresh
// nodeConns snapshot (node pools can grow after a shard-map refresh
// discovers a new node) without mutating shared evaluator state — two
// batches can seal concurrently, so each gets its own evaluator value.
func (e *pipelineEvaluator) boundEvaluate(c *Connection) evalFunc {
	return func(reqs []RawRequest, asTxn bool) ([]Reply, error) {
		round := &pipelineEvaluator{
			shardMap:    e.shardMap,
			nodeConns:   c.snapshotNodeConns(),
			infoMap:     e.infoMap,
			refresh:     e.refresh,
			parallel:    e.parallel,
			nodeConnsFn: c.snapshotNodeConns,
		}
		return round.evaluate(reqs, asTxn)
	}
}

func (e *transactionEvaluator) boundEvaluate(c *Connection) evalFunc {
	return func(reqs []RawRequest, asTxn bool) ([]Reply, error) {
		round := &transactionEvaluator{
			shardMap:    e.shardMap,
			nodeConns:   c.snapshotNodeConns(),
			infoMap:     e.infoMap,
			refresh:     e.refresh,
			nodeConnsFn: c.snapshotNodeConns,
		}
		return round.evaluate(reqs, asTxn)
	}
}

// snapshotNodeConns acquires one NodeConnection per known node from its
// pool, round-robin, for a single evaluation round.
func (c *Connection) snapshotNodeConns() map[NodeID]*NodeConnection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[NodeID]*NodeConnection, len(c.pools))
	for id, pool := range c.pools {
		out[id] = pool.acquire()
	}
	return out
}

// ensurePools dials PoolSize connections for every node not already pooled.
func (c *Connection) ensurePools(ctx context.Context, nodes []Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range nodes {
		if _, ok := c.pools[n.ID]; ok {
			continue
		}
		pool := &nodeConnPool{lastUsed: time.Now()}
		for i := 0; i < c.poolSize; i++ {
			ctxConn, err := c.dialer.Dial(ctx, n.Host, n.Port)
			if err != nil {
				return wrapClusterError(KindConnClosed, err)
			}
			nc := newNodeConnection(n.ID, ctxConn, c.renderer, c.parser, c.log)
			nc.setGeneration(atomic.LoadUint32(&c.generation))
			pool.conns = append(pool.conns, &pooledConn{conn: nc, lastUsed: time.Now()})
		}
		c.pools[n.ID] = pool
	}
	return nil
}

// refreshBlocking runs refreshFn at most once concurrently across callers
// (singleflight), installs the resulting ShardMap, bumps the generation
// counter stamped on connections dialed from then on, dials any newly
// discovered nodes, and has gcNodeConnections drop the pools of nodes
// absent from the new map (spec §4.9's "refresh shard map" step,
// supplemented with node lifecycle management).
func (c *Connection) refreshBlocking() error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (interface{}, error) {
		sm, err := c.refreshFn(context.Background())
		if err != nil {
			return nil, err
		}
		c.shardMap.Set(sm)
		atomic.AddUint32(&c.generation, 1)
		if err := c.ensurePools(context.Background(), sm.Nodes()); err != nil {
			return nil, err
		}
		c.gcNodeConnections(sm)
		if c.hooks.OnRefresh != nil {
			c.hooks.OnRefresh(sm)
		}
		return nil, nil
	})
	return err
}

// gcNodeConnections disconnects and drops pools for nodes that no longer
// appear in sm, the source's clusterNode.generation/clusterNodes.GC
// pattern adapted to this core's pool-per-node model.
func (c *Connection) gcNodeConnections(sm *ShardMap) {
	live := make(map[NodeID]struct{})
	for _, n := range sm.Nodes() {
		live[n.ID] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pool := range c.pools {
		if _, ok := live[id]; ok {
			continue
		}
		pool.disconnectAll()
		delete(c.pools, id)
	}
}

// reapLoop periodically disconnects and evicts pools that have been idle
// past idleTimeout, the source's reaper/ReapStaleConns pattern. An evicted
// node is redialed only the next time ensurePools runs, which is on the
// next shard map refresh; until then a request routed to it fails with
// KindMissingNode.
func (c *Connection) reapLoop() {
	ticker := time.NewTicker(c.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopReaper:
			return
		case <-ticker.C:
			c.reapStale()
		}
	}
}

// reapStale evicts and disconnects every pool idle past idleTimeout. Split
// out from reapLoop so it can be driven directly without waiting on the
// ticker.
func (c *Connection) reapStale() {
	c.mu.RLock()
	var stale []NodeID
	for id, pool := range c.pools {
		if time.Since(pool.idleSince()) > c.idleTimeout {
			stale = append(stale, id)
		}
	}
	c.mu.RUnlock()
	if len(stale) == 0 {
		return
	}

	c.mu.Lock()
	for _, id := range stale {
		pool, ok := c.pools[id]
		if !ok || time.Since(pool.idleSince()) <= c.idleTimeout {
			continue // pool was removed or became active since the read lock above
		}
		pool.disconnectAll()
		delete(c.pools, id)
		c.log.Debug("reaped idle node connection pool", zap.String("node", string(id)))
	}
	c.mu.Unlock()
}

// Submit enqueues req on the connection's current pipeline cell and
// returns a handle to its eventual reply (spec §4.6 front-end).
func (c *Connection) Submit(req RawRequest) *LazyReply {
	return c.front.submit(req)
}

// Nodes returns every node known to the connection's current shard map.
func (c *Connection) Nodes() []Node {
	return c.shardMap.Get().Nodes()
}

// HooksOf returns the connection's configured Hooks.
func (c *Connection) HooksOf() Hooks {
	return c.hooks
}

// Disconnect tears down every pooled connection and stops the reaper.
func (c *Connection) Disconnect() error {
	var firstErr error
	c.closeOnce.Do(func() {
		close(c.stopReaper)
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, pool := range c.pools {
			for _, pc := range pool.conns {
				if err := pc.conn.disconnect(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	})
	return firstErr
}
