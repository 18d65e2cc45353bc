package cluster

import (
	"sort"
	"sync/atomic"

	"github.com/scrive/hedis-go/internal/hashtag"
)

// HashSlot is a hash slot in [0, hashtag.SlotNumber).
type HashSlot = int

// NodeRole distinguishes a shard's master from its replicas. The core
// routes requests only to masters (replica read routing is a spec
// Non-goal), but the role still travels with Node so a ShardMap builder
// and diagnostics can tell them apart.
type NodeRole int

const (
	RoleMaster NodeRole = iota
	RoleReplica
)

func (r NodeRole) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "replica"
}

// NodeID is an opaque identifier the cluster assigns to a node.
type NodeID string

// Node describes one cluster member. Equality and ordering are by ID.
type Node struct {
	ID   NodeID
	Role NodeRole
	Host string
	Port uint16
}

// Shard is one master plus zero or more replicas, covering some subset of
// hash slots at a given moment.
type Shard struct {
	Master   Node
	Replicas []Node
}

// ShardMap is an immutable, dense HashSlot -> Shard mapping: every slot in
// [0, hashtag.SlotNumber) resolves to exactly one Shard. Updates happen by
// building a brand new ShardMap and swapping it into a shardMapCell; a
// ShardMap value itself is never mutated after construction.
type ShardMap struct {
	slots [hashtag.SlotNumber]Shard
}

// NewShardMap builds a ShardMap from a list of (slot-range, shard) entries,
// as a refreshShardMap implementation (e.g. one driven by CLUSTER SLOTS)
// would produce. Entries may overlap in construction order; the last entry
// covering a slot wins, mirroring the Haskell original's map-building.
func NewShardMap(entries []ShardMapEntry) *ShardMap {
	sm := &ShardMap{}
	for _, e := range entries {
		for slot := e.StartSlot; slot <= e.EndSlot; slot++ {
			sm.slots[slot] = e.Shard
		}
	}
	return sm
}

// ShardMapEntry is one contiguous slot range assigned to a Shard, the
// shape CLUSTER SLOTS returns per entry.
type ShardMapEntry struct {
	StartSlot, EndSlot HashSlot
	Shard              Shard
}

// ShardForSlot returns the Shard owning slot. O(1).
func (sm *ShardMap) ShardForSlot(slot HashSlot) Shard {
	return sm.slots[slot]
}

// Nodes returns the deduplicated set of every master and replica appearing
// anywhere in the map.
func (sm *ShardMap) Nodes() []Node {
	seen := make(map[NodeID]struct{})
	var out []Node
	add := func(n Node) {
		if _, ok := seen[n.ID]; ok {
			return
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	for _, shard := range sm.slots {
		add(shard.Master)
		for _, r := range shard.Replicas {
			add(r)
		}
	}
	return out
}

// Masters returns the deduplicated set of every shard's master, in
// ascending NodeID order, so broadcast fan-out (§4.4, §4.8 of the spec) is
// deterministic.
func (sm *ShardMap) Masters() []Node {
	seen := make(map[NodeID]struct{})
	var out []Node
	for _, shard := range sm.slots {
		if _, ok := seen[shard.Master.ID]; ok {
			continue
		}
		seen[shard.Master.ID] = struct{}{}
		out = append(out, shard.Master)
	}
	sortNodesByID(out)
	return out
}

// NodeByHostPort linearly scans the map for a node at host:port. Used only
// on ASK redirection, which the spec notes is rare enough that a linear
// scan is acceptable.
func (sm *ShardMap) NodeByHostPort(host string, port uint16) (Node, bool) {
	for _, shard := range sm.slots {
		if shard.Master.Host == host && shard.Master.Port == port {
			return shard.Master, true
		}
		for _, r := range shard.Replicas {
			if r.Host == host && r.Port == port {
				return r, true
			}
		}
	}
	return Node{}, false
}

func sortNodesByID(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// shardMapCell holds a ShardMap behind an atomic pointer so readers never
// block and a refresh is a single atomic swap, per spec §5.
type shardMapCell struct {
	v atomic.Value // *ShardMap
}

func newShardMapCell(initial *ShardMap) *shardMapCell {
	c := &shardMapCell{}
	c.v.Store(initial)
	return c
}

func (c *shardMapCell) Get() *ShardMap {
	return c.v.Load().(*ShardMap)
}

func (c *shardMapCell) Set(sm *ShardMap) {
	c.v.Store(sm)
}

// KeyToSlot is the HashSlot function (spec §4.1): CRC16/XMODEM of the key,
// honoring the {tag} convention.
func KeyToSlot(key []byte) HashSlot {
	return hashtag.Slot(string(key))
}
