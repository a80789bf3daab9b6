// Package topology maintains the hub's view of known peers: a node per
// username carrying its UDP return address and smoothed round-trip latency,
// and an undirected edge per pair carrying a derived link-quality score.
// Nodes age out after a configurable period of inactivity (60s by default,
// per SPEC_FULL.md §3); their incident edges are removed with them.
package topology

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/exp/slices"

	"chatmesh/internal/protocol"
)

// DefaultInactivityWindow is the node expiry window from SPEC_FULL.md §3/§4.3.
const DefaultInactivityWindow = 60 * time.Second

// Node is one entry of the topology graph.
type Node struct {
	User      string
	IP        string
	Port      int
	LatencyMs float64
	LastSeen  time.Time
}

// edgeKey canonicalises an undirected pair so (a,b) and (b,a) collide.
type edgeKey struct{ lo, hi string }

func newEdgeKey(a, b string) edgeKey {
	if a <= b {
		return edgeKey{a, b}
	}
	return edgeKey{b, a}
}

// Tracker is the thread-safe node/edge graph (component C3).
type Tracker struct {
	nodes *ttlcache.Cache[string, *Node]

	mu    sync.Mutex
	edges map[edgeKey]int // quality, replace-not-smooth
}

// NewTracker builds a Tracker whose nodes expire after inactivityWindow of
// no upsert. A zero value selects DefaultInactivityWindow.
func NewTracker(inactivityWindow time.Duration) *Tracker {
	if inactivityWindow <= 0 {
		inactivityWindow = DefaultInactivityWindow
	}

	nodes := ttlcache.New[string, *Node](
		ttlcache.WithTTL[string, *Node](inactivityWindow),
	)

	t := &Tracker{
		nodes: nodes,
		edges: make(map[edgeKey]int),
	}

	// When a node ages out, drop every edge touching it. Expiration only
	// ever happens inside gc() below (via DeleteExpired), which already
	// holds no lock on t.mu, so taking it here is safe and not recursive.
	nodes.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Node]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		t.dropEdgesFor(item.Key())
	})

	return t
}

// UpsertNode records liveness evidence for user, optionally folding in a new
// latency measurement using the flat two-sample mean required by
// SPEC_FULL.md §3/§4.3 — NOT an exponentially-weighted average.
func (t *Tracker) UpsertNode(user, ip string, port int, latencyMs *float64) {
	existing := t.nodes.Get(user, ttlcache.WithDisableTouchOnHit[string, *Node]())

	n := &Node{User: user, IP: ip, Port: port}
	switch {
	case latencyMs != nil && existing != nil:
		n.LatencyMs = (existing.Value().LatencyMs + *latencyMs) / 2
	case latencyMs != nil:
		n.LatencyMs = *latencyMs
	case existing != nil:
		n.LatencyMs = existing.Value().LatencyMs
	}
	n.LastSeen = time.Now()

	t.nodes.Set(user, n, ttlcache.DefaultTTL)
}

// UpdateLink overwrites the quality of the undirected edge (u,v). quality is
// clamped to [0, 100]; this replaces any prior value — it is never smoothed.
func (t *Tracker) UpdateLink(u, v string, quality int) {
	quality = clamp(quality, 0, 100)
	t.mu.Lock()
	t.edges[newEdgeKey(u, v)] = quality
	t.mu.Unlock()
}

// QualityFromLatency derives a link-quality score from a latency sample:
// clamp(0, 100, 100 − latency_ms/10).
func QualityFromLatency(latencyMs float64) int {
	return clamp(int(math.Round(100-latencyMs/10)), 0, 100)
}

// HasEdge reports whether an edge exists between u and v in either order.
func (t *Tracker) HasEdge(u, v string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.edges[newEdgeKey(u, v)]
	return ok
}

// Users returns the currently live usernames, sorted, after running gc.
func (t *Tracker) Users() []string {
	t.gc()
	items := t.nodes.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Snapshot returns the current node and edge sets, running gc first so
// stale nodes and their incident edges never appear in an externalised
// view (SPEC_FULL.md §4.3: "snapshot is called before every
// externalisation and implicitly triggers gc").
func (t *Tracker) Snapshot() protocol.TopoSnapshot {
	t.gc()

	var nodes []protocol.TopoNode
	for _, item := range t.nodes.Items() {
		n := item.Value()
		nodes = append(nodes, protocol.TopoNode{
			User:      n.User,
			IP:        n.IP,
			Port:      n.Port,
			LatencyMs: n.LatencyMs,
		})
	}
	slices.SortFunc(nodes, func(a, b protocol.TopoNode) int {
		switch {
		case a.User < b.User:
			return -1
		case a.User > b.User:
			return 1
		default:
			return 0
		}
	})

	t.mu.Lock()
	edges := make([]protocol.TopoEdge, 0, len(t.edges))
	for k, q := range t.edges {
		edges = append(edges, protocol.TopoEdge{From: k.lo, To: k.hi, Quality: q})
	}
	t.mu.Unlock()
	slices.SortFunc(edges, func(a, b protocol.TopoEdge) int {
		if a.From != b.From {
			if a.From < b.From {
				return -1
			}
			return 1
		}
		switch {
		case a.To < b.To:
			return -1
		case a.To > b.To:
			return 1
		default:
			return 0
		}
	})

	return protocol.TopoSnapshot{Nodes: nodes, Connections: edges}
}

// gc forces eviction of any node past its inactivity window. The
// OnEviction hook installed in NewTracker removes incident edges as a
// side effect of this call.
func (t *Tracker) gc() {
	t.nodes.DeleteExpired()
}

func (t *Tracker) dropEdgesFor(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.edges {
		if k.lo == user || k.hi == user {
			delete(t.edges, k)
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
