// internal/graph/graph.go

// Package graph holds the per-session activity graph: the engine's memory of
// which screens a session has visited and which actions connect them. Each
// exploration session owns exactly one Graph; graphs are never shared across
// devices, so the type is deliberately unsynchronized. Cross-session history
// lives in the knowledge store, not here.
package graph

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
)

// Node wraps one screen fingerprint with its visit bookkeeping. Created on
// first visit, mutated on revisits, never deleted within a session.
type Node struct {
	Fingerprint schemas.Fingerprint
	Activity    string
	// Visits counts how many times the session has observed this screen.
	Visits int
	// Depth is the step distance from the entry screen at first discovery.
	// The frontier is ordered by it, shallowest first.
	Depth int
	// Terminal marks nodes the session decided to stop at.
	Terminal bool
}

// actionStat tracks one action descriptor from one node.
type actionStat struct {
	attempts    int
	producedNew bool
}

// Graph is a mutable graph of visited states and the attempted transitions
// between them. Edges are append-only; multiple edges may share source and
// action when outcomes differ across runs.
type Graph struct {
	nodes     map[schemas.Fingerprint]*Node
	order     []schemas.Fingerprint
	edges     []schemas.EdgeRecord
	available map[schemas.Fingerprint][]string
	stats     map[schemas.Fingerprint]map[string]*actionStat

	// retryBudget is how many attempts an action gets before it counts as
	// exhausted for dead-end detection.
	retryBudget int
	logger      *zap.Logger
}

// New creates an empty activity graph. retryBudget must be at least 1.
func New(retryBudget int, logger *zap.Logger) *Graph {
	if retryBudget < 1 {
		retryBudget = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		nodes:       make(map[schemas.Fingerprint]*Node),
		available:   make(map[schemas.Fingerprint][]string),
		stats:       make(map[schemas.Fingerprint]map[string]*actionStat),
		retryBudget: retryBudget,
		logger:      logger.Named("graph"),
	}
}

// LookupOrCreate returns the node for the fingerprint, creating it on first
// visit. Idempotent by fingerprint: revisits increment the visit counter and
// never create a duplicate node.
func (g *Graph) LookupOrCreate(fp schemas.Fingerprint, activity string, depth int) *Node {
	if node, ok := g.nodes[fp]; ok {
		node.Visits++
		if depth < node.Depth {
			// Found a shorter route to a known screen.
			node.Depth = depth
		}
		return node
	}

	node := &Node{
		Fingerprint: fp,
		Activity:    activity,
		Visits:      1,
		Depth:       depth,
	}
	g.nodes[fp] = node
	g.order = append(g.order, fp)
	g.logger.Debug("New screen discovered", zap.String("activity", activity), zap.Int("depth", depth))
	return node
}

// Node returns the node for fp, or nil.
func (g *Graph) Node(fp schemas.Fingerprint) *Node {
	return g.nodes[fp]
}

// SetAvailableActions records the action descriptors observable from a node.
// The union across observations is kept: screens sometimes reveal extra
// elements on revisit (lazily loaded lists, dismissed banners).
func (g *Graph) SetAvailableActions(fp schemas.Fingerprint, actions []string) {
	known := g.available[fp]
	seen := make(map[string]bool, len(known))
	for _, a := range known {
		seen[a] = true
	}
	for _, a := range actions {
		if !seen[a] {
			known = append(known, a)
			seen[a] = true
		}
	}
	g.available[fp] = known
}

// RecordEdge appends one attempted transition. Every step of the session
// records exactly one edge, failed steps included, so the graph reflects
// attempted transitions rather than only successful ones.
func (g *Graph) RecordEdge(source schemas.Fingerprint, action string, dest schemas.Fingerprint, outcome schemas.StepOutcome, step int) schemas.EdgeRecord {
	edge := schemas.EdgeRecord{
		ID:      uuid.NewString(),
		Source:  source,
		Action:  action,
		Dest:    dest,
		Outcome: outcome,
		Step:    step,
		At:      time.Now().UTC(),
	}
	g.edges = append(g.edges, edge)

	stats, ok := g.stats[source]
	if !ok {
		stats = make(map[string]*actionStat)
		g.stats[source] = stats
	}
	stat, ok := stats[action]
	if !ok {
		stat = &actionStat{}
		stats[action] = stat
	}
	stat.attempts++
	// A destination visited exactly once was discovered by this very edge.
	if dest != source && dest != "" {
		if destNode := g.nodes[dest]; destNode != nil && destNode.Visits == 1 {
			stat.producedNew = true
		}
	}
	return edge
}

// TriedCount returns how many times an action has been attempted from fp.
func (g *Graph) TriedCount(fp schemas.Fingerprint, action string) int {
	if stats, ok := g.stats[fp]; ok {
		if stat, ok := stats[action]; ok {
			return stat.attempts
		}
	}
	return 0
}

// UntriedActions lists the node's known actions with zero attempts, in
// observation order.
func (g *Graph) UntriedActions(fp schemas.Fingerprint) []string {
	var untried []string
	for _, action := range g.available[fp] {
		if g.TriedCount(fp, action) == 0 {
			untried = append(untried, action)
		}
	}
	return untried
}

// IsDeadEnd reports whether every known action from the node has been
// exhausted (attempted up to the retry budget) without ever producing a new
// node. Nodes with no known actions are dead ends once observed.
func (g *Graph) IsDeadEnd(fp schemas.Fingerprint) bool {
	if _, ok := g.nodes[fp]; !ok {
		return false
	}
	actions := g.available[fp]
	if len(actions) == 0 {
		return true
	}
	stats := g.stats[fp]
	for _, action := range actions {
		stat, tried := stats[action]
		if !tried {
			return false
		}
		if stat.producedNew || stat.attempts < g.retryBudget {
			return false
		}
	}
	return true
}

// Frontier returns the visited nodes that still have untried actions,
// shallowest depth first so exploration favors breadth over depth. Ordering
// is stable: equal depths keep discovery order.
func (g *Graph) Frontier() []*Node {
	var frontier []*Node
	for _, fp := range g.order {
		if len(g.UntriedActions(fp)) > 0 {
			frontier = append(frontier, g.nodes[fp])
		}
	}
	sort.SliceStable(frontier, func(i, j int) bool {
		return frontier[i].Depth < frontier[j].Depth
	})
	return frontier
}

// RecentHistory returns the last k edges, oldest first.
func (g *Graph) RecentHistory(k int) []schemas.EdgeRecord {
	if k <= 0 || len(g.edges) == 0 {
		return nil
	}
	start := len(g.edges) - k
	if start < 0 {
		start = 0
	}
	out := make([]schemas.EdgeRecord, len(g.edges)-start)
	copy(out, g.edges[start:])
	return out
}

// Edges returns a copy of all recorded edges in append order.
func (g *Graph) Edges() []schemas.EdgeRecord {
	out := make([]schemas.EdgeRecord, len(g.edges))
	copy(out, g.edges)
	return out
}

// NodeCount returns the number of distinct screens visited.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of recorded transitions.
func (g *Graph) EdgeCount() int { return len(g.edges) }
