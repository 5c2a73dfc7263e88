package graph

import (
	"sort"
	"strings"
	"time"
)

// Sort orders accepted by Query.
const (
	SortRelevance = "relevance"
	SortCreated   = "created"
	SortAccessed  = "accessed"
)

/*
Criteria filters a query over all nodes. Every set field narrows the
result; zero values are ignored. Sort defaults to relevance.
*/
type Criteria struct {
	Types           []NodeType
	Platform        string
	SessionID       string
	ContentContains string
	MinRelevance    float64
	WithinHours     float64
	SortBy          string
	Limit           int
}

/*
Result pairs a matched node copy with its relevance score at query time.
*/
type Result struct {
	Node  *Node
	Score float64
}

/*
Query filters the node table by the given criteria and returns scored
copies, sorted and trimmed.
*/
func (g *Graph) Query(criteria Criteria) []Result {
	g.mu.RLock()

	now := g.now()
	needle := strings.ToLower(criteria.ContentContains)

	var cutoff time.Time
	if criteria.WithinHours > 0 {
		cutoff = now.Add(-time.Duration(criteria.WithinHours * float64(time.Hour)))
	}

	var results []Result
	for _, node := range g.nodes {
		if len(criteria.Types) > 0 && !containsType(criteria.Types, node.Type) {
			continue
		}
		if criteria.Platform != "" && node.Platform != criteria.Platform {
			continue
		}
		if criteria.SessionID != "" && node.SessionID != criteria.SessionID {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(node.Content), needle) {
			continue
		}
		if !cutoff.IsZero() && node.CreatedAt.Before(cutoff) {
			continue
		}

		score := node.RelevanceScore(now)
		if score < criteria.MinRelevance {
			continue
		}

		copied := *node
		results = append(results, Result{Node: &copied, Score: score})
	}
	g.mu.RUnlock()

	switch criteria.SortBy {
	case SortCreated:
		sort.Slice(results, func(i, j int) bool {
			return results[i].Node.CreatedAt.After(results[j].Node.CreatedAt)
		})
	case SortAccessed:
		sort.Slice(results, func(i, j int) bool {
			return results[i].Node.LastAccessedAt.After(results[j].Node.LastAccessedAt)
		})
	default:
		sort.Slice(results, func(i, j int) bool {
			return results[i].Score > results[j].Score
		})
	}

	if criteria.Limit > 0 && len(results) > criteria.Limit {
		results = results[:criteria.Limit]
	}
	return results
}

func containsType(types []NodeType, t NodeType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

/*
Subgraph holds the deduped nodes and edges visited by a traversal.
*/
type Subgraph struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

/*
GetSubgraph walks outward from a start node, following edges in both
directions, up to depth hops. The start node is included at depth 0.
*/
func (g *Graph) GetSubgraph(startNodeID string, depth int) Subgraph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var result Subgraph

	if _, ok := g.nodes[startNodeID]; !ok {
		return result
	}

	seenNodes := map[string]struct{}{startNodeID: {}}
	seenEdges := map[string]struct{}{}
	frontier := []string{startNodeID}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string

		for _, nodeID := range frontier {
			for edgeID := range g.outgoing[nodeID] {
				edge := g.edges[edgeID]
				seenEdges[edgeID] = struct{}{}
				next = appendUnseen(next, seenNodes, edge.TargetID, edge.SourceID)
			}
			for edgeID := range g.incoming[nodeID] {
				edge := g.edges[edgeID]
				seenEdges[edgeID] = struct{}{}
				next = appendUnseen(next, seenNodes, edge.SourceID, edge.TargetID)
			}
		}

		frontier = next
	}

	for nodeID := range seenNodes {
		copied := *g.nodes[nodeID]
		result.Nodes = append(result.Nodes, &copied)
	}
	for edgeID := range seenEdges {
		copied := *g.edges[edgeID]
		result.Edges = append(result.Edges, &copied)
	}
	return result
}

func appendUnseen(next []string, seen map[string]struct{}, candidates ...string) []string {
	for _, id := range candidates {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		next = append(next, id)
	}
	return next
}

/*
ApplyDecay reduces the decay scalar of every node by amount, with a floor
of 0.1. Zero amount means the default 0.01.
*/
func (g *Graph) ApplyDecay(amount float64) {
	if amount == 0 {
		amount = 0.01
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, node := range g.nodes {
		node.Decay -= amount
		if node.Decay < 0.1 {
			node.Decay = 0.1
		}
	}
	g.lastModified = g.now()
}

// DefaultPruneMinAge is the age below which prune never deletes a node.
const DefaultPruneMinAge = 7 * 24 * time.Hour

/*
Prune deletes nodes older than minAge whose relevance fell below
minRelevance, together with their incident edges. Zero arguments select the
defaults (0.05, seven days). Returns the removed node ids.
*/
func (g *Graph) Prune(minRelevance float64, minAge time.Duration) []string {
	if minRelevance == 0 {
		minRelevance = 0.05
	}
	if minAge == 0 {
		minAge = DefaultPruneMinAge
	}

	g.mu.Lock()

	now := g.now()
	var doomed []*Node

	for _, node := range g.nodes {
		if now.Sub(node.CreatedAt) < minAge {
			continue
		}
		if node.RelevanceScore(now) < minRelevance {
			doomed = append(doomed, node)
		}
	}

	var removedIDs []string
	var events []Event

	for _, node := range doomed {
		for _, edge := range g.removeNodeLocked(node) {
			events = append(events, Event{Kind: EventEdgeRemoved, Edge: edge})
		}
		events = append(events, Event{Kind: EventNodeRemoved, Node: node})
		removedIDs = append(removedIDs, node.ID)
	}

	if len(doomed) > 0 {
		g.lastModified = now
	}
	g.mu.Unlock()

	for _, event := range events {
		g.emit(event)
	}
	return removedIDs
}
