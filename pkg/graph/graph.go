package graph

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event kinds emitted on every mutation. The values double as the wire
// message types used by cross-instance sync.
const (
	EventNodeAdded      = "node_added"
	EventNodeUpdated    = "node_updated"
	EventNodeRemoved    = "node_removed"
	EventEdgeAdded      = "edge_added"
	EventEdgeRemoved    = "edge_removed"
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
)

/*
Event describes a single graph mutation. Exactly one of Node, Edge or
Session is set depending on the kind.
*/
type Event struct {
	Kind    string   `json:"kind"`
	Node    *Node    `json:"node,omitempty"`
	Edge    *Edge    `json:"edge,omitempty"`
	Session *Session `json:"session,omitempty"`
}

// Listener receives mutation events synchronously, in program order,
// after the mutation has landed in memory.
type Listener func(Event)

/*
Graph is the in-memory authoritative semantic graph. All mutations are
local and synchronous; persistence and cross-instance broadcast are layered
above through the listener hook. It is safe for concurrent use.
*/
type Graph struct {
	mu sync.RWMutex

	nodes    map[string]*Node
	edges    map[string]*Edge
	sessions map[string]*Session

	// Secondary indices. Every mutation path keeps them consistent with
	// the primary tables.
	nodesByType map[NodeType]map[string]struct{}
	edgesByType map[EdgeType]map[string]struct{}
	outgoing    map[string]map[string]struct{} // nodeID -> edgeIDs
	incoming    map[string]map[string]struct{} // nodeID -> edgeIDs
	contentIdx  map[string]string              // content hash -> nodeID

	activeSession string
	lastModified  time.Time

	listenerMu sync.RWMutex
	listeners  []Listener

	now func() time.Time
}

/*
New creates an empty graph.
*/
func New() *Graph {
	return &Graph{
		nodes:       make(map[string]*Node),
		edges:       make(map[string]*Edge),
		sessions:    make(map[string]*Session),
		nodesByType: make(map[NodeType]map[string]struct{}),
		edgesByType: make(map[EdgeType]map[string]struct{}),
		outgoing:    make(map[string]map[string]struct{}),
		incoming:    make(map[string]map[string]struct{}),
		contentIdx:  make(map[string]string),
		now:         time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (g *Graph) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

/*
Subscribe registers a listener for mutation events. Listeners run
synchronously after the mutation lands, outside the graph lock.
*/
func (g *Graph) Subscribe(listener Listener) {
	g.listenerMu.Lock()
	g.listeners = append(g.listeners, listener)
	g.listenerMu.Unlock()
}

func (g *Graph) emit(event Event) {
	g.listenerMu.RLock()
	listeners := g.listeners
	g.listenerMu.RUnlock()

	for _, listener := range listeners {
		listener(event)
	}
}

/*
AddNodeInput carries the optional attributes of a new node. Zero
Importance and Confidence fall back to the defaults 0.5 and 0.8.
*/
type AddNodeInput struct {
	Metadata   map[string]any
	Importance float64
	Confidence float64
	Source     string
	Platform   string
	SessionID  string
}

/*
AddNode inserts a node, deduplicating by (type, content hash). Re-adding
an existing pair touches the node instead: access count and decay go up and
importance becomes the max of the existing and given values. The returned
node is the live record.
*/
func (g *Graph) AddNode(nodeType NodeType, content string, input AddNodeInput) *Node {
	hash := ContentHash(nodeType, content)

	g.mu.Lock()

	now := g.now()

	if existingID, ok := g.contentIdx[hash]; ok {
		node := g.nodes[existingID]
		node.Touch(now)
		if input.Importance > node.Importance {
			node.Importance = input.Importance
		}
		g.lastModified = now
		g.mu.Unlock()

		g.emit(nodeEvent(EventNodeUpdated, node))
		return node
	}

	node := &Node{
		ID:         uuid.NewString(),
		Type:       nodeType,
		Content:    content,
		Metadata:   input.Metadata,
		Importance: input.Importance,
		Confidence: input.Confidence,
		Decay:      1.0,
		Source:     input.Source,
		Platform:   input.Platform,
		SessionID:  input.SessionID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if node.Importance == 0 {
		node.Importance = 0.5
	}
	if node.Confidence == 0 {
		node.Confidence = 0.8
	}

	if node.SessionID == "" && g.activeSession != "" {
		node.SessionID = g.activeSession
	}

	g.indexNode(node, hash)

	if session, ok := g.sessions[g.activeSession]; ok && session.IsActive {
		session.NodeIDs[node.ID] = struct{}{}
	}

	g.lastModified = now
	g.mu.Unlock()

	g.emit(nodeEvent(EventNodeAdded, node))
	return node
}

func (g *Graph) indexNode(node *Node, hash string) {
	g.nodes[node.ID] = node

	if g.nodesByType[node.Type] == nil {
		g.nodesByType[node.Type] = make(map[string]struct{})
	}
	g.nodesByType[node.Type][node.ID] = struct{}{}
	g.contentIdx[hash] = node.ID
}

/*
AddEdgeInput carries the optional attributes of a new edge.
*/
type AddEdgeInput struct {
	Metadata      map[string]any
	Weight        float64
	Bidirectional bool
}

/*
AddEdge links two live nodes. It returns nil when either endpoint is
missing. An existing edge with the same (source, target, type) is
reinforced instead of duplicated.
*/
func (g *Graph) AddEdge(sourceID, targetID string, edgeType EdgeType, input AddEdgeInput) *Edge {
	g.mu.Lock()

	if _, ok := g.nodes[sourceID]; !ok {
		g.mu.Unlock()
		return nil
	}
	if _, ok := g.nodes[targetID]; !ok {
		g.mu.Unlock()
		return nil
	}

	now := g.now()

	if existing := g.findEdgeLocked(sourceID, targetID, edgeType); existing != nil {
		existing.Reinforce(now)
		g.lastModified = now
		g.mu.Unlock()

		g.emit(edgeEvent(EventEdgeAdded, existing))
		return existing
	}

	weight := input.Weight
	if weight == 0 {
		weight = 1.0
	}
	weight = math.Max(0.1, math.Min(2.0, weight))

	edge := &Edge{
		ID:            uuid.NewString(),
		SourceID:      sourceID,
		TargetID:      targetID,
		Type:          edgeType,
		Weight:        weight,
		Bidirectional: input.Bidirectional,
		Metadata:      input.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	g.indexEdge(edge)
	g.lastModified = now
	g.mu.Unlock()

	g.emit(edgeEvent(EventEdgeAdded, edge))
	return edge
}

func (g *Graph) findEdgeLocked(sourceID, targetID string, edgeType EdgeType) *Edge {
	for edgeID := range g.outgoing[sourceID] {
		edge := g.edges[edgeID]
		if edge.SourceID == sourceID && edge.TargetID == targetID && edge.Type == edgeType {
			return edge
		}
	}
	return nil
}

func (g *Graph) indexEdge(edge *Edge) {
	g.edges[edge.ID] = edge

	if g.edgesByType[edge.Type] == nil {
		g.edgesByType[edge.Type] = make(map[string]struct{})
	}
	g.edgesByType[edge.Type][edge.ID] = struct{}{}

	if g.outgoing[edge.SourceID] == nil {
		g.outgoing[edge.SourceID] = make(map[string]struct{})
	}
	g.outgoing[edge.SourceID][edge.ID] = struct{}{}

	if g.incoming[edge.TargetID] == nil {
		g.incoming[edge.TargetID] = make(map[string]struct{})
	}
	g.incoming[edge.TargetID][edge.ID] = struct{}{}

	if edge.Bidirectional {
		if g.outgoing[edge.TargetID] == nil {
			g.outgoing[edge.TargetID] = make(map[string]struct{})
		}
		g.outgoing[edge.TargetID][edge.ID] = struct{}{}

		if g.incoming[edge.SourceID] == nil {
			g.incoming[edge.SourceID] = make(map[string]struct{})
		}
		g.incoming[edge.SourceID][edge.ID] = struct{}{}
	}
}

/*
NodePatch carries the mutable fields of UpdateNode. Nil pointers leave the
field untouched.
*/
type NodePatch struct {
	Content    *string
	Importance *float64
	Confidence *float64
}

/*
UpdateNode applies a patch to an existing node. A content change rehashes
the dedup index; CreatedAt never changes.
*/
func (g *Graph) UpdateNode(id string, patch NodePatch) *Node {
	g.mu.Lock()

	node, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return nil
	}

	now := g.now()

	if patch.Content != nil && *patch.Content != node.Content {
		delete(g.contentIdx, ContentHash(node.Type, node.Content))
		node.Content = *patch.Content
		g.contentIdx[ContentHash(node.Type, node.Content)] = node.ID
	}
	if patch.Importance != nil {
		node.Importance = math.Max(0, math.Min(1, *patch.Importance))
	}
	if patch.Confidence != nil {
		node.Confidence = math.Max(0, math.Min(1, *patch.Confidence))
	}

	node.UpdatedAt = now
	g.lastModified = now
	g.mu.Unlock()

	g.emit(nodeEvent(EventNodeUpdated, node))
	return node
}

/*
RemoveNode deletes a node together with every incident edge, removes it
from all indices and from every session's node set. Removing an unknown id
is a no-op.
*/
func (g *Graph) RemoveNode(id string) {
	g.mu.Lock()

	node, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return
	}

	removedEdges := g.removeNodeLocked(node)
	g.lastModified = g.now()
	g.mu.Unlock()

	for _, edge := range removedEdges {
		g.emit(edgeEvent(EventEdgeRemoved, edge))
	}
	g.emit(nodeEvent(EventNodeRemoved, node))
}

func (g *Graph) removeNodeLocked(node *Node) []*Edge {
	var removed []*Edge

	for edgeID := range g.outgoing[node.ID] {
		removed = append(removed, g.edges[edgeID])
		g.unindexEdge(g.edges[edgeID])
	}
	for edgeID := range g.incoming[node.ID] {
		if edge, ok := g.edges[edgeID]; ok {
			removed = append(removed, edge)
			g.unindexEdge(edge)
		}
	}

	delete(g.nodes, node.ID)
	delete(g.nodesByType[node.Type], node.ID)
	delete(g.contentIdx, ContentHash(node.Type, node.Content))
	delete(g.outgoing, node.ID)
	delete(g.incoming, node.ID)

	for _, session := range g.sessions {
		delete(session.NodeIDs, node.ID)
	}

	return removed
}

func (g *Graph) unindexEdge(edge *Edge) {
	delete(g.edges, edge.ID)
	delete(g.edgesByType[edge.Type], edge.ID)
	delete(g.outgoing[edge.SourceID], edge.ID)
	delete(g.incoming[edge.TargetID], edge.ID)
	if edge.Bidirectional {
		delete(g.outgoing[edge.TargetID], edge.ID)
		delete(g.incoming[edge.SourceID], edge.ID)
	}
}

/*
RemoveEdge deletes a single edge. Idempotent.
*/
func (g *Graph) RemoveEdge(id string) {
	g.mu.Lock()

	edge, ok := g.edges[id]
	if !ok {
		g.mu.Unlock()
		return
	}

	g.unindexEdge(edge)
	g.lastModified = g.now()
	g.mu.Unlock()

	g.emit(edgeEvent(EventEdgeRemoved, edge))
}

// GetNode returns a copy of the node, touching it (access bump) when found.
func (g *Graph) GetNode(id string) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return nil, false
	}

	node.Touch(g.now())
	copied := *node
	return &copied, true
}

// PeekNode returns a copy of the node without touching it.
func (g *Graph) PeekNode(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return nil, false
	}

	copied := *node
	return &copied, true
}

// GetEdge returns a copy of the edge.
func (g *Graph) GetEdge(id string) (*Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edge, ok := g.edges[id]
	if !ok {
		return nil, false
	}

	copied := *edge
	return &copied, true
}

// NodesByType returns copies of all nodes of the given type.
func (g *Graph) NodesByType(nodeType NodeType) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var nodes []*Node
	for id := range g.nodesByType[nodeType] {
		copied := *g.nodes[id]
		nodes = append(nodes, &copied)
	}
	return nodes
}

/*
SessionMeta carries the descriptive attributes of a new session.
*/
type SessionMeta struct {
	Platform    string
	URL         string
	Title       string
	Description string
	Tags        []string
}

/*
StartSession ends the active session, if any, and opens a new active one.
*/
func (g *Graph) StartSession(meta SessionMeta) *Session {
	g.mu.Lock()

	now := g.now()
	var ended *Session

	if current, ok := g.sessions[g.activeSession]; ok && current.IsActive {
		current.End(now)
		ended = current
	}

	session := &Session{
		ID:          uuid.NewString(),
		StartedAt:   now,
		Platform:    meta.Platform,
		URL:         meta.URL,
		Title:       meta.Title,
		Description: meta.Description,
		Tags:        meta.Tags,
		NodeIDs:     make(map[string]struct{}),
		IsActive:    true,
	}

	g.sessions[session.ID] = session
	g.activeSession = session.ID
	g.lastModified = now
	g.mu.Unlock()

	if ended != nil {
		g.emit(sessionEvent(EventSessionEnded, ended))
	}
	g.emit(sessionEvent(EventSessionStarted, session))
	return session
}

/*
EndSession closes the active session. Returns the closed session or nil.
*/
func (g *Graph) EndSession() *Session {
	g.mu.Lock()

	session, ok := g.sessions[g.activeSession]
	if !ok || !session.IsActive {
		g.mu.Unlock()
		return nil
	}

	session.End(g.now())
	g.activeSession = ""
	g.lastModified = g.now()
	g.mu.Unlock()

	g.emit(sessionEvent(EventSessionEnded, session))
	return session
}

// ActiveSession returns the live active session record, or nil.
func (g *Graph) ActiveSession() *Session {
	g.mu.RLock()
	defer g.mu.RUnlock()

	session, ok := g.sessions[g.activeSession]
	if !ok || !session.IsActive {
		return nil
	}
	return session
}

// GetSession returns the session with the given id.
func (g *Graph) GetSession(id string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	session, ok := g.sessions[id]
	return session, ok
}

/*
UpdateActiveSession applies fn to the active session under the graph lock.
The extractor uses this for counter and primary-field side effects.
*/
func (g *Graph) UpdateActiveSession(fn func(*Session)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	session, ok := g.sessions[g.activeSession]
	if !ok || !session.IsActive {
		return false
	}

	fn(session)
	g.lastModified = g.now()
	return true
}

/*
GetRecentSessions returns sessions sorted by start time, newest first.
*/
func (g *Graph) GetRecentSessions(limit int) []*Session {
	g.mu.RLock()
	defer g.mu.RUnlock()

	sessions := make([]*Session, 0, len(g.sessions))
	for _, session := range g.sessions {
		sessions = append(sessions, session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})

	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions
}

// Stats returns a snapshot of graph size and modification time.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return Stats{
		NodeCount:    len(g.nodes),
		EdgeCount:    len(g.edges),
		SessionCount: len(g.sessions),
		LastModified: g.lastModified,
	}
}

// Event payloads are copies; listeners may hold or serialize them without
// racing against later mutations of the live records.
func nodeEvent(kind string, node *Node) Event {
	copied := *node
	return Event{Kind: kind, Node: &copied}
}

func edgeEvent(kind string, edge *Edge) Event {
	copied := *edge
	return Event{Kind: kind, Edge: &copied}
}

func sessionEvent(kind string, session *Session) Event {
	copied := *session
	copied.NodeIDs = make(map[string]struct{}, len(session.NodeIDs))
	for id := range session.NodeIDs {
		copied.NodeIDs[id] = struct{}{}
	}
	return Event{Kind: kind, Session: &copied}
}
