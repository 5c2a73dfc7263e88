package graph

import (
	"encoding/json"
	"sort"
	"time"
)

type sessionJSON struct {
	ID               string    `json:"id"`
	StartedAt        time.Time `json:"startedAt"`
	EndedAt          time.Time `json:"endedAt,omitzero"`
	Platform         string    `json:"platform,omitempty"`
	URL              string    `json:"url,omitempty"`
	Title            string    `json:"title,omitempty"`
	Description      string    `json:"description,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	NodeIDs          []string  `json:"nodeIds"`
	PromptCount      int       `json:"promptCount"`
	ResponseCount    int       `json:"responseCount"`
	CodeBlockCount   int       `json:"codeBlockCount"`
	ErrorCount       int       `json:"errorCount"`
	PrimaryLanguage  string    `json:"primaryLanguage,omitempty"`
	PrimaryFramework string    `json:"primaryFramework,omitempty"`
	PrimaryTopic     string    `json:"primaryTopic,omitempty"`
	IsActive         bool      `json:"isActive"`
}

// MarshalJSON serializes the node id set as a sorted array so snapshots
// are deterministic.
func (session *Session) MarshalJSON() ([]byte, error) {
	ids := make([]string, 0, len(session.NodeIDs))
	for id := range session.NodeIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return json.Marshal(sessionJSON{
		ID:               session.ID,
		StartedAt:        session.StartedAt,
		EndedAt:          session.EndedAt,
		Platform:         session.Platform,
		URL:              session.URL,
		Title:            session.Title,
		Description:      session.Description,
		Tags:             session.Tags,
		NodeIDs:          ids,
		PromptCount:      session.PromptCount,
		ResponseCount:    session.ResponseCount,
		CodeBlockCount:   session.CodeBlockCount,
		ErrorCount:       session.ErrorCount,
		PrimaryLanguage:  session.PrimaryLanguage,
		PrimaryFramework: session.PrimaryFramework,
		PrimaryTopic:     session.PrimaryTopic,
		IsActive:         session.IsActive,
	})
}

// UnmarshalJSON rebuilds the node id set from the serialized array.
func (session *Session) UnmarshalJSON(data []byte) error {
	var raw sessionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	session.ID = raw.ID
	session.StartedAt = raw.StartedAt
	session.EndedAt = raw.EndedAt
	session.Platform = raw.Platform
	session.URL = raw.URL
	session.Title = raw.Title
	session.Description = raw.Description
	session.Tags = raw.Tags
	session.NodeIDs = make(map[string]struct{}, len(raw.NodeIDs))
	for _, id := range raw.NodeIDs {
		session.NodeIDs[id] = struct{}{}
	}
	session.PromptCount = raw.PromptCount
	session.ResponseCount = raw.ResponseCount
	session.CodeBlockCount = raw.CodeBlockCount
	session.ErrorCount = raw.ErrorCount
	session.PrimaryLanguage = raw.PrimaryLanguage
	session.PrimaryFramework = raw.PrimaryFramework
	session.PrimaryTopic = raw.PrimaryTopic
	session.IsActive = raw.IsActive
	return nil
}

/*
Snapshot is the full serialized form of a graph, as exchanged by full-sync
and written by the graph store.
*/
type Snapshot struct {
	Nodes           []*Node    `json:"nodes"`
	Edges           []*Edge    `json:"edges"`
	Sessions        []*Session `json:"sessions"`
	ActiveSessionID string     `json:"activeSessionId,omitempty"`
	Stats           Stats      `json:"stats"`
}

/*
ToSnapshot captures the full graph state. Node, edge and session slices
hold copies; mutating them does not touch the live graph.
*/
func (g *Graph) ToSnapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snapshot := Snapshot{
		ActiveSessionID: g.activeSession,
		Stats: Stats{
			NodeCount:    len(g.nodes),
			EdgeCount:    len(g.edges),
			SessionCount: len(g.sessions),
			LastModified: g.lastModified,
		},
	}

	for _, node := range g.nodes {
		copied := *node
		snapshot.Nodes = append(snapshot.Nodes, &copied)
	}
	for _, edge := range g.edges {
		copied := *edge
		snapshot.Edges = append(snapshot.Edges, &copied)
	}
	for _, session := range g.sessions {
		copied := *session
		copied.NodeIDs = make(map[string]struct{}, len(session.NodeIDs))
		for id := range session.NodeIDs {
			copied.NodeIDs[id] = struct{}{}
		}
		snapshot.Sessions = append(snapshot.Sessions, &copied)
	}

	sort.Slice(snapshot.Nodes, func(i, j int) bool { return snapshot.Nodes[i].ID < snapshot.Nodes[j].ID })
	sort.Slice(snapshot.Edges, func(i, j int) bool { return snapshot.Edges[i].ID < snapshot.Edges[j].ID })
	sort.Slice(snapshot.Sessions, func(i, j int) bool { return snapshot.Sessions[i].ID < snapshot.Sessions[j].ID })

	return snapshot
}

/*
LoadSnapshot replaces the entire graph state with the snapshot, rebuilding
every secondary index from the primary records. No events are emitted; the
caller decides whether the replacement is worth announcing.
*/
func (g *Graph) LoadSnapshot(snapshot Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*Node, len(snapshot.Nodes))
	g.edges = make(map[string]*Edge, len(snapshot.Edges))
	g.sessions = make(map[string]*Session, len(snapshot.Sessions))
	g.nodesByType = make(map[NodeType]map[string]struct{})
	g.edgesByType = make(map[EdgeType]map[string]struct{})
	g.outgoing = make(map[string]map[string]struct{})
	g.incoming = make(map[string]map[string]struct{})
	g.contentIdx = make(map[string]string)

	for _, node := range snapshot.Nodes {
		copied := *node
		g.indexNode(&copied, ContentHash(copied.Type, copied.Content))
	}
	for _, edge := range snapshot.Edges {
		copied := *edge
		g.indexEdge(&copied)
	}
	for _, session := range snapshot.Sessions {
		copied := *session
		if copied.NodeIDs == nil {
			copied.NodeIDs = make(map[string]struct{})
		}
		g.sessions[copied.ID] = &copied
	}

	g.activeSession = snapshot.ActiveSessionID
	g.lastModified = snapshot.Stats.LastModified
}

/*
ToJSON serializes the full graph.
*/
func (g *Graph) ToJSON() ([]byte, error) {
	return json.Marshal(g.ToSnapshot())
}

/*
FromJSON replaces the graph with the serialized state produced by ToJSON.
*/
func (g *Graph) FromJSON(data []byte) error {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}

	g.LoadSnapshot(snapshot)
	return nil
}
