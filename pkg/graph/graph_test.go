package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddNodeDeduplicatesByContent(t *testing.T) {
	g := New()

	first := g.AddNode(NodeLanguage, "python", AddNodeInput{Importance: 0.6})
	require.NotNil(t, first)
	assert.Equal(t, 0.6, first.Importance)
	assert.Equal(t, 0.8, first.Confidence)
	assert.Equal(t, 1.0, first.Decay)
	assert.Equal(t, 0, first.AccessCount)

	second := g.AddNode(NodeLanguage, "python", AddNodeInput{Importance: 0.4})
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.AccessCount)
	// importance is the max of existing and given
	assert.Equal(t, 0.6, second.Importance)

	third := g.AddNode(NodeLanguage, "python", AddNodeInput{Importance: 0.9})
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, 2, third.AccessCount)
	assert.Equal(t, 0.9, third.Importance)

	// Same content under a different type is a different node.
	other := g.AddNode(NodeTopic, "python", AddNodeInput{})
	assert.NotEqual(t, first.ID, other.ID)

	stats := g.Stats()
	assert.Equal(t, 2, stats.NodeCount)
}

func TestAddNodeDefaults(t *testing.T) {
	g := New()

	node := g.AddNode(NodeTopic, "web development", AddNodeInput{})
	assert.Equal(t, 0.5, node.Importance)
	assert.Equal(t, 0.8, node.Confidence)
	assert.Equal(t, 1.0, node.Decay)
	assert.False(t, node.CreatedAt.IsZero())
	assert.True(t, node.LastAccessedAt.IsZero())
}

func TestTouchReinforcesDecay(t *testing.T) {
	g := New()

	node := g.AddNode(NodeError, "TypeError: boom", AddNodeInput{})
	g.ApplyDecay(0.5)

	peeked, ok := g.PeekNode(node.ID)
	require.True(t, ok)
	assert.InDelta(t, 0.5, peeked.Decay, 1e-9)

	got, ok := g.GetNode(node.ID)
	require.True(t, ok)
	assert.InDelta(t, 0.6, got.Decay, 1e-9)
	assert.Equal(t, 1, got.AccessCount)

	// Decay never exceeds 1.0 no matter how often the node is touched.
	for range 10 {
		g.GetNode(node.ID)
	}
	got, _ = g.PeekNode(node.ID)
	assert.Equal(t, 1.0, got.Decay)
}

func TestAddEdge(t *testing.T) {
	g := New()

	lang := g.AddNode(NodeLanguage, "go", AddNodeInput{})
	framework := g.AddNode(NodeFramework, "fiber", AddNodeInput{})

	t.Run("missing endpoint returns nil", func(t *testing.T) {
		assert.Nil(t, g.AddEdge(lang.ID, "nope", EdgeUses, AddEdgeInput{}))
		assert.Nil(t, g.AddEdge("nope", lang.ID, EdgeUses, AddEdgeInput{}))
	})

	t.Run("create then reinforce", func(t *testing.T) {
		edge := g.AddEdge(framework.ID, lang.ID, EdgePartOf, AddEdgeInput{})
		require.NotNil(t, edge)
		assert.Equal(t, 1.0, edge.Weight)

		again := g.AddEdge(framework.ID, lang.ID, EdgePartOf, AddEdgeInput{})
		assert.Equal(t, edge.ID, again.ID)
		assert.InDelta(t, 1.1, again.Weight, 1e-9)

		for range 20 {
			g.AddEdge(framework.ID, lang.ID, EdgePartOf, AddEdgeInput{})
		}
		final, _ := g.GetEdge(edge.ID)
		assert.Equal(t, 2.0, final.Weight)
	})

	t.Run("bidirectional adjacency", func(t *testing.T) {
		goal := g.AddNode(NodeGoal, "ship it", AddNodeInput{})
		topic := g.AddNode(NodeTopic, "deployment", AddNodeInput{})

		edge := g.AddEdge(goal.ID, topic.ID, EdgeRelatedTo, AddEdgeInput{Bidirectional: true})
		require.NotNil(t, edge)

		sub := g.GetSubgraph(topic.ID, 1)
		ids := nodeIDs(sub.Nodes)
		assert.Contains(t, ids, goal.ID)
	})
}

func TestRemoveNodeDropsIncidentEdgesAndSessionRefs(t *testing.T) {
	g := New()
	g.StartSession(SessionMeta{Platform: "chatgpt"})

	a := g.AddNode(NodeLanguage, "rust", AddNodeInput{})
	b := g.AddNode(NodeFramework, "axum", AddNodeInput{})
	c := g.AddNode(NodeTopic, "web", AddNodeInput{})

	g.AddEdge(b.ID, a.ID, EdgePartOf, AddEdgeInput{})
	g.AddEdge(a.ID, c.ID, EdgeRelatedTo, AddEdgeInput{})

	g.RemoveNode(a.ID)

	_, ok := g.PeekNode(a.ID)
	assert.False(t, ok)

	snapshot := g.ToSnapshot()
	for _, edge := range snapshot.Edges {
		assert.NotEqual(t, a.ID, edge.SourceID)
		assert.NotEqual(t, a.ID, edge.TargetID)
	}
	for _, session := range snapshot.Sessions {
		_, referenced := session.NodeIDs[a.ID]
		assert.False(t, referenced)
	}

	// Removing again is a no-op.
	g.RemoveNode(a.ID)
}

func TestUpdateNodeRehashesContent(t *testing.T) {
	g := New()

	node := g.AddNode(NodeGoal, "build a parser", AddNodeInput{})
	created := node.CreatedAt

	content := "build a compiler"
	updated := g.UpdateNode(node.ID, NodePatch{Content: &content})
	require.NotNil(t, updated)
	assert.Equal(t, created, updated.CreatedAt)

	// The old content no longer dedupes; the new one does.
	fresh := g.AddNode(NodeGoal, "build a parser", AddNodeInput{})
	assert.NotEqual(t, node.ID, fresh.ID)

	same := g.AddNode(NodeGoal, "build a compiler", AddNodeInput{})
	assert.Equal(t, node.ID, same.ID)
}

func TestSessionLifecycle(t *testing.T) {
	g := New()

	first := g.StartSession(SessionMeta{Platform: "chatgpt", URL: "https://chatgpt.com/c/a"})
	assert.True(t, first.IsActive)

	second := g.StartSession(SessionMeta{Platform: "claude", URL: "https://claude.ai/chat/b"})

	// Starting a session ends the previous one.
	prev, ok := g.GetSession(first.ID)
	require.True(t, ok)
	assert.False(t, prev.IsActive)
	assert.False(t, prev.EndedAt.IsZero())

	active := g.ActiveSession()
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	node := g.AddNode(NodeTopic, "testing", AddNodeInput{})
	assert.Equal(t, second.ID, node.SessionID)

	ended := g.EndSession()
	require.NotNil(t, ended)
	assert.Equal(t, second.ID, ended.ID)
	assert.Nil(t, g.ActiveSession())

	recent := g.GetRecentSessions(10)
	require.Len(t, recent, 2)
	assert.Equal(t, second.ID, recent[0].ID)
}

func TestMutationEventsEmitInProgramOrder(t *testing.T) {
	g := New()

	var kinds []string
	g.Subscribe(func(event Event) {
		kinds = append(kinds, event.Kind)
	})

	a := g.AddNode(NodeLanguage, "go", AddNodeInput{})
	b := g.AddNode(NodeFramework, "fiber", AddNodeInput{})
	g.AddEdge(b.ID, a.ID, EdgePartOf, AddEdgeInput{})
	g.RemoveNode(b.ID)

	assert.Equal(t, []string{
		EventNodeAdded,
		EventNodeAdded,
		EventEdgeAdded,
		EventEdgeRemoved,
		EventNodeRemoved,
	}, kinds)
}

func TestApplyRemoteNodeNewerWins(t *testing.T) {
	g := New()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	local := &Node{
		ID: "n1", Type: NodeTopic, Content: "local", Decay: 1,
		Importance: 0.5, Confidence: 0.8,
		CreatedAt: base, UpdatedAt: base,
	}
	require.True(t, g.ApplyRemoteNode(local, false))

	t.Run("older update is rejected", func(t *testing.T) {
		stale := *local
		stale.Content = "stale"
		stale.UpdatedAt = base.Add(-time.Minute)
		assert.False(t, g.ApplyRemoteNode(&stale, true))
	})

	t.Run("equal timestamp favors incoming for updates only", func(t *testing.T) {
		tied := *local
		tied.Content = "tied"
		assert.False(t, g.ApplyRemoteNode(&tied, false))
		assert.True(t, g.ApplyRemoteNode(&tied, true))

		got, _ := g.PeekNode("n1")
		assert.Equal(t, "tied", got.Content)
	})

	t.Run("newer update is applied", func(t *testing.T) {
		newer := *local
		newer.Content = "newer"
		newer.UpdatedAt = base.Add(time.Minute)
		assert.True(t, g.ApplyRemoteNode(&newer, false))

		got, _ := g.PeekNode("n1")
		assert.Equal(t, "newer", got.Content)
	})
}

func TestApplyRemoteEdgeAddOnce(t *testing.T) {
	g := New()

	now := time.Now()
	require.True(t, g.ApplyRemoteNode(&Node{ID: "a", Type: NodeLanguage, Content: "go", Decay: 1, UpdatedAt: now}, false))
	require.True(t, g.ApplyRemoteNode(&Node{ID: "b", Type: NodeTopic, Content: "web", Decay: 1, UpdatedAt: now}, false))

	edge := &Edge{ID: "e1", SourceID: "a", TargetID: "b", Type: EdgeRelatedTo, Weight: 1, CreatedAt: now, UpdatedAt: now}
	assert.True(t, g.ApplyRemoteEdge(edge))
	assert.False(t, g.ApplyRemoteEdge(edge))

	// Same triple under a new id is also rejected.
	dup := &Edge{ID: "e2", SourceID: "a", TargetID: "b", Type: EdgeRelatedTo, Weight: 1.4, CreatedAt: now, UpdatedAt: now}
	assert.False(t, g.ApplyRemoteEdge(dup))

	// Dangling endpoints are rejected.
	dangling := &Edge{ID: "e3", SourceID: "a", TargetID: "ghost", Type: EdgeUses, Weight: 1}
	assert.False(t, g.ApplyRemoteEdge(dangling))
}

func nodeIDs(nodes []*Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.ID)
	}
	return ids
}
