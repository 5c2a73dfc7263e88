package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	g := New()
	g.StartSession(SessionMeta{Platform: "chatgpt", URL: "https://chatgpt.com/c/x", Title: "api work"})

	lang := g.AddNode(NodeLanguage, "python", AddNodeInput{Importance: 0.8, Platform: "chatgpt"})
	framework := g.AddNode(NodeFramework, "django", AddNodeInput{Metadata: map[string]any{"language": "python"}})
	goal := g.AddNode(NodeGoal, "build a REST API", AddNodeInput{})

	g.AddEdge(framework.ID, lang.ID, EdgePartOf, AddEdgeInput{})
	g.AddEdge(goal.ID, lang.ID, EdgeRelatedTo, AddEdgeInput{Bidirectional: true})

	data, err := g.ToJSON()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.FromJSON(data))

	original := g.ToSnapshot()
	roundTripped := restored.ToSnapshot()

	require.Len(t, roundTripped.Nodes, len(original.Nodes))
	require.Len(t, roundTripped.Edges, len(original.Edges))
	require.Len(t, roundTripped.Sessions, len(original.Sessions))

	for i, node := range original.Nodes {
		got := roundTripped.Nodes[i]
		assert.Equal(t, node.ID, got.ID)
		assert.Equal(t, node.Type, got.Type)
		assert.Equal(t, node.Content, got.Content)
		assert.Equal(t, node.Importance, got.Importance)
		assert.Equal(t, node.SessionID, got.SessionID)
	}

	for i, edge := range original.Edges {
		got := roundTripped.Edges[i]
		assert.Equal(t, edge.ID, got.ID)
		assert.Equal(t, edge.SourceID, got.SourceID)
		assert.Equal(t, edge.TargetID, got.TargetID)
		assert.Equal(t, edge.Type, got.Type)
		assert.Equal(t, edge.Bidirectional, got.Bidirectional)
	}

	// Adjacency survives: the bidirectional edge is traversable from the
	// language side in the restored graph.
	sub := restored.GetSubgraph(lang.ID, 1)
	assert.Contains(t, nodeIDs(sub.Nodes), goal.ID)

	// Dedup index survives: re-adding returns the restored node.
	again := restored.AddNode(NodeLanguage, "python", AddNodeInput{})
	assert.Equal(t, lang.ID, again.ID)

	// The active session survives.
	active := restored.ActiveSession()
	require.NotNil(t, active)
	assert.Equal(t, "api work", active.Title)
	_, referenced := active.NodeIDs[lang.ID]
	assert.True(t, referenced)
}

func TestLoadSnapshotReplacesState(t *testing.T) {
	g := New()
	g.AddNode(NodeTopic, "will be replaced", AddNodeInput{})

	other := New()
	keep := other.AddNode(NodeTopic, "kept", AddNodeInput{})

	g.LoadSnapshot(other.ToSnapshot())

	_, ok := g.PeekNode(keep.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, g.Stats().NodeCount)

	results := g.Query(Criteria{ContentContains: "replaced"})
	assert.Empty(t, results)
}
