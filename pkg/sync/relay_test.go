package sync

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theapemachine/awt-go/pkg/graph"
)

func TestRelayFansOutToOtherPeers(t *testing.T) {
	hub := NewRelayHub()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	a, err := DialRelay(wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	b, err := DialRelay(wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	received := make(chan Message, 4)
	b.OnMessage(func(msg Message) { received <- msg })

	var echoed []Message
	a.OnMessage(func(msg Message) { echoed = append(echoed, msg) })

	require.NoError(t, a.Post(Message{Type: MsgHeartbeat, TabID: "a"}))

	select {
	case msg := <-received:
		assert.Equal(t, MsgHeartbeat, msg.Type)
		assert.Equal(t, "a", msg.TabID)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the relayed frame")
	}

	// The hub never echoes a frame back to its sender.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, echoed)
}

func TestManagersConvergeOverRelay(t *testing.T) {
	hub := NewRelayHub()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	transportA, err := DialRelay(wsURL)
	require.NoError(t, err)
	transportB, err := DialRelay(wsURL)
	require.NoError(t, err)

	gA := graph.New()
	gB := graph.New()

	a := NewManager(gA, transportA, nil, fastConfig())
	b := NewManager(gB, transportB, nil, fastConfig())
	t.Cleanup(a.Stop)
	t.Cleanup(b.Stop)

	a.Start(context.Background())
	b.Start(context.Background())
	settle()

	gA.AddNode(graph.NodeLanguage, "go", graph.AddNodeInput{})
	gB.AddNode(graph.NodeTopic, "websockets", graph.AddNodeInput{})

	assert.Eventually(t, func() bool {
		return gA.Stats().NodeCount == 2 && gB.Stats().NodeCount == 2
	}, 5*time.Second, 50*time.Millisecond)

	// Exactly one of the two holds leadership.
	assert.NotEqual(t, a.IsLeader(), b.IsLeader())
}
