package runner

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theapemachine/awt-go/pkg/convstore"
	"github.com/theapemachine/awt-go/pkg/extract"
	"github.com/theapemachine/awt-go/pkg/graph"
	"github.com/theapemachine/awt-go/pkg/settings"
)

func newTestRunner(t *testing.T) (*Runner, *graph.Graph, *convstore.Store, *settings.Service) {
	t.Helper()

	svc, err := settings.Open("")
	require.NoError(t, err)
	conversations, err := convstore.Open("")
	require.NoError(t, err)

	g := graph.New()
	r := New(svc, g, extract.New(g, nil), conversations)
	return r, g, conversations, svc
}

func settleRoute() { time.Sleep(RouteDebounce + 100*time.Millisecond) }

func TestPlatformDetection(t *testing.T) {
	assert.Equal(t, "chatgpt", Platform("https://chatgpt.com/c/abc"))
	assert.Equal(t, "claude", Platform("https://claude.ai/chat/x"))
	assert.Equal(t, "gemini", Platform("https://gemini.google.com/app"))
	assert.Equal(t, "", Platform("https://example.com/"))
}

func TestNormalize(t *testing.T) {
	t.Run("canonical id from URL", func(t *testing.T) {
		incoming := Normalize(Snapshot{
			URL:   "https://chatgpt.com/c/abc123",
			Title: "api debugging",
			Messages: []convstore.Message{
				{Role: "user", Text: "hello"},
				{Role: "assistant", Text: "hi there"},
			},
		})

		assert.Equal(t, "c_abc123", incoming.ID)
		assert.Equal(t, "[USER]\nhello\n[ASSISTANT]\nhi there\n", incoming.Text)
	})

	t.Run("tmp slug fallback", func(t *testing.T) {
		incoming := Normalize(Snapshot{
			URL:   "https://claude.ai/new",
			Title: "Fix the Webhook Retry!",
		})
		assert.Equal(t, "tmp_fix-the-webhook-retry", incoming.ID)
	})

	t.Run("untitled fallback stays stable", func(t *testing.T) {
		incoming := Normalize(Snapshot{})
		assert.Equal(t, "tmp_untitled", incoming.ID)
	})
}

func TestRouteChangeStartsSession(t *testing.T) {
	r, g, _, _ := newTestRunner(t)

	r.HandleRoute("https://chatgpt.com/c/abc")
	settleRoute()

	session := g.ActiveSession()
	require.NotNil(t, session)
	assert.Equal(t, "chatgpt", session.Platform)
	first := session.ID

	// A different conversation URL rolls the session.
	r.HandleRoute("https://chatgpt.com/c/def")
	settleRoute()

	session = g.ActiveSession()
	require.NotNil(t, session)
	assert.NotEqual(t, first, session.ID)

	previous, ok := g.GetSession(first)
	require.True(t, ok)
	assert.False(t, previous.IsActive)
}

func TestRouteDebounceCoalesces(t *testing.T) {
	r, g, _, _ := newTestRunner(t)

	// Rapid route flaps settle on the last URL only.
	r.HandleRoute("https://chatgpt.com/c/one")
	r.HandleRoute("https://chatgpt.com/c/two")
	r.HandleRoute("https://chatgpt.com/c/three")
	settleRoute()

	session := g.ActiveSession()
	require.NotNil(t, session)
	assert.Equal(t, "https://chatgpt.com/c/three", session.URL)
	assert.Len(t, g.GetRecentSessions(10), 1)
}

func TestUnknownHostKeepsSession(t *testing.T) {
	r, g, _, _ := newTestRunner(t)

	r.HandleRoute("https://chatgpt.com/c/abc")
	settleRoute()
	require.NotNil(t, g.ActiveSession())

	r.HandleRoute("https://example.com/")
	settleRoute()

	// No platform, no new session; the old one keeps running until a
	// platform page ends it.
	session := g.ActiveSession()
	require.NotNil(t, session)
	assert.Equal(t, "chatgpt", session.Platform)
}

func TestObserveFeedsExtractor(t *testing.T) {
	r, g, _, _ := newTestRunner(t)

	r.HandleRoute("https://chatgpt.com/c/abc")
	settleRoute()

	r.Observe(Snapshot{
		URL:   "https://chatgpt.com/c/abc",
		Title: "django api",
		Messages: []convstore.Message{
			{Role: "user", Text: "I'm using Python with Django to build a REST API."},
		},
	})

	languages := g.NodesByType(graph.NodeLanguage)
	require.NotEmpty(t, languages)
	assert.Equal(t, "python", languages[0].Content)
	assert.Equal(t, "chatgpt", languages[0].Platform)

	session := g.ActiveSession()
	require.NotNil(t, session)
	assert.Equal(t, "python", session.PrimaryLanguage)
}

func TestObserveAutosavesWhenEnabled(t *testing.T) {
	r, _, conversations, svc := newTestRunner(t)
	svc.SetScriptEnabled("autosave", true)

	r.HandleRoute("https://chatgpt.com/c/abc")
	settleRoute()

	r.Observe(Snapshot{
		URL:   "https://chatgpt.com/c/abc",
		Title: "saved",
		Messages: []convstore.Message{
			{Role: "user", Text: "please remember this conversation"},
		},
	})

	assert.Equal(t, 0, conversations.Len(), "autosave waits for the debounce")

	assert.Eventually(t, func() bool {
		_, ok := conversations.Get("c_abc")
		return ok
	}, 3*time.Second, 50*time.Millisecond)
}

func TestObserveSkipsAutosaveWhenDisabled(t *testing.T) {
	r, _, conversations, _ := newTestRunner(t)

	r.HandleRoute("https://chatgpt.com/c/abc")
	settleRoute()

	r.Observe(Snapshot{
		URL:      "https://chatgpt.com/c/abc",
		Messages: []convstore.Message{{Role: "user", Text: "do not persist this automatically"}},
	})

	time.Sleep(AutosaveDebounce + 200*time.Millisecond)
	assert.Equal(t, 0, conversations.Len())
}

func TestRunNowRequiresEnabledCapture(t *testing.T) {
	r, _, conversations, svc := newTestRunner(t)

	r.HandleRoute("https://chatgpt.com/c/abc")
	settleRoute()
	r.Observe(Snapshot{
		URL:      "https://chatgpt.com/c/abc",
		Title:    "manual run",
		Messages: []convstore.Message{{Role: "user", Text: "run this through the graph now"}},
	})

	conv, routerErr := r.RunNow()
	require.Nil(t, routerErr)
	require.NotNil(t, conv)
	assert.Equal(t, "c_abc", conv.ID)
	assert.Equal(t, 1, conversations.Len())

	svc.SetScriptEnabled("conversation-capture", false)
	_, routerErr = r.RunNow()
	require.NotNil(t, routerErr)
	assert.Equal(t, "script_not_enabled", routerErr.Kind)
}

func TestRenderCurrentFormats(t *testing.T) {
	r, _, _, _ := newTestRunner(t)

	r.Observe(Snapshot{
		URL:   "https://chatgpt.com/c/abc",
		Title: "render me",
		Messages: []convstore.Message{
			{Role: "user", Text: "question about rendering formats"},
			{Role: "assistant", Text: "answer"},
		},
	})

	name, text, routerErr := r.RenderCurrent("markdown")
	require.Nil(t, routerErr)
	assert.Equal(t, "c_abc.md", name)
	assert.Contains(t, text, "# render me")
	assert.Contains(t, text, "## USER")

	name, text, routerErr = r.RenderCurrent("json")
	require.Nil(t, routerErr)
	assert.Equal(t, "c_abc.json", name)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &decoded))

	name, text, routerErr = r.RenderCurrent("text")
	require.Nil(t, routerErr)
	assert.Equal(t, "c_abc.txt", name)
	assert.Contains(t, text, "[USER]")
}

func TestChainRunsFirstStepOnly(t *testing.T) {
	r, _, _, _ := newTestRunner(t)

	r.HandleRoute("https://chatgpt.com/c/abc")
	settleRoute()

	var calls []string
	r.RegisterAction("context-inject", "first", func(json.RawMessage) (map[string]any, error) {
		calls = append(calls, "first")
		return map[string]any{"step": 1}, nil
	})
	r.RegisterAction("context-inject", "second", func(json.RawMessage) (map[string]any, error) {
		calls = append(calls, "second")
		return map[string]any{"step": 2}, nil
	})

	result, routerErr := r.RunChain([]ChainStep{
		{ScriptID: "context-inject", Action: "first"},
		{ScriptID: "context-inject", Action: "second"},
	})
	require.Nil(t, routerErr)
	assert.Equal(t, map[string]any{"step": 1}, result)
	assert.Equal(t, []string{"first"}, calls, "only the first chain step executes")
}
