package router

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theapemachine/awt-go/pkg/contextgen"
	"github.com/theapemachine/awt-go/pkg/convstore"
	"github.com/theapemachine/awt-go/pkg/extract"
	"github.com/theapemachine/awt-go/pkg/graph"
	"github.com/theapemachine/awt-go/pkg/runner"
	"github.com/theapemachine/awt-go/pkg/settings"
	"github.com/theapemachine/awt-go/pkg/webhook"
)

func newTestDeps(t *testing.T) (*Router, Deps) {
	t.Helper()

	svc, err := settings.Open("")
	require.NoError(t, err)
	conversations, err := convstore.Open("")
	require.NoError(t, err)
	queue, err := webhook.OpenQueue("")
	require.NoError(t, err)

	g := graph.New()
	deps := Deps{
		Settings:      svc,
		Conversations: conversations,
		Queue:         queue,
		Dispatcher:    webhook.NewDispatcher(queue, svc),
		Graph:         g,
		Context:       contextgen.New(g),
		Runner:        runner.New(svc, g, extract.New(g, nil), conversations),
		ExportsDir:    filepath.Join(t.TempDir(), "exports"),
	}

	r := New()
	RegisterCore(r, deps)
	return r, deps
}

func dispatch(t *testing.T, r *Router, command string, fields map[string]any) map[string]any {
	t.Helper()

	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = command

	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return r.Dispatch(context.Background(), raw)
}

func TestDispatchShapesResponses(t *testing.T) {
	r, _ := newTestDeps(t)

	t.Run("unknown command", func(t *testing.T) {
		response := dispatch(t, r, "bogus", nil)
		assert.Equal(t, false, response["ok"])
		assert.Equal(t, "unknown_command", response["error"])
	})

	t.Run("malformed body", func(t *testing.T) {
		response := r.Dispatch(context.Background(), []byte("{nope"))
		assert.Equal(t, false, response["ok"])
		assert.Equal(t, "invalid_json", response["error"])
	})

	t.Run("ok envelope", func(t *testing.T) {
		response := dispatch(t, r, "get_settings", nil)
		assert.Equal(t, true, response["ok"])
		assert.NotNil(t, response["settings"])
	})
}

func TestSettingsCommands(t *testing.T) {
	r, deps := newTestDeps(t)

	response := dispatch(t, r, "set_theme", map[string]any{"theme": "dark"})
	require.Equal(t, true, response["ok"])
	assert.Equal(t, "dark", deps.Settings.Get().UI.Theme)

	response = dispatch(t, r, "toggle_global", nil)
	require.Equal(t, true, response["ok"])
	assert.Equal(t, false, response["globalEnabled"])

	response = dispatch(t, r, "get_enabled_for_url", map[string]any{"url": "https://chatgpt.com/c/x"})
	require.Equal(t, true, response["ok"])
	assert.Empty(t, response["enabledScripts"], "master switch is off")

	dispatch(t, r, "toggle_global", nil)
	response = dispatch(t, r, "get_enabled_for_url", map[string]any{"url": "https://chatgpt.com/c/x"})
	assert.NotEmpty(t, response["enabledScripts"])
}

func TestConversationCommands(t *testing.T) {
	r, deps := newTestDeps(t)

	response := dispatch(t, r, "save_conversation", map[string]any{
		"conversation": map[string]any{
			"id":    "tmp_x",
			"url":   "https://chatgpt.com/c/abc",
			"title": "command-surface save",
			"text":  "hello world",
		},
	})
	require.Equal(t, true, response["ok"])
	assert.Equal(t, 1, deps.Settings.Get().Stats["saves"])

	response = dispatch(t, r, "get_conversation_id_for_url", map[string]any{"url": "https://chatgpt.com/c/abc"})
	require.Equal(t, true, response["ok"])
	assert.Equal(t, "c_abc", response["id"])

	response = dispatch(t, r, "update_conversation_meta", map[string]any{
		"id":    "c_abc",
		"patch": map[string]any{"pinned": true, "tags": []string{"keep"}},
	})
	require.Equal(t, true, response["ok"])

	response = dispatch(t, r, "list_conversations", map[string]any{"query": "command", "sort": "relevance"})
	require.Equal(t, true, response["ok"])
	items, ok := response["items"].([]*convstore.Conversation)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.True(t, items[0].Pinned)

	response = dispatch(t, r, "delete_conversation", map[string]any{"id": "c_abc"})
	require.Equal(t, true, response["ok"])

	response = dispatch(t, r, "get_conversation_by_id", map[string]any{"id": "c_abc"})
	assert.Equal(t, false, response["ok"])
	assert.Equal(t, "not_found", response["error"])
}

func TestGlobalNotesCommands(t *testing.T) {
	r, _ := newTestDeps(t)

	response := dispatch(t, r, "set_global_notes", map[string]any{"text": "park this idea"})
	require.Equal(t, true, response["ok"])

	response = dispatch(t, r, "get_global_notes", nil)
	require.Equal(t, true, response["ok"])
	assert.Equal(t, "park this idea", response["text"])
}

func TestConnectorCommands(t *testing.T) {
	r, deps := newTestDeps(t)

	response := dispatch(t, r, "set_connectors", map[string]any{
		"connectors": map[string]any{
			"byId": map[string]any{
				"hook": map[string]any{
					"id": "hook", "name": "Ops", "url": "https://hooks.example.com/in", "enabled": true,
				},
			},
			"order": []string{"hook"},
		},
	})
	require.Equal(t, true, response["ok"])

	response = dispatch(t, r, "get_connectors", nil)
	require.Equal(t, true, response["ok"])

	response = dispatch(t, r, "connector_send", map[string]any{
		"connectorId": "hook",
		"payload":     map[string]any{"a": 1},
		"kind":        "conversation",
	})
	require.Equal(t, true, response["ok"])

	jobs := deps.Queue.List()
	require.NotEmpty(t, jobs)
	assert.Equal(t, "hook", jobs[0].ConnectorID)

	response = dispatch(t, r, "list_jobs", nil)
	require.Equal(t, true, response["ok"])

	response = dispatch(t, r, "connector_send", map[string]any{"payload": map[string]any{}})
	assert.Equal(t, false, response["ok"])
	assert.Equal(t, "no_connector", response["error"])
}

func TestDownloadText(t *testing.T) {
	r, deps := newTestDeps(t)

	response := dispatch(t, r, "download_text", map[string]any{
		"filename": "notes.md",
		"text":     "# saved",
		"mime":     "text/markdown",
	})
	require.Equal(t, true, response["ok"])
	assert.Equal(t, 1, deps.Settings.Get().Stats["exports"])

	path, ok := response["path"].(string)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(deps.ExportsDir, "notes.md"), path)

	// Path traversal is flattened to the base name.
	response = dispatch(t, r, "download_text", map[string]any{
		"filename": "../../escape.txt",
		"text":     "nope",
	})
	require.Equal(t, true, response["ok"])
	assert.Equal(t, filepath.Join(deps.ExportsDir, "escape.txt"), response["path"])
}

func TestContentCommands(t *testing.T) {
	r, deps := newTestDeps(t)

	// No snapshot captured yet.
	response := dispatch(t, r, "run_now", nil)
	assert.Equal(t, false, response["ok"])
	assert.Equal(t, "no_receiver", response["error"])

	deps.Runner.HandleRoute("https://chatgpt.com/c/abc")
	deps.Runner.Observe(runner.Snapshot{
		URL:   "https://chatgpt.com/c/abc",
		Title: "python help",
		Messages: []convstore.Message{
			{Role: "user", Text: "I'm using Python with Django to build a REST API."},
			{Role: "assistant", Text: "Use DRF serializers."},
		},
	})

	response = dispatch(t, r, "save_current", map[string]any{"autosave": false})
	require.Equal(t, true, response["ok"])

	response = dispatch(t, r, "copy_current", map[string]any{"format": "markdown"})
	require.Equal(t, true, response["ok"])
	text, ok := response["text"].(string)
	require.True(t, ok)
	assert.Contains(t, text, "# python help")

	response = dispatch(t, r, "export_current", map[string]any{"format": "json"})
	require.Equal(t, true, response["ok"])

	response = dispatch(t, r, "generate_context", map[string]any{"platform": "chatgpt", "strategy": "structured"})
	require.Equal(t, true, response["ok"])

	response = dispatch(t, r, "query_graph", map[string]any{"types": []string{"language"}})
	require.Equal(t, true, response["ok"])
	nodes, ok := response["nodes"].([]*graph.Node)
	require.True(t, ok)
	assert.NotEmpty(t, nodes)
}

func TestInvokeScriptAction(t *testing.T) {
	r, deps := newTestDeps(t)

	deps.Runner.HandleRoute("https://chatgpt.com/c/abc")
	// Wait out the route debounce.
	time.Sleep(runner.RouteDebounce + 100*time.Millisecond)

	deps.Runner.RegisterAction("context-inject", "fill", func(payload json.RawMessage) (map[string]any, error) {
		return map[string]any{"filled": true}, nil
	})

	response := dispatch(t, r, "invoke_script_action", map[string]any{
		"scriptId": "context-inject",
		"action":   "fill",
	})
	require.Equal(t, true, response["ok"])
	assert.Equal(t, true, response["filled"])

	response = dispatch(t, r, "invoke_script_action", map[string]any{
		"scriptId": "context-inject",
		"action":   "unknown",
	})
	assert.Equal(t, "unknown_action", response["error"])

	response = dispatch(t, r, "invoke_script_action", map[string]any{
		"scriptId": "autosave",
		"action":   "anything",
	})
	assert.Equal(t, "script_not_enabled", response["error"], "autosave defaults to disabled")
}
