package router

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/theapemachine/awt-go/pkg/contextgen"
	"github.com/theapemachine/awt-go/pkg/convstore"
	"github.com/theapemachine/awt-go/pkg/errors"
	"github.com/theapemachine/awt-go/pkg/graph"
	"github.com/theapemachine/awt-go/pkg/runner"
	"github.com/theapemachine/awt-go/pkg/settings"
	"github.com/theapemachine/awt-go/pkg/webhook"
)

/*
Deps bundles the components the command surface routes into.
*/
type Deps struct {
	Settings      *settings.Service
	Conversations *convstore.Store
	Queue         *webhook.Queue
	Dispatcher    *webhook.Dispatcher
	Graph         *graph.Graph
	Context       *contextgen.Generator
	Runner        *runner.Runner
	ExportsDir    string
}

/*
RegisterCore registers the full command surface on the router.
*/
func RegisterCore(r *Router, deps Deps) {
	registerSettingsCommands(r, deps)
	registerConversationCommands(r, deps)
	registerConnectorCommands(r, deps)
	registerContentCommands(r, deps)
}

func registerSettingsCommands(r *Router, deps Deps) {
	r.Register("get_settings", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		doc := deps.Settings.Get()
		return map[string]any{"settings": doc, "stats": doc.Stats}, nil
	})

	r.Register("reset_settings", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		deps.Settings.Reset()
		return nil, nil
	})

	r.Register("set_theme", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			Theme string `json:"theme"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.Theme == "" {
			return nil, errors.ErrInvalidJSON
		}
		deps.Settings.SetTheme(req.Theme)
		return nil, nil
	})

	r.Register("set_default_export_format", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			Format string `json:"format"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.Format == "" {
			return nil, errors.ErrInvalidJSON
		}
		deps.Settings.SetDefaultExportFormat(req.Format)
		return nil, nil
	})

	r.Register("toggle_global", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		return map[string]any{"globalEnabled": deps.Settings.ToggleGlobal()}, nil
	})

	r.Register("set_script_enabled", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			ScriptID string `json:"scriptId"`
			Enabled  bool   `json:"enabled"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.ScriptID == "" {
			return nil, errors.ErrInvalidJSON
		}
		deps.Settings.SetScriptEnabled(req.ScriptID, req.Enabled)
		return nil, nil
	})

	r.Register("get_enabled_for_url", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.URL == "" {
			return nil, errors.ErrInvalidURL
		}
		enabled := deps.Settings.EnabledForURL(req.URL)
		if enabled == nil {
			enabled = []settings.RegistryEntry{}
		}
		return map[string]any{"enabledScripts": enabled}, nil
	})

	r.Register("download_text", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			Filename string `json:"filename"`
			Text     string `json:"text"`
			Mime     string `json:"mime"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.Filename == "" {
			return nil, errors.ErrInvalidJSON
		}

		// Keep downloads inside the exports directory.
		name := filepath.Base(req.Filename)
		if name == "." || name == string(filepath.Separator) {
			return nil, errors.ErrInvalidJSON.WithMessagef("bad filename %q", req.Filename)
		}

		if err := os.MkdirAll(deps.ExportsDir, 0755); err != nil {
			return nil, errors.ErrMissingPermission.WithMessagef("%v", err)
		}
		path := filepath.Join(deps.ExportsDir, name)
		if err := os.WriteFile(path, []byte(req.Text), 0644); err != nil {
			return nil, errors.ErrMissingPermission.WithMessagef("%v", err)
		}

		deps.Settings.BumpStat("exports")
		return map[string]any{"path": path}, nil
	})
}

func registerConversationCommands(r *Router, deps Deps) {
	r.Register("save_conversation", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			Conversation convstore.Incoming `json:"conversation"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, errors.ErrInvalidJSON
		}

		conv, err := deps.Conversations.Save(req.Conversation)
		if err != nil {
			return nil, errors.ErrInvalidJSON.WithMessagef("%v", err)
		}

		deps.Settings.BumpStat("saves")
		return map[string]any{"conversation": conv}, nil
	})

	r.Register("list_conversations", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req convstore.Query
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, errors.ErrInvalidJSON
		}

		items := deps.Conversations.Search(req)
		if items == nil {
			items = []*convstore.Conversation{}
		}
		return map[string]any{"items": items}, nil
	})

	r.Register("get_conversation_by_id", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" {
			return nil, errors.ErrInvalidJSON
		}

		conv, ok := deps.Conversations.Get(req.ID)
		if !ok {
			return nil, errors.ErrNotFound
		}
		return map[string]any{"conversation": conv}, nil
	})

	r.Register("get_conversation_id_for_url", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.URL == "" {
			return nil, errors.ErrInvalidURL
		}

		id, ok := deps.Conversations.IDForURL(req.URL)
		if !ok {
			return nil, errors.ErrNotFound
		}
		return map[string]any{"id": id}, nil
	})

	r.Register("delete_conversation", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" {
			return nil, errors.ErrInvalidJSON
		}
		deps.Conversations.Delete(req.ID)
		return nil, nil
	})

	r.Register("update_conversation_meta", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			ID    string              `json:"id"`
			Patch convstore.MetaPatch `json:"patch"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" {
			return nil, errors.ErrInvalidJSON
		}

		conv, ok := deps.Conversations.UpdateMeta(req.ID, req.Patch)
		if !ok {
			return nil, errors.ErrNotFound
		}
		return map[string]any{"conversation": conv}, nil
	})

	r.Register("get_global_notes", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		return map[string]any{"text": deps.Conversations.GlobalNotes()}, nil
	})

	r.Register("set_global_notes", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, errors.ErrInvalidJSON
		}
		deps.Conversations.SetGlobalNotes(req.Text)
		return nil, nil
	})
}

func registerConnectorCommands(r *Router, deps Deps) {
	r.Register("get_connectors", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		list := deps.Settings.ConnectorList()
		if list == nil {
			list = []*settings.Connector{}
		}
		return map[string]any{"connectors": list}, nil
	})

	r.Register("set_connectors", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			Connectors settings.Connectors `json:"connectors"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, errors.ErrInvalidJSON
		}
		if err := deps.Settings.SetConnectors(req.Connectors); err != nil {
			return nil, errors.ErrInvalidURL.WithMessagef("%v", err)
		}
		return nil, nil
	})

	r.Register("connector_send", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req webhook.EnqueueInput
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, errors.ErrInvalidJSON
		}

		job, err := deps.Dispatcher.Enqueue(req)
		if err != nil {
			if routerErr, ok := err.(*errors.RouterError); ok {
				return nil, routerErr
			}
			return nil, errors.ErrNoConnector.WithMessagef("%v", err)
		}
		return map[string]any{"job": job}, nil
	})

	r.Register("list_jobs", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		jobs := deps.Queue.List()
		if jobs == nil {
			jobs = []*webhook.Job{}
		}
		return map[string]any{"jobs": jobs}, nil
	})
}

func registerContentCommands(r *Router, deps Deps) {
	r.Register("run_now", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		conv, routerErr := deps.Runner.RunNow()
		if routerErr != nil {
			return nil, routerErr
		}
		return map[string]any{"conversation": conv}, nil
	})

	r.Register("save_current", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			Autosave bool `json:"autosave"`
		}
		_ = json.Unmarshal(raw, &req)

		conv, routerErr := deps.Runner.SaveCurrent(req.Autosave)
		if routerErr != nil {
			return nil, routerErr
		}
		if conv != nil {
			deps.Settings.BumpStat("saves")
		}
		return map[string]any{"conversation": conv}, nil
	})

	r.Register("export_current", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			Format string `json:"format"`
		}
		_ = json.Unmarshal(raw, &req)
		if req.Format == "" {
			req.Format = deps.Settings.Get().UI.DefaultExportFormat
		}

		filename, text, routerErr := deps.Runner.RenderCurrent(req.Format)
		if routerErr != nil {
			return nil, routerErr
		}

		if err := os.MkdirAll(deps.ExportsDir, 0755); err != nil {
			return nil, errors.ErrMissingPermission.WithMessagef("%v", err)
		}
		path := filepath.Join(deps.ExportsDir, filepath.Base(filename))
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			return nil, errors.ErrMissingPermission.WithMessagef("%v", err)
		}

		deps.Settings.BumpStat("exports")
		return map[string]any{"path": path}, nil
	})

	r.Register("copy_current", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			Format string `json:"format"`
		}
		_ = json.Unmarshal(raw, &req)

		_, text, routerErr := deps.Runner.RenderCurrent(req.Format)
		if routerErr != nil {
			return nil, routerErr
		}
		return map[string]any{"text": text}, nil
	})

	r.Register("invoke_script_action", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			ScriptID string          `json:"scriptId"`
			Action   string          `json:"action"`
			Payload  json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.ScriptID == "" {
			return nil, errors.ErrInvalidJSON
		}
		return deps.Runner.InvokeAction(req.ScriptID, req.Action, req.Payload)
	})

	r.Register("generate_context", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			Platform string `json:"platform"`
			Strategy string `json:"strategy"`
			Template string `json:"template"`
		}
		_ = json.Unmarshal(raw, &req)
		if req.Platform == "" {
			req.Platform = runner.Platform(deps.Runner.CurrentURL())
		}

		payload := deps.Context.Generate(req.Platform, req.Strategy, req.Template)
		return map[string]any{"context": payload}, nil
	})

	r.Register("map_variables", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			Names []string `json:"names"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || len(req.Names) == 0 {
			return nil, errors.ErrInvalidJSON
		}
		return map[string]any{"variables": deps.Context.MapToVariables(req.Names)}, nil
	})

	r.Register("query_graph", func(ctx context.Context, raw json.RawMessage) (map[string]any, *errors.RouterError) {
		var req struct {
			Types           []string `json:"types"`
			Platform        string   `json:"platform"`
			SessionID       string   `json:"sessionId"`
			ContentContains string   `json:"contentContains"`
			MinRelevance    float64  `json:"minRelevance"`
			WithinHours     float64  `json:"withinHours"`
			SortBy          string   `json:"sortBy"`
			Limit           int      `json:"limit"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, errors.ErrInvalidJSON
		}

		criteria := graph.Criteria{
			Platform:        req.Platform,
			SessionID:       req.SessionID,
			ContentContains: req.ContentContains,
			MinRelevance:    req.MinRelevance,
			WithinHours:     req.WithinHours,
			SortBy:          req.SortBy,
			Limit:           req.Limit,
		}
		for _, t := range req.Types {
			criteria.Types = append(criteria.Types, graph.NodeType(strings.ToLower(t)))
		}

		results := deps.Graph.Query(criteria)
		nodes := make([]*graph.Node, 0, len(results))
		for _, result := range results {
			nodes = append(nodes, result.Node)
		}
		return map[string]any{"nodes": nodes}, nil
	})
}
