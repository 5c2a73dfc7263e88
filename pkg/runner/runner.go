package runner

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/awt-go/pkg/convstore"
	"github.com/theapemachine/awt-go/pkg/errors"
	"github.com/theapemachine/awt-go/pkg/extract"
	"github.com/theapemachine/awt-go/pkg/graph"
	"github.com/theapemachine/awt-go/pkg/settings"
)

// Debounce windows for the two observation paths.
const (
	RouteDebounce    = 250 * time.Millisecond
	AutosaveDebounce = time.Second
)

// platformHosts maps chat-site hosts to their platform names.
var platformHosts = map[string]string{
	"chatgpt.com":           "chatgpt",
	"chat.openai.com":       "chatgpt",
	"claude.ai":             "claude",
	"gemini.google.com":     "gemini",
	"www.perplexity.ai":     "perplexity",
	"poe.com":               "poe",
	"copilot.microsoft.com": "copilot",
	"grok.com":              "grok",
	"you.com":               "you",
	"huggingface.co":        "huggingface",
}

/*
Snapshot is a captured conversation handed over by the external capture
layer: the text of every [data-message-author-role] element under main,
already split into role/text pairs.
*/
type Snapshot struct {
	URL      string              `json:"url"`
	Title    string              `json:"title"`
	Messages []convstore.Message `json:"messages"`
}

/*
ActionFunc handles one script action invocation.
*/
type ActionFunc func(payload json.RawMessage) (map[string]any, error)

/*
Runner loads enabled scripts per URL, re-runs extraction on route changes
and debounces conversation autosave. It owns the session lifecycle: a new
platform conversation URL starts a new graph session.
*/
type Runner struct {
	settings      *settings.Service
	graph         *graph.Graph
	extractor     *extract.Extractor
	conversations *convstore.Store

	mu           sync.Mutex
	currentURL   string
	platform     string
	lastSnapshot *Snapshot
	routeTimer   *time.Timer
	saveTimer    *time.Timer

	actions map[string]map[string]ActionFunc
}

/*
New wires a runner over the core components.
*/
func New(svc *settings.Service, g *graph.Graph, extractor *extract.Extractor, conversations *convstore.Store) *Runner {
	return &Runner{
		settings:      svc,
		graph:         g,
		extractor:     extractor,
		conversations: conversations,
		actions:       make(map[string]map[string]ActionFunc),
	}
}

/*
Platform derives the platform name from a URL host, or "" for hosts the
runner does not recognize.
*/
func Platform(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return platformHosts[strings.ToLower(parsed.Host)]
}

/*
HandleRoute debounces route changes and re-runs script resolution once
the URL settles. A changed conversation URL rolls the graph session.
*/
func (r *Runner) HandleRoute(rawURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.routeTimer != nil {
		r.routeTimer.Stop()
	}
	r.routeTimer = time.AfterFunc(RouteDebounce, func() {
		r.applyRoute(rawURL)
	})
}

// applyRoute is the debounced tail of HandleRoute.
func (r *Runner) applyRoute(rawURL string) {
	r.mu.Lock()
	changed := r.currentURL != rawURL
	r.currentURL = rawURL
	r.platform = Platform(rawURL)
	platform := r.platform
	r.mu.Unlock()

	if !changed || platform == "" {
		return
	}

	enabled := r.settings.EnabledForURL(rawURL)
	log.Debug("route settled", "url", rawURL, "platform", platform, "scripts", len(enabled))

	if len(enabled) == 0 {
		r.graph.EndSession()
		return
	}

	r.graph.StartSession(graph.SessionMeta{
		Platform: platform,
		URL:      rawURL,
	})
}

/*
CurrentURL returns the last settled URL.
*/
func (r *Runner) CurrentURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentURL
}

/*
Observe ingests a fresh conversation snapshot: the extractor runs on the
joined text immediately, the conversation autosave is debounced.
*/
func (r *Runner) Observe(snapshot Snapshot) {
	r.mu.Lock()
	r.lastSnapshot = &snapshot
	platform := r.platform
	if platform == "" {
		platform = Platform(snapshot.URL)
	}

	var sessionID string
	if session := r.graph.ActiveSession(); session != nil {
		sessionID = session.ID
	}
	r.mu.Unlock()

	incoming := Normalize(snapshot)
	r.extractor.Extract(incoming.Text, extract.Options{
		Platform:  platform,
		SessionID: sessionID,
	})

	if !r.autosaveEnabled(snapshot.URL) {
		return
	}

	r.mu.Lock()
	if r.saveTimer != nil {
		r.saveTimer.Stop()
	}
	r.saveTimer = time.AfterFunc(AutosaveDebounce, func() {
		if _, err := r.conversations.Save(incoming); err != nil {
			// Autosave is silent; failures only reach the log.
			log.Debug("autosave failed", "url", snapshot.URL, "error", err)
		}
	})
	r.mu.Unlock()
}

func (r *Runner) autosaveEnabled(rawURL string) bool {
	for _, entry := range r.settings.EnabledForURL(rawURL) {
		if entry.ID == "autosave" {
			return true
		}
	}
	return false
}

var slugRx = regexp.MustCompile(`[^a-z0-9]+`)

/*
Normalize turns a snapshot into a conversation save payload: the text is
the join of "[ROLE]\n<msg>\n" lines, the id the canonical c_<hash> or a
sanitized tmp_ slug.
*/
func Normalize(snapshot Snapshot) convstore.Incoming {
	var sb strings.Builder
	for _, msg := range snapshot.Messages {
		sb.WriteString("[" + strings.ToUpper(msg.Role) + "]\n")
		sb.WriteString(msg.Text)
		sb.WriteString("\n")
	}

	id := convstore.CanonicalID(snapshot.URL)
	if id == "" {
		source := snapshot.Title
		if source == "" {
			source = snapshot.URL
		}
		slug := strings.Trim(slugRx.ReplaceAllString(strings.ToLower(source), "-"), "-")
		if len(slug) > 40 {
			slug = slug[:40]
		}
		if slug == "" {
			slug = "untitled"
		}
		id = "tmp_" + slug
	}

	return convstore.Incoming{
		ID:       id,
		Title:    snapshot.Title,
		URL:      snapshot.URL,
		TS:       time.Now(),
		Messages: snapshot.Messages,
		Text:     sb.String(),
	}
}

/*
RunNow re-runs extraction and save immediately, without debouncing. It
requires the capture script to be enabled for the current URL.
*/
func (r *Runner) RunNow() (*convstore.Conversation, *errors.RouterError) {
	r.mu.Lock()
	snapshot := r.lastSnapshot
	currentURL := r.currentURL
	platform := r.platform
	r.mu.Unlock()

	if snapshot == nil {
		return nil, errors.ErrNoReceiver.WithMessagef("no conversation captured yet")
	}
	if !r.scriptEnabled("conversation-capture", currentURL) {
		return nil, errors.ErrScriptNotEnabled
	}

	incoming := Normalize(*snapshot)

	var sessionID string
	if session := r.graph.ActiveSession(); session != nil {
		sessionID = session.ID
	}
	r.extractor.Extract(incoming.Text, extract.Options{Platform: platform, SessionID: sessionID})

	conv, err := r.conversations.Save(incoming)
	if err != nil {
		return nil, errors.ErrInvalidJSON.WithMessagef("save failed: %v", err)
	}
	return conv, nil
}

/*
SaveCurrent saves the captured conversation. Explicit saves surface their
outcome; autosaves stay silent.
*/
func (r *Runner) SaveCurrent(autosave bool) (*convstore.Conversation, *errors.RouterError) {
	r.mu.Lock()
	snapshot := r.lastSnapshot
	r.mu.Unlock()

	if snapshot == nil {
		return nil, errors.ErrNoReceiver.WithMessagef("no conversation captured yet")
	}

	conv, err := r.conversations.Save(Normalize(*snapshot))
	if err != nil {
		if autosave {
			log.Debug("autosave failed", "error", err)
			return nil, nil
		}
		return nil, errors.ErrInvalidJSON.WithMessagef("save failed: %v", err)
	}
	return conv, nil
}

/*
RenderCurrent renders the captured conversation as markdown, json or
plain text.
*/
func (r *Runner) RenderCurrent(format string) (filename, text string, routerErr *errors.RouterError) {
	r.mu.Lock()
	snapshot := r.lastSnapshot
	r.mu.Unlock()

	if snapshot == nil {
		return "", "", errors.ErrNoReceiver.WithMessagef("no conversation captured yet")
	}

	incoming := Normalize(*snapshot)

	switch format {
	case "json":
		data, err := json.MarshalIndent(incoming, "", "  ")
		if err != nil {
			return "", "", errors.ErrInvalidJSON.WithMessagef("%v", err)
		}
		return incoming.ID + ".json", string(data), nil

	case "text":
		return incoming.ID + ".txt", incoming.Text, nil

	default: // markdown
		var sb strings.Builder
		fmt.Fprintf(&sb, "# %s\n\n", snapshot.Title)
		fmt.Fprintf(&sb, "> %s\n\n", snapshot.URL)
		for _, msg := range snapshot.Messages {
			fmt.Fprintf(&sb, "## %s\n\n%s\n\n", strings.ToUpper(msg.Role), msg.Text)
		}
		return incoming.ID + ".md", sb.String(), nil
	}
}

// --- script actions ----------------------------------------------------

/*
RegisterAction registers one action handler under a script id. Script
modules call this during wiring.
*/
func (r *Runner) RegisterAction(scriptID, action string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.actions[scriptID] == nil {
		r.actions[scriptID] = make(map[string]ActionFunc)
	}
	r.actions[scriptID][action] = fn
}

func (r *Runner) scriptEnabled(scriptID, rawURL string) bool {
	for _, entry := range r.settings.EnabledForURL(rawURL) {
		if entry.ID == scriptID {
			return true
		}
	}
	return false
}

/*
InvokeAction dispatches one script action for the current URL.
*/
func (r *Runner) InvokeAction(scriptID, action string, payload json.RawMessage) (map[string]any, *errors.RouterError) {
	r.mu.Lock()
	currentURL := r.currentURL
	handlers := r.actions[scriptID]
	r.mu.Unlock()

	if !r.scriptEnabled(scriptID, currentURL) {
		return nil, errors.ErrScriptNotEnabled
	}
	if len(handlers) == 0 {
		return nil, errors.ErrNoActionHandler
	}

	fn, ok := handlers[action]
	if !ok {
		return nil, errors.ErrUnknownAction.WithMessagef("script %s has no action %q", scriptID, action)
	}

	result, err := fn(payload)
	if err != nil {
		return nil, errors.ErrUnknownAction.WithMessagef("%v", err)
	}
	return result, nil
}

// --- workflow chains ---------------------------------------------------

/*
ChainStep is one step of a configured workflow chain.
*/
type ChainStep struct {
	ScriptID string          `json:"scriptId"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

/*
RunChain executes a workflow chain. Only the first step runs; multi-step
execution is intentionally not wired.
*/
func (r *Runner) RunChain(steps []ChainStep) (map[string]any, *errors.RouterError) {
	if len(steps) == 0 {
		return nil, errors.ErrUnknownAction.WithMessagef("empty chain")
	}

	first := steps[0]
	return r.InvokeAction(first.ScriptID, first.Action, first.Payload)
}
