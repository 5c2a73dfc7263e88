package settings

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

/*
Connector is a user-configured webhook destination.
*/
type Connector struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	Secret    string            `json:"secret,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

/*
Connectors is the connector table plus its display order.
*/
type Connectors struct {
	ByID  map[string]*Connector `json:"byId"`
	Order []string              `json:"order"`
}

/*
RegistryEntry describes one automation script the runner can load.
*/
type RegistryEntry struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Icon           string         `json:"icon,omitempty"`
	Matches        []string       `json:"matches"`
	RunAt          string         `json:"runAt,omitempty"`
	Permissions    []string       `json:"permissions,omitempty"`
	Entry          string         `json:"entry,omitempty"`
	DefaultEnabled bool           `json:"defaultEnabled"`
	DefaultOptions map[string]any `json:"defaultOptions,omitempty"`
}

/*
UI carries display preferences.
*/
type UI struct {
	Theme               string `json:"theme"`
	DefaultExportFormat string `json:"defaultExportFormat"`
}

/*
Document is the single persisted settings value. GlobalEnabled is a
pointer so that an explicit false survives the defaults merge.
*/
type Document struct {
	Version        int                        `json:"version"`
	GlobalEnabled  *bool                      `json:"globalEnabled,omitempty"`
	Registry       []RegistryEntry            `json:"registry"`
	Enabled        map[string]bool            `json:"enabled"`
	Approvals      map[string]map[string]bool `json:"approvals"`
	ScriptOptions  map[string]map[string]any  `json:"scriptOptions"`
	Connectors     Connectors                 `json:"connectors"`
	UI             UI                         `json:"ui"`
	GrantedOrigins []string                   `json:"grantedOrigins"`
	Stats          map[string]int             `json:"stats"`
}

/*
DefaultDocument returns the factory settings, registry included.
*/
func DefaultDocument() Document {
	return Document{
		Version: 1,
		Registry: []RegistryEntry{
			{
				ID:             "conversation-capture",
				Name:           "Conversation Capture",
				Description:    "Observes the active chat and keeps the memory graph current",
				Matches:        []string{"https://chatgpt.com/*", "https://claude.ai/*", "https://gemini.google.com/*"},
				RunAt:          "document_idle",
				DefaultEnabled: true,
			},
			{
				ID:             "context-inject",
				Name:           "Context Inject",
				Description:    "Fills prompt variables from the memory graph",
				Matches:        []string{"https://chatgpt.com/*", "https://claude.ai/*"},
				RunAt:          "document_idle",
				DefaultEnabled: true,
			},
			{
				ID:             "autosave",
				Name:           "Conversation Autosave",
				Description:    "Debounced save of the visible conversation",
				Matches:        []string{"https://chatgpt.com/*"},
				RunAt:          "document_idle",
				DefaultEnabled: false,
			},
		},
		Enabled:       map[string]bool{"conversation-capture": true, "context-inject": true},
		Approvals:     map[string]map[string]bool{},
		ScriptOptions: map[string]map[string]any{},
		Connectors:    Connectors{ByID: map[string]*Connector{}},
		UI:            UI{Theme: "system", DefaultExportFormat: "markdown"},
		Stats:         map[string]int{},
	}
}

/*
Service owns the settings document: load with defaults merge, persist on
every mutation, and answer the read queries the router needs.
*/
type Service struct {
	mu   sync.Mutex
	doc  Document
	path string
}

/*
Open loads the settings document from path, merging it over the defaults.
A missing file yields the defaults; an empty path keeps the service
memory-only.
*/
func Open(path string) (*Service, error) {
	s := &Service{doc: DefaultDocument(), path: path}

	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var loaded Document
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}

	s.doc = merge(DefaultDocument(), loaded)
	return s, nil
}

/*
merge lays a loaded document over the defaults: registry unions by id,
the per-script maps union key-wise, connectors and an explicit
globalEnabled=false are preserved as-is.
*/
func merge(defaults, loaded Document) Document {
	out := defaults

	if loaded.Version > out.Version {
		out.Version = loaded.Version
	}

	// Preserve an explicit globalEnabled=false (or true).
	if loaded.GlobalEnabled != nil {
		out.GlobalEnabled = loaded.GlobalEnabled
	}

	// Union the registry by id; loaded entries win.
	byID := make(map[string]int, len(out.Registry))
	for i, entry := range out.Registry {
		byID[entry.ID] = i
	}
	for _, entry := range loaded.Registry {
		if i, ok := byID[entry.ID]; ok {
			out.Registry[i] = entry
		} else {
			out.Registry = append(out.Registry, entry)
		}
	}

	for id, enabled := range loaded.Enabled {
		out.Enabled[id] = enabled
	}
	for id, approvals := range loaded.Approvals {
		out.Approvals[id] = approvals
	}
	for id, options := range loaded.ScriptOptions {
		out.ScriptOptions[id] = options
	}

	if loaded.UI.Theme != "" {
		out.UI.Theme = loaded.UI.Theme
	}
	if loaded.UI.DefaultExportFormat != "" {
		out.UI.DefaultExportFormat = loaded.UI.DefaultExportFormat
	}

	// Connectors are user data; never reseed them from defaults.
	if loaded.Connectors.ByID != nil {
		out.Connectors = loaded.Connectors
	}

	if len(loaded.GrantedOrigins) > 0 {
		out.GrantedOrigins = loaded.GrantedOrigins
	}
	for kind, count := range loaded.Stats {
		out.Stats[kind] = count
	}

	return out
}

// Get returns a deep copy of the current document.
func (s *Service) Get() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Service) copyLocked() Document {
	data, err := json.Marshal(s.doc)
	if err != nil {
		log.Error("failed to copy settings", "error", err)
		return DefaultDocument()
	}

	var copied Document
	if err := json.Unmarshal(data, &copied); err != nil {
		log.Error("failed to copy settings", "error", err)
		return DefaultDocument()
	}
	return copied
}

// Reset restores the factory defaults, dropping user data.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = DefaultDocument()
	s.persistLocked()
}

// GloballyEnabled reports the master switch; unset means enabled.
func (s *Service) GloballyEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.GlobalEnabled == nil || *s.doc.GlobalEnabled
}

// ToggleGlobal flips the master switch and returns the new state.
func (s *Service) ToggleGlobal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := !(s.doc.GlobalEnabled == nil || *s.doc.GlobalEnabled)
	s.doc.GlobalEnabled = &next
	s.persistLocked()
	return next
}

// SetTheme updates the UI theme.
func (s *Service) SetTheme(theme string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.UI.Theme = theme
	s.persistLocked()
}

// SetDefaultExportFormat updates the default export format.
func (s *Service) SetDefaultExportFormat(format string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.UI.DefaultExportFormat = format
	s.persistLocked()
}

// SetScriptEnabled flips one script's enabled flag.
func (s *Service) SetScriptEnabled(scriptID string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Enabled[scriptID] = enabled
	s.persistLocked()
}

/*
EnabledForURL returns the registry entries enabled for the URL: the
master switch is on, the script is enabled, and the URL matches at least
one of its patterns (exact or "<prefix>/*").
*/
func (s *Service) EnabledForURL(rawURL string) []RegistryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !(s.doc.GlobalEnabled == nil || *s.doc.GlobalEnabled) {
		return nil
	}

	var enabled []RegistryEntry
	for _, entry := range s.doc.Registry {
		if !s.doc.Enabled[entry.ID] {
			continue
		}
		for _, pattern := range entry.Matches {
			if MatchURL(pattern, rawURL) {
				enabled = append(enabled, entry)
				break
			}
		}
	}
	return enabled
}

/*
MatchURL supports exact patterns and "<prefix>/*" globs.
*/
func MatchURL(pattern, rawURL string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return rawURL == prefix || strings.HasPrefix(rawURL, prefix+"/")
	}
	return rawURL == pattern
}

// BumpStat increments one usage counter and returns the new value.
func (s *Service) BumpStat(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Stats[kind]++
	s.persistLocked()
	return s.doc.Stats[kind]
}

// --- connectors --------------------------------------------------------

// Connector resolves one connector by id.
func (s *Service) Connector(id string) (*Connector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	connector, ok := s.doc.Connectors.ByID[id]
	if !ok {
		return nil, false
	}
	copied := *connector
	return &copied, true
}

// ConnectorList returns the connector table in display order.
func (s *Service) ConnectorList() []*Connector {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Connector
	for _, id := range s.doc.Connectors.Order {
		if connector, ok := s.doc.Connectors.ByID[id]; ok {
			copied := *connector
			out = append(out, &copied)
		}
	}
	return out
}

// SetConnectors replaces the connector table.
func (s *Service) SetConnectors(connectors Connectors) error {
	for _, connector := range connectors.ByID {
		if err := ValidateConnector(connector); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if connectors.ByID == nil {
		connectors.ByID = map[string]*Connector{}
	}
	s.doc.Connectors = connectors
	s.persistLocked()
	return nil
}

// --- host permissions --------------------------------------------------

/*
Origin extracts the "<scheme>://<host>" origin of a URL.
*/
func Origin(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("url %q has no origin", rawURL)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

// HasOriginPermission reports whether "<origin>/*" has been granted.
func (s *Service) HasOriginPermission(origin string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern := origin + "/*"
	for _, granted := range s.doc.GrantedOrigins {
		if granted == pattern || granted == "<all_urls>" {
			return true
		}
	}
	return false
}

// GrantOrigin records "<origin>/*" as granted.
func (s *Service) GrantOrigin(origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern := origin + "/*"
	for _, granted := range s.doc.GrantedOrigins {
		if granted == pattern {
			return
		}
	}
	s.doc.GrantedOrigins = append(s.doc.GrantedOrigins, pattern)
	s.persistLocked()
}

// --- persistence -------------------------------------------------------

func (s *Service) persistLocked() {
	if s.path == "" {
		return
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		log.Error("failed to encode settings", "error", err)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		log.Error("failed to create settings directory", "error", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error("failed to write settings", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		log.Error("failed to swap settings", "error", err)
	}
}
