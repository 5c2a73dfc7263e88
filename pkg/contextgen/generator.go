package contextgen

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/theapemachine/awt-go/pkg/graph"
)

// Strategies accepted by Generate.
const (
	StrategyMinimal    = "minimal"
	StrategyStructured = "structured"
	StrategyNarrative  = "narrative"
	StrategySystem     = "system"
	StrategyCustom     = "custom"
)

// PlatformBudgets holds the per-platform token budget; "default" covers
// everything unlisted. Tokens approximate chars/4.
var PlatformBudgets = map[string]int{
	"chatgpt":     1500,
	"claude":      2000,
	"perplexity":  1000,
	"gemini":      1500,
	"poe":         1000,
	"copilot":     800,
	"bing":        600,
	"you":         800,
	"huggingface": 500,
	"grok":        1000,
	"default":     1000,
}

/*
Payload is the rendered context returned to the injection layer.
*/
type Payload struct {
	Text        string         `json:"text"`
	Tokens      int            `json:"tokens"`
	Strategy    string         `json:"strategy"`
	Platform    string         `json:"platform"`
	NodeCount   int            `json:"nodeCount"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Metadata    map[string]any `json:"metadata"`
}

/*
Generator renders relevance-filtered summaries of the graph for prompt
injection. Rendered payloads are memoized until the graph changes.
*/
type Generator struct {
	graph *graph.Graph
	cache *ristretto.Cache
}

/*
New creates a generator over the given graph.
*/
func New(g *graph.Graph) *Generator {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 12,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		// The config above is static; NewCache only rejects invalid configs.
		panic(err)
	}

	return &Generator{graph: g, cache: cache}
}

// buckets is the working set every strategy renders from, gathered by a
// single 24-hour relevance query.
type buckets struct {
	languages  []string
	frameworks []string
	errors     []*graph.Node
	goals      []string
	topics     []string
	files      []string
	code       []*graph.Node
	functions  []string
	classes    []string
	nodeCount  int
}

func (gen *Generator) collect() buckets {
	results := gen.graph.Query(graph.Criteria{WithinHours: 24, SortBy: graph.SortRelevance})

	var b buckets
	b.nodeCount = len(results)

	for _, result := range results {
		node := result.Node
		switch node.Type {
		case graph.NodeLanguage:
			b.languages = appendCap(b.languages, node.Content, 3)
		case graph.NodeFramework:
			b.frameworks = appendCap(b.frameworks, node.Content, 3)
		case graph.NodeError:
			if len(b.errors) < 2 {
				b.errors = append(b.errors, node)
			}
		case graph.NodeGoal:
			b.goals = appendCap(b.goals, node.Content, 2)
		case graph.NodeTopic:
			b.topics = appendCap(b.topics, node.Content, 3)
		case graph.NodeFile:
			b.files = appendCap(b.files, node.Content, 5)
		case graph.NodeCodeBlock:
			if len(b.code) < 2 {
				b.code = append(b.code, node)
			}
		case graph.NodeFunction:
			b.functions = appendCap(b.functions, node.Content, 5)
		case graph.NodeClass:
			b.classes = appendCap(b.classes, node.Content, 5)
		}
	}
	return b
}

func appendCap(items []string, item string, limit int) []string {
	if len(items) >= limit {
		return items
	}
	for _, existing := range items {
		if existing == item {
			return items
		}
	}
	return append(items, item)
}

/*
Generate renders a context payload for the platform using the given
strategy. The template argument is only consulted by the custom strategy.
*/
func (gen *Generator) Generate(platform, strategy, template string) Payload {
	if strategy == "" {
		strategy = StrategyStructured
	}

	stats := gen.graph.Stats()
	cacheKey := fmt.Sprintf("%s|%s|%s|%d", platform, strategy, template, stats.LastModified.UnixNano())
	if cached, ok := gen.cache.Get(cacheKey); ok {
		if payload, ok := cached.(Payload); ok {
			return payload
		}
	}

	b := gen.collect()
	now := time.Now()

	budget, ok := PlatformBudgets[platform]
	if !ok {
		budget = PlatformBudgets["default"]
	}

	var text string
	metadata := map[string]any{}

	switch strategy {
	case StrategyMinimal:
		metadata = gen.renderMinimal(b, now)
	case StrategyNarrative:
		text = gen.renderNarrative(b, now)
	case StrategySystem:
		text = gen.renderSystem(b)
	case StrategyCustom:
		text = gen.renderCustom(b, template)
	default:
		strategy = StrategyStructured
		text = gen.renderStructured(b)
	}

	text = TruncateToTokens(text, budget)

	payload := Payload{
		Text:        text,
		Tokens:      len(text) / 4,
		Strategy:    strategy,
		Platform:    platform,
		NodeCount:   b.nodeCount,
		GeneratedAt: now,
		Metadata:    metadata,
	}

	gen.cache.Set(cacheKey, payload, int64(len(text)+1))
	return payload
}

func (gen *Generator) renderMinimal(b buckets, now time.Time) map[string]any {
	metadata := map[string]any{}

	if len(b.languages) > 0 {
		metadata["language"] = b.languages[0]
	}
	if len(b.frameworks) > 0 {
		metadata["framework"] = b.frameworks[0]
	}
	if len(b.errors) > 0 && now.Sub(b.errors[0].CreatedAt) <= RecentErrorWindow {
		metadata["error"] = truncateChars(b.errors[0].Content, 100)
	}
	if len(b.goals) > 0 {
		metadata["goal"] = b.goals[0]
	}
	return metadata
}

func (gen *Generator) renderStructured(b buckets) string {
	doc := map[string]any{}

	if len(b.languages) > 0 {
		doc["languages"] = b.languages
	}
	if len(b.frameworks) > 0 {
		doc["frameworks"] = b.frameworks
	}
	if len(b.errors) > 0 {
		var errs []string
		for _, node := range b.errors {
			errs = append(errs, truncateChars(node.Content, 100))
		}
		doc["recentErrors"] = errs
	}
	if len(b.goals) > 0 {
		doc["goals"] = b.goals
	}
	if len(b.topics) > 0 {
		doc["topics"] = b.topics
	}
	if len(b.files) > 0 {
		doc["files"] = b.files
	}

	if len(doc) == 0 {
		return ""
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

func (gen *Generator) renderNarrative(b buckets, now time.Time) string {
	var clauses []string

	if len(b.languages) > 0 {
		opening := "The developer is working with " + joinNatural(b.languages)
		if len(b.frameworks) > 0 {
			opening += " using " + joinNatural(b.frameworks)
		}
		clauses = append(clauses, opening)
	}
	if len(b.goals) > 0 {
		clauses = append(clauses, "they are trying to "+b.goals[0])
	}
	if len(b.topics) > 0 {
		clauses = append(clauses, "the discussion covers "+joinNatural(b.topics))
	}
	if len(b.errors) > 0 && now.Sub(b.errors[0].CreatedAt) <= 4*time.Hour {
		clauses = append(clauses, "a recent problem was: "+truncateChars(b.errors[0].Content, 120))
	}
	if len(b.files) > 0 {
		clauses = append(clauses, "relevant files include "+strings.Join(b.files, ", "))
	}

	if len(clauses) == 0 {
		return ""
	}
	return strings.Join(clauses, "; ") + "."
}

func (gen *Generator) renderSystem(b buckets) string {
	var lines []string
	lines = append(lines, "<work_context>")

	if len(b.languages) > 0 {
		lines = append(lines, "primary_language: "+b.languages[0])
	}
	stack := append(append([]string{}, b.languages...), b.frameworks...)
	if len(stack) > 0 {
		lines = append(lines, "tech_stack: "+strings.Join(stack, ", "))
	}
	if len(b.goals) > 0 {
		lines = append(lines, "current_task: "+b.goals[0])
	}
	if len(b.files) > 0 {
		lines = append(lines, "working_files: "+strings.Join(b.files, ", "))
	}
	if len(b.code) > 0 {
		lines = append(lines, "recent_code: "+truncateChars(oneLine(b.code[0].Content), 160))
	}
	if len(b.errors) > 0 {
		lines = append(lines, "current_issue: "+truncateChars(b.errors[0].Content, 160))
	}

	lines = append(lines, "</work_context>")
	return strings.Join(lines, "\n")
}

func (gen *Generator) renderCustom(b buckets, template string) string {
	first := func(items []string) string {
		if len(items) == 0 {
			return ""
		}
		return items[0]
	}

	errText := ""
	if len(b.errors) > 0 {
		errText = truncateChars(b.errors[0].Content, 120)
	}
	codeText := ""
	if len(b.code) > 0 {
		codeText = truncateChars(b.code[0].Content, 300)
	}

	replacer := strings.NewReplacer(
		"{{language}}", first(b.languages),
		"{{languages}}", strings.Join(b.languages, ", "),
		"{{framework}}", first(b.frameworks),
		"{{frameworks}}", strings.Join(b.frameworks, ", "),
		"{{error}}", errText,
		"{{goal}}", first(b.goals),
		"{{goals}}", strings.Join(b.goals, ", "),
		"{{topic}}", first(b.topics),
		"{{topics}}", strings.Join(b.topics, ", "),
		"{{files}}", strings.Join(b.files, ", "),
		"{{code}}", codeText,
	)

	return replacer.Replace(template)
}

/*
TruncateToTokens cuts text to maxTokens*4 characters at the nearest word
boundary, appending an ellipsis when anything was dropped.
*/
func TruncateToTokens(text string, maxTokens int) string {
	maxChars := maxTokens * 4
	if len(text) <= maxChars {
		return text
	}

	cut := text[:maxChars]
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " \t\n") + "…"
}

func truncateChars(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars] + "…"
}

func oneLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func joinNatural(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}
