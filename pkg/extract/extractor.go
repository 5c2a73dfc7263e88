package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/theapemachine/awt-go/pkg/graph"
)

// MinTextLength gates extraction; shorter blobs carry no signal worth
// mutating the graph for.
const MinTextLength = 20

/*
Detection is one scored table hit. Language is set on framework
detections to name the language the framework belongs to.
*/
type Detection struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

/*
CodeBlock is one fenced segment lifted from the text.
*/
type CodeBlock struct {
	Language string `json:"language"`
	Content  string `json:"content"`
	Length   int    `json:"length"`
}

/*
ErrorHit is one error-signature match with its surrounding context.
*/
type ErrorHit struct {
	Kind       string  `json:"kind"`
	Message    string  `json:"message"`
	Context    string  `json:"context"`
	Importance float64 `json:"importance"`
}

/*
Report lists everything one extraction detected plus the nodes and edges
it materialized in the graph.
*/
type Report struct {
	Languages  []Detection `json:"languages"`
	Frameworks []Detection `json:"frameworks"`
	Topics     []Detection `json:"topics"`
	CodeBlocks []CodeBlock `json:"codeBlocks"`
	Errors     []ErrorHit  `json:"errors"`
	Files      []string    `json:"files"`
	Functions  []string    `json:"functions"`
	Classes    []string    `json:"classes"`
	URLs       []string    `json:"urls"`
	Goals      []string    `json:"goals"`

	Nodes []*graph.Node `json:"nodes"`
	Edges []*graph.Edge `json:"edges"`
}

/*
Options scopes an extraction to a platform and session.
*/
type Options struct {
	Platform  string
	SessionID string
}

/*
Extractor turns free text into graph mutations using pure pattern tables.
*/
type Extractor struct {
	graph  *graph.Graph
	tables *Tables
}

/*
New creates an extractor over the given graph. A nil tables argument
selects the built-in defaults.
*/
func New(g *graph.Graph, tables *Tables) *Extractor {
	if tables == nil {
		tables = DefaultTables()
	}
	return &Extractor{graph: g, tables: tables}
}

var (
	fenceRx    = regexp.MustCompile("(?s)```([\\w+-]*)\\n(.*?)```")
	functionRx = regexp.MustCompile(`\b(?:def|fn|func|fun|function)\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	classRx    = regexp.MustCompile(`\b([A-Z][a-z0-9]+(?:[A-Z][a-z0-9]+)+)\b`)
	urlRx      = regexp.MustCompile(`https?://[^\s)"'<>]+`)
	goalRxs    = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bi\s+(?:want|need)\s+to\s+.{5,100}`),
		regexp.MustCompile(`(?i)\b(?:build|fix|implement|create)(?:ing)?\s+.{5,100}`),
		regexp.MustCompile(`(?i)\bworking\s+on\s+.{5,100}`),
	}
	sentenceEndRx = regexp.MustCompile(`[.!?\n]`)
)

/*
Extract runs every detector over the text and materializes the results in
the graph. Text shorter than MinTextLength yields nil.
*/
func (e *Extractor) Extract(text string, opts Options) *Report {
	if len(text) < MinTextLength {
		return nil
	}

	report := &Report{
		Languages:  e.detectLanguages(text),
		CodeBlocks: e.detectCodeBlocks(text),
		Errors:     e.detectErrors(text),
		Topics:     e.detectTopics(text),
		Goals:      e.detectGoals(text),
	}
	report.Frameworks = e.detectFrameworks(text)
	report.Files, report.Functions, report.Classes, report.URLs = e.detectEntities(text)

	e.materialize(report, opts)
	e.updateSession(report)

	return report
}

// --- detection ---------------------------------------------------------

func (e *Extractor) scoreLanguage(lang LanguagePattern, text, lower string) float64 {
	score := 0.0
	for _, keyword := range lang.Keywords {
		score += 2 * float64(countWord(lower, keyword))
	}
	for _, pattern := range lang.Patterns {
		score += 3 * float64(len(pattern.FindAllString(text, -1)))
	}
	for _, ext := range lang.Extensions {
		score += 5 * float64(strings.Count(lower, ext))
	}
	return score
}

func (e *Extractor) detectLanguages(text string) []Detection {
	lower := strings.ToLower(text)

	var detections []Detection
	for _, lang := range e.tables.Languages {
		score := e.scoreLanguage(lang, text, lower)
		if score == 0 {
			continue
		}

		confidence := score / 30
		if confidence > 1 {
			confidence = 1
		}
		if confidence < 0.3 {
			continue
		}
		detections = append(detections, Detection{Name: lang.Name, Confidence: confidence})
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
	if len(detections) > 3 {
		detections = detections[:3]
	}
	return detections
}

func (e *Extractor) detectCodeBlocks(text string) []CodeBlock {
	var blocks []CodeBlock

	for _, match := range fenceRx.FindAllStringSubmatch(text, -1) {
		lang := strings.ToLower(strings.TrimSpace(match[1]))
		content := match[2]
		if len(content) < 10 {
			continue
		}

		if lang == "" || lang == "unknown" {
			lang = e.rescoreBlock(content)
		}

		blocks = append(blocks, CodeBlock{Language: lang, Content: content, Length: len(content)})
	}
	return blocks
}

// rescoreBlock picks the most likely language of an unlabeled fence using
// the keyword and pattern weights only.
func (e *Extractor) rescoreBlock(content string) string {
	lower := strings.ToLower(content)

	best := "unknown"
	bestScore := 0.0
	for _, lang := range e.tables.Languages {
		score := 0.0
		for _, keyword := range lang.Keywords {
			score += 2 * float64(countWord(lower, keyword))
		}
		for _, pattern := range lang.Patterns {
			score += 3 * float64(len(pattern.FindAllString(content, -1)))
		}
		if score > bestScore {
			bestScore = score
			best = lang.Name
		}
	}
	return best
}

func (e *Extractor) detectFrameworks(text string) []Detection {
	lower := strings.ToLower(text)

	seen := make(map[string]struct{})
	var detections []Detection

	for _, lang := range e.tables.Languages {
		for _, framework := range lang.Frameworks {
			hits := 0
			for _, indicator := range framework.Indicators {
				if countWord(lower, indicator) > 0 {
					hits++
				}
			}
			if hits == 0 {
				continue
			}

			confidence := float64(hits)/float64(len(framework.Indicators)) + 0.3
			if confidence > 1 {
				confidence = 1
			}
			if confidence < 0.4 {
				continue
			}
			if _, ok := seen[framework.Name]; ok {
				continue
			}
			seen[framework.Name] = struct{}{}

			detections = append(detections, Detection{
				Name:       framework.Name,
				Confidence: confidence,
				Language:   lang.Name,
			})
		}
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
	if len(detections) > 5 {
		detections = detections[:5]
	}
	return detections
}

func (e *Extractor) detectErrors(text string) []ErrorHit {
	seen := make(map[string]struct{})
	var hits []ErrorHit

	for _, signature := range e.tables.Errors {
		matches := signature.Pattern.FindAllStringIndex(text, 3)
		for _, loc := range matches {
			message := strings.TrimSpace(text[loc[0]:loc[1]])
			if _, ok := seen[message]; ok {
				continue
			}
			seen[message] = struct{}{}

			ctxStart := loc[0] - 100
			if ctxStart < 0 {
				ctxStart = 0
			}
			ctxEnd := loc[0] + 200
			if ctxEnd > len(text) {
				ctxEnd = len(text)
			}

			hits = append(hits, ErrorHit{
				Kind:       signature.Kind,
				Message:    message,
				Context:    text[ctxStart:ctxEnd],
				Importance: signature.Importance,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Importance > hits[j].Importance
	})
	if len(hits) > 5 {
		hits = hits[:5]
	}
	return hits
}

func (e *Extractor) detectTopics(text string) []Detection {
	lower := strings.ToLower(text)

	var detections []Detection
	for _, topic := range e.tables.Topics {
		hits := 0
		for _, keyword := range topic.Keywords {
			if countWord(lower, keyword) > 0 {
				hits++
			}
		}
		if hits < 2 {
			continue
		}

		confidence := float64(hits)/float64(len(topic.Keywords)) + 0.2
		if confidence > 1 {
			confidence = 1
		}
		detections = append(detections, Detection{Name: topic.Name, Confidence: confidence})
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
	if len(detections) > 3 {
		detections = detections[:3]
	}
	return detections
}

func (e *Extractor) detectEntities(text string) (files, functions, classes, urls []string) {
	fileRx := regexp.MustCompile(`\b[\w./-]+\.(` + strings.Join(e.tables.FileExtensions, "|") + `)\b`)

	files = dedupeCap(fileRx.FindAllString(text, -1), 10)

	for _, match := range functionRx.FindAllStringSubmatch(text, -1) {
		functions = append(functions, match[1])
	}
	functions = dedupeCap(functions, 10)

	stop := make(map[string]struct{}, len(e.tables.ClassStopList))
	for _, word := range e.tables.ClassStopList {
		stop[word] = struct{}{}
	}
	for _, match := range classRx.FindAllString(text, -1) {
		if _, ok := stop[match]; ok {
			continue
		}
		classes = append(classes, match)
	}
	classes = dedupeCap(classes, 10)

	urls = dedupeCap(urlRx.FindAllString(text, -1), 10)
	return files, functions, classes, urls
}

func (e *Extractor) detectGoals(text string) []string {
	var goals []string
	for _, pattern := range goalRxs {
		for _, match := range pattern.FindAllString(text, -1) {
			goal := match
			if loc := sentenceEndRx.FindStringIndex(goal); loc != nil {
				goal = goal[:loc[0]]
			}
			goal = strings.TrimSpace(goal)
			if len(goal) < 5 {
				continue
			}
			goals = append(goals, goal)
		}
	}

	goals = dedupeCap(goals, 3)
	return goals
}

// --- materialization ---------------------------------------------------

func (e *Extractor) materialize(report *Report, opts Options) {
	add := func(nodeType graph.NodeType, content string, input graph.AddNodeInput) *graph.Node {
		input.Source = "extractor"
		input.Platform = opts.Platform
		input.SessionID = opts.SessionID
		node := e.graph.AddNode(nodeType, content, input)
		report.Nodes = append(report.Nodes, node)
		return node
	}
	link := func(sourceID, targetID string, edgeType graph.EdgeType, bidirectional bool) {
		edge := e.graph.AddEdge(sourceID, targetID, edgeType, graph.AddEdgeInput{Bidirectional: bidirectional})
		if edge != nil {
			report.Edges = append(report.Edges, edge)
		}
	}

	languageNodes := make(map[string]*graph.Node)
	for _, detection := range report.Languages {
		languageNodes[detection.Name] = add(graph.NodeLanguage, detection.Name, graph.AddNodeInput{
			Confidence: detection.Confidence,
			Importance: 0.6,
		})
	}

	languageNode := func(name string) *graph.Node {
		if name == "" || name == "unknown" {
			return nil
		}
		if node, ok := languageNodes[name]; ok {
			return node
		}
		node := add(graph.NodeLanguage, name, graph.AddNodeInput{Confidence: 0.5})
		languageNodes[name] = node
		return node
	}

	var lastBlock *graph.Node
	for _, block := range report.CodeBlocks {
		content := block.Content
		if len(content) > 500 {
			content = content[:500]
		}

		blockNode := add(graph.NodeCodeBlock, content, graph.AddNodeInput{
			Importance: 0.6,
			Metadata: map[string]any{
				"language": block.Language,
				"length":   block.Length,
			},
		})
		lastBlock = blockNode

		if lang := languageNode(block.Language); lang != nil {
			link(blockNode.ID, lang.ID, graph.EdgeUses, false)
		}
	}

	for _, detection := range report.Frameworks {
		frameworkNode := add(graph.NodeFramework, detection.Name, graph.AddNodeInput{
			Confidence: detection.Confidence,
			Importance: 0.6,
			Metadata:   map[string]any{"language": detection.Language},
		})
		if lang := languageNode(detection.Language); lang != nil {
			link(frameworkNode.ID, lang.ID, graph.EdgePartOf, false)
		}
	}

	for _, hit := range report.Errors {
		errorNode := add(graph.NodeError, hit.Message, graph.AddNodeInput{
			Importance: hit.Importance,
			Metadata: map[string]any{
				"errorType": hit.Kind,
				"context":   hit.Context,
			},
		})
		if lastBlock != nil {
			link(errorNode.ID, lastBlock.ID, graph.EdgeRelatedTo, false)
		}
	}

	var topicNodes []*graph.Node
	for _, detection := range report.Topics {
		topicNode := add(graph.NodeTopic, detection.Name, graph.AddNodeInput{
			Confidence: detection.Confidence,
			Importance: 0.5,
		})
		topicNodes = append(topicNodes, topicNode)

		if len(report.Languages) > 0 {
			if lang := languageNode(report.Languages[0].Name); lang != nil {
				link(topicNode.ID, lang.ID, graph.EdgeRelatedTo, false)
			}
		}
	}

	for _, file := range report.Files {
		fileNode := add(graph.NodeFile, file, graph.AddNodeInput{Importance: 0.5})

		ext := file[strings.LastIndex(file, ".")+1:]
		if langName, ok := e.tables.ExtensionLanguage[strings.ToLower(ext)]; ok {
			if lang := languageNode(langName); lang != nil {
				link(fileNode.ID, lang.ID, graph.EdgeUses, false)
			}
		}
	}

	for _, function := range report.Functions {
		add(graph.NodeFunction, function, graph.AddNodeInput{Importance: 0.4})
	}
	for _, class := range report.Classes {
		add(graph.NodeClass, class, graph.AddNodeInput{Importance: 0.4})
	}
	for _, url := range report.URLs {
		add(graph.NodeURL, url, graph.AddNodeInput{Importance: 0.4})
	}

	for _, goal := range report.Goals {
		goalNode := add(graph.NodeGoal, goal, graph.AddNodeInput{Importance: 0.7})
		for _, topicNode := range topicNodes {
			link(goalNode.ID, topicNode.ID, graph.EdgeRelatedTo, true)
		}
	}
}

func (e *Extractor) updateSession(report *Report) {
	e.graph.UpdateActiveSession(func(session *graph.Session) {
		session.CodeBlockCount += len(report.CodeBlocks)
		session.ErrorCount += len(report.Errors)

		if len(report.Languages) > 0 {
			session.PrimaryLanguage = report.Languages[0].Name
		}
		if len(report.Frameworks) > 0 {
			session.PrimaryFramework = report.Frameworks[0].Name
		}
		if len(report.Topics) > 0 {
			session.PrimaryTopic = report.Topics[0].Name
		}
	})
}

// --- helpers -----------------------------------------------------------

var nonWordRx = regexp.MustCompile(`[^a-z0-9]+`)

// countWord counts whole-word occurrences of needle in lowercased text.
// Needles containing punctuation (e.g. "next.js") fall back to substring
// counting.
func countWord(lower, needle string) int {
	needle = strings.ToLower(needle)
	if nonWordRx.MatchString(needle) {
		return strings.Count(lower, needle)
	}

	count := 0
	idx := 0
	for {
		found := strings.Index(lower[idx:], needle)
		if found < 0 {
			return count
		}
		start := idx + found
		end := start + len(needle)

		beforeOK := start == 0 || !isWordByte(lower[start-1])
		afterOK := end == len(lower) || !isWordByte(lower[end])
		if beforeOK && afterOK {
			count++
		}
		idx = end
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z')
}

func dedupeCap(items []string, limit int) []string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out
}
