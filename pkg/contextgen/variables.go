package contextgen

import (
	"strings"
	"time"

	"github.com/theapemachine/awt-go/pkg/graph"
)

/*
Variable is one auto-detected template-variable value.
*/
type Variable struct {
	Value        string  `json:"value"`
	Confidence   float64 `json:"confidence"`
	Source       string  `json:"source"`
	AutoDetected bool    `json:"autoDetected"`
}

// variableClasses maps every accepted variable name to the bucket it
// resolves from. Names are matched case-insensitively.
var variableClasses = map[string]string{
	"language": "language", "lang": "language", "programming_language": "language",
	"framework": "framework", "library": "framework", "stack": "framework", "tech": "framework",
	"error": "error", "exception": "error", "bug": "error", "issue": "error",
	"code": "code", "snippet": "code", "source": "code",
	"goal": "goal", "task": "goal", "objective": "goal",
	"topic": "topic", "context": "topic", "domain": "topic",
	"file": "file", "filename": "file", "path": "file",
	"function": "function", "method": "function", "func": "function",
	"class": "class", "component": "class",
}

/*
MapToVariables resolves template-variable names against the last 24 hours
of graph activity. Unknown names and empty buckets are simply absent from
the result.
*/
func (gen *Generator) MapToVariables(names []string) map[string]Variable {
	results := gen.graph.Query(graph.Criteria{WithinHours: 24, SortBy: graph.SortRelevance})

	top := map[string]*graph.Node{}
	remember := func(class string, node *graph.Node) {
		if _, ok := top[class]; !ok {
			top[class] = node
		}
	}

	for _, result := range results {
		switch result.Node.Type {
		case graph.NodeLanguage:
			remember("language", result.Node)
		case graph.NodeFramework, graph.NodeLibrary:
			remember("framework", result.Node)
		case graph.NodeError, graph.NodeBug, graph.NodeIssue:
			remember("error", result.Node)
		case graph.NodeCodeBlock:
			remember("code", result.Node)
		case graph.NodeGoal, graph.NodeTask:
			remember("goal", result.Node)
		case graph.NodeTopic, graph.NodeConcept:
			remember("topic", result.Node)
		case graph.NodeFile:
			remember("file", result.Node)
		case graph.NodeFunction:
			remember("function", result.Node)
		case graph.NodeClass:
			remember("class", result.Node)
		}
	}

	variables := make(map[string]Variable)
	for _, name := range names {
		class, ok := variableClasses[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			continue
		}
		node, ok := top[class]
		if !ok {
			continue
		}

		variables[name] = Variable{
			Value:        node.Content,
			Confidence:   node.Confidence,
			Source:       "memory_graph",
			AutoDetected: true,
		}
	}
	return variables
}

// RecentErrorWindow bounds how old an error may be before the minimal
// strategy stops surfacing it.
const RecentErrorWindow = 2 * time.Hour
