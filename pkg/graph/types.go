package graph

import (
	"math"
	"time"
)

/*
NodeType enumerates the fixed set of semantic node kinds the graph accepts.
*/
type NodeType string

const (
	NodeLanguage      NodeType = "language"
	NodeFramework     NodeType = "framework"
	NodeLibrary       NodeType = "library"
	NodeCodeBlock     NodeType = "code_block"
	NodeFunction      NodeType = "function"
	NodeClass         NodeType = "class"
	NodeFile          NodeType = "file"
	NodeError         NodeType = "error"
	NodeBug           NodeType = "bug"
	NodeIssue         NodeType = "issue"
	NodeProject       NodeType = "project"
	NodeTask          NodeType = "task"
	NodeGoal          NodeType = "goal"
	NodeFeature       NodeType = "feature"
	NodeTopic         NodeType = "topic"
	NodeConcept       NodeType = "concept"
	NodeTechnology    NodeType = "technology"
	NodeURL           NodeType = "url"
	NodeDocumentation NodeType = "documentation"
	NodeAPI           NodeType = "api"
	NodeConversation  NodeType = "conversation"
	NodePrompt        NodeType = "prompt"
	NodeResponse      NodeType = "response"
)

/*
EdgeType enumerates the fixed set of typed relationships between nodes.
*/
type EdgeType string

const (
	EdgeUses          EdgeType = "uses"
	EdgeImplements    EdgeType = "implements"
	EdgeDependsOn     EdgeType = "depends_on"
	EdgePartOf        EdgeType = "part_of"
	EdgeContains      EdgeType = "contains"
	EdgeCausedBy      EdgeType = "caused_by"
	EdgeSolvedBy      EdgeType = "solved_by"
	EdgeRelatedTo     EdgeType = "related_to"
	EdgeFollowedBy    EdgeType = "followed_by"
	EdgePrecededBy    EdgeType = "preceded_by"
	EdgeMentionedIn   EdgeType = "mentioned_in"
	EdgeDiscussedWith EdgeType = "discussed_with"
	EdgeLearnedFrom   EdgeType = "learned_from"
	EdgeSimilarTo     EdgeType = "similar_to"
	EdgeContrastsWith EdgeType = "contrasts_with"
)

/*
Node is a unit of the semantic graph. Importance and Confidence live in
[0,1]; Decay in [0.1,1.0] erodes during maintenance and is reinforced on
access. Embedding is reserved for external consumers and never computed
here.
*/
type Node struct {
	ID             string         `json:"id"`
	Type           NodeType       `json:"type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Importance     float64        `json:"importance"`
	Confidence     float64        `json:"confidence"`
	Decay          float64        `json:"decay"`
	Source         string         `json:"source,omitempty"`
	Platform       string         `json:"platform,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	AccessCount    int            `json:"accessCount"`
	LastAccessedAt time.Time      `json:"lastAccessedAt,omitzero"`
	Embedding      []float32      `json:"embedding,omitempty"`
}

/*
Touch records an access: bumps the access counter, refreshes the access
timestamp and reinforces decay by +0.1 (clamped to 1.0).
*/
func (node *Node) Touch(now time.Time) {
	node.AccessCount++
	node.LastAccessedAt = now
	node.UpdatedAt = now
	node.Decay = math.Min(1.0, node.Decay+0.1)
}

/*
RelevanceScore computes the weighted composite used for query ranking:

	(0.30·importance + 0.20·confidence + 0.25·timeDecay +
	 0.15·recencyBoost + 0.10·accessBoost) · decay

where timeDecay halves every 24 hours of age, recencyBoost falls off
exponentially over hours since last access, and accessBoost grows with the
logarithm of the access count. The result is clamped to [0,1].
*/
func (node *Node) RelevanceScore(now time.Time) float64 {
	ageHours := now.Sub(node.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}

	timeDecay := math.Pow(0.5, ageHours/24)

	recencyBoost := 0.0
	if !node.LastAccessedAt.IsZero() {
		sinceAccess := now.Sub(node.LastAccessedAt).Hours()
		if sinceAccess < 0 {
			sinceAccess = 0
		}
		recencyBoost = math.Exp(-sinceAccess/4) * 0.3
	}

	accessBoost := math.Log(1+float64(node.AccessCount)) * 0.1

	score := (0.30*node.Importance +
		0.20*node.Confidence +
		0.25*timeDecay +
		0.15*recencyBoost +
		0.10*accessBoost) * node.Decay

	return math.Max(0, math.Min(1, score))
}

/*
Edge is a weighted, typed relationship between two nodes. Weight lives in
[0.1, 2.0] and is reinforced when the same relationship is re-derived.
*/
type Edge struct {
	ID            string         `json:"id"`
	SourceID      string         `json:"sourceId"`
	TargetID      string         `json:"targetId"`
	Type          EdgeType       `json:"type"`
	Weight        float64        `json:"weight"`
	Bidirectional bool           `json:"bidirectional"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

/*
Reinforce bumps the edge weight by +0.1, clamped to 2.0.
*/
func (edge *Edge) Reinforce(now time.Time) {
	edge.Weight = math.Min(2.0, edge.Weight+0.1)
	edge.UpdatedAt = now
}

/*
Session is a temporal bundle of nodes co-created while one chat is active.
At most one session per graph is active at a time.
*/
type Session struct {
	ID               string              `json:"id"`
	StartedAt        time.Time           `json:"startedAt"`
	EndedAt          time.Time           `json:"endedAt,omitzero"`
	Platform         string              `json:"platform,omitempty"`
	URL              string              `json:"url,omitempty"`
	Title            string              `json:"title,omitempty"`
	Description      string              `json:"description,omitempty"`
	Tags             []string            `json:"tags,omitempty"`
	NodeIDs          map[string]struct{} `json:"-"`
	PromptCount      int                 `json:"promptCount"`
	ResponseCount    int                 `json:"responseCount"`
	CodeBlockCount   int                 `json:"codeBlockCount"`
	ErrorCount       int                 `json:"errorCount"`
	PrimaryLanguage  string              `json:"primaryLanguage,omitempty"`
	PrimaryFramework string              `json:"primaryFramework,omitempty"`
	PrimaryTopic     string              `json:"primaryTopic,omitempty"`
	IsActive         bool                `json:"isActive"`
}

/*
End closes the session.
*/
func (session *Session) End(now time.Time) {
	session.EndedAt = now
	session.IsActive = false
}

// Stats is a cheap snapshot of graph size and modification time, used by
// sync reconciliation and persistence metadata.
type Stats struct {
	NodeCount    int       `json:"nodeCount"`
	EdgeCount    int       `json:"edgeCount"`
	SessionCount int       `json:"sessionCount"`
	LastModified time.Time `json:"lastModified"`
}
