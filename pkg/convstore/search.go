package convstore

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Sort orders accepted by Search.
const (
	SortRelevance = "relevance"
	SortRecent    = "recent"
)

/*
Filters narrows a search before any scoring happens.
*/
type Filters struct {
	PinnedOnly bool      `json:"pinnedOnly"`
	HasCode    bool      `json:"hasCode"`
	Tag        string    `json:"tag"`
	Tags       []string  `json:"tags"`
	Since      time.Time `json:"since,omitzero"`
	Until      time.Time `json:"until,omitzero"`
}

/*
Query is one search request.
*/
type Query struct {
	Query   string  `json:"query"`
	Limit   int     `json:"limit"`
	Filters Filters `json:"filters"`
	Sort    string  `json:"sort"`
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {},
	"in": {}, "on": {}, "for": {}, "with": {}, "is": {}, "it": {}, "at": {},
	"this": {}, "that": {}, "my": {}, "me": {}, "i": {},
}

var (
	tokenSplitRx = regexp.MustCompile(`[^a-z0-9]+`)
	codeHintRx   = regexp.MustCompile(`(?i)stack trace|traceback|exception`)
)

// Tokenize lowercases the query, splits on non-alphanumerics and drops
// stop words.
func Tokenize(query string) []string {
	var tokens []string
	for _, token := range tokenSplitRx.Split(strings.ToLower(query), -1) {
		if token == "" {
			continue
		}
		if _, stop := stopWords[token]; stop {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}

const twoWeeks = 14 * 24 * time.Hour

type scored struct {
	conv  *Conversation
	score float64
}

/*
Search filters and ranks the stored conversations. An empty query returns
records by recency (pinned first); otherwise candidates need at least one
phrase or token hit and are ranked by the weighted fuzzy/recency score.
*/
func (s *Store) Search(q Query) []*Conversation {
	s.mu.Lock()
	candidates := make([]*Conversation, 0, len(s.doc.Order))
	for _, id := range s.doc.Order {
		if conv, ok := s.doc.ByID[id]; ok {
			copied := *conv
			candidates = append(candidates, &copied)
		}
	}
	s.mu.Unlock()

	candidates = applyFilters(candidates, q.Filters)

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	phrase := strings.ToLower(strings.TrimSpace(q.Query))
	if phrase == "" {
		sortByRecency(candidates)
		return trim(candidates, limit)
	}

	tokens := Tokenize(q.Query)
	now := s.now()

	var results []scored
	for _, conv := range candidates {
		score, hit := scoreConversation(conv, phrase, tokens, now)
		if !hit {
			continue
		}
		results = append(results, scored{conv: conv, score: score})
	}

	if q.Sort == SortRelevance || q.Sort == "" {
		sort.SliceStable(results, func(i, j int) bool {
			if results[i].score != results[j].score {
				return results[i].score > results[j].score
			}
			if results[i].conv.Pinned != results[j].conv.Pinned {
				return results[i].conv.Pinned
			}
			return results[i].conv.UpdatedAt.After(results[j].conv.UpdatedAt)
		})
	} else {
		sort.SliceStable(results, func(i, j int) bool {
			if results[i].conv.Pinned != results[j].conv.Pinned {
				return results[i].conv.Pinned
			}
			return results[i].conv.UpdatedAt.After(results[j].conv.UpdatedAt)
		})
	}

	out := make([]*Conversation, 0, len(results))
	for _, result := range results {
		out = append(out, result.conv)
	}
	return trim(out, limit)
}

func scoreConversation(conv *Conversation, phrase string, tokens []string, now time.Time) (float64, bool) {
	title := strings.ToLower(conv.Title)
	text := strings.ToLower(conv.Text)
	urlStr := strings.ToLower(conv.URL)

	lowerTags := make([]string, len(conv.Tags))
	for i, tag := range conv.Tags {
		lowerTags[i] = strings.ToLower(tag)
	}

	score := 0.0
	hit := false

	// Phrase hits. The body bonus only applies to multi-word phrases;
	// for a single word it would drown out tag matches.
	if strings.Contains(title, phrase) {
		score += 40
		hit = true
	}
	if strings.Contains(phrase, " ") && strings.Contains(text, phrase) {
		score += 10
		hit = true
	}

	// Token hits.
	for _, token := range tokens {
		if strings.Contains(title, token) {
			score += 18
			hit = true
		}
		for _, tag := range lowerTags {
			if strings.Contains(tag, token) {
				score += 14
				hit = true
				break
			}
		}
		if strings.Contains(urlStr, token) {
			score += 4
			hit = true
		}
		if strings.Contains(text, token) {
			score += 4
			hit = true
		}

		if len(token) >= 3 {
			if wordStart(title, token) {
				score += 6
			}
			if wordStart(text, token) {
				score += 2
			}
		}
	}

	if !hit {
		return 0, false
	}

	// Recency multiplier: up to +20% inside the two-week window.
	age := now.Sub(conv.UpdatedAt)
	boost := (float64(twoWeeks) - float64(age)) / float64(twoWeeks) * 0.2
	if boost < 0 {
		boost = 0
	}
	if boost > 0.2 {
		boost = 0.2
	}
	score *= 1 + boost

	if conv.Pinned {
		score += 5
	}

	return score, true
}

// wordStart reports whether any word in text starts with the token.
func wordStart(text, token string) bool {
	idx := 0
	for {
		found := strings.Index(text[idx:], token)
		if found < 0 {
			return false
		}
		at := idx + found
		if at == 0 || !isAlnum(text[at-1]) {
			return true
		}
		idx = at + 1
	}
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z')
}

func applyFilters(candidates []*Conversation, filters Filters) []*Conversation {
	var out []*Conversation
	for _, conv := range candidates {
		if filters.PinnedOnly && !conv.Pinned {
			continue
		}
		if filters.HasCode && !hasCode(conv.Text) {
			continue
		}
		if filters.Tag != "" && !hasTag(conv.Tags, filters.Tag) {
			continue
		}
		if len(filters.Tags) > 0 && !hasAnyTag(conv.Tags, filters.Tags) {
			continue
		}
		if !filters.Since.IsZero() && conv.UpdatedAt.Before(filters.Since) {
			continue
		}
		if !filters.Until.IsZero() && conv.UpdatedAt.After(filters.Until) {
			continue
		}
		out = append(out, conv)
	}
	return out
}

func hasCode(text string) bool {
	return strings.Contains(text, "```") || codeHintRx.MatchString(text)
}

func hasTag(tags []string, needle string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag, needle) {
			return true
		}
	}
	return false
}

func hasAnyTag(tags []string, needles []string) bool {
	for _, needle := range needles {
		if hasTag(tags, needle) {
			return true
		}
	}
	return false
}

func sortByRecency(candidates []*Conversation) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Pinned != candidates[j].Pinned {
			return candidates[i].Pinned
		}
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
}

func trim(items []*Conversation, limit int) []*Conversation {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
