package convstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T) *Store {
	t.Helper()

	clock := time.Now().Add(-time.Hour)
	s, err := Open("", WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	require.NoError(t, err)
	return s
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"fix", "webhook", "retry"}, Tokenize("Fix the webhook retry!"))
	assert.Empty(t, Tokenize("the and of"))
	assert.Equal(t, []string{"c", "abc123"}, Tokenize("/c/abc123"))
}

func TestEmptyQueryReturnsRecencyOrderPinnedFirst(t *testing.T) {
	s := seedStore(t)

	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := s.Save(Incoming{URL: "https://chatgpt.com/c/" + name, Title: name})
		require.NoError(t, err)
	}
	_, ok := s.UpdateMeta("c_b", MetaPatch{Pinned: boolPtr(true)})
	require.True(t, ok)

	results := s.Search(Query{Limit: 3})
	require.Len(t, results, 3)
	assert.Equal(t, "c_b", results[0].ID, "pinned items lead")
	// c_b moved to head on the meta update, so recency follows.
	assert.Equal(t, "c_d", results[1].ID)
	assert.Equal(t, "c_c", results[2].ID)
}

func TestTitleOutranksTagOutranksBody(t *testing.T) {
	s := seedStore(t)

	_, err := s.Save(Incoming{URL: "https://chatgpt.com/c/body", Title: "misc chat", Text: "we talked about django today"})
	require.NoError(t, err)
	_, err = s.Save(Incoming{URL: "https://chatgpt.com/c/tag", Title: "misc chat", Tags: []string{"django"}})
	require.NoError(t, err)
	_, err = s.Save(Incoming{URL: "https://chatgpt.com/c/title", Title: "django migrations"})
	require.NoError(t, err)

	results := s.Search(Query{Query: "django", Sort: SortRelevance})
	require.Len(t, results, 3)
	assert.Equal(t, "c_title", results[0].ID)
	assert.Equal(t, "c_tag", results[1].ID)
	assert.Equal(t, "c_body", results[2].ID)
}

func TestVerbatimTitlePhraseScoresAtLeastForty(t *testing.T) {
	s := seedStore(t)

	_, err := s.Save(Incoming{URL: "https://chatgpt.com/c/title", Title: "webhook retry backoff"})
	require.NoError(t, err)
	_, err = s.Save(Incoming{URL: "https://chatgpt.com/c/body", Title: "notes", Text: "about the webhook retry backoff logic"})
	require.NoError(t, err)

	results := s.Search(Query{Query: "webhook retry backoff", Sort: SortRelevance})
	require.Len(t, results, 2)
	assert.Equal(t, "c_title", results[0].ID, "title phrase match must rank above body-only match")
}

func TestCandidatesNeedAtLeastOneHit(t *testing.T) {
	s := seedStore(t)

	_, err := s.Save(Incoming{URL: "https://chatgpt.com/c/a", Title: "rust ownership"})
	require.NoError(t, err)

	results := s.Search(Query{Query: "kubernetes"})
	assert.Empty(t, results)
}

func TestFilters(t *testing.T) {
	s := seedStore(t)

	_, err := s.Save(Incoming{URL: "https://chatgpt.com/c/code", Title: "has code", Text: "```go\nfunc main() {}\n```"})
	require.NoError(t, err)
	_, err = s.Save(Incoming{URL: "https://chatgpt.com/c/trace", Title: "has trace", Text: "the stack trace said boom"})
	require.NoError(t, err)
	_, err = s.Save(Incoming{URL: "https://chatgpt.com/c/plain", Title: "plain", Text: "nothing special"})
	require.NoError(t, err)
	_, ok := s.UpdateMeta("c_plain", MetaPatch{Pinned: boolPtr(true), Tags: []string{"keeper"}})
	require.True(t, ok)

	t.Run("hasCode matches fences and trace language", func(t *testing.T) {
		results := s.Search(Query{Filters: Filters{HasCode: true}})
		require.Len(t, results, 2)
	})

	t.Run("pinnedOnly", func(t *testing.T) {
		results := s.Search(Query{Filters: Filters{PinnedOnly: true}})
		require.Len(t, results, 1)
		assert.Equal(t, "c_plain", results[0].ID)
	})

	t.Run("tag membership", func(t *testing.T) {
		results := s.Search(Query{Filters: Filters{Tag: "keeper"}})
		require.Len(t, results, 1)

		results = s.Search(Query{Filters: Filters{Tags: []string{"keeper", "other"}}})
		require.Len(t, results, 1)
	})

	t.Run("time window", func(t *testing.T) {
		all := s.Search(Query{})
		require.NotEmpty(t, all)

		future := time.Now().Add(24 * time.Hour)
		results := s.Search(Query{Filters: Filters{Since: future}})
		assert.Empty(t, results)
	})
}

func TestRecencyBoostBreaksScoreTies(t *testing.T) {
	now := time.Now()
	old := now.Add(-10 * 24 * time.Hour)

	times := []time.Time{old, now}
	idx := 0
	s, err := Open("", WithClock(func() time.Time {
		t := times[idx]
		if idx < len(times)-1 {
			idx++
		}
		return t
	}))
	require.NoError(t, err)

	_, err = s.Save(Incoming{URL: "https://chatgpt.com/c/old", Title: "grpc streaming"})
	require.NoError(t, err)
	_, err = s.Save(Incoming{URL: "https://chatgpt.com/c/new", Title: "grpc streaming"})
	require.NoError(t, err)

	results := s.Search(Query{Query: "grpc", Sort: SortRelevance})
	require.Len(t, results, 2)
	assert.Equal(t, "c_new", results[0].ID, "fresher conversation gets the larger recency multiplier")
}

func TestPinnedFlatBonus(t *testing.T) {
	s := seedStore(t)

	_, err := s.Save(Incoming{URL: "https://chatgpt.com/c/a", Title: "terraform modules"})
	require.NoError(t, err)
	_, err = s.Save(Incoming{URL: "https://chatgpt.com/c/b", Title: "terraform modules"})
	require.NoError(t, err)
	_, ok := s.UpdateMeta("c_a", MetaPatch{Pinned: boolPtr(true)})
	require.True(t, ok)

	results := s.Search(Query{Query: "terraform", Sort: SortRelevance})
	require.Len(t, results, 2)
	assert.Equal(t, "c_a", results[0].ID)
}
