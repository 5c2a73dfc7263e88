package convstore

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func TestCanonicalID(t *testing.T) {
	assert.Equal(t, "c_abc", CanonicalID("https://chatgpt.com/c/abc"))
	assert.Equal(t, "c_a1-B_2", CanonicalID("https://chatgpt.com/c/a1-B_2?model=auto"))
	assert.Equal(t, "", CanonicalID("https://claude.ai/new"))
}

func TestSaveDerivesCanonicalIDFromURL(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)

	conv, err := s.Save(Incoming{
		ID:    "tmp_x",
		URL:   "https://chatgpt.com/c/abc",
		Title: "first",
	})
	require.NoError(t, err)
	assert.Equal(t, "c_abc", conv.ID)

	// E2: a later save with the stable id lands on the same record.
	again, err := s.Save(Incoming{
		ID:    "c_abc",
		URL:   "https://chatgpt.com/c/abc",
		Title: "second",
	})
	require.NoError(t, err)
	assert.Equal(t, "c_abc", again.ID)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, []string{"c_abc"}, s.OrderIDs())

	id, ok := s.IDForURL("https://chatgpt.com/c/abc")
	require.True(t, ok)
	assert.Equal(t, "c_abc", id)

	_, ok = s.Get("tmp_x")
	assert.False(t, ok)
}

func TestTmpRecordMigratesToStableID(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)

	// First capture happens before the platform assigns the /c/ URL.
	_, err = s.Save(Incoming{
		ID:    "tmp_draft",
		URL:   "https://chatgpt.com/",
		Title: "draft",
		Tags:  []string{"keep-me"},
	})
	require.NoError(t, err)

	// The same page later saves under the same URL with a stable id.
	conv, err := s.Save(Incoming{
		ID:    "c_real",
		URL:   "https://chatgpt.com/",
		Title: "draft continued",
	})
	require.NoError(t, err)
	assert.Equal(t, "c_real", conv.ID)

	_, ok := s.Get("tmp_draft")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())

	// User-managed fields from the provisional record survive the merge.
	assert.Equal(t, []string{"keep-me"}, conv.Tags)
}

func TestSavePreservesUserFieldsUnlessOverridden(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)

	_, err = s.Save(Incoming{
		ID:     "tmp_a",
		URL:    "https://chatgpt.com/c/a",
		Tags:   []string{"go", "webhooks"},
		Pinned: boolPtr(true),
		Notes:  strPtr("remember this"),
	})
	require.NoError(t, err)

	// An autosave without user fields keeps them.
	conv, err := s.Save(Incoming{
		URL:   "https://chatgpt.com/c/a",
		Title: "autosaved",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "webhooks"}, conv.Tags)
	assert.True(t, conv.Pinned)
	assert.Equal(t, "remember this", conv.Notes)

	// An explicit override replaces them.
	conv, err = s.Save(Incoming{
		URL:    "https://chatgpt.com/c/a",
		Pinned: boolPtr(false),
		Tags:   []string{"archived"},
	})
	require.NoError(t, err)
	assert.False(t, conv.Pinned)
	assert.Equal(t, []string{"archived"}, conv.Tags)
	assert.Equal(t, "remember this", conv.Notes)
}

func TestEvictionByCount(t *testing.T) {
	s, err := Open("", WithCaps(3, DefaultMaxBytes))
	require.NoError(t, err)

	for i := range 5 {
		_, err := s.Save(Incoming{
			URL:   fmt.Sprintf("https://chatgpt.com/c/conv%d", i),
			Title: fmt.Sprintf("conversation %d", i),
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"c_conv4", "c_conv3", "c_conv2"}, s.OrderIDs())

	// The evicted records also left the url index.
	_, ok := s.IDForURL("https://chatgpt.com/c/conv0")
	assert.False(t, ok)
}

func TestEvictionByBytes(t *testing.T) {
	s, err := Open("", WithCaps(100, 4096))
	require.NoError(t, err)

	big := make([]byte, 1500)
	for i := range big {
		big[i] = 'x'
	}

	for i := range 4 {
		_, err := s.Save(Incoming{
			URL:  fmt.Sprintf("https://chatgpt.com/c/big%d", i),
			Text: string(big),
		})
		require.NoError(t, err)
	}

	assert.Less(t, s.Len(), 4)
	assert.GreaterOrEqual(t, s.Len(), 1)
	// The newest record always survives.
	_, ok := s.Get("c_big3")
	assert.True(t, ok)
}

func TestUpdateMeta(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)

	_, err = s.Save(Incoming{URL: "https://chatgpt.com/c/a", Title: "a"})
	require.NoError(t, err)
	_, err = s.Save(Incoming{URL: "https://chatgpt.com/c/b", Title: "b"})
	require.NoError(t, err)

	conv, ok := s.UpdateMeta("c_a", MetaPatch{
		Pinned: boolPtr(true),
		Tags:   []string{"important"},
		Notes:  strPtr("check later"),
	})
	require.True(t, ok)
	assert.True(t, conv.Pinned)
	assert.Equal(t, []string{"important"}, conv.Tags)

	// The patched record moved to the head of the order.
	assert.Equal(t, "c_a", s.OrderIDs()[0])

	_, ok = s.UpdateMeta("ghost", MetaPatch{})
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)

	_, err = s.Save(Incoming{URL: "https://chatgpt.com/c/a"})
	require.NoError(t, err)

	s.Delete("c_a")
	assert.Equal(t, 0, s.Len())
	_, ok := s.IDForURL("https://chatgpt.com/c/a")
	assert.False(t, ok)

	// Deleting again is a no-op.
	s.Delete("c_a")
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.json")

	s, err := Open(path)
	require.NoError(t, err)

	_, err = s.Save(Incoming{
		URL:      "https://chatgpt.com/c/abc",
		Title:    "durable",
		Messages: []Message{{Role: "user", Text: "hello"}},
		Text:     "[user]\nhello\n",
	})
	require.NoError(t, err)
	s.SetGlobalNotes("shared scratchpad")

	reopened, err := Open(path)
	require.NoError(t, err)

	conv, ok := reopened.Get("c_abc")
	require.True(t, ok)
	assert.Equal(t, "durable", conv.Title)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "shared scratchpad", reopened.GlobalNotes())

	id, ok := reopened.IDForURL("https://chatgpt.com/c/abc")
	require.True(t, ok)
	assert.Equal(t, "c_abc", id)
}

func TestContentHashIsStable(t *testing.T) {
	messages := []Message{
		{Role: "user", Text: "how do I sort a map"},
		{Role: "assistant", Text: "collect keys, sort, iterate"},
	}

	first := ContentHash(messages)
	second := ContentHash(messages)
	assert.Equal(t, first, second)
	assert.Len(t, first, 8)

	changed := ContentHash([]Message{{Role: "user", Text: "different"}})
	assert.NotEqual(t, first, changed)
}

func TestOrderIsRecencyOfUpdates(t *testing.T) {
	clock := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	s, err := Open("", WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c"} {
		_, err := s.Save(Incoming{URL: "https://chatgpt.com/c/" + name})
		require.NoError(t, err)
	}
	require.Equal(t, []string{"c_c", "c_b", "c_a"}, s.OrderIDs())

	// Re-saving an old record moves it back to the head.
	_, err = s.Save(Incoming{URL: "https://chatgpt.com/c/a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c_a", "c_c", "c_b"}, s.OrderIDs())
}
