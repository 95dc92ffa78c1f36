package descdiff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusrelay/pkg/textwrap"
)

func TestLines(t *testing.T) {
	got := Lines("A\n\nB", "A\n\nC")
	assert.Equal(t, []DiffLine{
		{Op: Unchanged, Text: "A"},
		{Op: Removed, Text: "B"},
		{Op: Added, Text: "C"},
	}, got)
}

func TestLinesInsertAndDelete(t *testing.T) {
	got := Lines("A\n\nB\n\nC", "A\n\nC\n\nD")
	assert.Equal(t, []DiffLine{
		{Op: Unchanged, Text: "A"},
		{Op: Removed, Text: "B"},
		{Op: Unchanged, Text: "C"},
		{Op: Added, Text: "D"},
	}, got)
}

func TestChunksSingleParagraphChange(t *testing.T) {
	got := Chunks("A\n\nB", "A\n\nC")
	assert.Equal(t, []string{
		"```diff\n- B\n```",
		"```diff\n+ C\n```",
	}, got)
}

func TestChunksUnchangedIsEmpty(t *testing.T) {
	assert.Empty(t, Chunks("same\n\ntext", "same\n\ntext"))
}

func TestChunksKeepsExistingMarker(t *testing.T) {
	got := Chunks("old", "+ already marked")
	assert.Equal(t, []string{
		"```diff\n- old\n```",
		"```diff\n+ already marked\n```",
	}, got)
}

func TestChunksEmptyParagraphsProduceNothing(t *testing.T) {
	got := Chunks("A", "A\n\n")
	assert.Empty(t, got)
}

func TestChunksBoundedAndReconstructible(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("the service is experiencing elevated error rates ", 80))
	got := Chunks("intro", "intro\n\n"+long)
	require.Greater(t, len(got), 1)

	var words []string
	for _, c := range got {
		assert.LessOrEqual(t, textwrap.Len(c), MaxChunkLen)
		require.True(t, strings.HasPrefix(c, "```diff\n+ "), c)
		require.True(t, strings.HasSuffix(c, "\n```"), c)
		body := strings.TrimSuffix(strings.TrimPrefix(c, "```diff\n+ "), "\n```")
		words = append(words, strings.Fields(body)...)
	}
	assert.Equal(t, strings.Fields(long), words)
}

func TestMaxChunkLen(t *testing.T) {
	assert.Equal(t, 1004, MaxChunkLen)
}
