package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentenceChunker_SingleSentenceFitsOneChunk(t *testing.T) {
	c := NewSentenceChunker(200, 50)
	chunks := c.Chunk("This is one short sentence.")
	require.Len(t, chunks, 1)
	require.Equal(t, 1, chunks[0].Total)
}

func TestSentenceChunker_SplitsLongContentAndOverlaps(t *testing.T) {
	c := NewSentenceChunker(20, 5) // tiny target to force a split in the test
	sentence := "The quick brown fox jumps over the lazy dog. "
	content := strings.Repeat(sentence, 20)

	chunks := c.Chunk(content)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		require.NotEmpty(t, chunk.Content)
	}
	for i := 1; i < len(chunks); i++ {
		require.Less(t, chunks[i].StartByte, chunks[i-1].EndByte, "chunk %d should overlap the previous one", i)
	}
}

func TestSentenceChunker_NeverSplitsMidSentence(t *testing.T) {
	c := NewSentenceChunker(10, 2)
	content := "First sentence here. Second sentence here. Third one too."
	chunks := c.Chunk(content)

	for _, chunk := range chunks {
		trimmed := strings.TrimSpace(chunk.Content)
		if trimmed == "" {
			continue
		}
		require.True(t, strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!") || strings.HasSuffix(trimmed, "?"),
			"chunk should end on a sentence boundary: %q", chunk.Content)
	}
}

func TestCharChunker_SmallContentIsOneChunk(t *testing.T) {
	c := NewCharChunker(100, 20)
	chunks := c.Chunk("short content")
	require.Len(t, chunks, 1)
}

func TestCharChunker_SplitsLargeContent(t *testing.T) {
	c := NewCharChunker(20, 5)
	content := strings.Repeat("line of text\n", 20)
	chunks := c.Chunk(content)
	require.Greater(t, len(chunks), 1)
}
