package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-6)
	require.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	require.Equal(t, float32(0), cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}

func TestSortResults_ScoreDescendingThenIDAscending(t *testing.T) {
	results := []Result{
		{ID: "b", Score: 0.5},
		{ID: "a", Score: 0.5},
		{ID: "c", Score: 0.9},
	}
	sortResults(results)
	require.Equal(t, []Result{
		{ID: "c", Score: 0.9},
		{ID: "a", Score: 0.5},
		{ID: "b", Score: 0.5},
	}, results)
}
