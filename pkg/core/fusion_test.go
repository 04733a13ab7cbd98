package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReciprocalRankFusion(t *testing.T) {
	fused := ReciprocalRankFusion(10, 0,
		RankedList{IDs: []string{"a", "b", "c"}},
		RankedList{IDs: []string{"b", "a"}},
	)
	require.Len(t, fused, 3)

	// a and b tie; a was seen first.
	assert.Equal(t, "a", fused[0].ID)
	assert.Equal(t, "b", fused[1].ID)
	assert.Equal(t, "c", fused[2].ID)
	assert.InDelta(t, 1.0/10+1.0/11, fused[0].Score, 1e-12)
	assert.InDelta(t, fused[0].Score, fused[1].Score, 1e-12)
	assert.InDelta(t, 1.0/12, fused[2].Score, 1e-12)
}

func TestReciprocalRankFusionWeightsAndCutoff(t *testing.T) {
	fused := ReciprocalRankFusion(0, 0,
		RankedList{IDs: []string{"a", "b"}},
		RankedList{IDs: []string{"b"}, Weight: 2},
	)
	require.Len(t, fused, 2)
	assert.Equal(t, "b", fused[0].ID)
	assert.InDelta(t, 1.0/11+2.0/10, fused[0].Score, 1e-12)

	fused = ReciprocalRankFusion(10, 0.1,
		RankedList{IDs: []string{"a", "b"}},
	)
	require.Len(t, fused, 1)
	assert.Equal(t, "a", fused[0].ID)
}

func TestReciprocalRankFusionEmpty(t *testing.T) {
	assert.Empty(t, ReciprocalRankFusion(10, 0))
	assert.Empty(t, ReciprocalRankFusion(10, 0, RankedList{}, RankedList{}))
}
