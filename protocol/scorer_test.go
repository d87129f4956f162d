package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttentionScorer_ZeroDuration(t *testing.T) {
	scorer, err := NewAttentionScorer(8 * time.Second)
	require.NoError(t, err)

	assert.Equal(t, 0.0, scorer.Score(0))
}

func TestAttentionScorer_Monotonic(t *testing.T) {
	scorer, err := NewAttentionScorer(8 * time.Second)
	require.NoError(t, err)

	durations := []time.Duration{
		time.Millisecond,
		time.Second,
		8 * time.Second,
		time.Minute,
		10 * time.Minute,
		time.Hour,
	}

	prev := scorer.Score(0)
	for _, d := range durations {
		score := scorer.Score(d)
		assert.GreaterOrEqual(t, score, prev, "score must not decrease at %v", d)
		prev = score
	}
}

func TestAttentionScorer_Concave(t *testing.T) {
	scorer, err := NewAttentionScorer(8 * time.Second)
	require.NoError(t, err)

	// Doubling the duration must less than double the score.
	base := scorer.Score(time.Minute)
	doubled := scorer.Score(2 * time.Minute)
	assert.Less(t, doubled, 2*base)
	assert.Greater(t, doubled, base)
}

func TestAttentionScorer_DegenerateConfig(t *testing.T) {
	// min_duration == 1/(2d) == 15s zeroes the leading coefficient.
	_, err := NewAttentionScorer(15 * time.Second)
	require.Error(t, err)

	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestAttentionScorer_MinDurationWorthRoughlyOne(t *testing.T) {
	scorer, err := NewAttentionScorer(8 * time.Second)
	require.NoError(t, err)

	// At t == min_duration: b^2 + 4am = (m-a)^2 + 4am = (m+a)^2,
	// so score = (m+a-b)/(2a) = 2a/(2a) = 1.
	assert.InDelta(t, 1.0, scorer.Score(8*time.Second), 1e-9)
}
