package protocol

import (
	"math"
	"time"
)

// scoreDecay is the concavity constant of the attention curve, expressed per
// millisecond of attended time.
const scoreDecay = 1.0 / 30000.0

// AttentionScorer converts a visit duration into an attention score along a
// concave curve: additional time on a page yields diminishing score growth,
// so one very long visit cannot dominate a publisher's standing.
//
// Given minimum duration m (milliseconds) and d = 1/30000:
//
//	a = 1/(2d) - m
//	b = m - a
//	score(t) = (sqrt(b^2 + 4*a*t) - b) / (2*a)
//
// The curve is deterministic and monotonically increasing in t.
type AttentionScorer struct {
	a float64
	b float64
}

// NewAttentionScorer builds a scorer for the given minimum visit duration.
// A minimum duration of exactly 1/(2d) zeroes the leading coefficient and
// makes the curve undefined; that is a configuration error, not a runtime
// condition.
func NewAttentionScorer(minDuration time.Duration) (*AttentionScorer, error) {
	minMS := float64(minDuration.Milliseconds())
	a := 1.0/(2.0*scoreDecay) - minMS
	if a == 0 {
		return nil, &ConfigError{
			Field:  "min_visit_duration",
			Reason: "degenerate attention curve (1/(2d) - min_duration == 0)",
		}
	}
	return &AttentionScorer{a: a, b: minMS - a}, nil
}

// Score returns the attention score for a visit of the given duration.
func (s *AttentionScorer) Score(duration time.Duration) float64 {
	ms := float64(duration.Milliseconds())
	if ms <= 0 {
		return 0
	}
	return (math.Sqrt(s.b*s.b+4.0*s.a*ms) - s.b) / (2.0 * s.a)
}
