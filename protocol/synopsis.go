package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// Synopsis owns the publisher score table: visit recording, visibility
// filtering, percent/weight normalization, and winner selection for
// reconcile cycles.
//
// All mutators are synchronous-then-persist: the in-memory record is updated
// under the lock, written through the Store, and the derived percent/weight
// columns are rebuilt wholesale before the mutator returns.
type Synopsis struct {
	cfg    *LedgerConfig
	scorer *AttentionScorer
	store  Store
	log    *slog.Logger

	mu      sync.Mutex
	records map[string]*PublisherRecord
}

// NewSynopsis builds a synopsis and restores any persisted publisher records.
func NewSynopsis(cfg *LedgerConfig, store Store, log *slog.Logger) (*Synopsis, error) {
	scorer, err := NewAttentionScorer(cfg.MinVisitDuration)
	if err != nil {
		return nil, err
	}

	s := &Synopsis{
		cfg:     cfg,
		scorer:  scorer,
		store:   store,
		log:     log,
		records: make(map[string]*PublisherRecord),
	}

	err = store.Iterate(keyPublisherPfx, func(key string, value []byte) error {
		var rec PublisherRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("corrupt publisher record %q: %w", key, err)
		}
		s.records[rec.ID] = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Scorer exposes the attention curve for callers that need raw scores.
func (s *Synopsis) Scorer() *AttentionScorer { return s.scorer }

func (s *Synopsis) visible(rec *PublisherRecord) bool {
	return !rec.Deleted &&
		(s.cfg.AllowNonVerified || rec.Verified) &&
		rec.Score > 0 &&
		rec.DurationMS >= uint64(s.cfg.MinVisitDuration.Milliseconds()) &&
		rec.VisitCount >= s.cfg.MinVisits
}

func (s *Synopsis) persist(rec *PublisherRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.store.Put(keyPublisherPfx+rec.ID, raw)
}

// RecordVisit accumulates one visit for a publisher. Visits shorter than the
// configured minimum are silently ignored unless ignoreMinTime is set (media
// events arrive with pre-vetted durations). Returns the publisher's
// verification timestamp and whether the visit was recorded.
func (s *Synopsis) RecordVisit(publisherID string, duration time.Duration, ignoreMinTime bool) (verifiedAt int64, recorded bool, err error) {
	if publisherID == "" {
		return 0, false, nil
	}
	if !ignoreMinTime && duration < s.cfg.MinVisitDuration {
		return 0, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[publisherID]
	if !ok {
		rec = &PublisherRecord{ID: publisherID}
		s.records[publisherID] = rec
	}

	rec.DurationMS += uint64(duration.Milliseconds())
	rec.Score += s.scorer.Score(duration)
	rec.VisitCount++

	if err := s.persist(rec); err != nil {
		return 0, false, err
	}
	if err := s.normalizeLocked(); err != nil {
		return 0, false, err
	}

	s.log.Debug("visit recorded",
		"publisher", publisherID,
		"duration", duration,
		"visits", rec.VisitCount,
		"score", rec.Score)
	return rec.VerifiedAt, true, nil
}

// SetVerified updates a publisher's verification status.
func (s *Synopsis) SetVerified(publisherID string, verified bool, verifiedAt int64) error {
	return s.mutate(publisherID, func(rec *PublisherRecord) {
		rec.Verified = verified
		rec.VerifiedAt = verifiedAt
	})
}

// SetExcluded toggles a publisher's exclusion from contributions.
func (s *Synopsis) SetExcluded(publisherID string, excluded bool) error {
	return s.mutate(publisherID, func(rec *PublisherRecord) {
		rec.Excluded = excluded
	})
}

// SetDeleted soft-deletes a publisher. The record stays on disk.
func (s *Synopsis) SetDeleted(publisherID string, deleted bool) error {
	return s.mutate(publisherID, func(rec *PublisherRecord) {
		rec.Deleted = deleted
	})
}

// SetPinnedPercentage marks a publisher's percentage as user-pinned.
func (s *Synopsis) SetPinnedPercentage(publisherID string, pinned bool) error {
	return s.mutate(publisherID, func(rec *PublisherRecord) {
		rec.PinnedPercentage = pinned
	})
}

func (s *Synopsis) mutate(publisherID string, fn func(*PublisherRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[publisherID]
	if !ok {
		rec = &PublisherRecord{ID: publisherID}
		s.records[publisherID] = rec
	}
	fn(rec)

	if err := s.persist(rec); err != nil {
		return err
	}
	return s.normalizeLocked()
}

// Normalize rebuilds the derived percent/weight columns for the visible set.
func (s *Synopsis) Normalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.normalizeLocked()
}

// normalizeLocked distributes 100 percentage points over the visible set
// proportionally to score, then repairs rounding drift one point at a time,
// always adjusting the not-yet-touched record with the largest roundoff.
// The repair loop is bounded by the visible-set size; exceeding the bound
// means the roundoffs cannot close the gap and is reported as an error
// rather than looping forever.
func (s *Synopsis) normalizeLocked() error {
	visible := make([]*PublisherRecord, 0, len(s.records))
	var totalScore float64
	for _, rec := range s.records {
		if s.visible(rec) {
			visible = append(visible, rec)
			totalScore += rec.Score
		} else {
			rec.Percent = 0
			rec.Weight = 0
		}
	}
	if len(visible) == 0 || totalScore <= 0 {
		return nil
	}

	// Deterministic adjustment order regardless of map iteration.
	sort.Slice(visible, func(i, j int) bool { return visible[i].ID < visible[j].ID })

	realPercents := make([]float64, len(visible))
	roundoffs := make([]float64, len(visible))
	total := int64(0)
	for i, rec := range visible {
		realPercents[i] = 100.0 * rec.Score / totalScore
		rec.Weight = realPercents[i]
		rec.Percent = uint32(math.Round(realPercents[i]))
		roundoffs[i] = math.Abs(float64(rec.Percent) - realPercents[i])
		total += int64(rec.Percent)
	}

	for iter := 0; total != 100; iter++ {
		if iter >= len(visible) {
			return fmt.Errorf("normalizer failed to converge: sum %d after %d adjustments", total, iter)
		}

		best := -1
		for i := range visible {
			if roundoffs[i] == 0 {
				continue
			}
			if best == -1 || roundoffs[i] > roundoffs[best] {
				best = i
			}
		}
		if best == -1 {
			return fmt.Errorf("normalizer failed to converge: sum %d with no adjustable records", total)
		}

		if total > 100 {
			if visible[best].Percent == 0 {
				roundoffs[best] = 0
				continue
			}
			visible[best].Percent--
			total--
		} else {
			visible[best].Percent++
			total++
		}
		roundoffs[best] = 0
	}

	for _, rec := range visible {
		if err := s.persist(rec); err != nil {
			return err
		}
	}
	return nil
}

// Winners allocates ballotCount votes across the visible, non-excluded
// publishers proportionally to their normalized percent. If rounding
// over-allocates, the largest allocation is decremented until the total
// matches.
func (s *Synopsis) Winners(ballotCount uint32) []Winner {
	s.mu.Lock()
	defer s.mu.Unlock()

	winners := make([]Winner, 0)
	var totalVotes uint32
	for _, rec := range s.sortedVisibleLocked() {
		if rec.Excluded || rec.Percent == 0 {
			continue
		}
		votes := uint32(math.Round(float64(rec.Percent) * float64(ballotCount) / 100.0))
		winners = append(winners, Winner{
			PublisherID: rec.ID,
			Votes:       votes,
			Percent:     rec.Percent,
		})
		totalVotes += votes
	}

	for totalVotes > ballotCount {
		max := 0
		for i := range winners {
			if winners[i].Votes > winners[max].Votes {
				max = i
			}
		}
		if winners[max].Votes == 0 {
			break
		}
		winners[max].Votes--
		totalVotes--
	}
	return winners
}

func (s *Synopsis) sortedVisibleLocked() []*PublisherRecord {
	out := make([]*PublisherRecord, 0, len(s.records))
	for _, rec := range s.records {
		if s.visible(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TopN returns up to n publishers by descending score. The filter here is
// intentionally looser than full visibility (verification and exclusion are
// ignored) to support preview listings.
func (s *Synopsis) TopN(n int) []PublisherRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PublisherRecord, 0, n)
	candidates := make([]*PublisherRecord, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Score > 0 &&
			rec.DurationMS >= uint64(s.cfg.MinVisitDuration.Milliseconds()) &&
			rec.VisitCount >= s.cfg.MinVisits {
			candidates = append(candidates, rec)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
	for _, rec := range candidates {
		if len(out) == n {
			break
		}
		out = append(out, *rec)
	}
	return out
}

// Get returns a copy of one publisher record.
func (s *Synopsis) Get(publisherID string) (PublisherRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[publisherID]
	if !ok {
		return PublisherRecord{}, false
	}
	return *rec, true
}

// VisibleSnapshot returns copies of the visible records, used as the
// publisher list snapshot inside a ReconcileTask.
func (s *Synopsis) VisibleSnapshot() []PublisherRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PublisherRecord, 0, len(s.records))
	for _, rec := range s.sortedVisibleLocked() {
		out = append(out, *rec)
	}
	return out
}
