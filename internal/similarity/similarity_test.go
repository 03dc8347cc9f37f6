package similarity

import (
	"context"
	"math"
	"testing"

	"github.com/kotori-audio/kotori/pkg/models"
)

// memCorpus is an in-memory Corpus for matcher tests.
type memCorpus struct {
	fingerprints []models.Fingerprint
}

func (m *memCorpus) ForEachFingerprint(_ context.Context, _ int, fn func(id uint, codes models.Fingerprint) error) error {
	for i, fp := range m.fingerprints {
		if err := fn(uint(i+1), fp); err != nil {
			return err
		}
	}
	return nil
}

func TestJaccardExactMatch(t *testing.T) {
	codes := []uint32{1, 2, 3, 4}
	if score := Jaccard(codes, codes); score != 1 {
		t.Errorf("Expected score 1 for identical vectors, got %f", score)
	}
}

func TestJaccardDisjoint(t *testing.T) {
	if score := Jaccard([]uint32{1, 2}, []uint32{3, 4}); score != 0 {
		t.Errorf("Expected score 0 for disjoint vectors, got %f", score)
	}
}

func TestJaccardPartialOverlap(t *testing.T) {
	// 2 shared codes out of 4 distinct: 2 / (3 + 3 - 2)
	score := Jaccard([]uint32{1, 2, 3}, []uint32{2, 3, 4})
	if math.Abs(score-0.5) > 1e-9 {
		t.Errorf("Expected score 0.5, got %f", score)
	}
}

func TestJaccardEmptyInput(t *testing.T) {
	if score := Jaccard(nil, []uint32{1}); score != 0 {
		t.Errorf("Expected score 0 for empty query, got %f", score)
	}
	if score := Jaccard([]uint32{1}, nil); score != 0 {
		t.Errorf("Expected score 0 for empty stored vector, got %f", score)
	}
}

func TestTopMatchesExactFirst(t *testing.T) {
	corpus := &memCorpus{fingerprints: []models.Fingerprint{
		{1, 2, 3, 4},
		{1, 2, 90, 91},
		{50, 51, 52, 53},
	}}
	m := NewMatcher(corpus)

	tops, err := m.TopMatches(context.Background(), []models.Fingerprint{{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("TopMatches failed: %v", err)
	}
	if len(tops) != 1 {
		t.Fatalf("Expected 1 result list, got %d", len(tops))
	}

	cands := tops[0]
	if len(cands) != 2 {
		t.Fatalf("Expected 2 candidates above threshold, got %d", len(cands))
	}
	if cands[0].FingerprintID != 1 || cands[0].Score != 1 {
		t.Errorf("Expected exact match first with score 1, got id=%d score=%f", cands[0].FingerprintID, cands[0].Score)
	}
	if cands[1].Score >= cands[0].Score {
		t.Error("Candidates must be ordered descending by score")
	}
}

func TestTopMatchesUnsortedInputs(t *testing.T) {
	// Stored and query vectors keep their original element order; scoring
	// must not depend on it.
	corpus := &memCorpus{fingerprints: []models.Fingerprint{{4, 1, 3, 2}}}
	m := NewMatcher(corpus)

	tops, err := m.TopMatches(context.Background(), []models.Fingerprint{{2, 4, 1, 3}})
	if err != nil {
		t.Fatalf("TopMatches failed: %v", err)
	}
	if len(tops[0]) != 1 || tops[0][0].Score != 1 {
		t.Fatalf("Expected exact match regardless of element order, got %+v", tops[0])
	}
}

func TestTopMatchesLimit(t *testing.T) {
	var fingerprints []models.Fingerprint
	for i := 0; i < 30; i++ {
		// every stored vector shares code 1 with the query
		fingerprints = append(fingerprints, models.Fingerprint{1, uint32(100 + i)})
	}
	corpus := &memCorpus{fingerprints: fingerprints}
	m := NewMatcher(corpus)

	tops, err := m.TopMatches(context.Background(), []models.Fingerprint{{1}})
	if err != nil {
		t.Fatalf("TopMatches failed: %v", err)
	}
	if len(tops[0]) != DefaultLimit {
		t.Errorf("Expected %d candidates, got %d", DefaultLimit, len(tops[0]))
	}
}

func TestTopMatchesTieOrderDeterministic(t *testing.T) {
	corpus := &memCorpus{fingerprints: []models.Fingerprint{
		{1, 10},
		{1, 11},
		{1, 12},
	}}
	m := NewMatcher(corpus)

	tops, err := m.TopMatches(context.Background(), []models.Fingerprint{{1}})
	if err != nil {
		t.Fatalf("TopMatches failed: %v", err)
	}

	cands := tops[0]
	if len(cands) != 3 {
		t.Fatalf("Expected 3 candidates, got %d", len(cands))
	}
	for i := 1; i < len(cands); i++ {
		if cands[i-1].Score == cands[i].Score && cands[i-1].FingerprintID > cands[i].FingerprintID {
			t.Errorf("Ties must order by fingerprint id ascending: %d before %d",
				cands[i-1].FingerprintID, cands[i].FingerprintID)
		}
	}
}

func TestTopMatchesThreshold(t *testing.T) {
	// Overlap of 1 code out of 209 distinct scores well below 0.01.
	stored := make(models.Fingerprint, 150)
	for i := range stored {
		stored[i] = uint32(1000 + i)
	}
	stored[0] = 1
	corpus := &memCorpus{fingerprints: []models.Fingerprint{stored}}
	m := NewMatcher(corpus)

	query := make(models.Fingerprint, 60)
	for i := range query {
		query[i] = uint32(5000 + i)
	}
	query[0] = 1

	tops, err := m.TopMatches(context.Background(), []models.Fingerprint{query})
	if err != nil {
		t.Fatalf("TopMatches failed: %v", err)
	}
	if len(tops[0]) != 0 {
		t.Errorf("Expected no candidates below min score, got %d", len(tops[0]))
	}
}

func TestTopMatchesEmptyQueryBatch(t *testing.T) {
	m := NewMatcher(&memCorpus{})

	tops, err := m.TopMatches(context.Background(), nil)
	if err != nil {
		t.Fatalf("TopMatches failed: %v", err)
	}
	if len(tops) != 0 {
		t.Errorf("Expected empty result, got %d entries", len(tops))
	}
}

func TestTopMatchesPreservesQueryOrder(t *testing.T) {
	corpus := &memCorpus{fingerprints: []models.Fingerprint{{1, 2}, {8, 9}}}
	m := NewMatcher(corpus)

	tops, err := m.TopMatches(context.Background(), []models.Fingerprint{{8, 9}, {1, 2}, {1000}})
	if err != nil {
		t.Fatalf("TopMatches failed: %v", err)
	}
	if len(tops) != 3 {
		t.Fatalf("Expected 3 result lists, got %d", len(tops))
	}
	if len(tops[0]) == 0 || tops[0][0].FingerprintID != 2 {
		t.Errorf("Expected first query to match fingerprint 2, got %+v", tops[0])
	}
	if len(tops[1]) == 0 || tops[1][0].FingerprintID != 1 {
		t.Errorf("Expected second query to match fingerprint 1, got %+v", tops[1])
	}
	if len(tops[2]) != 0 {
		t.Errorf("Expected third query to have no candidates, got %+v", tops[2])
	}
}

func TestInsertCandidateKeepsSortedCap(t *testing.T) {
	var top []Candidate
	for _, c := range []Candidate{
		{FingerprintID: 1, Score: 0.5},
		{FingerprintID: 2, Score: 0.9},
		{FingerprintID: 3, Score: 0.7},
		{FingerprintID: 4, Score: 0.9},
	} {
		top = insertCandidate(top, c, 3)
	}

	if len(top) != 3 {
		t.Fatalf("Expected cap of 3, got %d", len(top))
	}
	want := []uint{2, 4, 3}
	for i, id := range want {
		if top[i].FingerprintID != id {
			t.Errorf("Position %d: expected fingerprint %d, got %d", i, id, top[i].FingerprintID)
		}
	}
}
