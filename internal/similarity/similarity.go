package similarity

import (
	"context"
	"sort"

	"github.com/kotori-audio/kotori/pkg/models"
)

// Scorer compares two code vectors, both sorted ascending, and returns a
// similarity score in [0,1] where 1 is an exact match.
type Scorer func(query, stored []uint32) float64

// Jaccard counts matching codes between two sorted vectors and scores the
// overlap as |A∩B| / |A∪B|. A full corpus scan with this scorer is naive but
// sufficient below roughly a million stored fingerprints.
func Jaccard(query, stored []uint32) float64 {
	if len(query) == 0 || len(stored) == 0 {
		return 0
	}

	i, j, num := 0, 0, 0
	for i < len(query) && j < len(stored) {
		switch {
		case query[i] == stored[j]:
			num++
			i++
			j++
		case query[i] < stored[j]:
			i++
		default:
			j++
		}
	}
	return float64(num) / float64(len(query)+len(stored)-num)
}

// Corpus is the stored-fingerprint source the matcher scans.
type Corpus interface {
	ForEachFingerprint(ctx context.Context, batchSize int, fn func(id uint, codes models.Fingerprint) error) error
}

// Candidate is one stored fingerprint scored against a query.
type Candidate struct {
	FingerprintID uint
	Score         float64
}

const (
	// DefaultLimit is the number of candidates kept per query.
	DefaultLimit = 15
	// DefaultMinScore is the threshold below which candidates are dropped.
	DefaultMinScore = 0.01

	defaultBatchSize = 512
)

// Matcher finds the most similar stored fingerprints for query batches.
type Matcher struct {
	corpus    Corpus
	score     Scorer
	limit     int
	minScore  float64
	batchSize int
}

type Option func(*Matcher)

func WithScorer(score Scorer) Option {
	return func(m *Matcher) {
		m.score = score
	}
}

func WithLimit(limit int) Option {
	return func(m *Matcher) {
		m.limit = limit
	}
}

func WithMinScore(minScore float64) Option {
	return func(m *Matcher) {
		m.minScore = minScore
	}
}

func NewMatcher(corpus Corpus, opts ...Option) *Matcher {
	m := &Matcher{
		corpus:    corpus,
		score:     Jaccard,
		limit:     DefaultLimit,
		minScore:  DefaultMinScore,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TopMatches scores every stored fingerprint against every query in a single
// corpus pass and returns, per query, up to limit candidates with score above
// minScore, descending by score. Ties order by fingerprint id ascending, so
// results are deterministic for a given corpus state. The result slice always
// has one entry per query, in input order.
func (m *Matcher) TopMatches(ctx context.Context, queries []models.Fingerprint) ([][]Candidate, error) {
	tops := make([][]Candidate, len(queries))
	if len(queries) == 0 {
		return tops, nil
	}

	sorted := make([][]uint32, len(queries))
	for i, q := range queries {
		s := make([]uint32, len(q))
		copy(s, q)
		sort.Slice(s, func(a, b int) bool { return s[a] < s[b] })
		sorted[i] = s
	}

	err := m.corpus.ForEachFingerprint(ctx, m.batchSize, func(id uint, codes models.Fingerprint) error {
		storedSorted := make([]uint32, len(codes))
		copy(storedSorted, codes)
		sort.Slice(storedSorted, func(a, b int) bool { return storedSorted[a] < storedSorted[b] })

		for qi := range sorted {
			score := m.score(sorted[qi], storedSorted)
			if score > m.minScore {
				tops[qi] = insertCandidate(tops[qi], Candidate{FingerprintID: id, Score: score}, m.limit)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tops, nil
}

// insertCandidate keeps top sorted by score descending, fingerprint id
// ascending, capped at limit.
func insertCandidate(top []Candidate, c Candidate, limit int) []Candidate {
	pos := len(top)
	for pos > 0 {
		prev := top[pos-1]
		if prev.Score > c.Score || (prev.Score == c.Score && prev.FingerprintID < c.FingerprintID) {
			break
		}
		pos--
	}
	if pos >= limit {
		return top
	}

	top = append(top, Candidate{})
	copy(top[pos+1:], top[pos:])
	top[pos] = c
	if len(top) > limit {
		top = top[:limit]
	}
	return top
}
