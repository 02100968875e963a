package matching

import (
	"context"
	"log/slog"
	"sort"
)

// Eligibility reports whether a worker may take new jobs. The wallet
// manager implements it from the worker's debt status.
type Eligibility interface {
	CanReceiveJobs(ctx context.Context, userID string) (bool, error)
}

// WaveSizes bounds the first two notification waves; everything after them
// is the last wave.
type WaveSizes struct {
	First  int `json:"first"`
	Second int `json:"second"`
}

// Query describes a search.
type Query struct {
	Location Location
	RadiusKm float64
	Category string
	// Exclude lists workers already tried for this job.
	Exclude []string
}

// Candidate is a scored, eligible worker.
type Candidate struct {
	Worker     *Worker    `json:"worker"`
	DistanceKm float64    `json:"distanceKm"`
	Score      float64    `json:"score"`
	Components Components `json:"components"`
}

// Ranking is candidates sorted by score, best first.
type Ranking struct {
	Candidates []Candidate
	sizes      WaveSizes
}

// Wave returns the candidates of wave i (0-based). Waves past the last one
// are empty.
func (r *Ranking) Wave(i int) []Candidate {
	first, second := r.sizes.First, r.sizes.Second
	n := len(r.Candidates)
	bounds := [][2]int{
		{0, min(first, n)},
		{min(first, n), min(first+second, n)},
		{min(first+second, n), n},
	}
	if i < 0 || i >= len(bounds) {
		return nil
	}
	return r.Candidates[bounds[i][0]:bounds[i][1]]
}

// Waves returns the number of non-empty waves.
func (r *Ranking) Waves() int {
	count := 0
	for i := 0; i < 3; i++ {
		if len(r.Wave(i)) > 0 {
			count++
		}
	}
	return count
}

// Matcher ranks workers for jobs.
type Matcher struct {
	directory     Directory
	eligibility   Eligibility
	scorer        *Scorer
	sizes         WaveSizes
	defaultRadius float64
	logger        *slog.Logger
}

// NewMatcher creates a matcher. eligibility may be nil, in which case only
// the directory's online and blocked flags are checked.
func NewMatcher(directory Directory, eligibility Eligibility) *Matcher {
	return &Matcher{
		directory:     directory,
		eligibility:   eligibility,
		scorer:        NewScorer(),
		sizes:         WaveSizes{First: 5, Second: 10},
		defaultRadius: 15,
		logger:        slog.Default(),
	}
}

// WithScorer replaces the scorer.
func (m *Matcher) WithScorer(s *Scorer) *Matcher {
	m.scorer = s
	return m
}

// WithWaveSizes sets the wave sizes.
func (m *Matcher) WithWaveSizes(sizes WaveSizes) *Matcher {
	m.sizes = sizes
	return m
}

// WithDefaultRadius sets the radius used when a query has none.
func (m *Matcher) WithDefaultRadius(km float64) *Matcher {
	m.defaultRadius = km
	return m
}

// WithLogger sets the logger.
func (m *Matcher) WithLogger(logger *slog.Logger) *Matcher {
	m.logger = logger
	return m
}

// Rank scores every eligible worker for q.
func (m *Matcher) Rank(ctx context.Context, q Query) (*Ranking, error) {
	if err := q.Location.Validate(); err != nil {
		return nil, err
	}
	radius := q.RadiusKm
	if radius <= 0 {
		radius = m.defaultRadius
	}

	workers, err := m.directory.Nearby(ctx, q.Location, radius)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = true
	}

	var out []Candidate
	for _, w := range workers {
		if !w.Online || w.Blocked || excluded[w.ID] || !w.Offers(q.Category) {
			continue
		}
		dist := DistanceKm(q.Location, w.Location)
		if dist > radius {
			continue
		}
		if !m.eligible(ctx, w.ID) {
			continue
		}
		score, comp := m.scorer.Score(w, dist, radius)
		out = append(out, Candidate{Worker: w, DistanceKm: dist, Score: score, Components: comp})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Worker.ID < out[j].Worker.ID
	})
	return &Ranking{Candidates: out, sizes: m.sizes}, nil
}

// FindNextWorker returns the best eligible worker not in q.Exclude.
func (m *Matcher) FindNextWorker(ctx context.Context, q Query) (*Candidate, error) {
	r, err := m.Rank(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(r.Candidates) == 0 {
		return nil, ErrNoCandidates
	}
	best := r.Candidates[0]
	return &best, nil
}

func (m *Matcher) eligible(ctx context.Context, workerID string) bool {
	if m.eligibility == nil {
		return true
	}
	ok, err := m.eligibility.CanReceiveJobs(ctx, workerID)
	if err != nil {
		m.logger.Warn("eligibility check failed, skipping worker", "worker", workerID, "error", err)
		return false
	}
	return ok
}
