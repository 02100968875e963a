package matching

import "math"

// Weights for the score components. The distance, rating and acceptance
// weights are the points a perfect worker earns on each; CancelPenalty is
// what a worker who cancels everything loses.
type Weights struct {
	Distance      float64
	Rating        float64
	Acceptance    float64
	CancelPenalty float64
}

// DefaultWeights favour proximity, then rating.
var DefaultWeights = Weights{
	Distance:      40,
	Rating:        30,
	Acceptance:    20,
	CancelPenalty: 25,
}

// DefaultTierBonus is added per plan tier.
var DefaultTierBonus = map[Tier]float64{
	TierBasic:   0,
	TierPro:     5,
	TierPremium: 10,
}

// Components breaks a score down.
type Components struct {
	DistanceScore   float64 `json:"distanceScore"`
	RatingScore     float64 `json:"ratingScore"`
	TierBonus       float64 `json:"tierBonus"`
	AcceptanceBonus float64 `json:"acceptanceBonus"`
	CancelPenalty   float64 `json:"cancelPenalty"`
}

// Scorer computes candidate scores.
type Scorer struct {
	weights   Weights
	tierBonus map[Tier]float64
}

// NewScorer creates a scorer with the default weights.
func NewScorer() *Scorer {
	return &Scorer{weights: DefaultWeights, tierBonus: DefaultTierBonus}
}

// NewScorerWithWeights creates a scorer with custom weights and tier bonuses.
func NewScorerWithWeights(w Weights, tierBonus map[Tier]float64) *Scorer {
	if tierBonus == nil {
		tierBonus = DefaultTierBonus
	}
	return &Scorer{weights: w, tierBonus: tierBonus}
}

// Score rates a worker distanceKm away from a job searched within maxRadiusKm.
func (s *Scorer) Score(w *Worker, distanceKm, maxRadiusKm float64) (float64, Components) {
	var comp Components
	if maxRadiusKm > 0 {
		comp.DistanceScore = math.Max(0, 1-distanceKm/maxRadiusKm) * s.weights.Distance
	}
	comp.RatingScore = clamp01(w.Rating/5) * s.weights.Rating
	comp.TierBonus = s.tierBonus[w.PlanTier]
	comp.AcceptanceBonus = clamp01(w.AcceptanceRate) * s.weights.Acceptance
	comp.CancelPenalty = clamp01(w.CancellationRate) * s.weights.CancelPenalty

	score := comp.DistanceScore + comp.RatingScore + comp.TierBonus + comp.AcceptanceBonus - comp.CancelPenalty
	return math.Round(score*1000) / 1000, comp
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
