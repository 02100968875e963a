// Package pricing estimates jobs from per-category pricing rules.
//
// A Rule holds two formulas, one for the hours a job takes and one for the
// base price. Formulas are compiled by a small whitelisted evaluator, so
// rules can be edited at runtime without running arbitrary code.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/money"
)

var (
	ErrRuleNotFound    = errors.New("pricing rule not found")
	ErrInvalidRule     = errors.New("invalid pricing rule")
	ErrInvalidEstimate = errors.New("invalid estimate")
	ErrInvalidInput    = errors.New("invalid estimate input")
)

const maxDifficulty = 10

// Input describes the job to estimate.
type Input struct {
	Category    string          `json:"category"`
	Description string          `json:"description"`
	AreaM2      decimal.Decimal `json:"areaM2"`
	ImageURL    string          `json:"imageUrl,omitempty"`
}

// Estimate is what an estimator returns for a job.
type Estimate struct {
	DifficultyScore    float64         `json:"difficultyScore"`
	EstimatedHours     decimal.Decimal `json:"estimatedHours"`
	SuggestedBasePrice decimal.Decimal `json:"suggestedBasePrice"`
	Obstacles          []string        `json:"obstacles"`
	Reasoning          string          `json:"reasoning"`
}

// Validate checks the ranges estimators must respect.
func (e *Estimate) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: empty", ErrInvalidEstimate)
	case e.DifficultyScore < 0 || e.DifficultyScore > maxDifficulty:
		return fmt.Errorf("%w: difficulty %.1f outside [0, %d]", ErrInvalidEstimate, e.DifficultyScore, maxDifficulty)
	case !e.EstimatedHours.IsPositive():
		return fmt.Errorf("%w: hours must be positive", ErrInvalidEstimate)
	case e.SuggestedBasePrice.IsNegative():
		return fmt.Errorf("%w: negative base price", ErrInvalidEstimate)
	}
	return nil
}

// Estimator produces an estimate for a job. The rule-based estimator is the
// built-in implementation; an AI-backed one can replace it.
type Estimator interface {
	Estimate(ctx context.Context, in Input) (*Estimate, error)
}

// Rule prices one service category.
type Rule struct {
	Category       string             `json:"category"`
	HoursFormula   string             `json:"hoursFormula"`
	PriceFormula   string             `json:"priceFormula"`
	BaseDifficulty float64            `json:"baseDifficulty"`
	Obstacles      map[string]float64 `json:"obstacles,omitempty"`
	MinPrice       decimal.Decimal    `json:"minPrice"`
	Active         bool               `json:"active"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Validate checks the rule's formulas compile and its numbers make sense.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Category) == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidRule)
	}
	if _, err := Compile(r.HoursFormula); err != nil {
		return fmt.Errorf("%w: hours formula: %v", ErrInvalidRule, err)
	}
	if _, err := Compile(r.PriceFormula); err != nil {
		return fmt.Errorf("%w: price formula: %v", ErrInvalidRule, err)
	}
	if r.BaseDifficulty < 0 || r.BaseDifficulty > maxDifficulty {
		return fmt.Errorf("%w: base difficulty outside [0, %d]", ErrInvalidRule, maxDifficulty)
	}
	if r.MinPrice.IsNegative() {
		return fmt.Errorf("%w: negative minimum price", ErrInvalidRule)
	}
	return nil
}

// RuleStore persists pricing rules.
type RuleStore interface {
	Get(ctx context.Context, category string) (*Rule, error)
	List(ctx context.Context) ([]*Rule, error)
	Put(ctx context.Context, r *Rule) error
}

// DefaultRules seed a fresh deployment.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			Category:       "cleaning",
			HoursFormula:   "max(1, area / 25 * (1 + difficulty / 10))",
			PriceFormula:   "hours * 18",
			BaseDifficulty: 2,
			Obstacles:      map[string]float64{"pets": 1, "stairs": 1, "mold": 3, "post-construction": 3},
			MinPrice:       decimal.NewFromInt(40),
			Active:         true,
		},
		{
			Category:       "plumbing",
			HoursFormula:   "max(1, 1 + difficulty / 3)",
			PriceFormula:   "60 + hours * 45",
			BaseDifficulty: 4,
			Obstacles:      map[string]float64{"leak": 2, "clog": 1, "burst": 4, "gas": 4},
			MinPrice:       decimal.NewFromInt(80),
			Active:         true,
		},
		{
			Category:       "electrical",
			HoursFormula:   "max(1, 1 + difficulty / 2.5)",
			PriceFormula:   "75 + hours * 55",
			BaseDifficulty: 5,
			Obstacles:      map[string]float64{"panel": 3, "sparks": 3, "outage": 2},
			MinPrice:       decimal.NewFromInt(100),
			Active:         true,
		},
		{
			Category:       "painting",
			HoursFormula:   "max(2, area / 12)",
			PriceFormula:   "area * 9 + hours * 10",
			BaseDifficulty: 3,
			Obstacles:      map[string]float64{"ceiling": 1, "wallpaper": 2, "exterior": 2},
			MinPrice:       decimal.NewFromInt(120),
			Active:         true,
		},
		{
			Category:       "gardening",
			HoursFormula:   "max(1, area / 80)",
			PriceFormula:   "hours * 25",
			BaseDifficulty: 1,
			Obstacles:      map[string]float64{"tree": 3, "slope": 2},
			MinPrice:       decimal.NewFromInt(35),
			Active:         true,
		},
	}
}

// RuleBasedEstimator estimates jobs from the category's pricing rule.
type RuleBasedEstimator struct {
	rules RuleStore
}

// NewRuleBasedEstimator creates an estimator over rules.
func NewRuleBasedEstimator(rules RuleStore) *RuleBasedEstimator {
	return &RuleBasedEstimator{rules: rules}
}

func (e *RuleBasedEstimator) Estimate(ctx context.Context, in Input) (*Estimate, error) {
	if in.AreaM2.IsNegative() {
		return nil, fmt.Errorf("%w: negative area", ErrInvalidInput)
	}
	rule, err := e.rules.Get(ctx, strings.ToLower(in.Category))
	if err != nil {
		return nil, err
	}
	if !rule.Active {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, in.Category)
	}

	difficulty := rule.BaseDifficulty
	desc := strings.ToLower(in.Description)
	var obstacles []string
	for _, kw := range sortedKeys(rule.Obstacles) {
		if strings.Contains(desc, kw) {
			obstacles = append(obstacles, kw)
			difficulty += rule.Obstacles[kw]
		}
	}
	if difficulty > maxDifficulty {
		difficulty = maxDifficulty
	}

	hoursF, err := Compile(rule.HoursFormula)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	priceF, err := Compile(rule.PriceFormula)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	vars := map[string]decimal.Decimal{
		"area":       in.AreaM2,
		"difficulty": decimal.NewFromFloat(difficulty),
	}
	hours, err := hoursF.Eval(vars)
	if err != nil {
		return nil, err
	}
	hours = hours.Round(2)
	if !hours.IsPositive() {
		hours = decimal.RequireFromString("0.5")
	}
	vars["hours"] = hours

	price, err := priceF.Eval(vars)
	if err != nil {
		return nil, err
	}
	price = money.Round(money.ClampZero(price))
	if price.LessThan(rule.MinPrice) {
		price = rule.MinPrice
	}

	reasoning := fmt.Sprintf("%s rule: %s h at difficulty %.1f, price %s",
		rule.Category, hours.String(), difficulty, price.StringFixed(2))
	if len(obstacles) > 0 {
		reasoning += "; obstacles: " + strings.Join(obstacles, ", ")
	}
	est := &Estimate{
		DifficultyScore:    difficulty,
		EstimatedHours:     hours,
		SuggestedBasePrice: price,
		Obstacles:          obstacles,
		Reasoning:          reasoning,
	}
	return est, est.Validate()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Estimator = (*RuleBasedEstimator)(nil)
