// Package commission computes how a job price is split between the client,
// the worker, the platform and taxes.
//
// Two formulas are used. FromBase/FromTotal price a service request: the
// platform fee is charged on both sides of a base price. Split divides an
// amount the client already paid by percentage; payment snapshots use it.
//
// Rounding: every derived field is rounded once (half-up, 2dp) and the
// platform commission is taken as the residual, so the platform absorbs any
// rounding remainder and the parts always sum to the total.
package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/money"
)

var (
	ErrUnbalanced   = errors.New("commission: breakdown parts do not sum to total")
	ErrNegativePart = errors.New("commission: breakdown part is negative")
	ErrInvalidRate  = errors.New("commission: rate must be within [0, 1)")
)

// Breakdown is the split of a total. WorkerNet + PlatformCommission + Taxes
// always equals Total; construct it with NewBreakdown.
type Breakdown struct {
	Currency           string          `json:"currency"`
	Total              decimal.Decimal `json:"total"`
	WorkerNet          decimal.Decimal `json:"workerNet"`
	PlatformCommission decimal.Decimal `json:"platformCommission"`
	Taxes              decimal.Decimal `json:"taxes"`
}

// NewBreakdown validates the parts and returns a Breakdown.
func NewBreakdown(currency string, total, workerNet, platformCommission, taxes decimal.Decimal) (Breakdown, error) {
	for _, d := range []decimal.Decimal{total, workerNet, platformCommission, taxes} {
		if d.IsNegative() {
			return Breakdown{}, ErrNegativePart
		}
	}
	if !workerNet.Add(platformCommission).Add(taxes).Equal(total) {
		return Breakdown{}, fmt.Errorf("%w: %s + %s + %s != %s",
			ErrUnbalanced, workerNet, platformCommission, taxes, total)
	}
	if currency == "" {
		currency = money.DefaultCurrency
	}
	return Breakdown{
		Currency:           currency,
		Total:              total,
		WorkerNet:          workerNet,
		PlatformCommission: platformCommission,
		Taxes:              taxes,
	}, nil
}

// Zero returns an all-zero breakdown.
func Zero(currency string) Breakdown {
	b, _ := NewBreakdown(currency, decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero)
	return b
}

// TotalMoney returns Total as a Money value.
func (b Breakdown) TotalMoney() money.Money {
	m, _ := money.New(b.Total, b.Currency)
	return m
}

// Rates are the fractional rates applied by the engine.
type Rates struct {
	PlatformFeeRate decimal.Decimal `json:"platformFeeRate"`
	GatewayFeeRate  decimal.Decimal `json:"gatewayFeeRate"`
	TaxRate         decimal.Decimal `json:"taxRate"`
}

// Validate checks every rate is within [0, 1) and that the percentage split
// leaves something for the worker.
func (r Rates) Validate() error {
	one := decimal.NewFromInt(1)
	for name, v := range map[string]decimal.Decimal{
		"platform fee": r.PlatformFeeRate,
		"gateway fee":  r.GatewayFeeRate,
		"tax":          r.TaxRate,
	} {
		if v.IsNegative() || v.GreaterThanOrEqual(one) {
			return fmt.Errorf("%w: %s rate %s", ErrInvalidRate, name, v)
		}
	}
	if r.PlatformFeeRate.Add(r.TaxRate).GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: platform fee + tax >= 1", ErrInvalidRate)
	}
	return nil
}

// FromBase prices a job from the worker's base price.
//
//	platformFee = round(base * platformFeeRate)
//	total       = base + platformFee + gatewayFee + taxes
//	workerNet   = base - platformFee
//
// Negative inputs are clamped to zero.
func FromBase(r Rates, currency string, base decimal.Decimal) Breakdown {
	base = money.Round(money.ClampZero(base))
	platformFee := money.Round(base.Mul(r.PlatformFeeRate))
	gatewayFee := money.Round(base.Mul(r.GatewayFeeRate))
	taxes := money.Round(base.Mul(r.TaxRate))

	total := base.Add(platformFee).Add(gatewayFee).Add(taxes)
	workerNet := base.Sub(platformFee)
	commission := total.Sub(workerNet).Sub(taxes)

	b, err := NewBreakdown(currency, total, workerNet, commission, taxes)
	if err != nil {
		// Unreachable: every part is non-negative and commission is the residual.
		panic(err)
	}
	return b
}

// FromTotal derives the base from a client-facing total and delegates to
// FromBase. The returned Total equals the input; the platform commission
// absorbs the rounding drift of the inversion.
func FromTotal(r Rates, currency string, total decimal.Decimal) Breakdown {
	total = money.Round(money.ClampZero(total))
	if total.IsZero() {
		return Zero(currency)
	}
	divisor := decimal.NewFromInt(1).Add(r.PlatformFeeRate).Add(r.GatewayFeeRate).Add(r.TaxRate)
	base := money.Round(total.Div(divisor))

	b := FromBase(r, currency, base)
	workerNet, taxes := b.WorkerNet, b.Taxes
	commission := total.Sub(workerNet).Sub(taxes)
	if commission.IsNegative() {
		workerNet = workerNet.Add(commission)
		commission = decimal.Zero
	}
	out, err := NewBreakdown(currency, total, money.ClampZero(workerNet), commission, taxes)
	if err != nil {
		panic(err)
	}
	return out
}

// Split divides an amount the client already paid:
//
//	platformCommission = round(total * platformFeeRate)
//	taxes              = round(total * taxRate)
//	workerNet          = total - platformCommission - taxes
func Split(r Rates, currency string, total decimal.Decimal) Breakdown {
	total = money.Round(money.ClampZero(total))
	commission := money.Round(total.Mul(r.PlatformFeeRate))
	taxes := money.Round(total.Mul(r.TaxRate))
	workerNet := total.Sub(commission).Sub(taxes)
	if workerNet.IsNegative() {
		commission = commission.Add(workerNet)
		workerNet = decimal.Zero
	}
	b, err := NewBreakdown(currency, total, workerNet, commission, taxes)
	if err != nil {
		panic(err)
	}
	return b
}

// RateProvider supplies the rates in effect now.
type RateProvider interface {
	Current(ctx context.Context) Rates
}

// Engine applies the current rates to prices.
type Engine struct {
	rates    RateProvider
	currency string
}

// NewEngine creates an engine pricing in currency.
func NewEngine(rates RateProvider, currency string) *Engine {
	if currency == "" {
		currency = money.DefaultCurrency
	}
	return &Engine{rates: rates, currency: currency}
}

// Currency returns the engine's pricing currency.
func (e *Engine) Currency() string { return e.currency }

// Rates returns the rates in effect now.
func (e *Engine) Rates(ctx context.Context) Rates { return e.rates.Current(ctx) }

func (e *Engine) FromBase(ctx context.Context, base decimal.Decimal) Breakdown {
	return FromBase(e.rates.Current(ctx), e.currency, base)
}

func (e *Engine) FromTotal(ctx context.Context, total decimal.Decimal) Breakdown {
	return FromTotal(e.rates.Current(ctx), e.currency, total)
}

// Split returns the percentage split of total together with the rates used,
// so callers can snapshot both.
func (e *Engine) Split(ctx context.Context, total decimal.Decimal) (Breakdown, Rates) {
	r := e.rates.Current(ctx)
	return Split(r, e.currency, total), r
}
