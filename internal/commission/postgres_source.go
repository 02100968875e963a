package commission

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNoRates is returned when the rates table has no effective row.
var ErrNoRates = errors.New("commission: no effective rates configured")

// PostgresSource reads the most recent effective row of commission_rates.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a rate source backed by PostgreSQL.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (p *PostgresSource) Load(ctx context.Context) (Rates, error) {
	var platform, gateway, tax string
	err := p.db.QueryRowContext(ctx, `
		SELECT platform_fee_rate, gateway_fee_rate, tax_rate
		FROM commission_rates
		WHERE effective_from <= NOW()
		ORDER BY effective_from DESC
		LIMIT 1`).Scan(&platform, &gateway, &tax)
	if errors.Is(err, sql.ErrNoRows) {
		return Rates{}, ErrNoRates
	}
	if err != nil {
		return Rates{}, err
	}

	var r Rates
	if r.PlatformFeeRate, err = decimal.NewFromString(platform); err != nil {
		return Rates{}, err
	}
	if r.GatewayFeeRate, err = decimal.NewFromString(gateway); err != nil {
		return Rates{}, err
	}
	if r.TaxRate, err = decimal.NewFromString(tax); err != nil {
		return Rates{}, err
	}
	return r, nil
}

var _ RateSource = (*PostgresSource)(nil)
