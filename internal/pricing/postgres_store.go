package pricing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mbd888/homeserv/internal/dbtx"
)

// PostgresStore persists pricing rules in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `category, hours_formula, price_formula, base_difficulty, obstacles, min_price, active, updated_at`

func (p *PostgresStore) Get(ctx context.Context, category string) (*Rule, error) {
	row := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM pricing_rules WHERE category = $1`, strings.ToLower(category))
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return r, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Rule, error) {
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM pricing_rules ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Put(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	obstacles, err := json.Marshal(r.Obstacles)
	if err != nil {
		return err
	}
	_, err = dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO pricing_rules (category, hours_formula, price_formula, base_difficulty, obstacles, min_price, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (category) DO UPDATE SET
			hours_formula   = EXCLUDED.hours_formula,
			price_formula   = EXCLUDED.price_formula,
			base_difficulty = EXCLUDED.base_difficulty,
			obstacles       = EXCLUDED.obstacles,
			min_price       = EXCLUDED.min_price,
			active          = EXCLUDED.active,
			updated_at      = NOW()
	`, strings.ToLower(r.Category), r.HoursFormula, r.PriceFormula, r.BaseDifficulty, obstacles, r.MinPrice, r.Active)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*Rule, error) {
	r := &Rule{}
	var obstacles []byte
	if err := s.Scan(&r.Category, &r.HoursFormula, &r.PriceFormula, &r.BaseDifficulty,
		&obstacles, &r.MinPrice, &r.Active, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if len(obstacles) > 0 {
		if err := json.Unmarshal(obstacles, &r.Obstacles); err != nil {
			return nil, err
		}
	}
	return r, nil
}

var _ RuleStore = (*PostgresStore)(nil)
