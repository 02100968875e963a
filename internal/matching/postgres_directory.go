package matching

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/mbd888/homeserv/internal/dbtx"
)

// PostgresDirectory stores workers in PostgreSQL. Radius searches use a
// bounding box on the indexed coordinates and then the exact distance.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a PostgreSQL-backed directory.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const workerColumns = `id, name, rating, acceptance_rate, cancellation_rate, plan_tier, lat, lng, categories, online, blocked, updated_at`

func (p *PostgresDirectory) Upsert(ctx context.Context, w *Worker) error {
	if err := w.Validate(); err != nil {
		return err
	}
	categories := w.Categories
	if categories == nil {
		categories = []string{}
	}
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO workers (id, name, rating, acceptance_rate, cancellation_rate, plan_tier, lat, lng, categories, online, blocked, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name              = EXCLUDED.name,
			rating            = EXCLUDED.rating,
			acceptance_rate   = EXCLUDED.acceptance_rate,
			cancellation_rate = EXCLUDED.cancellation_rate,
			plan_tier         = EXCLUDED.plan_tier,
			lat               = EXCLUDED.lat,
			lng               = EXCLUDED.lng,
			categories        = EXCLUDED.categories,
			online            = EXCLUDED.online,
			blocked           = EXCLUDED.blocked,
			updated_at        = NOW()
	`, w.ID, w.Name, w.Rating, w.AcceptanceRate, w.CancellationRate, string(w.PlanTier),
		w.Location.Lat, w.Location.Lng, pq.Array(categories), w.Online, w.Blocked)
	return err
}

func (p *PostgresDirectory) Get(ctx context.Context, id string) (*Worker, error) {
	row := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	return w, err
}

func (p *PostgresDirectory) SetAvailability(ctx context.Context, id string, online bool) error {
	res, err := dbtx.Conn(ctx, p.db).ExecContext(ctx,
		`UPDATE workers SET online = $2, updated_at = NOW() WHERE id = $1`, id, online)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

func (p *PostgresDirectory) Nearby(ctx context.Context, loc Location, radiusKm float64) ([]*Worker, error) {
	minLat, maxLat, minLng, maxLng := boundingBox(loc, radiusKm)
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+workerColumns+`
		FROM workers
		WHERE lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4
	`, minLat, maxLat, minLng, maxLng)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		if DistanceKm(loc, w.Location) <= radiusKm {
			out = append(out, w)
		}
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(s scanner) (*Worker, error) {
	w := &Worker{}
	var tier string
	var categories pq.StringArray
	if err := s.Scan(&w.ID, &w.Name, &w.Rating, &w.AcceptanceRate, &w.CancellationRate, &tier,
		&w.Location.Lat, &w.Location.Lng, &categories, &w.Online, &w.Blocked, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.PlanTier = Tier(tier)
	w.Categories = []string(categories)
	return w, nil
}

var _ Directory = (*PostgresDirectory)(nil)
