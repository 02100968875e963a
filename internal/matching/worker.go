// Package matching ranks candidate workers for a job.
//
// Candidates come from the worker directory, are filtered for eligibility
// (online, not blocked, not over their debt limit) and scored by distance,
// rating, plan tier, acceptance rate and cancellation rate. Ranked
// candidates are split into notification waves so a job does not page every
// worker in the area at once.
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrWorkerNotFound = errors.New("worker not found")
	ErrNoCandidates   = errors.New("no eligible workers")
	ErrInvalidWorker  = errors.New("invalid worker profile")
)

// Tier is a worker's subscription plan.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// Location is a point on the map.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks the coordinates are on Earth.
func (l Location) Validate() error {
	if l.Lat < -90 || l.Lat > 90 || l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("location %.5f,%.5f out of range", l.Lat, l.Lng)
	}
	return nil
}

// Worker is a directory entry.
type Worker struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Rating           float64   `json:"rating"`
	AcceptanceRate   float64   `json:"acceptanceRate"`
	CancellationRate float64   `json:"cancellationRate"`
	PlanTier         Tier      `json:"planTier"`
	Location         Location  `json:"location"`
	Categories       []string  `json:"categories"`
	Online           bool      `json:"online"`
	Blocked          bool      `json:"blocked"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Validate checks the profile's ranges.
func (w *Worker) Validate() error {
	switch {
	case w.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidWorker)
	case w.Rating < 0 || w.Rating > 5:
		return fmt.Errorf("%w: rating must be within [0, 5]", ErrInvalidWorker)
	case w.AcceptanceRate < 0 || w.AcceptanceRate > 1:
		return fmt.Errorf("%w: acceptance rate must be within [0, 1]", ErrInvalidWorker)
	case w.CancellationRate < 0 || w.CancellationRate > 1:
		return fmt.Errorf("%w: cancellation rate must be within [0, 1]", ErrInvalidWorker)
	}
	if err := w.Location.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorker, err)
	}
	return nil
}

// Offers reports whether the worker takes jobs in category. Workers with no
// categories take everything.
func (w *Worker) Offers(category string) bool {
	if category == "" || len(w.Categories) == 0 {
		return true
	}
	for _, c := range w.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Directory is the worker directory.
type Directory interface {
	Upsert(ctx context.Context, w *Worker) error
	Get(ctx context.Context, id string) (*Worker, error)
	SetAvailability(ctx context.Context, id string, online bool) error
	// Nearby returns workers within radiusKm of loc, in any state.
	Nearby(ctx context.Context, loc Location, radiusKm float64) ([]*Worker, error)
}
