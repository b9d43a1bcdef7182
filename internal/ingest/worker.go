// Package ingest keeps the demo fleet reporting: on every poll a handful of
// active floats drift to a new fix and append fresh readings.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/floatchat/floatchat/internal/ocean"
)

// FleetStore abstracts the float and measurement writes.
type FleetStore interface {
	ListFloats(region ocean.Region, limit int) ([]ocean.Float, error)
	SaveFloat(f ocean.Float) error
	SaveMeasurements(measurements []ocean.Measurement) error
}

// DefaultBatch is the number of floats advanced per poll.
const DefaultBatch = 5

// Worker advances randomly chosen floats on a fixed interval.
type Worker struct {
	store  FleetStore
	poll   time.Duration
	batch  int
	rng    *rand.Rand
	logger *slog.Logger
	now    func() time.Time
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 30s.
// A nil rng is seeded from the clock.
func NewWorker(store FleetStore, pollInterval time.Duration, rng *rand.Rand) *Worker {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 1))
	}
	return &Worker{
		store:  store,
		poll:   pollInterval,
		batch:  DefaultBatch,
		rng:    rng,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("fleet update failed", "error", err)
			continue
		}
		w.logger.Debug("fleet updated", "measurements", n)
	}
}

// RunOnce moves up to one batch of active floats and stores their new
// readings. It returns the number of measurements written.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	floats, err := w.store.ListFloats(ocean.Global, 0)
	if err != nil {
		return 0, fmt.Errorf("listing floats: %w", err)
	}
	if len(floats) == 0 {
		return 0, nil
	}

	now := w.now()
	var readings []ocean.Measurement
	for _, i := range w.rng.Perm(len(floats))[:min(w.batch, len(floats))] {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		next, ms := ocean.Drift(w.rng, floats[i], now)
		if err := w.store.SaveFloat(next); err != nil {
			return 0, fmt.Errorf("saving float %s: %w", next.ID, err)
		}
		readings = append(readings, ms...)
	}

	if err := w.store.SaveMeasurements(readings); err != nil {
		return 0, fmt.Errorf("saving measurements: %w", err)
	}
	return len(readings), nil
}
