// Package ingest keeps the weather snapshot current while the server runs.
package ingest

import (
	"context"
	"log"
	"time"

	"github.com/lox/coolweather/internal/failure"
	"github.com/lox/coolweather/internal/models"
	"github.com/lox/coolweather/internal/weather"
)

// Refresher is the part of the orchestrator the scheduler drives.
type Refresher interface {
	CachedWeather(ctx context.Context) (weather.CacheEntry, error)
	RefreshWeather(ctx context.Context, weatherKey string) (models.Weather, error)
}

// RunPruner drops old fetch-run audit rows.
type RunPruner interface {
	PruneFetchRuns(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler refreshes the cached weather key on a fixed interval and prunes
// the fetch-run log once a day. A failed refresh leaves the previous snapshot
// in place until the next tick.
type Scheduler struct {
	weather         Refresher
	runs            RunPruner
	refreshInterval time.Duration
	pruneInterval   time.Duration
	retention       time.Duration
	now             func() time.Time
}

func NewScheduler(weather Refresher, refreshInterval time.Duration) *Scheduler {
	return &Scheduler{
		weather:         weather,
		refreshInterval: refreshInterval,
		pruneInterval:   24 * time.Hour,
		retention:       30 * 24 * time.Hour,
		now:             time.Now,
	}
}

// SetRunPruner enables daily pruning of fetch runs older than retention.
func (s *Scheduler) SetRunPruner(runs RunPruner, retention time.Duration) {
	s.runs = runs
	if retention > 0 {
		s.retention = retention
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	s.pruneRuns(ctx)

	refreshTicker := time.NewTicker(s.refreshInterval)
	pruneTicker := time.NewTicker(s.pruneInterval)
	defer refreshTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			return
		case <-refreshTicker.C:
			s.RefreshOnce(ctx)
		case <-pruneTicker.C:
			s.pruneRuns(ctx)
		}
	}
}

// RefreshOnce refetches the weather key held in the cache slot, if any. It
// reports whether a new snapshot was stored.
func (s *Scheduler) RefreshOnce(ctx context.Context) bool {
	entry, err := s.weather.CachedWeather(ctx)
	if err != nil {
		log.Printf("scheduler: read weather cache: %v", err)
		return false
	}
	if !entry.Populated || entry.WeatherCode == "" {
		return false
	}

	w, err := s.weather.RefreshWeather(ctx, entry.WeatherCode)
	if err != nil {
		log.Printf("scheduler: refresh weather %s (%s): %v", entry.WeatherCode, failure.KindOf(err), err)
		return false
	}
	log.Printf("scheduler: refreshed %s (%s), %s %s", w.Basic.CityName, entry.WeatherCode, w.Now.Degree(), w.Now.Info)
	return true
}

func (s *Scheduler) pruneRuns(ctx context.Context) {
	if s.runs == nil {
		return
	}
	n, err := s.runs.PruneFetchRuns(ctx, s.now().Add(-s.retention))
	if err != nil {
		log.Printf("scheduler: prune fetch runs: %v", err)
		return
	}
	if n > 0 {
		log.Printf("scheduler: pruned %d fetch runs", n)
	}
}
