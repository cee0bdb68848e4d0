package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/coolweather/internal/failure"
	"github.com/lox/coolweather/internal/models"
	"github.com/lox/coolweather/internal/orchestrator"
)

type WarmCmd struct {
	Retries  uint64 `help:"Retries per level on network or fetch failures." default:"3"`
	Province string `help:"Only warm this province (name or code)."`
}

func (c *WarmCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	w := &warmer{resolver: a.coord, retries: c.Retries, newBackOff: defaultBackOff}
	stats, err := w.walk(ctx, c.Province)
	log.Printf("warm: %d provinces, %d cities, %d counties, %d failed levels",
		stats.provinces, stats.cities, stats.counties, stats.failed)
	return err
}

func defaultBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff()
}

type warmStats struct {
	provinces, cities, counties, failed int
}

// warmer resolves every level of the hierarchy so later lookups are served
// locally. A level that keeps failing is skipped and counted; the walk only
// aborts when the province list itself cannot be resolved.
type warmer struct {
	resolver   orchestrator.Resolver
	retries    uint64
	newBackOff func() *backoff.ExponentialBackOff
}

func (w *warmer) walk(ctx context.Context, only string) (warmStats, error) {
	var stats warmStats

	provinces, err := w.resolve(ctx, models.LevelProvince)
	if err != nil {
		return stats, fmt.Errorf("warm provinces: %w", err)
	}
	if only != "" {
		p, ok := findRegion(provinces, only)
		if !ok {
			return stats, fmt.Errorf("warm: no province matching %q", only)
		}
		provinces = []models.Region{p}
	}
	stats.provinces = len(provinces)

	for _, p := range provinces {
		cities, err := w.resolve(ctx, models.LevelCity, p)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			log.Printf("warm: cities of %s: %v", p.Name, err)
			stats.failed++
			continue
		}
		stats.cities += len(cities)

		for _, c := range cities {
			counties, err := w.resolve(ctx, models.LevelCounty, p, c)
			if err != nil {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				log.Printf("warm: counties of %s/%s: %v", p.Name, c.Name, err)
				stats.failed++
				continue
			}
			stats.counties += len(counties)
		}
	}
	return stats, nil
}

// resolve retries network and fetch failures. Parse and persistence failures
// would fail the same way again and end the retry loop at once.
func (w *warmer) resolve(ctx context.Context, level models.Level, ancestors ...models.Region) ([]models.Region, error) {
	op := func() ([]models.Region, error) {
		rows, _, err := w.resolver.Resolve(ctx, level, ancestors...)
		if err == nil {
			return rows, nil
		}
		if !errors.Is(err, failure.ErrFetchFailed) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), w.retries), ctx)
	return backoff.RetryWithData[[]models.Region](op, b)
}
