// Package orchestrator drives the province, city, county and weather flow on
// top of the region coordinator and the weather snapshot cache.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/lox/coolweather/internal/failure"
	"github.com/lox/coolweather/internal/models"
	"github.com/lox/coolweather/internal/region"
	"github.com/lox/coolweather/internal/remote"
	"github.com/lox/coolweather/internal/weather"
)

type Resolver interface {
	Resolve(ctx context.Context, level models.Level, ancestors ...models.Region) ([]models.Region, region.Origin, error)
}

type WeatherSource interface {
	URL(weatherKey string) string
	Fetch(ctx context.Context, weatherKey string) ([]byte, error)
}

type SnapshotCache interface {
	GetKeyed(ctx context.Context, weatherKey string) (models.Weather, bool, error)
	PutKeyed(ctx context.Context, weatherKey string, raw []byte) (models.Weather, error)
	Entry(ctx context.Context) (weather.CacheEntry, error)
	Invalidate(ctx context.Context) error
}

// Orchestrator never retries. Each failure is returned to the caller, which
// decides whether to ask again.
type Orchestrator struct {
	regions Resolver
	source  WeatherSource
	cache   SnapshotCache
	runs    region.RunRecorder
}

func New(regions Resolver, source WeatherSource, cache SnapshotCache) *Orchestrator {
	return &Orchestrator{
		regions: regions,
		source:  source,
		cache:   cache,
	}
}

// SetRunRecorder enables the fetch run audit log for weather fetches.
func (o *Orchestrator) SetRunRecorder(runs region.RunRecorder) {
	o.runs = runs
}

func (o *Orchestrator) Provinces(ctx context.Context) ([]models.Region, error) {
	rows, _, err := o.regions.Resolve(ctx, models.LevelProvince)
	return rows, err
}

func (o *Orchestrator) Cities(ctx context.Context, province models.Region) ([]models.Region, error) {
	rows, _, err := o.regions.Resolve(ctx, models.LevelCity, province)
	return rows, err
}

func (o *Orchestrator) Counties(ctx context.Context, province, city models.Region) ([]models.Region, error) {
	rows, _, err := o.regions.Resolve(ctx, models.LevelCounty, province, city)
	return rows, err
}

// Weather returns the snapshot for weatherKey. The cached snapshot is used
// only when it was stored for the same key; otherwise the provider is asked
// and a valid reply replaces the cache slot.
func (o *Orchestrator) Weather(ctx context.Context, weatherKey string) (models.Weather, region.Origin, error) {
	if weatherKey == "" {
		return models.Weather{}, "", errors.New("weather: empty weather key")
	}

	if w, ok := o.cached(ctx, weatherKey); ok {
		return w, region.OriginLocal, nil
	}

	w, err := o.fetch(ctx, weatherKey)
	if err != nil {
		return models.Weather{}, "", err
	}
	return w, region.OriginRemote, nil
}

// RefreshWeather skips the cache and replaces the slot with a fresh reply.
// On failure the previous snapshot is kept.
func (o *Orchestrator) RefreshWeather(ctx context.Context, weatherKey string) (models.Weather, error) {
	if weatherKey == "" {
		return models.Weather{}, errors.New("weather: empty weather key")
	}
	return o.fetch(ctx, weatherKey)
}

// ForgetWeather empties the snapshot slot.
func (o *Orchestrator) ForgetWeather(ctx context.Context) error {
	return o.cache.Invalidate(ctx)
}

// CachedWeather returns the slot's structured fields.
func (o *Orchestrator) CachedWeather(ctx context.Context) (weather.CacheEntry, error) {
	return o.cache.Entry(ctx)
}

func (o *Orchestrator) cached(ctx context.Context, weatherKey string) (models.Weather, bool) {
	w, ok, err := o.cache.GetKeyed(ctx, weatherKey)
	if err != nil {
		log.Printf("orchestrator: read weather cache: %v", err)
		return models.Weather{}, false
	}
	if !ok || !w.OK() {
		return models.Weather{}, false
	}
	return w, true
}

func (o *Orchestrator) fetch(ctx context.Context, weatherKey string) (models.Weather, error) {
	run := o.startRun(ctx, weatherKey)
	w, err := o.fetchParseStore(ctx, weatherKey)
	if run != nil {
		run.Success = err == nil
		if err != nil {
			run.ErrorMessage = err.Error()
		} else {
			run.RecordsParsed, run.RecordsStored = 1, 1
		}
		if cerr := o.runs.CompleteFetchRun(ctx, run); cerr != nil {
			log.Printf("orchestrator: complete fetch run %d: %v", run.ID, cerr)
		}
	}
	return w, err
}

func (o *Orchestrator) fetchParseStore(ctx context.Context, weatherKey string) (models.Weather, error) {
	pending := remote.Go(ctx, func(ctx context.Context) ([]byte, error) {
		return o.source.Fetch(ctx, weatherKey)
	})
	raw, err := pending.Await(ctx)
	if err != nil {
		log.Printf("orchestrator: fetch weather %s (%s): %v", weatherKey, failure.KindOf(err), err)
		return models.Weather{}, err
	}

	w, err := weather.Parse(raw)
	if err != nil {
		log.Printf("orchestrator: parse weather %s: %v", weatherKey, err)
		return models.Weather{}, err
	}
	if !w.OK() {
		err := failure.FetchFailed("weather "+weatherKey, fmt.Errorf("provider status %q", w.Status))
		log.Printf("orchestrator: %v", err)
		return models.Weather{}, err
	}

	stored, err := o.cache.PutKeyed(ctx, weatherKey, raw)
	if err != nil {
		log.Printf("orchestrator: cache weather %s: %v", weatherKey, err)
		return models.Weather{}, err
	}
	return stored, nil
}

func (o *Orchestrator) startRun(ctx context.Context, weatherKey string) *models.FetchRun {
	if o.runs == nil {
		return nil
	}
	run, err := o.runs.StartFetchRun(ctx, "weather", "", o.source.URL(weatherKey), weatherKey)
	if err != nil {
		log.Printf("orchestrator: start fetch run: %v", err)
		return nil
	}
	return run
}

// UserMessage is the text shown to end users for err. Every failure kind
// collapses to the same message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return failure.UserMessage
}
