// Package region resolves one level of the province/city/county hierarchy,
// serving stored rows when present and otherwise fetching, parsing and
// persisting the level from the remote provider.
package region

import (
	"context"
	"fmt"
	"log"

	"github.com/lox/coolweather/internal/failure"
	"github.com/lox/coolweather/internal/metrics"
	"github.com/lox/coolweather/internal/models"
)

// Origin tells the caller where a resolved list came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

type Store interface {
	QueryByParent(ctx context.Context, level models.Level, parentID int64) ([]models.Region, error)
	InsertRegions(ctx context.Context, level models.Level, parentID int64, entries []models.Entry) ([]models.Region, error)
}

type Fetcher interface {
	Get(ctx context.Context, kind, url string) ([]byte, error)
}

// RunRecorder audits fetch-miss cycles. Recording failures are logged and
// never fail a resolution.
type RunRecorder interface {
	StartFetchRun(ctx context.Context, kind, level, endpoint, parentCode string) (*models.FetchRun, error)
	CompleteFetchRun(ctx context.Context, run *models.FetchRun) error
}

type Coordinator struct {
	store    Store
	fetcher  Fetcher
	provider Provider
	runs     RunRecorder
}

func NewCoordinator(store Store, fetcher Fetcher, provider Provider) *Coordinator {
	return &Coordinator{
		store:    store,
		fetcher:  fetcher,
		provider: provider,
	}
}

// SetRunRecorder enables the fetch run audit log.
func (c *Coordinator) SetRunRecorder(runs RunRecorder) {
	c.runs = runs
}

// Resolve returns the entries of level under the last of ancestors. Stored
// rows win; with none stored the level is fetched and persisted once per call,
// without checking for rows a concurrent call may have added.
func (c *Coordinator) Resolve(ctx context.Context, level models.Level, ancestors ...models.Region) ([]models.Region, Origin, error) {
	if !level.Valid() {
		return nil, "", fmt.Errorf("resolve: invalid level %d", level)
	}
	if len(ancestors) != level.Depth() {
		return nil, "", fmt.Errorf("resolve %s: need %d ancestors, got %d", level, level.Depth(), len(ancestors))
	}

	var parent models.Region
	if len(ancestors) > 0 {
		parent = ancestors[len(ancestors)-1]
		if want := level - 1; parent.Level != want {
			return nil, "", fmt.Errorf("resolve %s: parent is a %s, want %s", level, parent.Level, want)
		}
	}

	local, err := c.store.QueryByParent(ctx, level, parent.ID)
	if err != nil {
		metrics.RegionResolutions.WithLabelValues(level.String(), "error").Inc()
		return nil, "", failure.PersistenceFailed("query "+level.String(), err)
	}
	if len(local) > 0 {
		metrics.RegionResolutions.WithLabelValues(level.String(), string(OriginLocal)).Inc()
		return local, OriginLocal, nil
	}

	stored, err := c.fetchMiss(ctx, level, parent, ancestors)
	if err != nil {
		metrics.RegionResolutions.WithLabelValues(level.String(), "error").Inc()
		return nil, "", err
	}
	metrics.RegionResolutions.WithLabelValues(level.String(), string(OriginRemote)).Inc()
	return stored, OriginRemote, nil
}

func (c *Coordinator) fetchMiss(ctx context.Context, level models.Level, parent models.Region, ancestors []models.Region) ([]models.Region, error) {
	endpoint, err := c.provider.Endpoint(level, ancestors)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", level, err)
	}

	run := c.startRun(ctx, level, endpoint, parent.Code)

	stored, err := c.fetchParsePersist(ctx, level, parent, endpoint, run)
	if run != nil {
		run.Success = err == nil
		if err != nil {
			run.ErrorMessage = err.Error()
		}
		if cerr := c.runs.CompleteFetchRun(ctx, run); cerr != nil {
			log.Printf("region: complete fetch run %d: %v", run.ID, cerr)
		}
	}
	if err != nil {
		log.Printf("region: %s under %q failed (%s): %v", level, parent.Code, failure.KindOf(err), err)
		return nil, err
	}

	log.Printf("region: stored %d %s rows from %s", len(stored), level, endpoint)
	return stored, nil
}

func (c *Coordinator) fetchParsePersist(ctx context.Context, level models.Level, parent models.Region, endpoint string, run *models.FetchRun) ([]models.Region, error) {
	body, err := c.fetcher.Get(ctx, "region", endpoint)
	if err != nil {
		return nil, err
	}

	entries, err := c.provider.Parse(level, body)
	if err != nil {
		metrics.ParseFailures.WithLabelValues("region_" + c.provider.Name()).Inc()
		return nil, err
	}
	if run != nil {
		run.RecordsParsed = len(entries)
	}

	stored, err := c.store.InsertRegions(ctx, level, parent.ID, entries)
	if err != nil {
		return nil, failure.PersistenceFailed("insert "+level.String(), err)
	}
	if run != nil {
		run.RecordsStored = len(stored)
	}
	metrics.RegionRowsPersisted.WithLabelValues(level.String()).Add(float64(len(stored)))
	return stored, nil
}

func (c *Coordinator) startRun(ctx context.Context, level models.Level, endpoint, parentCode string) *models.FetchRun {
	if c.runs == nil {
		return nil
	}
	run, err := c.runs.StartFetchRun(ctx, "region", level.String(), endpoint, parentCode)
	if err != nil {
		log.Printf("region: start fetch run: %v", err)
		return nil
	}
	return run
}
