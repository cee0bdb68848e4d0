package region

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/lox/coolweather/internal/failure"
	"github.com/lox/coolweather/internal/models"
	"github.com/lox/coolweather/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return s
}

// fakeFetcher serves canned bodies keyed by URL.
type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	err    error
	calls  []string
}

func (f *fakeFetcher) Get(_ context.Context, kind, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.bodies[url]
	if !ok {
		return nil, failure.FetchFailed("get "+kind, errors.New("unexpected status: 404"))
	}
	return []byte(body), nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

const textBase = "http://text.test"

func newTextCoordinator(t *testing.T, bodies map[string]string) (*Coordinator, *store.Store, *fakeFetcher) {
	t.Helper()
	s := setupTestStore(t)
	f := &fakeFetcher{bodies: bodies}
	return NewCoordinator(s, f, &TextProvider{BaseURL: textBase}), s, f
}

func TestResolve_ProvinceMissThenHit(t *testing.T) {
	c, _, f := newTextCoordinator(t, map[string]string{
		textBase + "/city.xml": "101|AA,102|BB",
	})
	ctx := context.Background()

	provinces, origin, err := c.Resolve(ctx, models.LevelProvince)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if origin != OriginRemote {
		t.Errorf("origin = %q, want remote", origin)
	}
	if len(provinces) != 2 {
		t.Fatalf("len = %d, want 2", len(provinces))
	}
	if provinces[0].Code != "101" || provinces[0].Name != "AA" || provinces[1].Code != "102" || provinces[1].Name != "BB" {
		t.Errorf("provinces = %+v", provinces)
	}

	again, origin, err := c.Resolve(ctx, models.LevelProvince)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if origin != OriginLocal {
		t.Errorf("second origin = %q, want local", origin)
	}
	if len(again) != 2 || again[0].ID != provinces[0].ID {
		t.Errorf("second resolve = %+v", again)
	}
	if f.callCount() != 1 {
		t.Errorf("fetch calls = %d, want 1", f.callCount())
	}
}

func TestResolve_FullHierarchy(t *testing.T) {
	c, _, f := newTextCoordinator(t, map[string]string{
		textBase + "/city.xml":     "19|江苏,20|浙江",
		textBase + "/city19.xml":   "1904|苏州",
		textBase + "/city1904.xml": "190404|昆山,190408|太仓",
	})
	ctx := context.Background()

	provinces, _, err := c.Resolve(ctx, models.LevelProvince)
	if err != nil {
		t.Fatal(err)
	}
	cities, origin, err := c.Resolve(ctx, models.LevelCity, provinces[0])
	if err != nil {
		t.Fatalf("Resolve cities: %v", err)
	}
	if origin != OriginRemote || len(cities) != 1 || cities[0].ParentID != provinces[0].ID {
		t.Fatalf("cities = %+v (%s)", cities, origin)
	}
	counties, _, err := c.Resolve(ctx, models.LevelCounty, provinces[0], cities[0])
	if err != nil {
		t.Fatalf("Resolve counties: %v", err)
	}
	if len(counties) != 2 {
		t.Fatalf("len(counties) = %d, want 2", len(counties))
	}
	key, ok := counties[0].WeatherKey()
	if !ok || key != "190404" {
		t.Errorf("WeatherKey = %q/%v, want 190404", key, ok)
	}
	if f.callCount() != 3 {
		t.Errorf("fetch calls = %d, want 3", f.callCount())
	}
}

func TestResolve_JSONProvider(t *testing.T) {
	s := setupTestStore(t)
	base := "http://json.test/api/china"
	f := &fakeFetcher{bodies: map[string]string{
		base:             `[{"id":16,"name":"江苏"}]`,
		base + "/16":     `[{"id":116,"name":"苏州"}]`,
		base + "/16/116": `[{"id":937,"name":"昆山","weather_id":"CN101190404"}]`,
	}}
	c := NewCoordinator(s, f, &JSONProvider{BaseURL: base})
	ctx := context.Background()

	provinces, _, err := c.Resolve(ctx, models.LevelProvince)
	if err != nil {
		t.Fatal(err)
	}
	cities, _, err := c.Resolve(ctx, models.LevelCity, provinces[0])
	if err != nil {
		t.Fatal(err)
	}
	counties, _, err := c.Resolve(ctx, models.LevelCounty, provinces[0], cities[0])
	if err != nil {
		t.Fatal(err)
	}
	if key, _ := counties[0].WeatherKey(); key != "CN101190404" {
		t.Errorf("WeatherKey = %q, want CN101190404", key)
	}
}

func TestResolve_FetchFailedPersistsNothing(t *testing.T) {
	c, s, f := newTextCoordinator(t, nil)
	f.err = failure.NetworkUnavailable("get region", errors.New("connection refused"))

	_, _, err := c.Resolve(context.Background(), models.LevelProvince)
	if !errors.Is(err, failure.ErrFetchFailed) {
		t.Fatalf("err = %v, want FetchFailed", err)
	}

	rows, err := s.QueryByParent(context.Background(), models.LevelProvince, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %d after fetch failure, want 0", len(rows))
	}
}

func TestResolve_ParseFailedPersistsNothing(t *testing.T) {
	c, s, f := newTextCoordinator(t, map[string]string{
		textBase + "/city.xml": "101|AA,garbage",
	})
	ctx := context.Background()

	_, _, err := c.Resolve(ctx, models.LevelProvince)
	if !errors.Is(err, failure.ErrParseFailed) {
		t.Fatalf("err = %v, want ParseFailed", err)
	}
	rows, _ := s.QueryByParent(ctx, models.LevelProvince, 0)
	if len(rows) != 0 {
		t.Errorf("rows = %d after parse failure, want 0", len(rows))
	}

	// Nothing was cached, so the next call fetches again.
	c.Resolve(ctx, models.LevelProvince)
	if f.callCount() != 2 {
		t.Errorf("fetch calls = %d, want 2", f.callCount())
	}
}

func TestResolve_EmptyResponseIsParseFailed(t *testing.T) {
	c, _, _ := newTextCoordinator(t, map[string]string{
		textBase + "/city.xml": "",
	})
	_, _, err := c.Resolve(context.Background(), models.LevelProvince)
	if !errors.Is(err, failure.ErrParseFailed) {
		t.Fatalf("err = %v, want ParseFailed", err)
	}
}

func TestResolve_JSONMalformedObjectFailsBatch(t *testing.T) {
	s := setupTestStore(t)
	f := &fakeFetcher{bodies: map[string]string{
		"http://json.test": `[{"id":1,"name":"a"},{"id":2,"name":"b"},{"id":3}]`,
	}}
	c := NewCoordinator(s, f, &JSONProvider{BaseURL: "http://json.test"})

	_, _, err := c.Resolve(context.Background(), models.LevelProvince)
	if !errors.Is(err, failure.ErrParseFailed) {
		t.Fatalf("err = %v, want ParseFailed", err)
	}
	rows, _ := s.QueryByParent(context.Background(), models.LevelProvince, 0)
	if len(rows) != 0 {
		t.Errorf("rows = %d, want 0 (no partial persistence)", len(rows))
	}
}

// blindStore never sees its own rows, as happens when reads fail silently.
type blindStore struct {
	*store.Store
}

func (blindStore) QueryByParent(context.Context, models.Level, int64) ([]models.Region, error) {
	return nil, nil
}

// Resolving twice against a store that never returns rows fetches twice and
// inserts twice. Rows are not deduplicated.
func TestResolve_NotIdempotentOnRepeatedMiss(t *testing.T) {
	s := setupTestStore(t)
	f := &fakeFetcher{bodies: map[string]string{textBase + "/city.xml": "101|AA,102|BB"}}
	c := NewCoordinator(blindStore{s}, f, &TextProvider{BaseURL: textBase})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, origin, err := c.Resolve(ctx, models.LevelProvince)
		if err != nil {
			t.Fatal(err)
		}
		if origin != OriginRemote {
			t.Errorf("call %d origin = %q, want remote", i, origin)
		}
	}

	if f.callCount() != 2 {
		t.Errorf("fetch calls = %d, want 2", f.callCount())
	}
	rows, err := s.QueryByParent(ctx, models.LevelProvince, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Errorf("rows = %d, want 4 (two independent row sets)", len(rows))
	}
}

type failingInsertStore struct {
	*store.Store
}

func (failingInsertStore) InsertRegions(context.Context, models.Level, int64, []models.Entry) ([]models.Region, error) {
	return nil, errors.New("disk full")
}

func TestResolve_PersistenceFailed(t *testing.T) {
	s := setupTestStore(t)
	f := &fakeFetcher{bodies: map[string]string{textBase + "/city.xml": "101|AA"}}
	c := NewCoordinator(failingInsertStore{s}, f, &TextProvider{BaseURL: textBase})

	_, _, err := c.Resolve(context.Background(), models.LevelProvince)
	if !errors.Is(err, failure.ErrPersistenceFailed) {
		t.Fatalf("err = %v, want PersistenceFailed", err)
	}
}

func TestResolve_AncestorValidation(t *testing.T) {
	c, _, f := newTextCoordinator(t, nil)
	ctx := context.Background()

	if _, _, err := c.Resolve(ctx, models.LevelCity); err == nil {
		t.Error("expected error resolving cities without a province")
	}
	city := models.Region{ID: 1, Level: models.LevelCity, Code: "1904"}
	if _, _, err := c.Resolve(ctx, models.LevelCity, city); err == nil {
		t.Error("expected error when parent is at the wrong level")
	}
	if f.callCount() != 0 {
		t.Errorf("fetch calls = %d, want 0", f.callCount())
	}
}

func TestResolve_RecordsFetchRuns(t *testing.T) {
	c, s, _ := newTextCoordinator(t, map[string]string{
		textBase + "/city.xml": "101|AA,102|BB",
	})
	c.SetRunRecorder(s)
	ctx := context.Background()

	if _, _, err := c.Resolve(ctx, models.LevelProvince); err != nil {
		t.Fatal(err)
	}
	province := models.Region{ID: 1, Level: models.LevelProvince, Code: "101"}
	if _, _, err := c.Resolve(ctx, models.LevelCity, province); err == nil {
		t.Fatal("expected fetch failure for unknown endpoint")
	}

	health, err := s.GetFetchHealth(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	var total, failed int
	for _, h := range health {
		total += h.TotalRuns
		failed += h.FailedRuns
	}
	if total != 2 || failed != 1 {
		t.Errorf("runs total=%d failed=%d, want 2/1", total, failed)
	}

	errs, err := s.GetRecentFetchErrors(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].ParentCode != "101" || errs[0].Level != "city" {
		t.Errorf("recent errors = %+v", errs)
	}
}
