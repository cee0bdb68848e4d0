package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/lox/coolweather/internal/api"
	"github.com/lox/coolweather/internal/failure"
	"github.com/lox/coolweather/internal/models"
	"github.com/lox/coolweather/internal/orchestrator"
	"github.com/lox/coolweather/internal/region"
	"github.com/lox/coolweather/internal/store"
	"github.com/lox/coolweather/internal/weather"

	_ "modernc.org/sqlite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	regionBase  = "http://regions.test"
	weatherBase = "http://weather.test/{id}"
)

type cannedFetcher map[string]string

func (f cannedFetcher) Get(_ context.Context, kind, url string) ([]byte, error) {
	body, ok := f[url]
	if !ok {
		return nil, failure.FetchFailed("get "+kind, errors.New("unexpected status: 404"))
	}
	return []byte(body), nil
}

func setupServer(t *testing.T) (*api.Server, *store.Store) {
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

	fetcher := cannedFetcher{
		regionBase:             `[{"id":16,"name":"江苏"}]`,
		regionBase + "/16":     `[{"id":116,"name":"苏州"}]`,
		regionBase + "/16/116": `[{"id":937,"name":"昆山","weather_id":"CN101190404"}]`,

		"http://weather.test/CN101190404": `{"HeWeather":[{"status":"ok","basic":{"city":"昆山","id":"CN101190404","update":{"loc":"2016-08-08 21:58"}},"now":{"tmp":"21","cond":{"txt":"多云"}},"daily_forecast":[]}]}`,
		"http://weather.test/BAD":         `{"HeWeather":[{"status":"invalid key"}]}`,
	}

	coord := region.NewCoordinator(s, fetcher, &region.JSONProvider{BaseURL: regionBase})
	coord.SetRunRecorder(s)
	orch := orchestrator.New(coord, weather.NewSource(fetcher, weatherBase, ""), weather.NewCache(s.Settings()))
	orch.SetRunRecorder(s)
	return api.NewServer(s, orch, ":0"), s
}

func get(t *testing.T, srv *api.Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	w := get(t, srv, "GET", "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var health api.HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q", health.Status)
	}
	if n, ok := health.Regions[models.LevelProvince]; !ok || n != 0 {
		t.Errorf("regions = %v", health.Regions)
	}
}

func TestHierarchyEndpoints(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	w := get(t, srv, "GET", "/api/provinces")
	if w.Code != http.StatusOK {
		t.Fatalf("provinces: %d %s", w.Code, w.Body.String())
	}
	var provinces []models.Region
	json.Unmarshal(w.Body.Bytes(), &provinces)
	if len(provinces) != 1 || provinces[0].Name != "江苏" || provinces[0].Level != models.LevelProvince {
		t.Fatalf("provinces = %+v", provinces)
	}

	w = get(t, srv, "GET", "/api/provinces/1/cities")
	if w.Code != http.StatusOK {
		t.Fatalf("cities: %d %s", w.Code, w.Body.String())
	}
	var cities []models.Region
	json.Unmarshal(w.Body.Bytes(), &cities)
	if len(cities) != 1 || cities[0].Code != "116" {
		t.Fatalf("cities = %+v", cities)
	}

	w = get(t, srv, "GET", "/api/provinces/1/cities/1/counties")
	if w.Code != http.StatusOK {
		t.Fatalf("counties: %d %s", w.Code, w.Body.String())
	}
	var counties []models.Region
	json.Unmarshal(w.Body.Bytes(), &counties)
	if len(counties) != 1 || counties[0].Code != "CN101190404" {
		t.Fatalf("counties = %+v", counties)
	}

	w = get(t, srv, "GET", "/health")
	var health api.HealthStatus
	json.Unmarshal(w.Body.Bytes(), &health)
	if health.Regions[models.LevelCounty] != 1 || len(health.FetchHealth) == 0 {
		t.Errorf("health after sync = %+v", health)
	}
}

func TestHierarchyEndpoints_NotFound(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	tests := []struct {
		path string
		code int
	}{
		{"/api/provinces/42/cities", http.StatusNotFound},
		{"/api/provinces/abc/cities", http.StatusBadRequest},
		{"/api/provinces/1/cities/9/counties", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := get(t, srv, "GET", tt.path); w.Code != tt.code {
			t.Errorf("%s: got %d, want %d", tt.path, w.Code, tt.code)
		}
	}
}

func TestWeatherEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	w := get(t, srv, "GET", "/api/weather/CN101190404")
	if w.Code != http.StatusOK {
		t.Fatalf("weather: %d %s", w.Code, w.Body.String())
	}
	var resp api.WeatherResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Origin != "remote" || resp.Degree != "21℃" || resp.Weather.Now.Info != "多云" {
		t.Errorf("first response = %+v", resp)
	}

	w = get(t, srv, "GET", "/api/weather/CN101190404")
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Origin != "local" {
		t.Errorf("second origin = %q, want local", resp.Origin)
	}

	w = get(t, srv, "GET", "/api/weather/CN101190404?refresh=true")
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Origin != "remote" {
		t.Errorf("refresh origin = %q, want remote", resp.Origin)
	}

	w = get(t, srv, "GET", "/api/weather")
	var entry weather.CacheEntry
	json.Unmarshal(w.Body.Bytes(), &entry)
	if !entry.Populated || entry.CityName != "昆山" {
		t.Errorf("cache entry = %+v", entry)
	}

	if w := get(t, srv, "DELETE", "/api/weather"); w.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d", w.Code)
	}
	w = get(t, srv, "GET", "/api/weather")
	json.Unmarshal(w.Body.Bytes(), &entry)
	if entry.Populated {
		t.Error("cache still populated after DELETE")
	}
}

func TestWeatherEndpoint_GenericFailure(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	for _, key := range []string{"BAD", "MISSING"} {
		w := get(t, srv, "GET", "/api/weather/"+key)
		if w.Code != http.StatusBadGateway {
			t.Errorf("%s: got %d, want 502", key, w.Code)
		}
		if body := w.Body.String(); !strings.Contains(body, "could not retrieve data") {
			t.Errorf("%s: body = %s", key, body)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)
	get(t, srv, "GET", "/api/provinces")

	w := get(t, srv, "GET", "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "coolweather_region_resolutions_total") {
		t.Error("expected region resolution counter in metrics output")
	}
}
