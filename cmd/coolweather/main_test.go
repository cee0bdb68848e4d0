package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/coolweather/internal/failure"
	"github.com/lox/coolweather/internal/models"
	"github.com/lox/coolweather/internal/orchestrator"
	"github.com/lox/coolweather/internal/region"
	"github.com/lox/coolweather/internal/settings"
	"github.com/lox/coolweather/internal/weather"
)

// flakyResolver serves a fixed hierarchy and fails the first attempts for
// the parent codes listed in failures.
type flakyResolver struct {
	mu       sync.Mutex
	children map[string][]models.Region
	failures map[string][]error
	calls    map[string]int
}

func (f *flakyResolver) Resolve(_ context.Context, level models.Level, ancestors ...models.Region) ([]models.Region, region.Origin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parent := ""
	if len(ancestors) > 0 {
		parent = ancestors[len(ancestors)-1].Code
	}
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[parent]++
	if errs := f.failures[parent]; len(errs) > 0 {
		f.failures[parent] = errs[1:]
		return nil, "", errs[0]
	}
	return f.children[parent], region.OriginRemote, nil
}

func hierarchy() map[string][]models.Region {
	return map[string][]models.Region{
		"": {
			{ID: 1, Level: models.LevelProvince, Name: "江苏", Code: "16"},
			{ID: 2, Level: models.LevelProvince, Name: "浙江", Code: "17"},
		},
		"16":  {{ID: 10, Level: models.LevelCity, Name: "苏州", Code: "116", ParentID: 1}},
		"17":  {{ID: 11, Level: models.LevelCity, Name: "杭州", Code: "117", ParentID: 2}},
		"116": {{ID: 100, Level: models.LevelCounty, Name: "昆山", Code: "CN101190404", ParentID: 10}},
		"117": {
			{ID: 101, Level: models.LevelCounty, Name: "杭州", Code: "CN101210101", ParentID: 11},
			{ID: 102, Level: models.LevelCounty, Name: "萧山", Code: "CN101210102", ParentID: 11},
		},
	}
}

func fastBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = time.Millisecond
	return b
}

func TestFindRegion(t *testing.T) {
	t.Parallel()
	rows := hierarchy()[""]

	tests := []struct {
		query string
		want  string
		ok    bool
	}{
		{"16", "江苏", true},
		{"浙江", "浙江", true},
		{"2", "浙江", true},
		{"3", "", false},
		{"上海", "", false},
	}
	for _, tt := range tests {
		r, ok := findRegion(rows, tt.query)
		if ok != tt.ok || r.Name != tt.want {
			t.Errorf("findRegion(%q) = %q, %v; want %q, %v", tt.query, r.Name, ok, tt.want, tt.ok)
		}
	}
}

func TestWarm_DefaultBackOff(t *testing.T) {
	t.Parallel()
	res := &flakyResolver{
		children: hierarchy(),
		failures: map[string][]error{
			"": {failure.FetchFailed("get province", errors.New("unexpected status: 503"))},
		},
	}
	w := &warmer{resolver: res, retries: 1, newBackOff: defaultBackOff}

	b := w.newBackOff()
	if b.InitialInterval <= 0 || b.MaxElapsedTime <= 0 {
		t.Fatalf("backoff = %+v", b)
	}
	provinces, err := w.resolve(context.Background(), models.LevelProvince)
	if err != nil || len(provinces) != 2 {
		t.Fatalf("resolve = %v, %v", provinces, err)
	}
	if res.calls[""] != 2 {
		t.Errorf("calls = %d, want 2", res.calls[""])
	}
}

func TestWarm_WalksHierarchy(t *testing.T) {
	t.Parallel()
	res := &flakyResolver{children: hierarchy()}
	w := &warmer{resolver: res, retries: 2, newBackOff: fastBackOff}

	stats, err := w.walk(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	want := warmStats{provinces: 2, cities: 2, counties: 3}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}

func TestWarm_RetriesFetchFailures(t *testing.T) {
	t.Parallel()
	res := &flakyResolver{
		children: hierarchy(),
		failures: map[string][]error{
			"16": {failure.NetworkUnavailable("get city", errors.New("timeout"))},
			"17": {failure.FetchFailed("get city", errors.New("unexpected status: 503"))},
		},
	}
	w := &warmer{resolver: res, retries: 2, newBackOff: fastBackOff}

	stats, err := w.walk(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if stats.failed != 0 || stats.counties != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if res.calls["16"] != 2 || res.calls["17"] != 2 {
		t.Errorf("calls = %v, want two attempts per province", res.calls)
	}
}

func TestWarm_ParseFailureIsPermanent(t *testing.T) {
	t.Parallel()
	res := &flakyResolver{
		children: hierarchy(),
		failures: map[string][]error{
			"16": {failure.ParseFailed("parse city", errors.New("bad group"))},
		},
	}
	w := &warmer{resolver: res, retries: 3, newBackOff: fastBackOff}

	stats, err := w.walk(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if stats.failed != 1 || stats.counties != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if res.calls["16"] != 1 {
		t.Errorf("parse failure retried %d times", res.calls["16"]-1)
	}
}

func TestWarm_ProvinceFailureAborts(t *testing.T) {
	t.Parallel()
	res := &flakyResolver{
		children: hierarchy(),
		failures: map[string][]error{
			"": {
				failure.NetworkUnavailable("get province", errors.New("offline")),
				failure.NetworkUnavailable("get province", errors.New("offline")),
			},
		},
	}
	w := &warmer{resolver: res, retries: 1, newBackOff: fastBackOff}

	if _, err := w.walk(context.Background(), ""); !errors.Is(err, failure.ErrNetworkUnavailable) {
		t.Fatalf("err = %v, want NetworkUnavailable", err)
	}
}

func TestWarm_SingleProvince(t *testing.T) {
	t.Parallel()
	res := &flakyResolver{children: hierarchy()}
	w := &warmer{resolver: res, retries: 0, newBackOff: fastBackOff}

	stats, err := w.walk(context.Background(), "浙江")
	if err != nil {
		t.Fatal(err)
	}
	if stats.provinces != 1 || stats.counties != 2 || res.calls["16"] != 0 {
		t.Errorf("stats = %+v, calls = %v", stats, res.calls)
	}
	if _, err := w.walk(context.Background(), "上海"); err == nil {
		t.Error("expected error for unknown province")
	}
}

type staticSource map[string]string

func (s staticSource) URL(key string) string { return "http://weather.test/" + key }

func (s staticSource) Fetch(_ context.Context, key string) ([]byte, error) {
	p, ok := s[key]
	if !ok {
		return nil, failure.FetchFailed("get weather", errors.New("unexpected status: 404"))
	}
	return []byte(p), nil
}

func TestBrowse(t *testing.T) {
	t.Parallel()
	src := staticSource{
		"CN101190404": `{"HeWeather":[{"status":"ok","basic":{"city":"昆山","id":"CN101190404","update":{"loc":"2016-08-08 21:58"}},"now":{"tmp":"21","cond":{"txt":"多云"}},"daily_forecast":[]}]}`,
	}
	orch := orchestrator.New(&flakyResolver{children: hierarchy()}, src, weather.NewCache(settings.NewMemory()))
	session := orchestrator.NewSession(orch)

	in := strings.NewReader("x\n1\n1\n1\nb\nb\nb\n2\n1\n2\nq\n")
	var out bytes.Buffer
	if err := browse(context.Background(), session, in, &out); err != nil {
		t.Fatal(err)
	}

	got := out.String()
	for _, want := range []string{"  1  江苏", "  1  苏州", "昆山  updated 21:58", "21℃  多云", "choose 1-2", "萧山"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if !strings.Contains(got, "could not retrieve data") {
		t.Errorf("expected the generic failure message for a county without a payload:\n%s", got)
	}
}
