package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lox/coolweather/internal/api"
	"github.com/lox/coolweather/internal/ingest"
	"github.com/lox/coolweather/internal/models"
	"github.com/lox/coolweather/internal/orchestrator"
	"github.com/lox/coolweather/internal/region"
)

type ServeCmd struct {
	Addr            string        `help:"HTTP listen address." default:":8080" env:"COOLWEATHER_ADDR"`
	RefreshInterval time.Duration `help:"Refetch the cached weather key this often (0 disables)." default:"0s" env:"COOLWEATHER_REFRESH_INTERVAL"`
	RunRetention    time.Duration `help:"Keep fetch-run audit rows this long." default:"720h" env:"COOLWEATHER_RUN_RETENTION"`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	if c.RefreshInterval > 0 {
		sched := ingest.NewScheduler(a.orch, c.RefreshInterval)
		sched.SetRunPruner(a.store, c.RunRetention)
		go sched.Run(ctx)
	}

	return api.NewServer(a.store, a.orch, c.Addr).Run(ctx)
}

type ResolveCmd struct {
	Path []string `arg:"" optional:"" help:"Province, city and county, each by name or code."`
}

func (c *ResolveCmd) Run(ctx context.Context, g *Globals) error {
	if len(c.Path) > 3 {
		return fmt.Errorf("resolve: at most 3 path elements, got %d", len(c.Path))
	}
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	var ancestors []models.Region
	rows, _, err := a.coord.Resolve(ctx, models.LevelProvince)
	if err != nil {
		return err
	}
	for _, name := range c.Path {
		r, ok := findRegion(rows, name)
		if !ok {
			return fmt.Errorf("resolve: no %s matching %q", levelOf(rows, len(ancestors)), name)
		}
		ancestors = append(ancestors, r)

		child, ok := r.Level.Child()
		if !ok {
			printRegion(os.Stdout, r)
			return nil
		}
		if rows, _, err = a.coord.Resolve(ctx, child, ancestors...); err != nil {
			return err
		}
	}

	for _, r := range rows {
		printRegion(os.Stdout, r)
	}
	return nil
}

type WeatherCmd struct {
	Key     string `arg:"" help:"Weather key, e.g. CN101190404."`
	Refresh bool   `help:"Skip the cached snapshot."`
}

func (c *WeatherCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	var (
		w      models.Weather
		origin = region.OriginRemote
	)
	if c.Refresh {
		w, err = a.orch.RefreshWeather(ctx, c.Key)
	} else {
		w, origin, err = a.orch.Weather(ctx, c.Key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", orchestrator.UserMessage(err), err)
	}

	fmt.Printf("(%s)\n", origin)
	printWeather(os.Stdout, w)
	return nil
}

// findRegion matches by code first, then by name, then by 1-based position.
func findRegion(rows []models.Region, query string) (models.Region, bool) {
	for _, r := range rows {
		if r.Code == query {
			return r, true
		}
	}
	for _, r := range rows {
		if r.Name == query {
			return r, true
		}
	}
	if n, err := strconv.Atoi(query); err == nil && n >= 1 && n <= len(rows) {
		return rows[n-1], true
	}
	return models.Region{}, false
}

func levelOf(rows []models.Region, depth int) models.Level {
	if len(rows) > 0 {
		return rows[0].Level
	}
	return models.Level(depth)
}

func printRegion(w io.Writer, r models.Region) {
	if key, ok := r.WeatherKey(); ok {
		fmt.Fprintf(w, "%-8s %s\t%s\n", r.Level, r.Name, key)
		return
	}
	fmt.Fprintf(w, "%-8s %s\t%s\n", r.Level, r.Name, r.Code)
}

func printWeather(out io.Writer, w models.Weather) {
	fmt.Fprintf(out, "%s  updated %s\n", w.Basic.CityName, w.UpdateClock())
	fmt.Fprintf(out, "%s  %s\n", w.Now.Degree(), w.Now.Info)

	if len(w.Forecasts) > 0 {
		fmt.Fprintln(out, "\nForecast")
		for _, f := range w.Forecasts {
			fmt.Fprintf(out, "  %s  %-6s %d / %d\n", f.Date, f.Info, f.Max, f.Min)
		}
	}
	if w.AQI != nil {
		fmt.Fprintf(out, "\nAQI %d  PM2.5 %d\n", w.AQI.Index, w.AQI.PM25)
	}
	if s := w.Suggestion; s != nil {
		var lines []string
		for _, l := range []struct{ label, text string }{
			{"Comfort", s.Comfort},
			{"Car wash", s.CarWash},
			{"Sport", s.Sport},
		} {
			if l.text != "" {
				lines = append(lines, "  "+l.label+": "+l.text)
			}
		}
		if len(lines) > 0 {
			fmt.Fprintln(out, "\nSuggestions")
			fmt.Fprintln(out, strings.Join(lines, "\n"))
		}
	}
}
