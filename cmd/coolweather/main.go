package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/lox/coolweather/internal/orchestrator"
	"github.com/lox/coolweather/internal/region"
	"github.com/lox/coolweather/internal/remote"
	"github.com/lox/coolweather/internal/settings"
	"github.com/lox/coolweather/internal/store"
	"github.com/lox/coolweather/internal/weather"
)

var _ settings.Store = (*store.SettingsTable)(nil)

type Globals struct {
	DB string `help:"Path to SQLite database." default:"data/coolweather.db" env:"COOLWEATHER_DB"`

	RegionProvider string `help:"Region list format (json or text)." enum:"json,text" default:"json" env:"COOLWEATHER_REGION_PROVIDER"`
	RegionURL      string `help:"Region provider base URL. Defaults to the provider's public endpoint." env:"COOLWEATHER_REGION_URL"`
	WeatherURL     string `help:"Weather URL template; {id} is the weather key and {key} the API key." default:"http://guolin.tech/api/weather?cityid={id}&key={key}" env:"COOLWEATHER_WEATHER_URL"`
	WeatherKey     string `help:"Weather provider API key." env:"COOLWEATHER_WEATHER_KEY"`

	Settings      string `help:"Weather snapshot backend." enum:"sqlite,redis,memory" default:"sqlite" env:"COOLWEATHER_SETTINGS"`
	RedisAddr     string `help:"Redis address for --settings=redis." default:"localhost:6379" env:"COOLWEATHER_REDIS_ADDR"`
	RedisPassword string `help:"Redis password." env:"COOLWEATHER_REDIS_PASSWORD"`
	RedisDB       int    `help:"Redis database number." default:"0" env:"COOLWEATHER_REDIS_DB"`

	Rate    float64       `help:"Outbound requests per second (0 disables the limit)." default:"5" env:"COOLWEATHER_RATE"`
	Burst   int           `help:"Outbound request burst." default:"5" env:"COOLWEATHER_BURST"`
	Timeout time.Duration `help:"HTTP timeout for provider requests." default:"30s" env:"COOLWEATHER_TIMEOUT"`
}

type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Serve the HTTP API."`
	Resolve ResolveCmd `cmd:"" help:"Resolve a province/city/county path and list its children."`
	Weather WeatherCmd `cmd:"" help:"Show weather for a weather key."`
	Warm    WarmCmd    `cmd:"" help:"Fetch and store the whole region hierarchy."`
	Browse  BrowseCmd  `cmd:"" help:"Walk the hierarchy interactively."`
}

// app holds the collaborators shared by every command.
type app struct {
	db     *sql.DB
	store  *store.Store
	coord  *region.Coordinator
	orch   *orchestrator.Orchestrator
	closer func() error
}

func (g *Globals) open() (*app, error) {
	db, err := store.Open(g.DB)
	if err != nil {
		return nil, err
	}

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	provider, err := region.NewProvider(g.RegionProvider, g.RegionURL)
	if err != nil {
		db.Close()
		return nil, err
	}

	cfg := remote.DefaultConfig()
	cfg.Timeout = g.Timeout
	cfg.RatePerSecond = g.Rate
	cfg.Burst = g.Burst
	client := remote.NewClient(cfg)

	a := &app{db: db, store: st}

	var kv settings.Store
	switch g.Settings {
	case "redis":
		r, err := settings.NewRedis(g.RedisAddr, g.RedisPassword, g.RedisDB, "")
		if err != nil {
			db.Close()
			return nil, err
		}
		kv = r
		a.closer = r.Close
	case "memory":
		kv = settings.NewMemory()
	default:
		kv = st.Settings()
	}

	a.coord = region.NewCoordinator(st, client, provider)
	a.coord.SetRunRecorder(st)

	a.orch = orchestrator.New(a.coord, weather.NewSource(client, g.WeatherURL, g.WeatherKey), weather.NewCache(kv))
	a.orch.SetRunRecorder(st)

	log.Printf("coolweather: db=%s provider=%s settings=%s", g.DB, provider.Name(), g.Settings)
	return a, nil
}

func (a *app) Close() error {
	if a.closer != nil {
		if err := a.closer(); err != nil {
			log.Printf("coolweather: close settings: %v", err)
		}
	}
	return a.db.Close()
}

func main() {
	// A missing .env is fine; the environment and flags still apply.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("coolweather: load .env: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("coolweather"),
		kong.Description("Region hierarchy sync and weather snapshot cache."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}
