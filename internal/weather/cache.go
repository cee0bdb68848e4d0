package weather

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lox/coolweather/internal/failure"
	"github.com/lox/coolweather/internal/metrics"
	"github.com/lox/coolweather/internal/models"
	"github.com/lox/coolweather/internal/settings"
)

// Settings keys making up the single snapshot slot.
const (
	KeyWeather      = "weather"
	KeyCitySelected = "city_selected"
	KeyCityName     = "city_name"
	KeyWeatherCode  = "weather_code"
	KeyPublishTime  = "publish_time"
	KeyCurrentDate  = "current_date"
)

var slotKeys = []string{KeyWeather, KeyCitySelected, KeyCityName, KeyWeatherCode, KeyPublishTime, KeyCurrentDate}

// CacheEntry is the structured part of the slot, readable without parsing
// the payload.
type CacheEntry struct {
	Populated   bool   `json:"populated"`
	CityName    string `json:"city_name,omitempty"`
	WeatherCode string `json:"weather_code,omitempty"`
	PublishTime string `json:"publish_time,omitempty"`
	CurrentDate string `json:"current_date,omitempty"`
}

// Cache holds the most recent weather payload. There is no expiry; a
// snapshot stays until the next Put or Invalidate.
type Cache struct {
	mu    sync.RWMutex
	store settings.Store
	now   func() time.Time
}

func NewCache(store settings.Store) *Cache {
	return &Cache{store: store, now: time.Now}
}

// Get returns the cached snapshot. ok is false when the slot is empty or its
// payload no longer parses.
func (c *Cache) Get(ctx context.Context) (w models.Weather, ok bool, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.get(ctx)
}

// GetKeyed returns the cached snapshot only if it was stored for weatherKey.
// The key and the payload are read under the same lock, so a concurrent Put
// for another key is never mistaken for a hit.
func (c *Cache) GetKeyed(ctx context.Context, weatherKey string) (w models.Weather, ok bool, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	code, _, err := c.store.GetString(ctx, KeyWeatherCode)
	if err != nil {
		return models.Weather{}, false, failure.PersistenceFailed("weather cache get", err)
	}
	if code != weatherKey {
		metrics.WeatherCacheLookups.WithLabelValues("miss").Inc()
		return models.Weather{}, false, nil
	}
	return c.get(ctx)
}

// get reads the slot. Callers hold c.mu.
func (c *Cache) get(ctx context.Context) (models.Weather, bool, error) {
	selected, _, err := c.store.GetString(ctx, KeyCitySelected)
	if err != nil {
		return models.Weather{}, false, failure.PersistenceFailed("weather cache get", err)
	}
	if selected != "true" {
		metrics.WeatherCacheLookups.WithLabelValues("miss").Inc()
		return models.Weather{}, false, nil
	}

	raw, found, err := c.store.GetString(ctx, KeyWeather)
	if err != nil {
		return models.Weather{}, false, failure.PersistenceFailed("weather cache get", err)
	}
	if !found {
		metrics.WeatherCacheLookups.WithLabelValues("miss").Inc()
		return models.Weather{}, false, nil
	}

	w, err := Parse([]byte(raw))
	if err == nil && !w.OK() {
		err = fmt.Errorf("stored status %q", w.Status)
	}
	if err != nil {
		log.Printf("weather: cached payload unreadable, treating as empty: %v", err)
		metrics.WeatherCacheLookups.WithLabelValues("corrupt").Inc()
		return models.Weather{}, false, nil
	}
	metrics.WeatherCacheLookups.WithLabelValues("hit").Inc()
	return w, true, nil
}

// Put stores raw as the current snapshot, deriving the structured fields
// from the payload itself.
func (c *Cache) Put(ctx context.Context, raw []byte) (models.Weather, error) {
	return c.PutKeyed(ctx, "", raw)
}

// PutKeyed is Put with the weather key the payload was requested for. The key
// is recorded as weather_code; when empty the payload's own id is used. A
// payload that does not parse, or whose status is not ok, leaves the slot
// unchanged.
func (c *Cache) PutKeyed(ctx context.Context, weatherKey string, raw []byte) (models.Weather, error) {
	w, err := Parse(raw)
	if err != nil {
		return models.Weather{}, err
	}
	if !w.OK() {
		return models.Weather{}, failure.FetchFailed("weather cache put", fmt.Errorf("provider status %q", w.Status))
	}

	code := weatherKey
	if code == "" {
		code = w.Basic.WeatherID
	}
	values := map[string]string{
		KeyWeather:      string(raw),
		KeyCitySelected: "true",
		KeyCityName:     w.Basic.CityName,
		KeyWeatherCode:  code,
		KeyPublishTime:  w.UpdateClock(),
		KeyCurrentDate:  c.now().Format("2006-01-02"),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.PutStrings(ctx, values); err != nil {
		return models.Weather{}, failure.PersistenceFailed("weather cache put", err)
	}
	return w, nil
}

// Entry returns the structured fields of the slot.
func (c *Cache) Entry(ctx context.Context) (CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var e CacheEntry
	fields := []struct {
		key string
		dst *string
	}{
		{KeyCityName, &e.CityName},
		{KeyWeatherCode, &e.WeatherCode},
		{KeyPublishTime, &e.PublishTime},
		{KeyCurrentDate, &e.CurrentDate},
	}
	selected, _, err := c.store.GetString(ctx, KeyCitySelected)
	if err != nil {
		return CacheEntry{}, failure.PersistenceFailed("weather cache entry", err)
	}
	e.Populated = selected == "true"
	for _, f := range fields {
		v, _, err := c.store.GetString(ctx, f.key)
		if err != nil {
			return CacheEntry{}, failure.PersistenceFailed("weather cache entry", err)
		}
		*f.dst = v
	}
	return e, nil
}

// Invalidate empties the slot.
func (c *Cache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Delete(ctx, slotKeys...); err != nil {
		return failure.PersistenceFailed("weather cache invalidate", err)
	}
	return nil
}
