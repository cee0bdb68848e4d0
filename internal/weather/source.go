package weather

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// DefaultURLTemplate is the HeWeather mirror used by the JSON region provider.
// {id} is replaced by the weather key and {key} by the API key.
const DefaultURLTemplate = "http://guolin.tech/api/weather?cityid={id}&key={key}"

type Fetcher interface {
	Get(ctx context.Context, kind, url string) ([]byte, error)
}

// Source fetches raw weather payloads for a weather key.
type Source struct {
	fetcher  Fetcher
	template string
	apiKey   string
}

func NewSource(fetcher Fetcher, template, apiKey string) *Source {
	if template == "" {
		template = DefaultURLTemplate
	}
	return &Source{fetcher: fetcher, template: template, apiKey: apiKey}
}

// URL expands the template for weatherKey.
func (s *Source) URL(weatherKey string) string {
	r := strings.NewReplacer(
		"{id}", url.QueryEscape(weatherKey),
		"{key}", url.QueryEscape(s.apiKey),
	)
	return r.Replace(s.template)
}

// Fetch returns the unparsed payload for weatherKey.
func (s *Source) Fetch(ctx context.Context, weatherKey string) ([]byte, error) {
	if weatherKey == "" {
		return nil, errors.New("fetch weather: empty weather key")
	}
	return s.fetcher.Get(ctx, "weather", s.URL(weatherKey))
}
