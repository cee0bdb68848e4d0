package region

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lox/coolweather/internal/failure"
	"github.com/lox/coolweather/internal/models"
)

// Provider knows where a level's list lives and how to read it.
type Provider interface {
	Name() string
	// Endpoint builds the URL for level's list under ancestors, which run
	// from the province down to the direct parent.
	Endpoint(level models.Level, ancestors []models.Region) (string, error)
	// Parse turns a response body into entries. Any malformed element fails
	// the whole batch with a ParseFailed error.
	Parse(level models.Level, body []byte) ([]models.Entry, error)
}

var errEmptyResponse = errors.New("empty response")

const (
	DefaultTextBaseURL = "http://www.weather.com.cn/data/list3"
	DefaultJSONBaseURL = "http://guolin.tech/api/china"
)

// NewProvider returns the strategy named by kind ("json" or "text").
func NewProvider(kind, baseURL string) (Provider, error) {
	switch kind {
	case "json":
		if baseURL == "" {
			baseURL = DefaultJSONBaseURL
		}
		return &JSONProvider{BaseURL: strings.TrimRight(baseURL, "/")}, nil
	case "text":
		if baseURL == "" {
			baseURL = DefaultTextBaseURL
		}
		return &TextProvider{BaseURL: strings.TrimRight(baseURL, "/")}, nil
	}
	return nil, fmt.Errorf("unknown region provider %q", kind)
}

// TextProvider reads "code|name,code|name" lists.
type TextProvider struct {
	BaseURL string
}

func (p *TextProvider) Name() string { return "text" }

func (p *TextProvider) Endpoint(level models.Level, ancestors []models.Region) (string, error) {
	if level == models.LevelProvince {
		return p.BaseURL + "/city.xml", nil
	}
	if len(ancestors) == 0 {
		return "", fmt.Errorf("%s endpoint needs a parent", level)
	}
	parent := ancestors[len(ancestors)-1]
	if parent.Code == "" {
		return "", fmt.Errorf("%s endpoint: parent %d has no code", level, parent.ID)
	}
	return p.BaseURL + "/city" + parent.Code + ".xml", nil
}

func (p *TextProvider) Parse(level models.Level, body []byte) ([]models.Entry, error) {
	op := "parse " + level.String() + " text"
	text := strings.TrimSpace(string(body))
	// A trailing separator does not introduce an extra group.
	text = strings.TrimRight(text, ",")
	if text == "" {
		return nil, failure.ParseFailed(op, errEmptyResponse)
	}

	groups := strings.Split(text, ",")
	entries := make([]models.Entry, 0, len(groups))
	for i, g := range groups {
		parts := strings.Split(g, "|")
		if len(parts) != 2 {
			return nil, failure.ParseFailed(op, fmt.Errorf("group %d %q: want code|name", i, g))
		}
		code := strings.TrimSpace(parts[0])
		name := strings.TrimSpace(parts[1])
		if code == "" || name == "" {
			return nil, failure.ParseFailed(op, fmt.Errorf("group %d %q: empty code or name", i, g))
		}
		entries = append(entries, models.Entry{Code: code, Name: name})
	}
	return entries, nil
}

// JSONProvider reads arrays of {"id":..,"name":..} objects. Counties must carry
// a "weather_id", which becomes their code.
type JSONProvider struct {
	BaseURL string
}

func (p *JSONProvider) Name() string { return "json" }

func (p *JSONProvider) Endpoint(level models.Level, ancestors []models.Region) (string, error) {
	if len(ancestors) != level.Depth() {
		return "", fmt.Errorf("%s endpoint needs %d ancestors, got %d", level, level.Depth(), len(ancestors))
	}
	var b strings.Builder
	b.WriteString(p.BaseURL)
	for _, a := range ancestors {
		if a.Code == "" {
			return "", fmt.Errorf("%s endpoint: ancestor %d has no code", level, a.ID)
		}
		b.WriteString("/")
		b.WriteString(a.Code)
	}
	return b.String(), nil
}

func (p *JSONProvider) Parse(level models.Level, body []byte) ([]models.Entry, error) {
	op := "parse " + level.String() + " json"
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, failure.ParseFailed(op, errEmptyResponse)
	}
	if !gjson.ValidBytes(body) {
		return nil, failure.ParseFailed(op, errors.New("invalid json"))
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsArray() {
		return nil, failure.ParseFailed(op, errors.New("expected a json array"))
	}
	items := doc.Array()
	if len(items) == 0 {
		return nil, failure.ParseFailed(op, errEmptyResponse)
	}

	entries := make([]models.Entry, 0, len(items))
	for i, item := range items {
		if !item.IsObject() {
			return nil, failure.ParseFailed(op, fmt.Errorf("element %d is not an object", i))
		}
		id := item.Get("id")
		if id.Type != gjson.String && id.Type != gjson.Number {
			return nil, failure.ParseFailed(op, fmt.Errorf("element %d: missing id", i))
		}
		name := item.Get("name")
		if name.Type != gjson.String || strings.TrimSpace(name.String()) == "" {
			return nil, failure.ParseFailed(op, fmt.Errorf("element %d: missing name", i))
		}

		code := id.String()
		if level == models.LevelCounty {
			// A county's code is its weather key; without one it cannot be queried.
			wid := item.Get("weather_id")
			if wid.Type != gjson.String || strings.TrimSpace(wid.String()) == "" {
				return nil, failure.ParseFailed(op, fmt.Errorf("element %d: missing weather_id", i))
			}
			code = strings.TrimSpace(wid.String())
		}
		if code == "" {
			return nil, failure.ParseFailed(op, fmt.Errorf("element %d: empty id", i))
		}
		entries = append(entries, models.Entry{Code: code, Name: strings.TrimSpace(name.String())})
	}
	return entries, nil
}
