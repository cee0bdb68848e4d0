package models

import (
	"fmt"
	"strconv"
	"time"
)

// Level is one tier of the administrative hierarchy.
type Level int

const (
	LevelProvince Level = iota
	LevelCity
	LevelCounty
)

func (l Level) String() string {
	switch l {
	case LevelProvince:
		return "province"
	case LevelCity:
		return "city"
	case LevelCounty:
		return "county"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Depth is the number of ancestors a region at this level has.
func (l Level) Depth() int {
	return int(l)
}

// Valid reports whether l is one of the three known levels.
func (l Level) Valid() bool {
	return l >= LevelProvince && l <= LevelCounty
}

// Child returns the level below l, and false for counties.
func (l Level) Child() (Level, bool) {
	if l >= LevelCounty {
		return l, false
	}
	return l + 1, true
}

// ParseLevel accepts the names produced by Level.String.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "province":
		return LevelProvince, nil
	case "city":
		return LevelCity, nil
	case "county":
		return LevelCounty, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Entry is one parsed row of a region response, before it has been stored.
type Entry struct {
	Code string
	Name string
}

// Region is a stored province, city or county row. For counties Code is the
// weather key used to request weather data.
type Region struct {
	ID       int64  `db:"id" json:"id"`
	Level    Level  `db:"-" json:"level"`
	Name     string `db:"name" json:"name"`
	Code     string `db:"code" json:"code"`
	ParentID int64  `db:"parent_id" json:"parent_id,omitempty"`
}

// WeatherKey returns the identifier used for weather queries. Only counties
// carry one.
func (r Region) WeatherKey() (string, bool) {
	if r.Level != LevelCounty || r.Code == "" {
		return "", false
	}
	return r.Code, true
}

// StatusOK is the only snapshot status considered valid for display and caching.
const StatusOK = "ok"

// Weather is the canonical snapshot produced by the weather parser.
type Weather struct {
	Status     string      `json:"status"`
	Basic      Basic       `json:"basic"`
	Now        Now         `json:"now"`
	Forecasts  []Forecast  `json:"forecasts"`
	AQI        *AQI        `json:"aqi,omitempty"`
	Suggestion *Suggestion `json:"suggestion,omitempty"`
}

type Basic struct {
	CityName   string `json:"city_name"`
	WeatherID  string `json:"weather_id"`
	UpdateTime string `json:"update_time"`
}

type Now struct {
	Temperature int    `json:"temperature"`
	Info        string `json:"info"`
}

type Forecast struct {
	Date string `json:"date"`
	Info string `json:"info"`
	Max  int    `json:"max"`
	Min  int    `json:"min"`
}

type AQI struct {
	Index int `json:"aqi"`
	PM25  int `json:"pm25"`
}

type Suggestion struct {
	Comfort string `json:"comfort"`
	CarWash string `json:"car_wash"`
	Sport   string `json:"sport"`
}

// OK reports whether the provider marked the snapshot as valid.
func (w Weather) OK() bool {
	return w.Status == StatusOK
}

// Degree formats the current temperature for display, e.g. "21℃".
func (n Now) Degree() string {
	return strconv.Itoa(n.Temperature) + "℃"
}

const updateLayout = "2006-01-02 15:04"

// UpdatedAt parses the provider's update timestamp in loc. Legacy payloads
// only carry a clock time, in which case ok is false.
func (w Weather) UpdatedAt(loc *time.Location) (time.Time, bool) {
	t, err := time.ParseInLocation(updateLayout, w.Basic.UpdateTime, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// UpdateClock returns the HH:MM part of the update timestamp.
func (w Weather) UpdateClock() string {
	s := w.Basic.UpdateTime
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ' ' {
			return s[i+1:]
		}
	}
	return s
}

// FetchRun records one fetch-miss cycle for auditing.
type FetchRun struct {
	ID            int64     `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Kind          string    `json:"kind"` // "region" or "weather"
	Level         string    `json:"level,omitempty"`
	Endpoint      string    `json:"endpoint"`
	ParentCode    string    `json:"parent_code,omitempty"`
	RecordsParsed int       `json:"records_parsed"`
	RecordsStored int       `json:"records_stored"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}
