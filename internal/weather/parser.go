// Package weather turns provider payloads into models.Weather snapshots and
// keeps the most recent one in a key-value store.
package weather

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/lox/coolweather/internal/failure"
	"github.com/lox/coolweather/internal/metrics"
	"github.com/lox/coolweather/internal/models"
)

// Shape identifies which payload layout a document uses.
type Shape int

const (
	ShapeUnknown Shape = iota
	// ShapeHeWeather is {"HeWeather":[{status, basic, now, daily_forecast, aqi, suggestion}]}.
	ShapeHeWeather
	// ShapeLegacy is {"weatherinfo":{city, cityid, temp1, weather, ptime}}.
	ShapeLegacy
)

func (s Shape) String() string {
	switch s {
	case ShapeHeWeather:
		return "heweather"
	case ShapeLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

var validate = validator.New()

// Detect reports the shape of raw without decoding it. The HeWeather envelope
// wins when both are present.
func Detect(raw []byte) Shape {
	if !gjson.ValidBytes(raw) {
		return ShapeUnknown
	}
	if gjson.GetBytes(raw, "HeWeather").Exists() {
		return ShapeHeWeather
	}
	if gjson.GetBytes(raw, "weatherinfo").Exists() {
		return ShapeLegacy
	}
	return ShapeUnknown
}

// Parse decodes raw into a snapshot. A non-ok status is not an error here;
// callers check Weather.OK. Every failure is a ParseFailed error.
func Parse(raw []byte) (models.Weather, error) {
	shape := Detect(raw)

	var (
		w   models.Weather
		err error
	)
	switch shape {
	case ShapeHeWeather:
		w, err = parseHeWeather(raw)
	case ShapeLegacy:
		w, err = parseLegacy(raw)
	default:
		err = errors.New("no known weather envelope")
	}
	if err != nil {
		metrics.ParseFailures.WithLabelValues("weather_" + shape.String()).Inc()
		return models.Weather{}, failure.ParseFailed("parse weather", err)
	}
	return w, nil
}

// numString accepts a JSON string or number. The provider sends numbers as
// strings but some mirrors do not.
type numString string

func (n *numString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*n = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = numString(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("expected number, got %s", b)
	}
	*n = numString(num.String())
	return nil
}

func (n numString) int(field string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(string(n)))
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", field, string(n))
	}
	return v, nil
}

type heDocument struct {
	HeWeather []heWeather `json:"HeWeather"`
}

type heWeather struct {
	Status     string        `json:"status"`
	Basic      heBasic       `json:"basic"`
	Now        heNow         `json:"now"`
	Forecasts  []heForecast  `json:"daily_forecast" validate:"dive"`
	AQI        *heAQI        `json:"aqi,omitempty"`
	Suggestion *heSuggestion `json:"suggestion,omitempty"`
}

type heBasic struct {
	City   string   `json:"city" validate:"required"`
	ID     string   `json:"id" validate:"required"`
	Update heUpdate `json:"update"`
}

type heUpdate struct {
	Loc string `json:"loc" validate:"required"`
}

type heNow struct {
	Tmp  numString `json:"tmp" validate:"required"`
	Cond heCond    `json:"cond"`
}

type heCond struct {
	Txt string `json:"txt" validate:"required"`
}

type heForecast struct {
	Date string         `json:"date" validate:"required"`
	Cond heForecastCond `json:"cond"`
	Tmp  heRange        `json:"tmp"`
}

type heForecastCond struct {
	TxtD string `json:"txt_d" validate:"required"`
}

type heRange struct {
	Max numString `json:"max" validate:"required"`
	Min numString `json:"min" validate:"required"`
}

type heAQI struct {
	City heAQICity `json:"city"`
}

type heAQICity struct {
	AQI  numString `json:"aqi" validate:"required"`
	PM25 numString `json:"pm25" validate:"required"`
}

type heSuggestion struct {
	Comf  heText `json:"comf"`
	CW    heText `json:"cw"`
	Sport heText `json:"sport"`
}

type heText struct {
	Txt string `json:"txt"`
}

func parseHeWeather(raw []byte) (models.Weather, error) {
	var doc heDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.Weather{}, err
	}
	if len(doc.HeWeather) == 0 {
		return models.Weather{}, errors.New("HeWeather envelope is empty")
	}
	hw := doc.HeWeather[0]
	if hw.Status == "" {
		return models.Weather{}, errors.New("missing status")
	}

	if hw.Status != models.StatusOK {
		// Only the status and identifying fields are meaningful on error replies.
		return models.Weather{
			Status: hw.Status,
			Basic: models.Basic{
				CityName:   hw.Basic.City,
				WeatherID:  hw.Basic.ID,
				UpdateTime: hw.Basic.Update.Loc,
			},
			Forecasts: []models.Forecast{},
		}, nil
	}

	if err := validate.Struct(hw); err != nil {
		return models.Weather{}, err
	}
	return hw.toModel()
}

func (hw heWeather) toModel() (models.Weather, error) {
	temp, err := hw.Now.Tmp.int("now.tmp")
	if err != nil {
		return models.Weather{}, err
	}

	w := models.Weather{
		Status: hw.Status,
		Basic: models.Basic{
			CityName:   hw.Basic.City,
			WeatherID:  hw.Basic.ID,
			UpdateTime: hw.Basic.Update.Loc,
		},
		Now: models.Now{
			Temperature: temp,
			Info:        hw.Now.Cond.Txt,
		},
		Forecasts: make([]models.Forecast, 0, len(hw.Forecasts)),
	}

	for i, f := range hw.Forecasts {
		hi, err := f.Tmp.Max.int(fmt.Sprintf("daily_forecast[%d].tmp.max", i))
		if err != nil {
			return models.Weather{}, err
		}
		lo, err := f.Tmp.Min.int(fmt.Sprintf("daily_forecast[%d].tmp.min", i))
		if err != nil {
			return models.Weather{}, err
		}
		w.Forecasts = append(w.Forecasts, models.Forecast{
			Date: f.Date,
			Info: f.Cond.TxtD,
			Max:  hi,
			Min:  lo,
		})
	}

	if hw.AQI != nil {
		idx, err := hw.AQI.City.AQI.int("aqi.city.aqi")
		if err != nil {
			return models.Weather{}, err
		}
		pm25, err := hw.AQI.City.PM25.int("aqi.city.pm25")
		if err != nil {
			return models.Weather{}, err
		}
		w.AQI = &models.AQI{Index: idx, PM25: pm25}
	}

	if hw.Suggestion != nil {
		w.Suggestion = &models.Suggestion{
			Comfort: hw.Suggestion.Comf.Txt,
			CarWash: hw.Suggestion.CW.Txt,
			Sport:   hw.Suggestion.Sport.Txt,
		}
	}
	return w, nil
}

type legacyDocument struct {
	Info *legacyInfo `json:"weatherinfo"`
}

type legacyInfo struct {
	City    string `json:"city" validate:"required"`
	CityID  string `json:"cityid"`
	Temp1   string `json:"temp1" validate:"required"`
	Weather string `json:"weather" validate:"required"`
	PTime   string `json:"ptime" validate:"required"`
}

func parseLegacy(raw []byte) (models.Weather, error) {
	var doc legacyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.Weather{}, err
	}
	if doc.Info == nil {
		return models.Weather{}, errors.New("weatherinfo is null")
	}
	info := doc.Info
	if err := validate.Struct(info); err != nil {
		return models.Weather{}, err
	}

	temp, err := numString(strings.TrimSuffix(strings.TrimSpace(info.Temp1), "℃")).int("temp1")
	if err != nil {
		return models.Weather{}, err
	}

	return models.Weather{
		Status: models.StatusOK,
		Basic: models.Basic{
			CityName:   info.City,
			WeatherID:  info.CityID,
			UpdateTime: info.PTime,
		},
		Now: models.Now{
			Temperature: temp,
			Info:        info.Weather,
		},
		Forecasts: []models.Forecast{},
	}, nil
}

// Encode writes w in the HeWeather shape, so Parse(Encode(w)) returns w.
func Encode(w models.Weather) ([]byte, error) {
	hw := heWeather{
		Status: w.Status,
		Basic: heBasic{
			City:   w.Basic.CityName,
			ID:     w.Basic.WeatherID,
			Update: heUpdate{Loc: w.Basic.UpdateTime},
		},
		Now: heNow{
			Tmp:  numString(strconv.Itoa(w.Now.Temperature)),
			Cond: heCond{Txt: w.Now.Info},
		},
		Forecasts: make([]heForecast, 0, len(w.Forecasts)),
	}
	for _, f := range w.Forecasts {
		hw.Forecasts = append(hw.Forecasts, heForecast{
			Date: f.Date,
			Cond: heForecastCond{TxtD: f.Info},
			Tmp: heRange{
				Max: numString(strconv.Itoa(f.Max)),
				Min: numString(strconv.Itoa(f.Min)),
			},
		})
	}
	if w.AQI != nil {
		hw.AQI = &heAQI{City: heAQICity{
			AQI:  numString(strconv.Itoa(w.AQI.Index)),
			PM25: numString(strconv.Itoa(w.AQI.PM25)),
		}}
	}
	if w.Suggestion != nil {
		hw.Suggestion = &heSuggestion{
			Comf:  heText{Txt: w.Suggestion.Comfort},
			CW:    heText{Txt: w.Suggestion.CarWash},
			Sport: heText{Txt: w.Suggestion.Sport},
		}
	}

	b, err := json.Marshal(heDocument{HeWeather: []heWeather{hw}})
	if err != nil {
		return nil, fmt.Errorf("encode weather: %w", err)
	}
	return b, nil
}
