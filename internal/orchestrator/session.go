package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lox/coolweather/internal/models"
	"github.com/lox/coolweather/internal/remote"
)

var (
	// ErrBusy is returned when a step is requested while another is still
	// waiting on the network.
	ErrBusy = errors.New("another request is in flight")

	ErrWrongStep = errors.New("selection does not match the current step")
)

// Step is what the session is currently showing.
type Step int

const (
	StepProvinces Step = iota
	StepCities
	StepCounties
	StepWeather
)

func (s Step) String() string {
	switch s {
	case StepProvinces:
		return "provinces"
	case StepCities:
		return "cities"
	case StepCounties:
		return "counties"
	case StepWeather:
		return "weather"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// State is a copy of what the session is showing.
type State struct {
	Step     Step
	Items    []models.Region
	Province *models.Region
	City     *models.Region
	County   *models.Region
	Weather  *models.Weather
}

// Session walks one user through province, city, county and weather. Every
// step returns a future and only one step may be pending at a time. A result
// that arrives after Back or Start is discarded.
type Session struct {
	orch *Orchestrator

	mu       sync.Mutex
	inFlight bool
	gen      int

	step      Step
	provinces []models.Region
	cities    []models.Region
	counties  []models.Region
	province  *models.Region
	city      *models.Region
	county    *models.Region
	weather   *models.Weather
}

func NewSession(orch *Orchestrator) *Session {
	return &Session{orch: orch}
}

// Start loads the province list and resets any earlier selection.
func (s *Session) Start(ctx context.Context) *remote.Future[[]models.Region] {
	gen, err := s.begin(func() error {
		s.province, s.city, s.county, s.weather = nil, nil, nil, nil
		s.step = StepProvinces
		return nil
	})
	if err != nil {
		return remote.Resolved[[]models.Region](nil, err)
	}
	return remote.Go(ctx, func(ctx context.Context) ([]models.Region, error) {
		rows, err := s.orch.Provinces(ctx)
		s.finish(gen, err, func() { s.provinces = rows })
		return rows, err
	})
}

// SelectProvince loads the cities of p.
func (s *Session) SelectProvince(ctx context.Context, p models.Region) *remote.Future[[]models.Region] {
	gen, err := s.begin(func() error {
		if s.step != StepProvinces || !contains(s.provinces, p) {
			return ErrWrongStep
		}
		return nil
	})
	if err != nil {
		return remote.Resolved[[]models.Region](nil, err)
	}
	return remote.Go(ctx, func(ctx context.Context) ([]models.Region, error) {
		rows, err := s.orch.Cities(ctx, p)
		s.finish(gen, err, func() {
			s.province = &p
			s.cities = rows
			s.step = StepCities
		})
		return rows, err
	})
}

// SelectCity loads the counties of c.
func (s *Session) SelectCity(ctx context.Context, c models.Region) *remote.Future[[]models.Region] {
	var province models.Region
	gen, err := s.begin(func() error {
		if s.step != StepCities || s.province == nil || !contains(s.cities, c) {
			return ErrWrongStep
		}
		province = *s.province
		return nil
	})
	if err != nil {
		return remote.Resolved[[]models.Region](nil, err)
	}
	return remote.Go(ctx, func(ctx context.Context) ([]models.Region, error) {
		rows, err := s.orch.Counties(ctx, province, c)
		s.finish(gen, err, func() {
			s.city = &c
			s.counties = rows
			s.step = StepCounties
		})
		return rows, err
	})
}

// SelectCounty loads the weather for c's weather key.
func (s *Session) SelectCounty(ctx context.Context, c models.Region) *remote.Future[models.Weather] {
	var key string
	gen, err := s.begin(func() error {
		if s.step != StepCounties || !contains(s.counties, c) {
			return ErrWrongStep
		}
		k, ok := c.WeatherKey()
		if !ok {
			return fmt.Errorf("county %q has no weather key", c.Name)
		}
		key = k
		return nil
	})
	if err != nil {
		return remote.Resolved(models.Weather{}, err)
	}
	return remote.Go(ctx, func(ctx context.Context) (models.Weather, error) {
		w, _, err := s.orch.Weather(ctx, key)
		s.finish(gen, err, func() {
			s.county = &c
			s.weather = &w
			s.step = StepWeather
		})
		return w, err
	})
}

// Back returns to the previous list. It reports false at the province list,
// where there is nothing to go back to.
func (s *Session) Back() (Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	switch s.step {
	case StepWeather:
		s.county, s.weather = nil, nil
		s.step = StepCounties
	case StepCounties:
		s.city, s.counties = nil, nil
		s.step = StepCities
	case StepCities:
		s.province, s.cities = nil, nil
		s.step = StepProvinces
	default:
		return s.step, false
	}
	return s.step, true
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Step:     s.step,
		Province: s.province,
		City:     s.city,
		County:   s.county,
		Weather:  s.weather,
	}
	switch s.step {
	case StepProvinces:
		st.Items = append([]models.Region(nil), s.provinces...)
	case StepCities:
		st.Items = append([]models.Region(nil), s.cities...)
	case StepCounties:
		st.Items = append([]models.Region(nil), s.counties...)
	}
	return st
}

// Busy reports whether a step is waiting on the network.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Session) begin(check func() error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return 0, ErrBusy
	}
	if err := check(); err != nil {
		return 0, err
	}
	s.inFlight = true
	s.gen++
	return s.gen, nil
}

func (s *Session) finish(gen int, err error, apply func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	if err != nil || gen != s.gen {
		return
	}
	apply()
}

func contains(rows []models.Region, r models.Region) bool {
	for _, row := range rows {
		if row.ID == r.ID && row.Level == r.Level {
			return true
		}
	}
	return false
}
