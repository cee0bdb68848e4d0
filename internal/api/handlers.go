package api

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lox/coolweather/internal/failure"
	"github.com/lox/coolweather/internal/models"
	"github.com/lox/coolweather/internal/orchestrator"
	"github.com/lox/coolweather/internal/store"
	"github.com/lox/coolweather/internal/weather"
)

type HealthStatus struct {
	Status       string                     `json:"status"`
	Regions      map[models.Level]int       `json:"regions"`
	FetchHealth  []store.FetchHealthSummary `json:"fetch_health"`
	RecentErrors []models.FetchRun          `json:"recent_errors,omitempty"`
	WeatherCache weather.CacheEntry         `json:"weather_cache"`
	Errors       []string                   `json:"errors,omitempty"`
}

type WeatherResponse struct {
	Origin  string         `json:"origin"`
	Weather models.Weather `json:"weather"`
	Degree  string         `json:"degree"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
		return
	}

	health := HealthStatus{Status: "ok"}

	var err error
	if health.Regions, err = s.store.RegionCounts(ctx); err != nil {
		health.Errors = append(health.Errors, "regions: "+err.Error())
	}
	if health.FetchHealth, err = s.store.GetFetchHealth(ctx, 7); err != nil {
		health.Errors = append(health.Errors, "fetch health: "+err.Error())
	}
	if health.RecentErrors, err = s.store.GetRecentFetchErrors(ctx, 10); err != nil {
		health.Errors = append(health.Errors, "fetch errors: "+err.Error())
	}
	if health.WeatherCache, err = s.orch.CachedWeather(ctx); err != nil {
		health.Errors = append(health.Errors, "weather cache: "+err.Error())
	}

	status := http.StatusOK
	if len(health.Errors) > 0 {
		health.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (s *Server) handleProvinces(c *gin.Context) {
	rows, err := s.orch.Provinces(c.Request.Context())
	if err != nil {
		s.fail(c, "provinces", err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleCities(c *gin.Context) {
	province, ok := s.region(c, models.LevelProvince, "provinceID")
	if !ok {
		return
	}
	rows, err := s.orch.Cities(c.Request.Context(), *province)
	if err != nil {
		s.fail(c, "cities", err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleCounties(c *gin.Context) {
	province, ok := s.region(c, models.LevelProvince, "provinceID")
	if !ok {
		return
	}
	city, ok := s.region(c, models.LevelCity, "cityID")
	if !ok {
		return
	}
	if city.ParentID != province.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "city not found in province"})
		return
	}
	rows, err := s.orch.Counties(c.Request.Context(), *province, *city)
	if err != nil {
		s.fail(c, "counties", err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleWeather(c *gin.Context) {
	ctx := c.Request.Context()
	key := c.Param("weatherID")

	if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh {
		w, err := s.orch.RefreshWeather(ctx, key)
		if err != nil {
			s.fail(c, "refresh weather "+key, err)
			return
		}
		s.respondWeather(c, "remote", w)
		return
	}

	w, origin, err := s.orch.Weather(ctx, key)
	if err != nil {
		s.fail(c, "weather "+key, err)
		return
	}
	s.respondWeather(c, string(origin), w)
}

func (s *Server) respondWeather(c *gin.Context, origin string, w models.Weather) {
	c.JSON(http.StatusOK, WeatherResponse{
		Origin:  origin,
		Weather: w,
		Degree:  w.Now.Degree(),
	})
}

func (s *Server) handleCachedWeather(c *gin.Context) {
	entry, err := s.orch.CachedWeather(c.Request.Context())
	if err != nil {
		s.fail(c, "weather cache", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleForgetWeather(c *gin.Context) {
	if err := s.orch.ForgetWeather(c.Request.Context()); err != nil {
		s.fail(c, "forget weather", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// region loads the row named by a path parameter, writing a 400 or 404 when
// it cannot.
func (s *Server) region(c *gin.Context, level models.Level, param string) (*models.Region, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + level.String() + " id"})
		return nil, false
	}
	r, err := s.store.GetRegion(c.Request.Context(), level, id)
	if err != nil {
		s.fail(c, "get "+level.String(), err)
		return nil, false
	}
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": level.String() + " not found"})
		return nil, false
	}
	return r, true
}

// fail logs the detailed error and answers with the generic message.
func (s *Server) fail(c *gin.Context, op string, err error) {
	kind := failure.KindOf(err)
	log.Printf("api: %s failed (%s): %v", op, kind, err)

	status := http.StatusBadGateway
	if kind == failure.KindUnknown || kind == failure.KindPersistenceFailed {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": orchestrator.UserMessage(err)})
}
