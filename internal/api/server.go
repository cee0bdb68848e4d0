// Package api serves the region hierarchy and weather snapshot over HTTP.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/coolweather/internal/orchestrator"
	"github.com/lox/coolweather/internal/store"
)

type Server struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	addr   string
	router *gin.Engine
}

func NewServer(store *store.Store, orch *orchestrator.Orchestrator, addr string) *Server {
	s := &Server{
		store: store,
		orch:  orch,
		addr:  addr,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/provinces", s.handleProvinces)
	api.GET("/provinces/:provinceID/cities", s.handleCities)
	api.GET("/provinces/:provinceID/cities/:cityID/counties", s.handleCounties)
	api.GET("/weather", s.handleCachedWeather)
	api.DELETE("/weather", s.handleForgetWeather)
	api.GET("/weather/:weatherID", s.handleWeather)
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("api: listening on %s", s.addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
