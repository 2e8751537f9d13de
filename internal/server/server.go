package server

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/crazydw4rf/smart-aquarium/internal/bridge"
	"github.com/crazydw4rf/smart-aquarium/internal/config"
	"github.com/crazydw4rf/smart-aquarium/internal/upstream"
)

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	bridge    *bridge.Bridge
	link      upstream.Link
	clock     clockwork.Clock
	startTime time.Time
}

func NewServer(cfg *config.Config, b *bridge.Bridge, link upstream.Link, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:      e,
		config:    cfg,
		bridge:    b,
		link:      link,
		clock:     clock,
		startTime: clock.Now(),
	}

	// Register routes
	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
