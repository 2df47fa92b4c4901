// Package devserver is a reference implementation of the persistence API:
// REST mutations and history, a websocket snapshot feed per channel and a
// peer-broadcast room relay. It backs local development and end-to-end tests.
package devserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nfrund/chatsync/internal/middleware"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/persistence"
	"github.com/nfrund/chatsync/internal/roomrelay"
)

const (
	mutationRate  = 20
	mutationBurst = 40
)

// Feed pushes a channel's recent-message snapshot on every change.
type Feed interface {
	Watch(ctx context.Context, channelID string, fn func([]models.MessageRecord)) (func(), error)
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	E      *echo.Echo
	client persistence.Client
	feed   Feed
	relay  *roomrelay.Hub
}

// New creates a server over client and feed. relay may be nil to disable
// the /rooms endpoint.
func New(client persistence.Client, feed Feed, relay *roomrelay.Hub) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger)
	e.HTTPErrorHandler = errorHandler

	s := &Server{E: e, client: client, feed: feed, relay: relay}
	s.RegisterRoutes()
	return s
}

// RegisterRoutes sets up all routes.
func (s *Server) RegisterRoutes() {
	limit := middleware.RateLimiter(mutationRate, mutationBurst)

	api := s.E.Group("/api")
	api.GET("/messages", s.history)
	api.POST("/messages", s.createMessage, limit)
	api.PATCH("/messages/:id", s.editMessage, limit)
	api.DELETE("/messages/:id", s.deleteMessage, limit)
	api.POST("/messages/:id/reactions", s.react, limit)

	s.E.GET("/feed", s.watchFeed)
	if s.relay != nil {
		s.E.GET("/rooms/:room", s.relay.Handler())
	}

	s.E.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.E.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.E.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("Dev server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.E.Shutdown(shutdownCtx)
}
