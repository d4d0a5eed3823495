// Package api exposes the webhook ingestor, the boot-test trigger API,
// and the status endpoints over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/config"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/queue"
	"github.com/dirkhh/adsb-feeder-boottest/pkg/webhook"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      metrics.Store
	queue      *queue.Queue
	filter     *webhook.Filter
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server around an already-started store and
// queue.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	store metrics.Store,
	q *queue.Queue,
) Server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		store:  store,
		queue:  q,
		filter: webhook.NewFilter(log, &cfg.Webhook),
	}
}

// Start binds the listener and serves requests in the background.
func (s *server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
