// Package web exposes a small JSON status API for the running strategy.
package web

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/vitos/delta_neutral/internal/controller"
	"github.com/vitos/delta_neutral/internal/domain"
)

type Server struct {
	router    *http.ServeMux
	server    *http.Server
	ctrl      *controller.Controller
	primary   domain.Adapter
	secondary domain.Adapter
	store     domain.TradeRepository
	logger    *zap.Logger

	mu        sync.Mutex
	decisions map[string]domain.DeltaDecision // latest per instrument
}

func NewServer(
	port int,
	ctrl *controller.Controller,
	primary, secondary domain.Adapter,
	store domain.TradeRepository,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		ctrl:      ctrl,
		primary:   primary,
		secondary: secondary,
		store:     store,
		logger:    logger,
		decisions: make(map[string]domain.DeltaDecision),
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)

	// Positions
	s.router.HandleFunc("GET /positions", s.handlePositions)

	// History
	s.router.HandleFunc("GET /api/cycles", s.handleCycles)
	s.router.HandleFunc("GET /api/rebalances", s.handleRebalances)
}

// Start serves until Shutdown; it also drains the controller's decision feed
// so /status always shows the latest verdict per instrument.
func (s *Server) Start() error {
	if s.ctrl != nil {
		go s.consumeDecisions(s.ctrl.Subscribe(16))
	}
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) consumeDecisions(feed <-chan domain.DeltaDecision) {
	for decision := range feed {
		s.mu.Lock()
		s.decisions[decision.Instrument] = decision
		s.mu.Unlock()
	}
}
