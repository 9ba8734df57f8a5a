package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shibartum/presale-backend/internal/metrics"
	"github.com/shibartum/presale-backend/internal/system"
	"github.com/shibartum/presale-backend/pkg/logger"
)

// Server runs the REST API as a managed service.
type Server struct {
	srv *http.Server
	log *logger.Logger
}

var _ system.Service = (*Server)(nil)

// NewServer wraps the handler with HTTP metrics and binds it to addr.
func NewServer(addr string, handler http.Handler, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           metrics.InstrumentHandler(handler),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

func (s *Server) Name() string { return "http-server" }

func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.log.WithField("addr", s.srv.Addr).Info("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
