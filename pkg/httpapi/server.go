package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server wraps the HTTP listener around the handler set.
type Server struct {
	addr string
	srv  *http.Server
}

func NewServer(addr string, handlers *Handlers) (*Server, error) {
	if addr == "" {
		return nil, errors.New("server: addr is empty")
	}
	if handlers == nil {
		return nil, errors.New("server: handlers are nil")
	}
	mux := http.NewServeMux()
	handlers.Register(mux)
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			// No write timeout: exchanges stream for up to the hard
			// ceiling.
		},
	}, nil
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.addr).Msg("http server listening")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
