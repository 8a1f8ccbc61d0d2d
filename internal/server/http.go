package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dtroode/academysync/internal/model"
)

var _ model.Server = (*HTTPServer)(nil)

// HTTPServer serves a single handler: the JSON API or the Prometheus endpoint.
type HTTPServer struct {
	server *http.Server
	addr   string
}

// NewHTTPServer creates an HTTPServer mounting handler at path. Request
// contexts are cancelled when Stop begins, which ends long-lived streams.
func NewHTTPServer(addr, path string, handler http.Handler) *HTTPServer {
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancel)

	return &HTTPServer{
		server: srv,
		addr:   addr,
	}
}

// Start serves until Stop is called.
func (s *HTTPServer) Start(securityLayer model.SecurityLayer) error {
	listener, err := securityLayer.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) Address() string {
	return s.addr
}
