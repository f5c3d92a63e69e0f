// Package sink is a local SMTP server that accepts and records warmup mail.
// It stands in for real providers when running the network locally.
package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-smtp"
)

// Options configures the sink server
type Options struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Auth            *AuthConfig

	// TLSConfig enables STARTTLS
	TLSConfig *tls.Config
}

// Server wraps go-smtp server with configuration
type Server struct {
	server  *smtp.Server
	backend *Backend
	addr    string
	logger  *slog.Logger
}

// NewServer creates a new sink server
func NewServer(opts Options, rec Recorder, logger *slog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:2525"
	}
	if opts.Domain == "" {
		opts.Domain = "localhost"
	}
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 10 * 1024 * 1024
	}
	if opts.MaxRecipients == 0 {
		opts.MaxRecipients = 50
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = time.Minute
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = time.Minute
	}

	logger = logger.With("component", "sink")
	backend := NewBackend(rec, opts.Auth, logger)

	srv := smtp.NewServer(backend)
	srv.Addr = opts.Addr
	srv.Domain = opts.Domain
	srv.MaxMessageBytes = opts.MaxMessageBytes
	srv.MaxRecipients = opts.MaxRecipients
	srv.ReadTimeout = opts.ReadTimeout
	srv.WriteTimeout = opts.WriteTimeout
	srv.TLSConfig = opts.TLSConfig
	srv.AllowInsecureAuth = opts.TLSConfig == nil

	return &Server{
		server:  srv,
		backend: backend,
		addr:    opts.Addr,
		logger:  logger,
	}
}

// Backend returns the session backend
func (s *Server) Backend() *Backend {
	return s.backend
}

// ListenAndServe starts the sink on its configured address
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting SMTP sink", "addr", s.addr)
	return s.ignoreClosed(s.server.ListenAndServe())
}

// Serve accepts connections on l
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting SMTP sink", "addr", l.Addr().String())
	return s.ignoreClosed(s.server.Serve(l))
}

func (s *Server) ignoreClosed(err error) error {
	if errors.Is(err, smtp.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down SMTP sink")
	return s.server.Shutdown(ctx)
}

// Close immediately closes the server
func (s *Server) Close() error {
	return s.server.Close()
}
