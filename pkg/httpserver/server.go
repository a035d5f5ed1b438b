package httpserver

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/privacysandbox/pbs/pkg/pbslog"
)

// ServerConfig controls the listening socket and HTTP/2 transport. TLS is
// optional: a nil TLSConfig serves cleartext HTTP/2 (h2c), matching spec
// §6's "HTTP/2, plaintext or TLS".
type ServerConfig struct {
	Address      string
	TLSConfig    *tls.Config
	ReadTimeout  time.Duration // default 90s, spec §5
	WriteTimeout time.Duration
}

// Server wraps net/http's Server configured for HTTP/2, serving Pipeline
// as its single handler.
type Server struct {
	httpServer *http.Server
	log        *pbslog.Logger
}

func NewServer(cfg ServerConfig, pipeline *Pipeline, log *pbslog.Logger) (*Server, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 90 * time.Second
	}

	httpServer := &http.Server{
		Addr:         cfg.Address,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    cfg.TLSConfig,
	}

	if cfg.TLSConfig != nil {
		httpServer.Handler = pipeline
		if err := http2.ConfigureServer(httpServer, &http2.Server{}); err != nil {
			return nil, err
		}
	} else {
		h2s := &http2.Server{}
		httpServer.Handler = h2c.NewHandler(pipeline, h2s)
	}

	return &Server{httpServer: httpServer, log: log.WithComponent("http-server")}, nil
}

// Run starts serving and blocks until Shutdown is called or a fatal
// listener error occurs.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	if s.httpServer.TLSConfig != nil {
		return s.httpServer.ServeTLS(ln, "", "")
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
