package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gatehouse-proxy/gatehouse/internal/certs"
	"github.com/gatehouse-proxy/gatehouse/internal/config"
	"github.com/gatehouse-proxy/gatehouse/internal/logger"
)

// Server owns the plain-HTTP and TLS proxy listeners. Both serve the same
// engine; only the transport security differs.
type Server struct {
	engine  *Engine
	catalog *certs.Catalog

	httpAddr  string
	httpsAddr string

	httpSrv  *http.Server
	httpsSrv *http.Server
}

// NewServer builds the proxy server pair around an engine and the SNI
// catalog.
func NewServer(cfg config.Config, engine *Engine, catalog *certs.Catalog) *Server {
	return &Server{
		engine:    engine,
		catalog:   catalog,
		httpAddr:  cfg.HTTPAddr,
		httpsAddr: cfg.HTTPSAddr,
	}
}

// Start binds both listeners and begins serving. A bind failure is fatal and
// returned to the caller; errors after startup are pushed to errChan.
func (s *Server) Start(errChan chan<- error) error {
	httpListener, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("bind HTTP listener on %s: %w", s.httpAddr, err)
	}

	httpsListener, err := net.Listen("tcp", s.httpsAddr)
	if err != nil {
		httpListener.Close()
		return fmt.Errorf("bind HTTPS listener on %s: %w", s.httpsAddr, err)
	}
	tlsListener := tls.NewListener(httpsListener, s.catalog.TLSConfig())

	s.httpSrv = newServer(s.engine)
	s.httpsSrv = newServer(s.engine)

	logger.WithFields(logrus.Fields{"http": s.httpAddr, "https": s.httpsAddr}).Info("proxy listeners started")

	go serveUntilClosed(s.httpSrv, httpListener, errChan)
	go serveUntilClosed(s.httpsSrv, tlsListener, errChan)
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests until
// ctx expires, then releases pooled upstream connections.
func (s *Server) Shutdown(ctx context.Context) {
	for _, srv := range []*http.Server{s.httpSrv, s.httpsSrv} {
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
	}
	s.engine.CloseIdle()
}

func newServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func serveUntilClosed(srv *http.Server, l net.Listener, errChan chan<- error) {
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- err
	}
}
