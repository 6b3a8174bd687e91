// Package ws exposes sync sessions over websockets.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/buildinfo"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server/auth"
	"github.com/dmitrijs2005/gophsync/internal/server/session"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	SyncPath        = "/sync"
	shutdownTimeout = 5 * time.Second
)

type Config struct {
	Addr             string
	SecretKey        string
	RequireAccessKey bool
	TLSCertFile      string
	TLSKeyFile       string
}

type Server struct {
	config   Config
	router   *mux.Router
	upgrader websocket.Upgrader
	deps     session.Deps
	logger   logging.Logger
}

func NewServer(cfg Config, deps session.Deps, logger logging.Logger) *Server {
	s := &Server{
		config: cfg,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		deps:   deps,
		logger: logger.With("module", "ws_server"),
	}

	s.router.Use(s.accessLog)
	s.router.Methods(http.MethodGet).Path(SyncPath).HandlerFunc(s.sync)
	s.router.Methods(http.MethodGet).Path("/version").HandlerFunc(s.version)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info(r.Context(), "handled",
			"method", r.Method, "url", r.URL.String(), "duration", m.Duration, "status", m.Code)
	})
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	if s.config.RequireAccessKey {
		holder, err := auth.GetHolderFromToken(auth.TokenFromRequest(r), []byte(s.config.SecretKey))
		if err != nil {
			s.logger.Warn(r.Context(), "access key rejected", "remote", r.RemoteAddr, "err", err)
			http.Error(w, "invalid access key", http.StatusUnauthorized)
			return
		}
		s.logger.Debug(r.Context(), "access key accepted", "holder", holder)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(r.Context(), "failed to upgrade", "err", err)
		return
	}

	session.New(conn, r.RemoteAddr, s.deps).Run(r.Context())
}

func (s *Server) version(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"version": buildinfo.Version,
		"date":    buildinfo.Date,
		"commit":  buildinfo.Commit,
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully. Sessions
// inherit ctx and close with it.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping websocket server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "Starting websocket server", "address", s.config.Addr, "tls", s.config.TLSCertFile != "")

	var err error
	if s.config.TLSCertFile != "" {
		err = srv.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
