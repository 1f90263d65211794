package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/g960059/autoclick/internal/api"
	"github.com/g960059/autoclick/internal/config"
	"github.com/g960059/autoclick/internal/console"
	"github.com/g960059/autoclick/internal/db"
	"github.com/g960059/autoclick/internal/model"
)

const (
	maxRequestBody = 1 << 20
	shutdownGrace  = 5 * time.Second
)

type Server struct {
	cfg         config.Config
	console     *console.Console
	store       *db.Store
	logger      *slog.Logger
	started     time.Time
	httpSrv     *http.Server
	listener    net.Listener
	lock        *instanceLock
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

// NewServer wires the operator API. Catalog routes are registered only
// when a store is given.
func NewServer(cfg config.Config, c *console.Console, store *db.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:     cfg,
		console: c,
		store:   store,
		logger:  logger.With("component", "api"),
		started: time.Now(),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if c != nil {
		mux.HandleFunc("/v1/status", s.statusHandler)
		mux.HandleFunc("/v1/logs", s.logsHandler)
		mux.HandleFunc("/v1/scan/start", s.commandHandler("start", c.StartScan))
		mux.HandleFunc("/v1/scan/stop", s.commandHandler("stop", c.StopScan))
		mux.HandleFunc("/v1/safety/reset", s.commandHandler("reset", c.ResetSafetyLock))
		mux.HandleFunc("/v1/bridge/connect", s.bridgeConnectHandler)
		mux.HandleFunc("/v1/bridge/disconnect", s.commandHandler("disconnect", c.DisconnectBridge))
		mux.HandleFunc("/v1/settings", s.settingsHandler)
	}
	if store != nil {
		mux.HandleFunc("/v1/targets", s.targetsHandler)
		mux.HandleFunc("/v1/targets/", s.targetByIDHandler)
		mux.HandleFunc("/v1/patterns", s.patternsHandler)
		mux.HandleFunc("/v1/patterns/", s.patternByIDHandler)
	}
	return s
}

// Handler exposes the route table for in-process callers and tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves the API on the configured unix socket until ctx is done.
// A second daemon on the same socket fails fast on the instance lock.
func (s *Server) Start(ctx context.Context) error {
	lock, err := acquireInstanceLock(s.cfg.SocketPath + ".lock")
	if err != nil {
		return err
	}
	ln, err := listenUnix(s.cfg.SocketPath)
	if err != nil {
		lock.release() //nolint:errcheck
		return err
	}
	s.mu.Lock()
	s.lock, s.listener = lock, ln
	s.mu.Unlock()
	s.logger.Info("listening", "socket", s.cfg.SocketPath)

	served := make(chan error, 1)
	go func() { served <- s.httpSrv.Serve(ln) }()

	select {
	case err := <-served:
		_ = s.Shutdown(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", s.cfg.SocketPath, err)
	case <-ctx.Done():
		graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.Shutdown(graceCtx); err != nil {
			s.logger.Warn("shutdown incomplete", "error", err)
		}
		return ctx.Err()
	}
}

// Shutdown drains in-flight requests, then removes the socket and drops
// the instance lock. Only the first call does any work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		s.mu.Lock()
		ln, lock := s.listener, s.lock
		s.listener, s.lock = nil, nil
		s.mu.Unlock()

		errs := []error{s.httpSrv.Shutdown(ctx)}
		if ln != nil {
			if err := ln.Close(); !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
			if err := os.Remove(s.cfg.SocketPath); !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if lock != nil {
			errs = append(errs, lock.release())
		}
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		Uptime:        time.Since(s.started).Seconds(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

// decodeBody reads a JSON request body into dst. An empty body leaves
// dst untouched when allowEmpty is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return false
	}
	return true
}

// writeConsoleError maps console sentinels onto API error codes.
func (s *Server) writeConsoleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, console.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, model.ErrAlreadyRunning, err.Error())
	case errors.Is(err, console.ErrNotRunning):
		s.writeError(w, http.StatusConflict, model.ErrNotRunning, err.Error())
	case errors.Is(err, console.ErrSafetyLocked):
		s.writeError(w, http.StatusConflict, model.ErrSafetyLocked, "safety lock active; reset it before starting a scan")
	case errors.Is(err, console.ErrInvalidSettings):
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
	case errors.Is(err, console.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrConsoleUnavailable, "console is not accepting commands")
	default:
		s.logger.Error("console command failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "console command failed")
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, what+" not found")
	case errors.Is(err, db.ErrDuplicate):
		s.writeError(w, http.StatusConflict, model.ErrRefDuplicate, what+" already exists")
	case errors.Is(err, db.ErrInvalid):
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
	default:
		s.logger.Error("store request failed", "what", what, "error", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to access "+what)
	}
}

// pathID extracts the single id segment after prefix. ok is false when
// the response has already been written.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request, prefix, what string) (string, bool) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if tail == "" || strings.Contains(tail, "/") {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, what+" route not found")
		return "", false
	}
	id, err := url.PathUnescape(tail)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalidEncoding, "invalid "+what+" id encoding")
		return "", false
	}
	return strings.TrimSpace(id), true
}
