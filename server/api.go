// Package server exposes the engine over HTTP and JSON-RPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lexcodex/goalloop/agents/iteration"
	"github.com/lexcodex/goalloop/app/runtime"
	"github.com/lexcodex/goalloop/framework"
	"github.com/lexcodex/goalloop/persistence"
)

// Backend is the slice of the runtime the servers drive.
type Backend interface {
	RunGoal(ctx context.Context, req iteration.Request, events framework.Telemetry) (*iteration.RunResult, error)
	ListCapabilities() ([]runtime.CapabilityView, error)
}

var _ Backend = (*runtime.Runtime)(nil)

// APIServer exposes HTTP endpoints for running goals without the CLI.
type APIServer struct {
	Backend    Backend
	Runs       persistence.Store
	Logger     *slog.Logger
	RunTimeout time.Duration
}

// RunResponse wraps a run result. Error carries the failure tag when the
// run did not complete.
type RunResponse struct {
	Result *iteration.RunResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// Serve starts listening on the provided address.
func (s *APIServer) Serve(addr string) error {
	return s.ServeContext(context.Background(), addr)
}

// ServeContext allows the caller to control shutdown via context cancellation.
func (s *APIServer) ServeContext(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger().Info("API listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler returns the routed endpoints.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/run", s.handleRun)
	mux.HandleFunc("GET /api/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	return mux
}

func (s *APIServer) handleRun(w http.ResponseWriter, r *http.Request) {
	var req iteration.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	timeout := s.RunTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	result, err := s.Backend.RunGoal(ctx, req, nil)
	if result == nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp := RunResponse{Result: result}
	if err != nil {
		resp.Error = result.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	views, err := s.Backend.ListCapabilities()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": views})
}

func (s *APIServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.Runs == nil {
		writeError(w, http.StatusNotFound, errors.New("run store not configured"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *APIServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.Runs == nil {
		writeError(w, http.StatusNotFound, errors.New("run store not configured"))
		return
	}
	detail, ok, err := s.Runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *APIServer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
