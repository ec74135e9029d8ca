// Package server exposes package scans over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acheong08/npm-sentinel/internal/parser"
	"github.com/acheong08/npm-sentinel/internal/review"
	"github.com/acheong08/npm-sentinel/pkg/models"
)

const maxRequestBytes = 64 << 10

// PackageScanner fetches and scans a published package. The returned
// manifest is handed to the reviewer and may be nil.
type PackageScanner interface {
	Scan(ctx context.Context, name, version string) (models.AnalysisResult, *parser.Manifest, error)
}

// ScannerFunc adapts a function to PackageScanner
type ScannerFunc func(ctx context.Context, name, version string) (models.AnalysisResult, *parser.Manifest, error)

func (f ScannerFunc) Scan(ctx context.Context, name, version string) (models.AnalysisResult, *parser.Manifest, error) {
	return f(ctx, name, version)
}

// Reviewer gives a second opinion on a finished scan
type Reviewer interface {
	Review(ctx context.Context, result models.AnalysisResult, manifest *parser.Manifest) (review.Assessment, error)
}

// Server serves /health, /api/npm/scan and /ws
type Server struct {
	scanner  PackageScanner
	reviewer Reviewer
	logger   *zap.Logger
	upgrader websocket.Upgrader
	newID    func() string
}

// Option configures a Server
type Option func(*Server)

// WithReviewer enables model review of scan results
func WithReviewer(r Reviewer) Option {
	return func(s *Server) { s.reviewer = r }
}

// WithLogger sets the server's logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a server around scanner
func New(scanner PackageScanner, opts ...Option) *Server {
	s := &Server{
		scanner: scanner,
		logger:  zap.NewNop(),
		upgrader: websocket.Upgrader{
			// Any origin may connect; the server exposes no credentials
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/npm/scan", s.handleScan)
	mux.HandleFunc("GET /ws", s.serveWs)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		s.logger.Info("Server stopped")
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ScanResponse{Error: "failed to read request body"})
		return
	}

	pkg, err := ParseScanRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ScanResponse{Error: err.Error()})
		return
	}

	scanID := s.newID()
	logger := s.logger.With(zap.String("scan_id", scanID), zap.String("package", pkg.ID))

	result, manifest, err := s.scanner.Scan(r.Context(), pkg.Name, pkg.Version)
	if err != nil {
		logger.Error("Scan failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ScanResponse{ScanID: scanID, Error: err.Error()})
		return
	}

	resp := ScanResponse{Success: true, ScanID: scanID, Report: &result}
	if s.reviewer != nil {
		assessment, err := s.reviewer.Review(r.Context(), result, manifest)
		if err != nil {
			logger.Warn("Review failed", zap.Error(err))
		} else {
			resp.Review = &assessment
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
