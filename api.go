package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

var ErrUnauthorized = errors.New("api: user unauthorized")

const (
	maxJSONBodySize      = 1 << 20
	multipartOverhead    = 1 << 20
	multipartMemoryLimit = 8 << 20
	healthCheckTimeout   = 2 * time.Second
)

type APIServer struct {
	cfg        *Config
	store      Store
	blobs      BlobStore
	tokens     *TokenIssuer
	metrics    *Metrics
	validate   *validator.Validate
	bcryptCost int
}

func NewAPIServer(cfg *Config, store Store, blobs BlobStore, tokens *TokenIssuer, metrics *Metrics) *APIServer {
	return &APIServer{
		cfg:        cfg,
		store:      store,
		blobs:      blobs,
		tokens:     tokens,
		metrics:    metrics,
		validate:   newValidator(),
		bcryptCost: bcrypt.DefaultCost,
	}
}

type APIFunc func(w http.ResponseWriter, r *http.Request) error

func makeHandler(f APIFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := f(w, r)
		if err == nil {
			return
		}

		var statusError *StatusError
		if errors.As(err, &statusError) {
			if statusError.Status >= http.StatusInternalServerError {
				slog.Error("Writing API Status Error to response", "status_error", statusError, "path", r.URL.Path)
			} else {
				slog.Debug("Writing API Status Error to response", "status_error", statusError, "path", r.URL.Path)
			}

			writeError(w, statusError)
			return
		}

		slog.Error("Writing an error to response", "error", err, "path", r.URL.Path)
		writeError(w, &StatusError{Status: http.StatusInternalServerError})
	}
}

type StatusError struct {
	Err    error
	Status int
	Code   string
}

func (a *StatusError) Error() string {
	if a.Err != nil {
		return a.Err.Error()
	}

	return http.StatusText(a.Status)
}

func (a *StatusError) Unwrap() error {
	return a.Err
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Status int    `json:"status"`
}

func writeError(w http.ResponseWriter, e *StatusError) {
	msg := http.StatusText(e.Status)
	// Internal failures never leak their cause to the client.
	if e.Err != nil && e.Status < http.StatusInternalServerError {
		msg = e.Err.Error()
	}

	writeJSON(w, e.Status, errorResponse{Error: msg, Code: e.Code, Status: e.Status})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a size-limited JSON body and validates it.
func (s *APIServer) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &StatusError{Err: err, Status: http.StatusRequestEntityTooLarge, Code: "body_too_large"}
		}
		return &StatusError{Err: err, Status: http.StatusBadRequest, Code: "malformed_json"}
	}

	if err := s.validate.Struct(v); err != nil {
		return validationError(err)
	}

	return nil
}

func (s *APIServer) routes() http.Handler {
	mux := http.NewServeMux()

	handle := func(pattern, endpoint string, f APIFunc) {
		mux.Handle(pattern, s.metrics.Middleware(endpoint, makeHandler(f)))
	}

	// Auth
	handle("GET /login", "login", s.HandleLogin)
	handle("POST /register", "register", s.HandleRegister)

	// Image maps
	handle("GET /image-maps", "get_all_image_maps", s.authMiddleware(s.HandleGetAllImageMaps))
	handle("POST /image-maps", "create_image_map", s.authMiddleware(s.HandleCreateImageMap))
	handle("GET /image-maps/{map}", "get_one_image_map", s.authMiddleware(s.HandleGetImageMap))
	handle("GET /image-maps/{map}/image", "get_image_map_image", s.authMiddleware(s.HandleGetImageMapImage))
	handle("GET /image-maps/{map}/export", "export_image_map", s.authMiddleware(s.HandleExportImageMap))
	handle("PATCH /update-image", "update_image_map", s.authMiddleware(s.HandleUpdateImage))
	handle("PATCH /update-image-attribute", "update_image_attribute", s.authMiddleware(s.HandleUpdateImageAttribute))
	handle("DELETE /delete-image-map", "delete_image_map", s.authMiddleware(s.HandleDeleteImageMap))

	// Operations
	handle("GET /healthz", "healthz", s.HandleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return logRequests(withCORS(s.cfg, mux))
}

func (s *APIServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.routes(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting the server", "listen_addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down the server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	slog.Info("Server stopped")

	return nil
}

func (s *APIServer) HandleHealth(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		slog.Warn("Health check failed", "error", err)
		return &StatusError{Err: errors.New("database unavailable"), Status: http.StatusServiceUnavailable, Code: "unhealthy"}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := w.Write([]byte("OK"))

	return err
}

// logRequests logs one line per request once the response is written.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("Handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}
