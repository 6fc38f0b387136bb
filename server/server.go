// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"recentposts/metrics"
	"recentposts/pkg/recent"
	"recentposts/presenter"
	"recentposts/recorder"
	"recentposts/storage"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// maxPublishBody bounds the size of a publish request; post content is included.
const maxPublishBody = 4 << 20

// Recorder interface for handling publish events.
type Recorder interface {
	MaybeRecord(ctx context.Context, post recent.Post, site recent.Site) (recorder.Outcome, error)
}

// Store interface for reading the shared list.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Server handles HTTP requests.
type Server struct {
	recorder     Recorder
	store        Store
	logger       *slog.Logger
	limiter      *rateLimiter
	validate     *validator.Validate
	chrome       presenter.Chrome
	publishToken string
}

// Config holds server configuration.
type Config struct {
	Recorder     Recorder
	Store        Store
	Logger       *slog.Logger
	Chrome       presenter.Chrome
	PublishToken string

	// PublishRate limits /publish requests per client IP. Zero disables limiting.
	PublishRate  rate.Limit
	PublishBurst int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		recorder:     cfg.Recorder,
		store:        cfg.Store,
		logger:       cfg.Logger,
		chrome:       cfg.Chrome,
		publishToken: cfg.PublishToken,
		limiter:      newRateLimiter(cfg.PublishRate, cfg.PublishBurst),
		validate:     newValidator(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/publish", s.handlePublish)
	mux.HandleFunc("/widget", s.handleWidget)
	mux.HandleFunc("/recent.json", s.handleRecentJSON)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves HTTP on port until ctx is cancelled, then shuts down gracefully.
// It returns once in-flight requests have finished or the shutdown timed out.
func (s *Server) Run(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      30 * time.Second,  // Time to write response
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

type publishRequest struct {
	Post recent.Post `json:"post"`
	Site recent.Site `json:"site"`
}

type publishResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Publish rate limit exceeded", "ip", ip)
		w.Header().Set("Retry-After", s.limiter.retryAfter())
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	if !s.authorized(r) {
		s.logger.Warn("Unauthorized publish request", "ip", ip)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req publishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody))
	if err := dec.Decode(&req); err != nil {
		s.logger.Warn("Invalid publish request", "error", err)
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.logger.Warn("Invalid publish request", "error", err)
		http.Error(w, "post.id and site.id are required", http.StatusBadRequest)
		return
	}

	outcome, err := s.recorder.MaybeRecord(r.Context(), req.Post, req.Site)
	if err != nil {
		s.logger.Error("Failed to record post", "site_id", req.Site.ID, "post_id", req.Post.ID, "error", err)
		http.Error(w, "Failed to record post", http.StatusInternalServerError)
		return
	}

	resp := publishResponse{Status: "recorded"}
	if outcome != recorder.Recorded {
		resp = publishResponse{Status: "skipped", Reason: string(outcome)}
	}
	s.writeJSON(w, resp)
}

// authorized checks the bearer token when one is configured.
func (s *Server) authorized(r *http.Request) bool {
	if s.publishToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.publishToken)) == 1
}

func (s *Server) handleWidget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	list, err := s.loadList(r.Context())
	if err != nil {
		s.logger.Error("Failed to load recent list", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	opts := presenter.ParseOptions(r.URL.Query())
	markup, shown, err := presenter.RenderWidget(s.chrome, list, opts)
	if err != nil {
		s.logger.Error("Failed to render widget", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	metrics.RecordRender(shown)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, markup); err != nil {
		s.logger.Warn("Failed to write widget response", "error", err)
	}
}

func (s *Server) handleRecentJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	list, err := s.loadList(r.Context())
	if err != nil {
		s.logger.Error("Failed to load recent list", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, list)
}

// loadList returns the stored list. A missing or unreadable value is an empty list.
func (s *Server) loadList(ctx context.Context) (recent.List, error) {
	data, err := s.store.Get(ctx, recent.ListKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return recent.List{}, nil
		}
		return nil, err
	}
	list, err := recent.DecodeList(data)
	if err != nil {
		s.logger.Warn("Stored list is unreadable, rendering empty list", "key", recent.ListKey, "error", err)
		return recent.List{}, nil
	}
	return list, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
