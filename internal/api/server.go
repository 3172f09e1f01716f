package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/crypto-pipeline/internal/logging"
	"github.com/kjannette/crypto-pipeline/internal/metrics"
	"github.com/kjannette/crypto-pipeline/internal/models"
	"github.com/kjannette/crypto-pipeline/internal/queries"
)

const maxQueryLimit = 1000

var dateRegexp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Reader is the read side of the snapshot store.
type Reader interface {
	Ping(ctx context.Context) error
	GetMonthlyAggregates(ctx context.Context, assetID string, year, month *int) []models.MonthlyAggregate
	ListSnapshots(ctx context.Context, assetID string, from, to time.Time, withPayload bool, limit int) ([]models.Snapshot, error)
	GetSnapshot(ctx context.Context, assetID string, date time.Time) (*models.Snapshot, error)
	RunNamedQuery(ctx context.Context, name string, params map[string]any) ([]models.Record, error)
	Queries() *queries.Registry
}

type ServerConfig struct {
	Port           int
	APIKey         string
	CORSOrigin     string
	MetricsEnabled bool
	Logger         *zap.Logger
}

type Server struct {
	reader     Reader
	httpServer *http.Server
	apiKey     string
	log        *zap.Logger
}

func NewServer(reader Reader, cfg ServerConfig) *Server {
	log := logging.OrNop(cfg.Logger)
	s := &Server{
		reader: reader,
		apiKey: cfg.APIKey,
		log:    log,
	}

	mux := http.NewServeMux()

	// Coin routes
	mux.HandleFunc("GET /v1/coins/{coin}/aggregates", s.handleAggregates)
	mux.HandleFunc("GET /v1/coins/{coin}/snapshots", s.handleSnapshots)
	mux.HandleFunc("GET /v1/coins/{coin}/snapshots/{date}", s.handleSnapshotByDate)

	// Named queries
	mux.HandleFunc("GET /v1/queries", s.handleListQueries)
	mux.HandleFunc("GET /v1/queries/{name}", s.handleRunQuery)

	// No auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	handler := s.authMiddleware(corsMiddleware(mux, cfg.CORSOrigin))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.log.Info("REST API server started",
		zap.String("addr", s.httpServer.Addr),
		zap.Bool("auth", s.apiKey != ""))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- middleware ---

func isPublicPath(p string) bool {
	return p == "/health" || p == "/metrics"
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || token != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowOrigin string) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- validation helpers ---

func validateDate(date string) bool {
	if !dateRegexp.MatchString(date) {
		return false
	}
	_, err := time.Parse(models.DateLayout, date)
	return err == nil
}

func parseLimit(r *http.Request, defaultLimit int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}

// optionalInt parses an integer query parameter within [lo, hi]. A missing
// parameter yields nil.
func optionalInt(r *http.Request, key string, lo, hi int) (*int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return nil, fmt.Errorf("%s must be an integer between %d and %d", key, lo, hi)
	}
	return &n, nil
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
