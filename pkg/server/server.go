// Package server exposes the governor over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/creovision/governor/pkg/governor"
	"github.com/creovision/governor/pkg/models"
	"github.com/creovision/governor/pkg/router"
)

// maxBodySize caps request bodies.
const maxBodySize = 1 << 20

// Server is the governor HTTP API.
type Server struct {
	addr string
	gov  *governor.Governor
	log  logr.Logger
	mux  *http.ServeMux
}

// New creates a Server. A nil gatherer disables /metrics.
func New(addr string, g *governor.Governor, gatherer prometheus.Gatherer, log logr.Logger) *Server {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	s := &Server{
		addr: addr,
		gov:  g,
		log:  log.WithName("server"),
		mux:  http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/complete", s.handleComplete)
	s.mux.HandleFunc("GET /v1/quota", s.handleQuota)
	s.mux.HandleFunc("POST /v1/quota/extend", s.handleExtend)
	s.mux.HandleFunc("POST /v1/quota/reset", s.handleReset)
	s.mux.HandleFunc("POST /v1/promo/redeem", s.handleRedeem)
	s.mux.HandleFunc("POST /v1/trial", s.handleTrial)
	s.mux.HandleFunc("GET /v1/credits", s.handleCredits)
	s.mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("GET /v1/features", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"features": s.gov.Features()})
	})
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.V(1).Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           otelhttp.NewHandler(s, "governor"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("governor listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// completeRequest is the JSON body of POST /v1/complete.
type completeRequest struct {
	Route        string               `json:"route"`
	Text         string               `json:"text"`
	History      []models.ChatMessage `json:"history,omitempty"`
	SystemPrompt string               `json:"system_prompt,omitempty"`
	ModelVersion string               `json:"model_version,omitempty"`
	Topic        string               `json:"topic,omitempty"`
	TTLSeconds   int64                `json:"ttl_seconds,omitempty"`
	Feature      string               `json:"feature,omitempty"`
	Temperature  *float64             `json:"temperature,omitempty"`
	MaxTokens    *int                 `json:"max_tokens,omitempty"`
}

func (c completeRequest) governed() models.GovernedRequest {
	return models.GovernedRequest{
		Route:        c.Route,
		Text:         c.Text,
		History:      c.History,
		SystemPrompt: c.SystemPrompt,
		ModelVersion: c.ModelVersion,
		Topic:        c.Topic,
		TTL:          time.Duration(c.TTLSeconds) * time.Second,
		Feature:      c.Feature,
		Temperature:  c.Temperature,
		MaxTokens:    c.MaxTokens,
	}
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.gov.Complete(r.Context(), identity, req.governed())
	switch {
	case errors.Is(err, governor.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, router.ErrNoProviders):
		writeJSONError(w, http.StatusBadGateway, "no providers available")
		return
	case err != nil:
		s.log.Error(err, "governed completion failed", "identity", identity, "route", req.Route)
		writeJSONError(w, http.StatusInternalServerError, "completion failed")
		return
	}

	code := http.StatusOK
	switch res.Status {
	case governor.StatusQuotaExhausted:
		code = http.StatusTooManyRequests
	case governor.StatusInsufficientCredits:
		code = http.StatusPaymentRequired
	case governor.StatusRateLimited:
		w.Header().Set("Retry-After", strconv.FormatInt(res.RetryAfter, 10))
		code = http.StatusTooManyRequests
	case governor.StatusOK:
		if res.FromCache {
			w.Header().Set("X-Governor-Cache", "hit")
		} else {
			w.Header().Set("X-Governor-Cache", "miss")
		}
	}
	writeJSON(w, code, res)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	snap, err := s.gov.QuotaSnapshot(r.Context(), identity)
	if err != nil {
		s.internalError(w, err, "quota snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	ext, err := s.gov.Extend(r.Context(), identity)
	if err != nil {
		s.internalError(w, err, "extend session")
		return
	}
	code := http.StatusOK
	if !ext.Granted {
		code = http.StatusPaymentRequired
	}
	writeJSON(w, code, ext)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	sess, err := s.gov.Reset(r.Context(), identity)
	if err != nil {
		s.internalError(w, err, "reset session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var body struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Code) == "" {
		writeJSONError(w, http.StatusBadRequest, "code is required")
		return
	}
	red, err := s.gov.Redeem(r.Context(), identity, body.Code)
	if err != nil {
		s.internalError(w, err, "redeem promo")
		return
	}
	writeJSON(w, http.StatusOK, red)
}

func (s *Server) handleTrial(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	issued, err := s.gov.IssueTrial(r.Context(), identity)
	if err != nil {
		s.internalError(w, err, "issue trial")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"issued": issued})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	bal, history, err := s.gov.Credits(r.Context(), identity, limit)
	if err != nil {
		s.internalError(w, err, "credits")
		return
	}
	if history == nil {
		history = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity":     identity,
		"balance":      bal,
		"transactions": history,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.gov.CacheStats(r.Context())
	if err != nil {
		s.internalError(w, err, "cache stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) internalError(w http.ResponseWriter, err error, op string) {
	s.log.Error(err, op+" failed")
	writeJSONError(w, http.StatusInternalServerError, op+" failed")
}

// extractIdentity reads the caller identity from X-Governor-Identity or a
// bearer token.
func extractIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Governor-Identity")); id != "" {
		return id
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := extractIdentity(r)
	if id == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing identity")
		return "", false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	r.Body.Close()
	if err := json.Unmarshal(body, v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "governor_error",
			"code":    code,
		},
	})
}
