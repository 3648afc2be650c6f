// Package server implements the HTTP API of ragchat: streaming chat over
// Server-Sent Events, conversation history, document management and the
// retrieval index. The server is started by the `ragchat serve` command.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/ragchat/internal/chat"
	"github.com/54b3r/ragchat/internal/engine"
	"github.com/54b3r/ragchat/internal/logging"
	"github.com/54b3r/ragchat/internal/store"
)

// New constructs a Server. history may be nil, in which case chat is
// stateless and the conversation routes answer 404.
func New(assistant *chat.Assistant, eng *engine.Engine, history store.ConversationStore, cfg *Config) (*Server, error) {
	if assistant == nil {
		return nil, fmt.Errorf("server: assistant must not be nil")
	}
	if eng == nil {
		return nil, fmt.Errorf("server: engine must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must be long enough for streaming responses.
		cfg.WriteTimeout = 10 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = 5 * time.Minute
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.APIKey == "" {
		log.Warn("server: RAGCHAT_API_KEY not set, API authentication disabled")
	}

	s := &Server{
		querier: assistant,
		corpus:  eng,
		history: history,
		cfg:     cfg,
		log:     log,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.MetricsRegistry),
	}

	rl, stop := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stopRL = stop

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, s.metrics, s.routes(rl)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// routes registers every endpoint. Health, readiness and metrics stay
// unauthenticated so probes and scrapers work without the API key.
func (s *Server) routes(rl *rateLimiter) *http.ServeMux {
	auth := func(h http.HandlerFunc) http.Handler { return authMiddleware(s.cfg.APIKey, h) }
	limited := func(h http.HandlerFunc) http.Handler { return authMiddleware(s.cfg.APIKey, rl.middleware(h)) }

	mux := http.NewServeMux()
	mux.Handle("POST /api/chat", limited(s.handleChat))

	mux.Handle("GET /api/conversations", auth(s.handleListConversations))
	mux.Handle("POST /api/conversations", auth(s.handleCreateConversation))
	mux.Handle("DELETE /api/conversations", auth(s.handleDeleteAllConversations))
	mux.Handle("GET /api/conversations/{id}", auth(s.handleGetConversation))
	mux.Handle("PATCH /api/conversations/{id}", auth(s.handleRenameConversation))
	mux.Handle("DELETE /api/conversations/{id}", auth(s.handleDeleteConversation))

	mux.Handle("GET /api/documents", auth(s.handleListDocuments))
	mux.Handle("POST /api/documents", limited(s.handleUploadDocument))
	mux.Handle("DELETE /api/documents/{name}", auth(s.handleDeleteDocument))

	mux.Handle("GET /api/index", auth(s.handleIndexStatus))
	mux.Handle("POST /api/index/rebuild", limited(s.handleRebuild))
	mux.Handle("POST /api/retrieve", limited(s.handleRetrieve))

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	return mux
}

// Handler returns the fully wrapped HTTP handler. It is what Start serves.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	s.lifetime = ctx
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleChat handles POST /api/chat. The answer is streamed as SSE data
// frames. A "conversation" event announces the conversation id first, and
// the stream ends with either an "error" or a "done" event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	convID := req.ConversationID
	if s.history != nil {
		if convID == 0 {
			c, err := s.history.Create(r.Context(), "")
			if err != nil {
				log.Error("chat: create conversation failed", slog.Any("error", err))
				writeError(w, http.StatusInternalServerError, "could not create conversation")
				return
			}
			convID = c.ID
		} else if _, err := s.history.Get(r.Context(), convID); err != nil {
			s.writeStoreError(w, r, err)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if convID != 0 {
		fmt.Fprintf(w, "event: conversation\ndata: %d\n\n", convID)
		flusher.Flush()
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.chatTimeout())
	defer cancel()

	start := time.Now()
	if s.metrics != nil {
		s.metrics.chatActiveStreams.Inc()
		defer s.metrics.chatActiveStreams.Dec()
	}

	sw := &sseWriter{w: w, flusher: flusher}
	_, err := s.querier.Query(ctx, convID, req.Message, sw)

	outcome := "ok"
	var modelErr *chat.ModelError
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = "timeout"
	case errors.As(err, &modelErr):
		outcome = "model_error"
	default:
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc()
		s.metrics.chatDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		log.Error("chat: query failed", slog.String("outcome", outcome), slog.Any("error", err))
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", strings.ReplaceAll(err.Error(), "\n", " "))
		flusher.Flush()
		return
	}
	fmt.Fprintf(w, "event: done\ndata: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) chatTimeout() time.Duration {
	if s.cfg != nil && s.cfg.ChatTimeout > 0 {
		return s.cfg.ChatTimeout
	}
	return 5 * time.Minute
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an errorResponse.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// sseWriter wraps an http.ResponseWriter to emit Server-Sent Event data frames.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// Write formats p as one or more SSE data lines and flushes to the client.
// Each newline in p is prefixed with "data: " so multi-line chunks never
// break the SSE frame boundary.
func (s *sseWriter) Write(p []byte) (n int, err error) {
	chunk := strings.TrimRight(string(bytes.Clone(p)), "\n")
	lines := strings.Split(chunk, "\n")
	var buf strings.Builder
	for _, line := range lines {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	if _, err = fmt.Fprint(s.w, buf.String()); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}
