package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragchat/internal/chat"
	"github.com/54b3r/ragchat/internal/docstore"
	"github.com/54b3r/ragchat/internal/engine"
	"github.com/54b3r/ragchat/internal/rag"
	"github.com/54b3r/ragchat/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// ChatTimeout bounds a single /api/chat stream (default: 5m).
	ChatTimeout time.Duration
	// MaxUploadBytes caps a document upload (default: 64 MiB).
	MaxUploadBytes int64
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [slog.Default] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// querier is the interface handleChat calls to stream a response.
// *chat.Assistant satisfies it; tests inject a fake.
type querier interface {
	Query(ctx context.Context, conversationID int64, userMessage string, w io.Writer) (chat.Reply, error)
}

// corpus is the document and index surface of the retrieval engine.
// *engine.Engine satisfies it.
type corpus interface {
	Documents(ctx context.Context) ([]docstore.Document, error)
	Add(ctx context.Context, name string, r io.Reader) (docstore.Document, engine.Summary, error)
	Remove(ctx context.Context, name string) (engine.Summary, error)
	Reindex(ctx context.Context) (engine.Summary, error)
	Status() engine.Status
	Search(ctx context.Context, query string, k int) ([]rag.ScoredChunk, error)
}

// Server is the HTTP server exposing chat, conversations, documents and
// the index.
type Server struct {
	// querier streams chat answers.
	querier querier
	// corpus manages documents and the index.
	corpus corpus
	// history stores conversations. May be nil, which disables the
	// conversation routes.
	history store.ConversationStore
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
	// lifetime is the context passed to Start. Document and index mutations
	// run on it instead of the request context.
	lifetime context.Context
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// Message is the user's question.
	Message string `json:"message"`
	// ConversationID continues an existing conversation. Zero starts a new one.
	ConversationID int64 `json:"conversation_id"`
}

// conversationRequest is the JSON body for creating or renaming a conversation.
type conversationRequest struct {
	Name string `json:"name"`
}

// conversationResponse is returned by GET /api/conversations/{id}.
type conversationResponse struct {
	store.Conversation
	Messages []store.Message `json:"messages"`
}

// documentResponse is returned by document mutations.
type documentResponse struct {
	Document *docstore.Document `json:"document,omitempty"`
	Summary  engine.Summary     `json:"summary"`
	// Error is set when the document was stored or removed but the rebuild
	// that followed failed.
	Error string `json:"error,omitempty"`
}

// retrieveRequest is the JSON body for POST /api/retrieve.
type retrieveRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// retrieveHit is one passage in a retrieve response.
type retrieveHit struct {
	Source  string  `json:"source"`
	Ordinal int     `json:"ordinal"`
	Page    int     `json:"page,omitempty"`
	Score   float32 `json:"score"`
	Content string  `json:"content"`
}

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
}
