package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragchat/internal/docstore"
	"github.com/54b3r/ragchat/internal/engine"
	"github.com/54b3r/ragchat/internal/logging"
	"github.com/54b3r/ragchat/internal/provider"
	"github.com/54b3r/ragchat/internal/server"
	"github.com/54b3r/ragchat/internal/tracing"
)

// NewServeCmd constructs the `ragchat serve` command, which starts the HTTP
// server exposing chat, conversations, documents and the index.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ragchat HTTP server",
		Long: `Start the ragchat HTTP server.

The server exposes a JSON/SSE API for chat, conversation history, document
upload and removal, index status and rebuilds, and raw passage retrieval.
If the index is missing or out of date at startup it is rebuilt in the
background. With --watch, changes made to the documents directory on disk
trigger a rebuild as well.

Examples:
  ragchat serve
  ragchat serve --port 9090 --watch
  MODEL_PROVIDER=openai ragchat serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			flush := tracing.Setup(tracing.ConfigFromEnv(), log)
			defer flush()

			chatModel, providerCfg, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}
			log.Info("provider initialised",
				slog.String("provider", string(providerCfg.Backend)),
				slog.String("model", providerCfg.ModelName()),
			)

			c, err := openCorpus(ctx, log, prometheus.DefaultRegisterer, nil)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer c.Close()

			hs, closeHistory, err := openHistory(log)
			if err != nil {
				log.Warn("history: failed to open store, disabling", slog.Any("error", err))
				hs, closeHistory = nil, func() {}
			}
			defer closeHistory()
			history := asConversationStore(hs)

			assistant, err := buildAssistant(chatModel, c, history)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise assistant: %w", err)
			}

			srv, err := server.New(assistant, c.engine, history, &server.Config{
				Host:    host,
				Port:    port,
				Logger:  log,
				Pingers: buildPingers(chatModel, providerCfg, c),
				APIKey:  os.Getenv("RAGCHAT_API_KEY"),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			if c.engine.State() != engine.StateIndexed {
				go initialRebuild(ctx, c.engine, log)
			}
			if watch {
				go func() {
					if err := c.engine.Watch(ctx, docstore.DefaultDebounce); err != nil {
						log.Error("watch: stopped", slog.Any("error", err))
					}
				}()
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", getEnvOrDefault("RAGCHAT_HOST", "127.0.0.1"), "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", getEnvInt("RAGCHAT_PORT", 8080), "TCP port to listen on")
	cmd.Flags().BoolVar(&watch, "watch", false, "Rebuild the index when the documents directory changes on disk")

	return cmd
}

// initialRebuild brings an EMPTY or STALE index up to date. Chat keeps
// answering from the previous index (or without context) meanwhile.
func initialRebuild(ctx context.Context, eng *engine.Engine, log *slog.Logger) {
	log.Info("index: rebuilding at startup", slog.String("state", string(eng.State())))
	sum, err := eng.Reindex(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("index: startup rebuild failed", slog.Any("error", err))
		}
		return
	}
	log.Info("index: startup rebuild complete",
		slog.Int("documents", sum.Documents),
		slog.Int("chunks", sum.Chunks),
		slog.Duration("duration", sum.Duration),
	)
}
