package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragchat/internal/chat"
	"github.com/54b3r/ragchat/internal/engine"
	"github.com/54b3r/ragchat/internal/logging"
	"github.com/54b3r/ragchat/internal/provider"
	"github.com/54b3r/ragchat/internal/store"
	"github.com/54b3r/ragchat/internal/tracing"
)

// NewChatCmd constructs the `ragchat chat` command. With a message argument
// it answers once; without one it reads questions from stdin until EOF.
func NewChatCmd() *cobra.Command {
	var conversationID int64
	var newConversation bool

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Ask questions about your documents",
		Long: `Ask the assistant a question and stream the answer to stdout.

Passages retrieved from the indexed documents are added to the prompt. If
the index is missing or out of date it is rebuilt first. Turns are stored
in the conversation history unless RAGCHAT_HISTORY_DB=disabled; use
--conversation to continue an earlier conversation.

Without a message argument, chat reads one question per line from stdin.

Examples:
  ragchat chat "Quelles sont les fonctions des mitochondries ?"
  ragchat chat --conversation 3 "Et dans les cellules végétales ?"
  ragchat chat --new`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)
			stderr := cmd.ErrOrStderr()

			flush := tracing.Setup(tracing.ConfigFromEnv(), log)
			defer flush()

			chatModel, _, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("chat: failed to initialise model provider: %w", err)
			}

			c, err := openCorpus(ctx, log, nil, progressTo(stderr))
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}
			defer c.Close()

			if err := ensureIndexed(ctx, c.engine, stderr); err != nil {
				return fmt.Errorf("chat: %w", err)
			}

			hs, closeHistory, err := openHistory(log)
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}
			defer closeHistory()
			history := asConversationStore(hs)

			assistant, err := buildAssistant(chatModel, c, history)
			if err != nil {
				return fmt.Errorf("chat: failed to initialise assistant: %w", err)
			}

			if history != nil {
				conversationID, err = resolveConversation(ctx, history, conversationID, newConversation)
				if err != nil {
					return fmt.Errorf("chat: %w", err)
				}
				fmt.Fprintf(stderr, "conversation %d\n", conversationID)
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return ask(ctx, assistant, conversationID, args[0], out)
			}
			return repl(ctx, assistant, conversationID, cmd.InOrStdin(), out, log)
		},
	}

	cmd.Flags().Int64VarP(&conversationID, "conversation", "c", 0, "Continue the conversation with this id")
	cmd.Flags().BoolVar(&newConversation, "new", false, "Start a new conversation instead of continuing the latest one")

	return cmd
}

// resolveConversation returns the conversation to write to: the requested
// id, a new conversation when asked for, or else the most recent one.
func resolveConversation(ctx context.Context, history store.ConversationStore, id int64, fresh bool) (int64, error) {
	if id > 0 {
		if _, err := history.Get(ctx, id); err != nil {
			return 0, err
		}
		return id, nil
	}
	if !fresh {
		convs, err := history.List(ctx)
		if err != nil {
			return 0, err
		}
		if len(convs) > 0 {
			return convs[0].ID, nil
		}
	}
	conv, err := history.Create(ctx, "")
	if err != nil {
		return 0, err
	}
	return conv.ID, nil
}

// ask streams one answer to out. Model failures are returned so the
// process exits non-zero.
func ask(ctx context.Context, a *chat.Assistant, conversationID int64, message string, out io.Writer) error {
	if _, err := a.Query(ctx, conversationID, message, out); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out)
	return err
}

// repl answers one question per input line until EOF or ctx ends. A model
// failure ends the session with that error.
func repl(ctx context.Context, a *chat.Assistant, conversationID int64, in io.Reader, out io.Writer, log *slog.Logger) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		err := ask(ctx, a, conversationID, line, out)
		var modelErr *chat.ModelError
		switch {
		case err == nil:
		case errors.As(err, &modelErr):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			log.Warn("chat: query failed", slog.Any("error", err))
		}
	}
}

// ensureIndexed rebuilds an EMPTY or STALE index before answering. A
// rebuild failure leaves the previous index in place and is reported but
// not fatal.
func ensureIndexed(ctx context.Context, eng *engine.Engine, w io.Writer) error {
	if eng.State() == engine.StateIndexed {
		return nil
	}
	sum, err := eng.Reindex(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprintf(w, "warning: index rebuild failed: %v\n", err)
		return nil
	}
	fmt.Fprintf(w, "indexed %d chunks from %d documents\n", sum.Chunks, sum.Indexed)
	return nil
}

// progressTo returns an engine progress callback writing one line per
// message to w.
func progressTo(w io.Writer) func(string) {
	return func(msg string) { fmt.Fprintln(w, msg) }
}
