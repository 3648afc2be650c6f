// Package chat turns a user message into a streamed answer from the chat
// model. Each query is grounded on passages fetched from the retrieval
// engine and on the recent turns of the conversation, and the finished turn
// is written back to the conversation store.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragchat/internal/budget"
	"github.com/54b3r/ragchat/internal/logging"
	"github.com/54b3r/ragchat/internal/rag"
	"github.com/54b3r/ragchat/internal/store"
)

const (
	// DefaultLanguage is the answer language when none is configured.
	DefaultLanguage = "français"

	// DefaultTopK is the number of passages requested per query.
	DefaultTopK = 5

	// DefaultHistoryDepth is the number of prior turns replayed per query.
	DefaultHistoryDepth = 10
)

// SystemPrompt returns the fixed instruction sent ahead of every
// conversation, asking for a direct, brief, academic answer in language.
func SystemPrompt(language string) string {
	if strings.TrimSpace(language) == "" {
		language = DefaultLanguage
	}
	return "Réponds directement à la question sans inclure ton raisonnement. " +
		"Sois bref et précis. " +
		"Réponds uniquement en " + language + ". " +
		"Adopte un style académique. " +
		"Évite toute faute d’orthographe."
}

// ModelError reports a failure of the chat model itself, as opposed to a
// failure of retrieval or persistence.
type ModelError struct {
	// Op is "stream" when the call could not start and "recv" when the
	// stream broke part way.
	Op  string
	Err error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("chat: model %s: %v", e.Op, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Config holds the dependencies required to construct an Assistant.
type Config struct {
	// ChatModel is the LLM backend constructed by the provider factory.
	ChatModel model.BaseChatModel

	// Retriever supplies passages for the prompt. May be nil, in which case
	// the model answers without document context.
	Retriever rag.Retriever

	// TopK is the number of passages requested per query.
	TopK int

	// History persists and replays conversation turns. If nil, each query
	// is stateless.
	History store.ConversationStore

	// HistoryDepth is the number of prior turns (user+assistant pairs)
	// replayed per query.
	HistoryDepth int

	// MaxContextTokens is the estimated input budget. Passages and history
	// are trimmed to fit it.
	MaxContextTokens int

	// Language is the answer language named in the system prompt.
	Language string

	// SystemPrompt overrides the prompt built from Language.
	SystemPrompt string
}

// Assistant answers user messages with the configured chat model.
type Assistant struct {
	model            model.BaseChatModel
	retriever        rag.Retriever
	topK             int
	history          store.ConversationStore
	historyDepth     int
	maxContextTokens int
	systemPrompt     string
}

// Reply describes a completed answer.
type Reply struct {
	// Content is the full assistant answer.
	Content string `json:"content"`
	// Passages is the number of retrieved passages included in the prompt.
	Passages int `json:"passages"`
	// HistoryMessages is the number of prior messages replayed.
	HistoryMessages int `json:"history_messages"`
}

// New constructs an Assistant from cfg.
func New(cfg *Config) (*Assistant, error) {
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("chat: ChatModel must not be nil")
	}
	a := &Assistant{
		model:            cfg.ChatModel,
		retriever:        cfg.Retriever,
		topK:             cfg.TopK,
		history:          cfg.History,
		historyDepth:     cfg.HistoryDepth,
		maxContextTokens: cfg.MaxContextTokens,
		systemPrompt:     cfg.SystemPrompt,
	}
	if a.topK <= 0 {
		a.topK = DefaultTopK
	}
	if a.historyDepth <= 0 {
		a.historyDepth = DefaultHistoryDepth
	}
	if a.maxContextTokens <= 0 {
		a.maxContextTokens = budget.DefaultMaxContextTokens
	}
	if a.systemPrompt == "" {
		a.systemPrompt = SystemPrompt(cfg.Language)
	}
	return a, nil
}

// Query streams the answer to userMessage into w chunk by chunk. When a
// conversation store is configured and conversationID is positive, prior
// turns are replayed and the new turn is persisted once the stream has
// completed. A failed model call returns a *ModelError and persists nothing.
func (a *Assistant) Query(ctx context.Context, conversationID int64, userMessage string, w io.Writer) (Reply, error) {
	var reply Reply
	if strings.TrimSpace(userMessage) == "" {
		return reply, fmt.Errorf("chat: message must not be empty")
	}

	messages, passages, historyUsed := a.buildMessages(ctx, conversationID, userMessage)
	reply.Passages = passages
	reply.HistoryMessages = historyUsed

	sr, err := a.model.Stream(ctx, messages)
	if err != nil {
		return reply, &ModelError{Op: "stream", Err: err}
	}
	defer sr.Close()

	var buf strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return reply, &ModelError{Op: "recv", Err: err}
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		buf.WriteString(msg.Content)
		if _, err := io.WriteString(w, msg.Content); err != nil {
			return reply, fmt.Errorf("chat: write error: %w", err)
		}
	}
	reply.Content = buf.String()

	if a.history != nil && conversationID > 0 {
		log := logging.FromContext(ctx)
		if err := a.history.Append(ctx, conversationID, store.RoleUser, userMessage); err != nil {
			log.Warn("history: failed to persist user message", slog.Int64("conversation_id", conversationID), slog.Any("error", err))
		}
		if err := a.history.Append(ctx, conversationID, store.RoleAssistant, reply.Content); err != nil {
			log.Warn("history: failed to persist assistant message", slog.Int64("conversation_id", conversationID), slog.Any("error", err))
		}
	}
	return reply, nil
}

// buildMessages returns [system, ...history, passages, user]. Passages are
// fitted to the budget first, then history is trimmed oldest-first.
func (a *Assistant) buildMessages(ctx context.Context, conversationID int64, userMessage string) ([]*schema.Message, int, int) {
	log := logging.FromContext(ctx)
	system := schema.SystemMessage(a.systemPrompt)
	user := schema.UserMessage(userMessage)

	var historyMsgs []*schema.Message
	if a.history != nil && conversationID > 0 {
		prior, err := a.history.Recent(ctx, conversationID, a.historyDepth*2)
		if err != nil {
			log.Warn("history: failed to load prior messages", slog.Any("error", err))
		}
		for _, m := range prior {
			switch m.Role {
			case store.RoleUser:
				historyMsgs = append(historyMsgs, schema.UserMessage(m.Content))
			case store.RoleAssistant:
				historyMsgs = append(historyMsgs, schema.AssistantMessage(m.Content, nil))
			}
		}
	}

	fixed := []*schema.Message{system}
	var passages []string
	if a.retriever != nil {
		docs, err := a.retriever.Retrieve(ctx, userMessage, a.topK)
		if err != nil {
			log.Warn("RAG retrieval failed, continuing without context", slog.Any("error", err))
		} else {
			used := budget.EstimateMessages([]*schema.Message{system, user}) + budget.Estimate(passagesHeader)
			passages = budget.FitPassages(docs, used, a.maxContextTokens)
			if dropped := len(docs) - len(passages); dropped > 0 {
				log.Warn("budget: dropped passages to fit context window", slog.Int("dropped", dropped))
			}
		}
	}
	if len(passages) > 0 {
		fixed = append(fixed, schema.SystemMessage(buildPassageContext(passages)))
	}
	fixed = append(fixed, user)

	before := len(historyMsgs)
	historyMsgs = budget.TrimHistory(fixed, historyMsgs, a.maxContextTokens)
	if dropped := before - len(historyMsgs); dropped > 0 {
		log.Warn("budget: dropped history messages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(historyMsgs)),
			slog.Int("max_tokens", a.maxContextTokens),
		)
	}

	out := make([]*schema.Message, 0, len(fixed)+len(historyMsgs))
	out = append(out, fixed[0])
	out = append(out, historyMsgs...)
	out = append(out, fixed[1:]...)
	return out, len(passages), len(historyMsgs)
}

const passagesHeader = "## Extraits des documents\n\n" +
	"Les extraits suivants proviennent des documents indexés. " +
	"Appuie ta réponse sur eux lorsqu'ils sont pertinents.\n\n"

func buildPassageContext(passages []string) string {
	var sb strings.Builder
	sb.WriteString(passagesHeader)
	for i, p := range passages {
		fmt.Fprintf(&sb, "### Extrait %d\n%s\n\n", i+1, p)
	}
	return sb.String()
}
