package embedder

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/54b3r/ragchat/internal/rag"
)

// GeminiEmbedder implements rag.Embedder using the Gemini API embedContent
// call. It is safe for concurrent use.
type GeminiEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int32
}

// GeminiConfig holds the settings for constructing a GeminiEmbedder.
type GeminiConfig struct {
	// APIKey is the Gemini API (AI Studio) key.
	APIKey string
	// Model is the embedding model name (e.g. "text-embedding-004").
	Model string
	// Dimensions is the requested output dimensionality (0 = model default).
	Dimensions int
}

// NewGeminiEmbedder constructs a GeminiEmbedder, creating the genai client.
func NewGeminiEmbedder(ctx context.Context, cfg *GeminiConfig) (*GeminiEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini embedder: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: create client: %w", err)
	}
	return &GeminiEmbedder{client: client, model: cfg.Model, dimensions: int32(cfg.Dimensions)}, nil
}

// Model returns the embedding model name.
func (e *GeminiEmbedder) Model() string { return e.model }

// Embed converts a batch of texts into their corresponding embeddings.
// Each text is sent as its own content so the response is parallel to the
// input. Texts embedded under a rag.ForQuery context use the query task type.
func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}

	cfg := &genai.EmbedContentConfig{TaskType: taskType(ctx)}
	if e.dimensions > 0 {
		cfg.OutputDimensionality = &e.dimensions
	}
	res, err := e.client.Models.EmbedContent(ctx, e.model, contents, cfg)
	if err != nil {
		return nil, rag.WrapEmbedding(e.model, len(texts), fmt.Errorf("gemini embedder: %w", err))
	}
	if len(res.Embeddings) != len(texts) {
		return nil, rag.WrapEmbedding(e.model, len(texts),
			fmt.Errorf("gemini embedder: expected %d embeddings, got %d", len(texts), len(res.Embeddings)))
	}

	out := make([][]float32, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, rag.WrapEmbedding(e.model, len(texts),
				fmt.Errorf("gemini embedder: empty embedding for input %d", i))
		}
		out[i] = emb.Values
	}
	return out, nil
}

// Gemini task types for asymmetric retrieval embeddings.
const (
	geminiTaskDocument = "RETRIEVAL_DOCUMENT"
	geminiTaskQuery    = "RETRIEVAL_QUERY"
)

func taskType(ctx context.Context) string {
	if rag.IsQuery(ctx) {
		return geminiTaskQuery
	}
	return geminiTaskDocument
}
