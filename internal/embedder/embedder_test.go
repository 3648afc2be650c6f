package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/ragchat/internal/rag"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	t.Parallel()
	var got ollamaEmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		resp := ollamaEmbedResponse{}
		for i := range got.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(i), 1})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL + "/", Model: "nomic-embed-text"})
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}, {1, 1}}, vecs)
	assert.Equal(t, "nomic-embed-text", got.Model)
	assert.Equal(t, []string{"a", "b"}, got.Input)
	assert.Equal(t, "nomic-embed-text", e.Model())
}

func TestOllamaEmbedder_ErrorsAreEmbeddingErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model \"nomic\" not found"}`))
		}},
		{"count mismatch", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"embeddings":[[1,2]]}`))
		}},
		{"bad json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)

			e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic"})
			_, err := e.Embed(context.Background(), []string{"a", "b"})
			var ee *rag.EmbeddingError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, "nomic", ee.Model)
			assert.Equal(t, 2, ee.Batch)
		})
	}
}

func TestOpenAIEmbedder_ReordersByIndex(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[2,2]},{"index":0,"embedding":[1,1]}]}`))
	}))
	t.Cleanup(srv.Close)

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "sk-test", Model: "text-embedding-3-small"})
	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {2, 2}}, vecs)
}

func TestOpenAIEmbedder_AzureMode(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/embed-dep/embeddings", r.URL.Path)
		assert.Equal(t, "2025-04-01-preview", r.URL.Query().Get("api-version"))
		assert.Equal(t, "az-key", r.Header.Get("api-key"))
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.5]}]}`))
	}))
	t.Cleanup(srv.Close)

	e := NewOpenAIEmbedder(&OpenAIConfig{
		BaseURL:    srv.URL + "/openai",
		APIKey:     "az-key",
		Model:      "embed-dep",
		Azure:      true,
		APIVersion: "2025-04-01-preview",
	})
	vecs, err := e.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.5}}, vecs)
}

func TestOpenAIEmbedder_APIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	t.Cleanup(srv.Close)

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "bad", Model: "m"})
	_, err := e.Embed(context.Background(), []string{"x"})
	var ee *rag.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, err.Error(), "invalid api key")
}

// countingEmbedder returns a vector derived from each text's length and
// records every batch it receives.
type countingEmbedder struct {
	calls   atomic.Int32
	batches [][]string
	fail    error
}

func (c *countingEmbedder) Model() string { return "counting" }

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	c.batches = append(c.batches, texts)
	if c.fail != nil {
		return nil, c.fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func TestCached_ServesHitsAndForwardsMisses(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingEmbedder{}
	c := NewCached(inner, client, "counting", time.Hour, discardLogger())
	ctx := context.Background()

	first, err := c.Embed(ctx, []string{"a", "bb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {2, 1}}, first)

	second, err := c.Embed(ctx, []string{"bb", "ccc", "a"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {3, 1}, {1, 1}}, second)

	require.Len(t, inner.batches, 2)
	assert.Equal(t, []string{"ccc"}, inner.batches[1], "only the miss is forwarded")

	_, err = c.Embed(ctx, []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load(), "full hit must not call the backend")

	assert.Len(t, mr.Keys(), 3)
	mr.FastForward(2 * time.Hour)
	assert.Empty(t, mr.Keys(), "entries expire after the TTL")
}

func TestCached_RedisDownDegradesToMiss(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	inner := &countingEmbedder{}
	c := NewCached(inner, client, "counting", time.Hour, discardLogger())
	mr.Close()

	vecs, err := c.Embed(context.Background(), []string{"abc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{3, 1}}, vecs)
}

func TestCached_BackendErrorPropagates(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cause := rag.WrapEmbedding("counting", 1, errors.New("boom"))
	c := NewCached(&countingEmbedder{fail: cause}, client, "counting", 0, discardLogger())

	_, err := c.Embed(context.Background(), []string{"x"})
	var ee *rag.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Empty(t, mr.Keys())
}

func TestRateLimited_WaitHonoursContext(t *testing.T) {
	t.Parallel()
	inner := &countingEmbedder{}
	r := NewRateLimited(inner, 0.001, 1)

	_, err := r.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Embed(ctx, []string{"b"})
	var ee *rag.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, "counting", r.Model())
}

func TestNewFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
		check   func(t *testing.T, e rag.Embedder)
	}{
		{
			name: "default ollama",
			env:  map[string]string{},
			check: func(t *testing.T, e rag.Embedder) {
				o, ok := e.(*OllamaEmbedder)
				require.True(t, ok, "got %T", e)
				assert.Equal(t, "nomic-embed-text", o.Model())
				assert.Equal(t, "http://localhost:11434", o.host)
			},
		},
		{
			name: "inherits MODEL_PROVIDER",
			env:  map[string]string{"MODEL_PROVIDER": "openai", "OPENAI_API_KEY": "sk"},
			check: func(t *testing.T, e rag.Embedder) {
				o, ok := e.(*OpenAIEmbedder)
				require.True(t, ok, "got %T", e)
				assert.Equal(t, "text-embedding-3-small", o.Model())
				assert.Equal(t, 1536, o.dimensions)
			},
		},
		{
			name:    "openai without key",
			env:     map[string]string{"EMBEDDING_PROVIDER": "openai"},
			wantErr: true,
		},
		{
			name:    "azure without endpoint",
			env:     map[string]string{"EMBEDDING_PROVIDER": "azure", "EMBEDDING_API_KEY": "k"},
			wantErr: true,
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"EMBEDDING_PROVIDER": "carrier-pigeon"},
			wantErr: true,
		},
		{
			name: "rate limited",
			env:  map[string]string{"EMBEDDING_RPS": "5", "EMBEDDING_MODEL": "mxbai-embed-large"},
			check: func(t *testing.T, e rag.Embedder) {
				_, ok := e.(*RateLimited)
				require.True(t, ok, "got %T", e)
				assert.Equal(t, "mxbai-embed-large", ModelOf(e))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"EMBEDDING_PROVIDER", "MODEL_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_API_KEY",
				"EMBEDDING_ENDPOINT", "EMBEDDING_DIMENSIONS", "OPENAI_API_KEY", "AZURE_OPENAI_API_KEY",
				"AZURE_OPENAI_ENDPOINT", "OLLAMA_HOST", "EMBEDDING_RPS", "EMBEDDING_CACHE_REDIS"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			e, err := NewFromEnv(context.Background(), discardLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, e)
		})
	}
}

func TestNewFromEnv_WithRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("EMBEDDING_PROVIDER", "ollama")
	t.Setenv("EMBEDDING_RPS", "")
	t.Setenv("EMBEDDING_CACHE_REDIS", "redis://"+mr.Addr()+"/0")
	t.Setenv("EMBEDDING_CACHE_TTL", "1m")

	e, err := NewFromEnv(context.Background(), discardLogger())
	require.NoError(t, err)
	c, ok := e.(*Cached)
	require.True(t, ok, "got %T", e)
	t.Cleanup(func() { _ = c.Close() })
	assert.Equal(t, time.Minute, c.ttl)
	assert.Equal(t, "nomic-embed-text", c.Model())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{"ollama default", map[string]string{}, false},
		{"openai with key", map[string]string{"EMBEDDING_PROVIDER": "openai", "OPENAI_API_KEY": "sk"}, false},
		{"openai missing key", map[string]string{"EMBEDDING_PROVIDER": "openai"}, true},
		{"azure missing endpoint", map[string]string{"EMBEDDING_PROVIDER": "azure", "AZURE_OPENAI_API_KEY": "k"}, true},
		{"gemini with key", map[string]string{"EMBEDDING_PROVIDER": "gemini", "GEMINI_API_KEY": "g"}, false},
		{"gemini with google key", map[string]string{"EMBEDDING_PROVIDER": "gemini", "GOOGLE_API_KEY": "g"}, false},
		{"gemini missing key", map[string]string{"EMBEDDING_PROVIDER": "gemini"}, true},
		{"bedrock unsupported", map[string]string{"EMBEDDING_PROVIDER": "bedrock"}, true},
		{"chat model only warns", map[string]string{"EMBEDDING_MODEL": "llama3.2:3b"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"EMBEDDING_PROVIDER", "MODEL_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_API_KEY",
				"EMBEDDING_ENDPOINT", "OPENAI_API_KEY", "AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "GEMINI_API_KEY", "GOOGLE_API_KEY"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			err := Validate(discardLogger())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLooksLikeChatModel(t *testing.T) {
	t.Parallel()
	assert.True(t, looksLikeChatModel("llama3.2:3b"))
	assert.True(t, looksLikeChatModel("GPT-4o"))
	assert.False(t, looksLikeChatModel("nomic-embed-text"))
	assert.False(t, looksLikeChatModel("text-embedding-3-small"))
}

func TestGeminiTaskType(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert.Equal(t, "RETRIEVAL_DOCUMENT", taskType(ctx))
	assert.Equal(t, "RETRIEVAL_QUERY", taskType(rag.ForQuery(ctx)))
}

func TestCached_QueryAndDocumentKeysAreSeparate(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingEmbedder{}
	c := NewCached(inner, client, "counting", time.Hour, discardLogger())
	ctx := context.Background()

	_, err := c.Embed(ctx, []string{"same text"})
	require.NoError(t, err)
	_, err = c.Embed(rag.ForQuery(ctx), []string{"same text"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load(), "a document vector must not answer a query")

	_, err = c.Embed(rag.ForQuery(ctx), []string{"same text"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load(), "repeated query is a hit")
	assert.Len(t, mr.Keys(), 2)
}
