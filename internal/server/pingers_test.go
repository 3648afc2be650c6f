package server

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type stubModel struct {
	err   error
	calls int
}

func (m *stubModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage("pong", nil), nil
}

func (m *stubModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

type stubHealth struct{ err error }

func (h stubHealth) HealthCheck(context.Context) error { return h.err }

type stubEmbedder struct {
	vecs [][]float32
	err  error
}

func (e stubEmbedder) Embed(context.Context, []string) ([][]float32, error) { return e.vecs, e.err }

func TestLLMPinger_PrefersHealthCheck(t *testing.T) {
	t.Parallel()
	m := &stubModel{}

	p := NewLLMPinger(m, stubHealth{}, "ollama")
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	if m.calls != 0 {
		t.Errorf("expected no Generate call when a health check exists, got %d", m.calls)
	}

	p = NewLLMPinger(m, stubHealth{err: errors.New("refused")}, "ollama")
	if err := p.Ping(context.Background()); err == nil {
		t.Error("expected health check failure to surface")
	}
	if p.Name() != "ollama" {
		t.Errorf("expected name ollama, got %q", p.Name())
	}
}

func TestLLMPinger_FallsBackToGenerate(t *testing.T) {
	t.Parallel()
	m := &stubModel{}

	if err := NewLLMPinger(m, nil, "gemini").Ping(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	if m.calls != 1 {
		t.Errorf("expected one Generate call, got %d", m.calls)
	}

	m.err = errors.New("quota")
	if err := NewLLMPinger(m, nil, "gemini").Ping(context.Background()); err == nil {
		t.Error("expected Generate failure to surface")
	}
}

func TestEmbedderPinger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		emb     stubEmbedder
		wantErr bool
	}{
		{"vector returned", stubEmbedder{vecs: [][]float32{{0.1, 0.2}}}, false},
		{"backend error", stubEmbedder{err: errors.New("down")}, true},
		{"empty vector", stubEmbedder{vecs: [][]float32{{}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewEmbedderPinger(tt.emb, "embedder").Ping(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("wantErr=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestQdrantPinger(t *testing.T) {
	t.Parallel()
	p := NewQdrantPinger(stubHealth{err: errors.New("unavailable")})
	if p.Name() != "qdrant" {
		t.Errorf("expected name qdrant, got %q", p.Name())
	}
	if err := p.Ping(context.Background()); err == nil {
		t.Error("expected error from failing health check")
	}
}
