package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"concierge/internal/config"
)

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CosineSimilarity(tc.a, tc.b)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tc.want) > 1e-6 {
				t.Errorf("expected %f, got %f", tc.want, got)
			}
		})
	}
}

func TestCosineSimilarityMismatchedDimensions(t *testing.T) {
	if _, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); err == nil {
		t.Error("expected error for mismatched dimensions")
	}
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	got, err := CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("expected 0 for zero vector, got %f", got)
	}
}

func TestCosineDistance(t *testing.T) {
	got, err := CosineDistance([]float32{1, 0}, []float32{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got-1) > 1e-6 {
		t.Errorf("expected distance 1 for orthogonal vectors, got %f", got)
	}
}

func TestFindTopK(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{
		{0, 1},        // orthogonal
		{1, 0.1},      // close
		{1, 0},        // identical
		{-1, 0},       // opposite
		{0.5, 0.5, 1}, // wrong dimensions, skipped
	}

	results, err := FindTopK(query, corpus, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Index != 2 {
		t.Errorf("expected identical vector first, got index %d", results[0].Index)
	}
	if results[1].Index != 1 {
		t.Errorf("expected close vector second, got index %d", results[1].Index)
	}
}

func TestOpenAIEngineEmbedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer ek" {
			t.Errorf("expected bearer auth, got %q", auth)
		}

		var req openAIEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if len(req.Input) != 2 {
			t.Errorf("expected 2 inputs, got %d", len(req.Input))
		}

		// Return out of order to exercise index-based reassembly
		fmt.Fprint(w, `{"data": [
			{"index": 1, "embedding": [0.4, 0.5, 0.6]},
			{"index": 0, "embedding": [0.1, 0.2, 0.3]}
		]}`)
	}))
	defer server.Close()

	engine, err := NewOpenAIEngine("ek", server.URL, "text-embedding-3-small", 3)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	embeddings, err := engine.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("embed batch failed: %v", err)
	}
	if len(embeddings) != 2 {
		t.Fatalf("expected 2 embeddings, got %d", len(embeddings))
	}
	if embeddings[0][0] != 0.1 {
		t.Errorf("expected index reorder, got %v", embeddings[0])
	}
	if embeddings[1][2] != 0.6 {
		t.Errorf("expected second embedding, got %v", embeddings[1])
	}
}

func TestOpenAIEngineEmbedSingle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": [{"index": 0, "embedding": [1, 2, 3]}]}`)
	}))
	defer server.Close()

	engine, err := NewOpenAIEngine("ek", server.URL, "", 0)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	vec, err := engine.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 1 {
		t.Errorf("unexpected embedding %v", vec)
	}
}

func TestOpenAIEngineErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream broke")
	}))
	defer server.Close()

	engine, err := NewOpenAIEngine("ek", server.URL, "", 0)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	if _, err := engine.Embed(context.Background(), "hello"); err == nil {
		t.Error("expected error for non-200 status")
	}
}

func TestOpenAIEngineRequiresKey(t *testing.T) {
	if _, err := NewOpenAIEngine("", "", "", 0); err == nil {
		t.Error("expected error for missing api key")
	}
}

func TestNewEngineUnsupportedProvider(t *testing.T) {
	_, err := NewEngine(
		config.EmbeddingConfig{Provider: "word2vec"},
		config.ProvidersConfig{},
	)
	if err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestEngineName(t *testing.T) {
	engine, err := NewOpenAIEngine("ek", "http://localhost:1", "text-embedding-3-small", 1536)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if engine.Name() != "openai:text-embedding-3-small" {
		t.Errorf("unexpected name %s", engine.Name())
	}
	if engine.Dimensions() != 1536 {
		t.Errorf("expected 1536 dimensions, got %d", engine.Dimensions())
	}
}
