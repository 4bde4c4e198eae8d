package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedReturnsVectorsInInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := embeddingsResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(i), float32(i) + 0.5}, Index: len(req.Input) - 1 - i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Config{BaseURL: srv.URL, APIKey: "test-key", RequestsPerSec: 0})
	require.NoError(t, err)

	result, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Dim)
	assert.Equal(t, 2, result.Count())
	// The server answers in reverse index order; input 0 is the item tagged
	// index 0, i.e. the embedding generated for i == 1.
	assert.Equal(t, []float32{1, 1.5}, result.At(0))
	assert.Equal(t, []float32{0, 0.5}, result.At(1))
}

func TestEmbedRetriesOn5xxThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		resp := embeddingsResponse{Data: []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{{Embedding: []float32{1, 2, 3}, Index: 0}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Config{BaseURL: srv.URL, APIKey: "k", RequestsPerSec: 0, MaxRetries: 3})
	require.NoError(t, err)

	result, err := c.Embed(context.Background(), []string{"only"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Dim)
	assert.Equal(t, 2, calls)
}

func TestEmbedNonRetryableStatusFailsImmediately(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Config{BaseURL: srv.URL, APIKey: "k", RequestsPerSec: 0, MaxRetries: 3})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), []string{"x"})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNewOpenAIClientRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIClient(Config{})
	assert.Error(t, err)
}

func TestResultAt(t *testing.T) {
	r := Result{Vectors: []float32{1, 2, 3, 4}, Dim: 2}
	assert.Equal(t, []float32{1, 2}, r.At(0))
	assert.Equal(t, []float32{3, 4}, r.At(1))
	assert.Equal(t, 2, r.Count())
}
